package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	billingdomain "github.com/soundloom/tunesmith/internal/billing/domain"
	"github.com/soundloom/tunesmith/internal/clock"
	"github.com/soundloom/tunesmith/internal/config"
	ledgerdomain "github.com/soundloom/tunesmith/internal/ledger/domain"
	ledgerservice "github.com/soundloom/tunesmith/internal/ledger/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testSecret = "whsec_test"

func newTestService(t *testing.T) (billingdomain.Service, ledgerdomain.Service, *gorm.DB) {
	t.Helper()
	return newTestServiceWithLedger(t, func(ledger ledgerdomain.Service) ledgerdomain.Service {
		return ledger
	})
}

func newTestServiceWithLedger(t *testing.T, wrap func(ledgerdomain.Service) ledgerdomain.Service) (billingdomain.Service, ledgerdomain.Service, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&ledgerdomain.AccountBalance{},
		&ledgerdomain.CreditEntry{},
		&billingdomain.BillingEvent{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	ledger := ledgerservice.NewService(ledgerservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fake,
	})

	svc := NewService(Params{
		Config: config.Config{
			Billing: config.BillingWebhookConfig{WebhookSecret: testSecret},
		},
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  fake,
		Ledger: wrap(ledger),
	})
	return svc, ledger, db
}

// flakyLedger fails the first AddCredits calls before delegating, to model a
// transient ledger outage between the event row commit and the grant.
type flakyLedger struct {
	ledgerdomain.Service
	failures int
}

func (f *flakyLedger) AddCredits(ctx context.Context, req ledgerdomain.GrantRequest) (*ledgerdomain.CreditEntry, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("ledger: connection reset")
	}
	return f.Service.AddCredits(ctx, req)
}

func sign(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func eventPayload(id, eventType string, accountID snowflake.ID, credits int64) []byte {
	return []byte(fmt.Sprintf(
		`{"id":%q,"type":%q,"account_id":%q,"credits":%d}`,
		id, eventType, accountID.String(), credits,
	))
}

func TestHandleWebhookGrantsCredits(t *testing.T) {
	svc, ledger, _ := newTestService(t)
	ctx := context.Background()
	node, _ := snowflake.NewNode(2)
	accountID := node.Generate()

	payload := eventPayload("evt_1", billingdomain.EventCreditsPurchased, accountID, 100)
	require.NoError(t, svc.HandleWebhook(ctx, payload, sign(payload)))

	balance, err := ledger.Balance(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
}

func TestHandleWebhookRejectsBadSignature(t *testing.T) {
	svc, ledger, _ := newTestService(t)
	ctx := context.Background()
	node, _ := snowflake.NewNode(2)
	accountID := node.Generate()

	payload := eventPayload("evt_1", billingdomain.EventCreditsPurchased, accountID, 100)
	err := svc.HandleWebhook(ctx, payload, "sha256=deadbeef")
	assert.ErrorIs(t, err, billingdomain.ErrInvalidSignature)

	balance, err := ledger.Balance(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestHandleWebhookReplayIsNoOp(t *testing.T) {
	svc, ledger, db := newTestService(t)
	ctx := context.Background()
	node, _ := snowflake.NewNode(2)
	accountID := node.Generate()

	payload := eventPayload("evt_1", billingdomain.EventSubscriptionRenewed, accountID, 50)
	require.NoError(t, svc.HandleWebhook(ctx, payload, sign(payload)))
	require.NoError(t, svc.HandleWebhook(ctx, payload, sign(payload)))

	balance, err := ledger.Balance(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), balance)

	var events int64
	require.NoError(t, db.Model(&billingdomain.BillingEvent{}).Count(&events).Error)
	assert.Equal(t, int64(1), events)

	var event billingdomain.BillingEvent
	require.NoError(t, db.First(&event, "provider_event_id = ?", "evt_1").Error)
	assert.NotNil(t, event.ProcessedAt)
}

func TestHandleWebhookRedeliveryRecoversFromGrantFailure(t *testing.T) {
	svc, ledger, db := newTestServiceWithLedger(t, func(ledger ledgerdomain.Service) ledgerdomain.Service {
		return &flakyLedger{Service: ledger, failures: 1}
	})
	ctx := context.Background()
	node, _ := snowflake.NewNode(2)
	accountID := node.Generate()

	payload := eventPayload("evt_1", billingdomain.EventCreditsPurchased, accountID, 100)
	require.Error(t, svc.HandleWebhook(ctx, payload, sign(payload)))

	var event billingdomain.BillingEvent
	require.NoError(t, db.First(&event, "provider_event_id = ?", "evt_1").Error)
	assert.Nil(t, event.ProcessedAt)

	// The provider redelivers after the error; the grant must land this time.
	require.NoError(t, svc.HandleWebhook(ctx, payload, sign(payload)))

	balance, err := ledger.Balance(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	var events int64
	require.NoError(t, db.Model(&billingdomain.BillingEvent{}).Count(&events).Error)
	assert.Equal(t, int64(1), events)

	require.NoError(t, db.First(&event, "provider_event_id = ?", "evt_1").Error)
	assert.NotNil(t, event.ProcessedAt)
}

func TestHandleWebhookIgnoresUnknownType(t *testing.T) {
	svc, _, db := newTestService(t)
	node, _ := snowflake.NewNode(2)

	payload := eventPayload("evt_1", "invoice.finalized", node.Generate(), 10)
	require.NoError(t, svc.HandleWebhook(context.Background(), payload, sign(payload)))

	var events int64
	require.NoError(t, db.Model(&billingdomain.BillingEvent{}).Count(&events).Error)
	assert.Equal(t, int64(0), events)
}

func TestHandleWebhookRejectsMalformedEvent(t *testing.T) {
	svc, _, _ := newTestService(t)

	payload := []byte(`{"id":"evt_1","type":"credits.purchased","account_id":"","credits":0}`)
	err := svc.HandleWebhook(context.Background(), payload, sign(payload))
	assert.ErrorIs(t, err, billingdomain.ErrInvalidEvent)
}
