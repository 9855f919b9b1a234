package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/soundloom/tunesmith/internal/billing/domain"
	"github.com/soundloom/tunesmith/internal/clock"
	"github.com/soundloom/tunesmith/internal/config"
	ledgerdomain "github.com/soundloom/tunesmith/internal/ledger/domain"
	"github.com/soundloom/tunesmith/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Config config.Config
	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Ledger ledgerdomain.Service
}

type Service struct {
	secret []byte
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
	ledger ledgerdomain.Service
}

func NewService(p Params) billingdomain.Service {
	return &Service{
		secret: []byte(p.Config.Billing.WebhookSecret),
		db:     p.DB,
		log:    p.Log.Named("billing.service"),
		genID:  p.GenID,
		clock:  p.Clock,
		ledger: p.Ledger,
	}
}

func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	if !s.verify(payload, signature) {
		return billingdomain.ErrInvalidSignature
	}

	var event billingdomain.WebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return billingdomain.ErrInvalidEvent
	}

	category, ok := categoryFor(event.Type)
	if !ok {
		// Unrecognized event types are acknowledged so the provider stops
		// redelivering them.
		s.log.Info("ignoring unhandled billing event type",
			zap.String("event_id", event.ID),
			zap.String("type", event.Type),
		)
		return nil
	}

	accountID, err := snowflake.ParseString(strings.TrimSpace(event.AccountID))
	if err != nil || accountID == 0 || event.ID == "" || event.Credits <= 0 {
		return billingdomain.ErrInvalidEvent
	}

	record := billingdomain.BillingEvent{
		ID:              s.genID.Generate(),
		ProviderEventID: event.ID,
		Type:            event.Type,
		AccountID:       accountID,
		Credits:         event.Credits,
		Payload:         datatypes.JSON(payload),
		ReceivedAt:      s.clock.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		if !db.IsDuplicateKeyErr(err) {
			return err
		}
		var existing billingdomain.BillingEvent
		if err := s.db.WithContext(ctx).
			First(&existing, "provider_event_id = ?", event.ID).Error; err != nil {
			return err
		}
		if existing.ProcessedAt != nil {
			s.log.Info("billing event replayed, already processed",
				zap.String("event_id", event.ID),
			)
			return nil
		}
		// The row landed on an earlier delivery but the grant never did.
		// Run the grant again under the same event id.
		record = existing
	}

	_, err = s.ledger.AddCredits(ctx, ledgerdomain.GrantRequest{
		AccountID: accountID,
		Amount:    event.Credits,
		EventID:   event.ID,
		Category:  category,
	})
	if err != nil && !errors.Is(err, ledgerdomain.ErrAlreadyGranted) {
		return err
	}

	if err := s.db.WithContext(ctx).
		Model(&billingdomain.BillingEvent{}).
		Where("id = ?", record.ID).
		Update("processed_at", s.clock.Now()).Error; err != nil {
		return err
	}

	s.log.Info("credits granted from billing event",
		zap.String("event_id", event.ID),
		zap.String("type", event.Type),
		zap.String("account_id", accountID.String()),
		zap.Int64("credits", event.Credits),
	)
	return nil
}

func (s *Service) verify(payload []byte, signature string) bool {
	if len(s.secret) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	provided := strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(provided)))
}

func categoryFor(eventType string) (ledgerdomain.Category, bool) {
	switch eventType {
	case billingdomain.EventCreditsPurchased:
		return ledgerdomain.CategoryPurchase, true
	case billingdomain.EventSubscriptionRenewed:
		return ledgerdomain.CategorySubscription, true
	case billingdomain.EventPaymentRefunded:
		return ledgerdomain.CategoryRefund, true
	default:
		return "", false
	}
}
