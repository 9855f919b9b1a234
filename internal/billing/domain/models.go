package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Event types accepted from the payment provider.
const (
	EventCreditsPurchased    = "credits.purchased"
	EventSubscriptionRenewed = "subscription.renewed"
	EventPaymentRefunded     = "payment.refunded"
)

// WebhookEvent is the decoded payment webhook payload.
type WebhookEvent struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	AccountID string `json:"account_id"`
	Credits   int64  `json:"credits"`
}

// BillingEvent is the durable record of a received webhook, keyed by the
// provider's event id. ProcessedAt is set only after the credits landed in
// the ledger, so a redelivery after a transient grant failure retries the
// grant instead of being dropped.
type BillingEvent struct {
	ID              snowflake.ID   `gorm:"primaryKey"`
	ProviderEventID string         `gorm:"type:text;not null;uniqueIndex:ux_billing_events_provider_event"`
	Type            string         `gorm:"type:text;not null"`
	AccountID       snowflake.ID   `gorm:"not null;index"`
	Credits         int64          `gorm:"not null"`
	Payload         datatypes.JSON `gorm:"type:jsonb"`
	ReceivedAt      time.Time      `gorm:"not null"`
	ProcessedAt     *time.Time
}

// TableName sets the database table name.
func (BillingEvent) TableName() string { return "billing_events" }

// Service verifies and applies payment provider webhooks.
type Service interface {
	// HandleWebhook verifies the HMAC signature over the raw payload, then
	// grants credits exactly once per provider event id.
	HandleWebhook(ctx context.Context, payload []byte, signature string) error
}

var (
	ErrInvalidSignature = errors.New("invalid_webhook_signature")
	ErrInvalidEvent     = errors.New("invalid_webhook_event")
)
