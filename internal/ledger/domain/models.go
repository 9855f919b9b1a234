package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// EntryKind distinguishes spends from grants and reversals.
type EntryKind string

const (
	EntryKindDebit        EntryKind = "debit"
	EntryKindCredit       EntryKind = "credit"
	EntryKindCompensation EntryKind = "compensation"
)

// Category identifies what a ledger entry paid for (or refunded). Together
// with ReferenceID it forms the idempotency key for postings.
type Category string

const (
	CategoryMusicGeneration  Category = "music_generation"
	CategoryCoverGeneration  Category = "cover_generation"
	CategoryLyricsGeneration Category = "lyrics_generation"
	CategoryPurchase         Category = "purchase"
	CategoryRefund           Category = "refund"
	CategorySubscription     Category = "subscription"
	CategoryCompensation     Category = "compensation"
)

// AccountBalance is the materialized running sum of all committed entries
// for one account. It never goes negative after a committed consume.
type AccountBalance struct {
	AccountID snowflake.ID `gorm:"primaryKey"`
	Balance   int64        `gorm:"not null;default:0"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (AccountBalance) TableName() string { return "account_balances" }

// CreditEntry is an immutable posting against an account. At most one entry
// may exist per (reference_id, category); the unique index is what makes
// charging and compensation replay-safe.
type CreditEntry struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	AccountID    snowflake.ID `gorm:"not null;index"`
	Kind         EntryKind    `gorm:"type:text;not null"`
	Amount       int64        `gorm:"not null"`
	BalanceAfter int64        `gorm:"not null"`
	ReferenceID  string       `gorm:"type:text;not null;uniqueIndex:ux_credit_entries_reference,priority:1"`
	Category     Category     `gorm:"type:text;not null;uniqueIndex:ux_credit_entries_reference,priority:2"`
	CreatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditEntry) TableName() string { return "credit_entries" }
