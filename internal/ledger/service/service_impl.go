package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/soundloom/tunesmith/internal/clock"
	ledgerdomain "github.com/soundloom/tunesmith/internal/ledger/domain"
	obsmetrics "github.com/soundloom/tunesmith/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Balance(ctx context.Context, accountID snowflake.ID) (int64, error) {
	if accountID == 0 {
		return 0, ledgerdomain.ErrInvalidAccount
	}
	return s.balance(ctx, s.db, accountID)
}

func (s *Service) Reserve(ctx context.Context, accountID snowflake.ID, amount int64) error {
	if accountID == 0 {
		return ledgerdomain.ErrInvalidAccount
	}
	if amount <= 0 {
		return ledgerdomain.ErrInvalidAmount
	}

	available, err := s.balance(ctx, s.db, accountID)
	if err != nil {
		return err
	}
	if available < amount {
		return &ledgerdomain.InsufficientFundsError{Required: amount, Available: available}
	}
	return nil
}

// Consume writes the debit and decrements the balance in one transaction.
// The (reference_id, category) unique index rejects a second debit for the
// same reference; the conditional balance update rejects overdraws even
// under concurrent consumes for the same account.
func (s *Service) Consume(ctx context.Context, req ledgerdomain.ConsumeRequest) (*ledgerdomain.CreditEntry, error) {
	if err := validateConsume(req); err != nil {
		return nil, err
	}

	entry := ledgerdomain.CreditEntry{
		ID:          s.genID.Generate(),
		AccountID:   req.AccountID,
		Kind:        ledgerdomain.EntryKindDebit,
		Amount:      req.Amount,
		ReferenceID: req.ReferenceID,
		Category:    req.Category,
		CreatedAt:   s.clock.Now(),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted, err := s.insertEntry(ctx, tx, &entry)
		if err != nil {
			return err
		}
		if !inserted {
			return ledgerdomain.ErrAlreadyCharged
		}

		result := tx.WithContext(ctx).Exec(
			`UPDATE account_balances
			 SET balance = balance - ?, updated_at = ?
			 WHERE account_id = ? AND balance >= ?`,
			req.Amount,
			entry.CreatedAt,
			req.AccountID,
			req.Amount,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			available, err := s.balance(ctx, tx, req.AccountID)
			if err != nil {
				return err
			}
			return &ledgerdomain.InsufficientFundsError{Required: req.Amount, Available: available}
		}

		return s.stampBalanceAfter(ctx, tx, &entry)
	})
	if err != nil {
		return nil, err
	}

	s.obsMetrics.IncLedgerEntry(string(entry.Kind), string(entry.Category))
	s.log.Info("credits consumed",
		zap.String("account_id", req.AccountID.String()),
		zap.Int64("amount", req.Amount),
		zap.String("reference_id", req.ReferenceID),
		zap.String("category", string(req.Category)),
		zap.Int64("balance_after", entry.BalanceAfter),
	)
	return &entry, nil
}

// Compensate reverses a prior debit identified by its reference. The
// compensation category makes the reversal itself replay-safe, so a retried
// compensation can never double-refund.
func (s *Service) Compensate(ctx context.Context, req ledgerdomain.CompensateRequest) (*ledgerdomain.CreditEntry, error) {
	if req.AccountID == 0 {
		return nil, ledgerdomain.ErrInvalidAccount
	}
	if req.Amount < 0 {
		return nil, ledgerdomain.ErrInvalidAmount
	}
	if strings.TrimSpace(req.ReferenceID) == "" {
		return nil, ledgerdomain.ErrInvalidReference
	}

	entry := ledgerdomain.CreditEntry{
		ID:          s.genID.Generate(),
		AccountID:   req.AccountID,
		Kind:        ledgerdomain.EntryKindCompensation,
		Amount:      req.Amount,
		ReferenceID: req.ReferenceID,
		Category:    ledgerdomain.CategoryCompensation,
		CreatedAt:   s.clock.Now(),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var debited int64
		result := tx.WithContext(ctx).Raw(
			`SELECT amount FROM credit_entries
			 WHERE reference_id = ? AND account_id = ? AND kind = ?`,
			req.ReferenceID,
			req.AccountID,
			ledgerdomain.EntryKindDebit,
		).Scan(&debited)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ledgerdomain.ErrNothingToCompensate
		}
		if entry.Amount == 0 {
			entry.Amount = debited
		}

		inserted, err := s.insertEntry(ctx, tx, &entry)
		if err != nil {
			return err
		}
		if !inserted {
			return ledgerdomain.ErrAlreadyCompensated
		}

		if err := s.upsertBalance(ctx, tx, req.AccountID, entry.Amount, entry.CreatedAt); err != nil {
			return err
		}
		return s.stampBalanceAfter(ctx, tx, &entry)
	})
	if err != nil {
		return nil, err
	}

	s.obsMetrics.IncLedgerEntry(string(entry.Kind), string(entry.Category))
	s.log.Info("charge compensated",
		zap.String("account_id", req.AccountID.String()),
		zap.Int64("amount", entry.Amount),
		zap.String("reference_id", req.ReferenceID),
		zap.Int64("balance_after", entry.BalanceAfter),
	)
	return &entry, nil
}

// AddCredits grants purchased or subscription credits, keyed by the external
// payment event id so webhook replays are no-ops.
func (s *Service) AddCredits(ctx context.Context, req ledgerdomain.GrantRequest) (*ledgerdomain.CreditEntry, error) {
	if req.AccountID == 0 {
		return nil, ledgerdomain.ErrInvalidAccount
	}
	if req.Amount <= 0 {
		return nil, ledgerdomain.ErrInvalidAmount
	}
	if strings.TrimSpace(req.EventID) == "" {
		return nil, ledgerdomain.ErrInvalidReference
	}
	switch req.Category {
	case ledgerdomain.CategoryPurchase, ledgerdomain.CategoryRefund, ledgerdomain.CategorySubscription:
	default:
		return nil, ledgerdomain.ErrInvalidCategory
	}

	entry := ledgerdomain.CreditEntry{
		ID:          s.genID.Generate(),
		AccountID:   req.AccountID,
		Kind:        ledgerdomain.EntryKindCredit,
		Amount:      req.Amount,
		ReferenceID: req.EventID,
		Category:    req.Category,
		CreatedAt:   s.clock.Now(),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted, err := s.insertEntry(ctx, tx, &entry)
		if err != nil {
			return err
		}
		if !inserted {
			return ledgerdomain.ErrAlreadyGranted
		}

		if err := s.upsertBalance(ctx, tx, req.AccountID, req.Amount, entry.CreatedAt); err != nil {
			return err
		}
		return s.stampBalanceAfter(ctx, tx, &entry)
	})
	if err != nil {
		return nil, err
	}

	s.obsMetrics.IncLedgerEntry(string(entry.Kind), string(entry.Category))
	s.log.Info("credits granted",
		zap.String("account_id", req.AccountID.String()),
		zap.Int64("amount", req.Amount),
		zap.String("event_id", req.EventID),
		zap.String("category", string(req.Category)),
	)
	return &entry, nil
}

func validateConsume(req ledgerdomain.ConsumeRequest) error {
	if req.AccountID == 0 {
		return ledgerdomain.ErrInvalidAccount
	}
	if req.Amount <= 0 {
		return ledgerdomain.ErrInvalidAmount
	}
	if strings.TrimSpace(req.ReferenceID) == "" {
		return ledgerdomain.ErrInvalidReference
	}
	switch req.Category {
	case ledgerdomain.CategoryMusicGeneration,
		ledgerdomain.CategoryCoverGeneration,
		ledgerdomain.CategoryLyricsGeneration:
		return nil
	default:
		return ledgerdomain.ErrInvalidCategory
	}
}

// balance treats a missing account row as a zero balance.
func (s *Service) balance(ctx context.Context, tx *gorm.DB, accountID snowflake.ID) (int64, error) {
	var balance int64
	err := tx.WithContext(ctx).Raw(
		`SELECT balance FROM account_balances WHERE account_id = ?`,
		accountID,
	).Scan(&balance).Error
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// insertEntry reports false when the (reference_id, category) pair already
// has an entry.
func (s *Service) insertEntry(ctx context.Context, tx *gorm.DB, entry *ledgerdomain.CreditEntry) (bool, error) {
	result := tx.WithContext(ctx).Exec(
		`INSERT INTO credit_entries (
			id, account_id, kind, amount, balance_after, reference_id, category, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (reference_id, category) DO NOTHING`,
		entry.ID,
		entry.AccountID,
		string(entry.Kind),
		entry.Amount,
		entry.BalanceAfter,
		entry.ReferenceID,
		string(entry.Category),
		entry.CreatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *Service) upsertBalance(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, delta int64, now time.Time) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO account_balances (account_id, balance, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (account_id) DO UPDATE
		 SET balance = account_balances.balance + excluded.balance,
		     updated_at = excluded.updated_at`,
		accountID,
		delta,
		now,
	).Error
}

func (s *Service) stampBalanceAfter(ctx context.Context, tx *gorm.DB, entry *ledgerdomain.CreditEntry) error {
	balance, err := s.balance(ctx, tx, entry.AccountID)
	if err != nil {
		return err
	}
	entry.BalanceAfter = balance
	return tx.WithContext(ctx).Exec(
		`UPDATE credit_entries SET balance_after = ? WHERE id = ?`,
		balance,
		entry.ID,
	).Error
}
