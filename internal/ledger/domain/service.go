package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
)

type ConsumeRequest struct {
	AccountID   snowflake.ID
	Amount      int64
	ReferenceID string
	Category    Category
}

type CompensateRequest struct {
	AccountID snowflake.ID
	// Amount zero means "reverse the full original debit"; the amount is
	// taken from the debit row identified by ReferenceID.
	Amount      int64
	ReferenceID string
}

type GrantRequest struct {
	AccountID snowflake.ID
	Amount    int64
	// EventID is the external payment or subscription event id; replays of
	// the same event are no-ops.
	EventID  string
	Category Category
}

type Service interface {
	Balance(ctx context.Context, accountID snowflake.ID) (int64, error)
	// Reserve checks the latest committed balance and fails closed. It does
	// not hold anything; Consume re-verifies atomically.
	Reserve(ctx context.Context, accountID snowflake.ID, amount int64) error
	Consume(ctx context.Context, req ConsumeRequest) (*CreditEntry, error)
	Compensate(ctx context.Context, req CompensateRequest) (*CreditEntry, error)
	AddCredits(ctx context.Context, req GrantRequest) (*CreditEntry, error)
}

var (
	ErrInvalidAccount      = errors.New("invalid_account")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidReference    = errors.New("invalid_reference")
	ErrInvalidCategory     = errors.New("invalid_category")
	ErrInsufficientFunds   = errors.New("insufficient_funds")
	ErrAlreadyCharged      = errors.New("charge_already_applied")
	ErrAlreadyCompensated  = errors.New("compensation_already_applied")
	ErrAlreadyGranted      = errors.New("grant_already_applied")
	ErrNothingToCompensate = errors.New("no_debit_to_compensate")
)

// InsufficientFundsError carries the amounts the caller needs to render a
// useful payment-required response.
type InsufficientFundsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: required %d, available %d", e.Required, e.Available)
}

func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}
