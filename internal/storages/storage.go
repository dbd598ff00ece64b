package storages

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a conditional update lost against a concurrent
	// writer or a uniqueness constraint rejected the row.
	ErrConflict = errors.New("conflicting update")
	// ErrReferralTaken is the one uniqueness failure a caller may retry with a fresh
	// referral code. It matches ErrConflict as well.
	ErrReferralTaken = fmt.Errorf("referral code taken: %w", ErrConflict)
)

type TxKind string

const (
	KindAccrual          TxKind = "accrual"
	KindConversionReward TxKind = "conversion_reward"
	KindManualAdjustment TxKind = "manual_adjustment"
	KindRedemption       TxKind = "redemption"
)

type Currency string

const (
	CurrencyPrimary   Currency = "SOD"
	CurrencySecondary Currency = "USDT"
)

const StatusCompleted = "completed"

// LedgerStore is the durable source of truth for accounts and their transactions.
// Every balance-affecting write goes through CreateAccount or CommitChange, both of
// which apply atomically.
type LedgerStore interface {
	CreateAccount(ctx context.Context, account Account, entries []Transaction) (Account, error)
	GetAccount(ctx context.Context, accountID string) (Account, error)
	CommitChange(ctx context.Context, change Change) (Account, error)
	ListTransactions(ctx context.Context, accountID string, limit int) ([]Transaction, error)
	ListAccounts(ctx context.Context) ([]Account, error)
	Statistics(ctx context.Context, since time.Time) (Statistics, error)
}

// AdminStore grants or revokes the administrator flag, which ledger changes never
// touch.
type AdminStore interface {
	SetAdmin(ctx context.Context, accountID string, isAdmin bool) error
}

// CredentialStore keeps password hashes for the local authentication provider.
type CredentialStore interface {
	CreateCredential(ctx context.Context, cred Credential) error
	GetCredential(ctx context.Context, email string) (Credential, error)
}

type Account struct {
	ID               string     `json:"id"`
	Email            string     `json:"email"`
	DisplayName      string     `json:"display_name"`
	PrimaryBalance   int64      `json:"primary_balance"`
	SecondaryBalance int64      `json:"secondary_balance"`
	LifetimeAccrual  int64      `json:"lifetime_accrual"`
	DailyAccrual     int64      `json:"daily_accrual"`
	LastAccrualAt    *time.Time `json:"last_accrual_at"`
	Progress         int64      `json:"progress"`
	LastClaimAt      *time.Time `json:"last_claim_at"`
	IsAdmin          bool       `json:"is_admin"`
	ReferralCode     string     `json:"referral_code"`
	InvitedBy        string     `json:"invited_by"`
	MiningPower      int64      `json:"mining_power"`
	Level            int        `json:"level"`
	CreatedAt        time.Time  `json:"created_at"`
	Version          int64      `json:"version"`
}

// Change is one atomic ledger mutation: the new account state, applied only if the
// stored version still equals ExpectedVersion, plus the transactions it produced.
type Change struct {
	ExpectedVersion int64
	Account         Account
	Entries         []Transaction
}

type Transaction struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	Kind      TxKind    `json:"type"`
	Currency  Currency  `json:"currency"`
	Amount    int64     `json:"amount"`
	Note      string    `json:"description"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

type Statistics struct {
	TotalAccounts   int64 `json:"total_accounts"`
	TotalAccrued    int64 `json:"total_accrued"`
	TotalRewarded   int64 `json:"total_rewarded"`
	ActiveSinceMark int64 `json:"active_since"`
}

type Credential struct {
	AccountID    string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}
