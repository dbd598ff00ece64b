package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Krchnk/gw-mining-wallet/internal/apperr"
	"github.com/Krchnk/gw-mining-wallet/internal/storages"
)

const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100

	// SecondaryExponent is the number of decimal places in one secondary unit;
	// balances are stored in micro-USDT.
	SecondaryExponent = 6
)

// Recorder builds transaction entries that are committed together with the balance
// change they describe, and reads them back.
type Recorder struct {
	store storages.LedgerStore
	now   func() time.Time
}

func NewRecorder(store storages.LedgerStore) *Recorder {
	return &Recorder{store: store, now: time.Now}
}

// Record appends one completed transaction to change. Nothing is written until the
// change itself is committed.
func (r *Recorder) Record(change *storages.Change, kind storages.TxKind, currency storages.Currency, amount int64, note string) {
	change.Entries = append(change.Entries, storages.Transaction{
		ID:        uuid.New().String(),
		AccountID: change.Account.ID,
		Kind:      kind,
		Currency:  currency,
		Amount:    amount,
		Note:      note,
		Status:    storages.StatusCompleted,
		CreatedAt: r.now().UTC(),
	})
}

// List returns up to limit transactions for accountID, newest first.
func (r *Recorder) List(ctx context.Context, accountID string, limit int) ([]storages.Transaction, error) {
	const op = "ledger.ListTransactions"
	if accountID == "" {
		return nil, apperr.E(apperr.InvalidArgument, op, "account id is required", nil)
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	txs, err := r.store.ListTransactions(ctx, accountID, limit)
	if err != nil {
		logrus.WithField("account_id", accountID).WithError(err).Error("failed to list transactions")
		return nil, apperr.Classify(op, err)
	}
	return txs, nil
}

func FormatPrimary(amount int64) string {
	return decimal.NewFromInt(amount).String() + " " + string(storages.CurrencyPrimary)
}

func FormatSecondary(amount int64) string {
	return decimal.New(amount, -SecondaryExponent).String() + " " + string(storages.CurrencySecondary)
}

func signed(s string, amount int64) string {
	if amount >= 0 {
		return "+" + s
	}
	return s
}
