package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Krchnk/gw-mining-wallet/internal/storages"
)

var ledgerColumns = []string{"id", "email", "display_name", "primary_balance", "secondary_balance",
	"lifetime_accrual", "daily_accrual", "last_accrual_at", "progress", "last_claim_at",
	"is_admin", "referral_code", "invited_by", "mining_power", "level", "created_at", "version"}

func newMockStorage(t *testing.T) (*Storage, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStorageFromDB(db), mock
}

func ledgerRow(primary, secondary, progress, version int64) *sqlmock.Rows {
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return sqlmock.NewRows(ledgerColumns).AddRow("acc-1", "miner@example.com", "Miner", primary, secondary,
		int64(0), int64(0), nil, progress, nil, false, "ABCD1234", nil, int64(10), 1, created, version)
}

func TestGetAccount(t *testing.T) {
	s, mock := newMockStorage(t)
	mock.ExpectQuery("SELECT .* FROM account_ledger WHERE id = \\$1").
		WithArgs("acc-1").
		WillReturnRows(ledgerRow(1000000, 0, 1000000, 1))

	acc, err := s.GetAccount(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000000), acc.PrimaryBalance)
	assert.Equal(t, int64(1000000), acc.Progress)
	assert.Nil(t, acc.LastAccrualAt)
	assert.Empty(t, acc.InvitedBy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAccountNotFound(t *testing.T) {
	s, mock := newMockStorage(t)
	mock.ExpectQuery("FROM account_ledger").WillReturnRows(sqlmock.NewRows(ledgerColumns))

	_, err := s.GetAccount(context.Background(), "missing")
	assert.ErrorIs(t, err, storages.ErrNotFound)
}

func TestCommitChangeApplies(t *testing.T) {
	s, mock := newMockStorage(t)
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE accounts .* WHERE id = \\$1 AND version = \\$2").
		WithArgs("acc-1", int64(3), int64(1000002), int64(10000), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(4)))
	mock.ExpectExec("INSERT INTO account_progress").
		WithArgs("acc-1", int64(1), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO transactions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO transactions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM account_ledger").WillReturnRows(ledgerRow(1000002, 10000, 1, 4))
	mock.ExpectCommit()

	now := time.Now().UTC()
	acc, err := s.CommitChange(context.Background(), storages.Change{
		ExpectedVersion: 3,
		Account: storages.Account{ID: "acc-1", PrimaryBalance: 1000002, SecondaryBalance: 10000,
			Progress: 1, LastAccrualAt: &now, LastClaimAt: &now},
		Entries: []storages.Transaction{
			{ID: "8c0f6c5e-0000-4000-8000-000000000001", Kind: storages.KindAccrual, Currency: storages.CurrencyPrimary, Amount: 2},
			{ID: "8c0f6c5e-0000-4000-8000-000000000002", Kind: storages.KindConversionReward, Currency: storages.CurrencySecondary, Amount: 10000},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4), acc.Version)
	assert.Equal(t, int64(10000), acc.SecondaryBalance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitChangeStaleVersion(t *testing.T) {
	s, mock := newMockStorage(t)
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE accounts").WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectQuery("SELECT EXISTS").WithArgs("acc-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	_, err := s.CommitChange(context.Background(), storages.Change{ExpectedVersion: 1, Account: storages.Account{ID: "acc-1"}})
	assert.ErrorIs(t, err, storages.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitChangeMissingAccount(t *testing.T) {
	s, mock := newMockStorage(t)
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE accounts").WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	_, err := s.CommitChange(context.Background(), storages.Change{ExpectedVersion: 1, Account: storages.Account{ID: "ghost"}})
	assert.ErrorIs(t, err, storages.ErrNotFound)
}

func TestCreateAccountDriverConflicts(t *testing.T) {
	tests := []struct {
		name     string
		pqErr    *pq.Error
		referral bool
	}{
		{"email taken", &pq.Error{Code: "23505", Constraint: "accounts_email_key", Message: "duplicate key"}, false},
		{"id taken", &pq.Error{Code: "23505", Constraint: "accounts_pkey", Message: "duplicate key"}, false},
		{"referral taken", &pq.Error{Code: "23505", Constraint: "accounts_referral_code_key", Message: "duplicate key"}, true},
		{"serialization failure", &pq.Error{Code: "40001", Message: "could not serialize access"}, false},
		{"deadlock", &pq.Error{Code: "40P01", Message: "deadlock detected"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStorage(t)
			mock.ExpectBegin()
			mock.ExpectExec("INSERT INTO accounts").WillReturnError(tt.pqErr)
			mock.ExpectRollback()

			_, err := s.CreateAccount(context.Background(), storages.Account{ID: "acc-1", ReferralCode: "ABCD1234"}, nil)
			assert.ErrorIs(t, err, storages.ErrConflict)
			if tt.referral {
				assert.ErrorIs(t, err, storages.ErrReferralTaken)
			} else {
				assert.NotErrorIs(t, err, storages.ErrReferralTaken)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestClassifyLeavesOtherDriverErrors(t *testing.T) {
	err := classify(&pq.Error{Code: "23503", Message: "foreign key violation"})
	assert.NotErrorIs(t, err, storages.ErrConflict)
	assert.NotErrorIs(t, err, storages.ErrNotFound)
}

func TestListTransactionsNewestFirst(t *testing.T) {
	s, mock := newMockStorage(t)
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("FROM transactions WHERE account_id = \\$1 ORDER BY seq DESC LIMIT \\$2").
		WithArgs("acc-1", 2).
		WillReturnRows(sqlmock.NewRows([]string{"id", "account_id", "type", "currency", "amount", "description", "status", "created_at"}).
			AddRow("t2", "acc-1", "conversion_reward", "USDT", int64(10000), "reward +0.01 USDT", "completed", created).
			AddRow("t1", "acc-1", "accrual", "SOD", int64(2), "mining +2 SOD", "completed", created))

	txs, err := s.ListTransactions(context.Background(), "acc-1", 2)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, storages.KindConversionReward, txs[0].Kind)
	assert.Equal(t, storages.CurrencyPrimary, txs[1].Currency)
}

func TestStatistics(t *testing.T) {
	s, mock := newMockStorage(t)
	since := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT COUNT\\(\\*\\)").WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"count", "sum", "active"}).AddRow(int64(3), int64(500), int64(1)))
	mock.ExpectQuery("FROM transactions WHERE type = \\$1").WithArgs("conversion_reward").
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(20000)))

	stats, err := s.Statistics(context.Background(), since)
	require.NoError(t, err)
	assert.Equal(t, storages.Statistics{TotalAccounts: 3, TotalAccrued: 500, TotalRewarded: 20000, ActiveSinceMark: 1}, stats)
}

func TestGetCredentialNotFound(t *testing.T) {
	s, mock := newMockStorage(t)
	mock.ExpectQuery("FROM credentials").WillReturnRows(sqlmock.NewRows([]string{"account_id", "email", "password_hash", "created_at"}))

	_, err := s.GetCredential(context.Background(), "nobody@example.com")
	assert.ErrorIs(t, err, storages.ErrNotFound)
}

func TestSetAdmin(t *testing.T) {
	s, mock := newMockStorage(t)
	mock.ExpectExec("UPDATE accounts\\s+SET is_admin = \\$2").
		WithArgs("acc-1", true).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE accounts").
		WithArgs("ghost", true).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.SetAdmin(context.Background(), "acc-1", true))
	assert.ErrorIs(t, s.SetAdmin(context.Background(), "ghost", true), storages.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
