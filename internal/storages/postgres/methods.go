package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Krchnk/gw-mining-wallet/internal/storages"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

type Storage struct {
	db *sql.DB
}

const accountColumns = `id, email, display_name, primary_balance, secondary_balance,
        lifetime_accrual, daily_accrual, last_accrual_at, progress, last_claim_at,
        is_admin, referral_code, invited_by, mining_power, level, created_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (storages.Account, error) {
	var (
		acc         storages.Account
		lastAccrual sql.NullTime
		lastClaim   sql.NullTime
		invitedBy   sql.NullString
	)
	err := row.Scan(&acc.ID, &acc.Email, &acc.DisplayName, &acc.PrimaryBalance, &acc.SecondaryBalance,
		&acc.LifetimeAccrual, &acc.DailyAccrual, &lastAccrual, &acc.Progress, &lastClaim,
		&acc.IsAdmin, &acc.ReferralCode, &invitedBy, &acc.MiningPower, &acc.Level, &acc.CreatedAt, &acc.Version)
	if err != nil {
		return storages.Account{}, err
	}
	if lastAccrual.Valid {
		t := lastAccrual.Time
		acc.LastAccrualAt = &t
	}
	if lastClaim.Valid {
		t := lastClaim.Time
		acc.LastClaimAt = &t
	}
	acc.InvitedBy = invitedBy.String
	return acc, nil
}

const referralConstraint = "accounts_referral_code_key"

// classify folds driver errors into the storage sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %v", storages.ErrNotFound, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Name() {
		case "unique_violation":
			if pqErr.Constraint == referralConstraint {
				return fmt.Errorf("%w: %v", storages.ErrReferralTaken, err)
			}
			return fmt.Errorf("%w: %v", storages.ErrConflict, err)
		case "serialization_failure", "deadlock_detected":
			return fmt.Errorf("%w: %v", storages.ErrConflict, err)
		}
	}
	return err
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *Storage) CreateAccount(ctx context.Context, account storages.Account, entries []storages.Transaction) (storages.Account, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		logrus.WithError(err).Error("failed to begin transaction for account creation")
		return storages.Account{}, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
        INSERT INTO accounts (id, email, display_name, primary_balance, secondary_balance,
                              lifetime_accrual, daily_accrual, is_admin, referral_code,
                              invited_by, mining_power, level)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		account.ID, account.Email, account.DisplayName, account.PrimaryBalance, account.SecondaryBalance,
		account.LifetimeAccrual, account.DailyAccrual, account.IsAdmin, account.ReferralCode,
		nullString(account.InvitedBy), account.MiningPower, account.Level)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"account_id":    account.ID,
			"referral_code": account.ReferralCode,
		}).WithError(err).Error("failed to insert account")
		return storages.Account{}, classify(err)
	}

	_, err = tx.ExecContext(ctx, `
        INSERT INTO account_progress (account_id, value)
        VALUES ($1, $2)`,
		account.ID, account.Progress)
	if err != nil {
		logrus.WithField("account_id", account.ID).WithError(err).Error("failed to seed progress")
		return storages.Account{}, classify(err)
	}

	if err := insertTransactions(ctx, tx, account.ID, entries); err != nil {
		return storages.Account{}, err
	}

	created, err := scanAccount(tx.QueryRowContext(ctx, `
        SELECT `+accountColumns+`
        FROM account_ledger
        WHERE id = $1`,
		account.ID))
	if err != nil {
		logrus.WithField("account_id", account.ID).WithError(err).Error("failed to read back account")
		return storages.Account{}, classify(err)
	}

	if err := tx.Commit(); err != nil {
		logrus.WithError(err).Error("failed to commit account creation")
		return storages.Account{}, classify(err)
	}

	logrus.WithField("account_id", account.ID).Info("account created in database")
	return created, nil
}

func (s *Storage) GetAccount(ctx context.Context, accountID string) (storages.Account, error) {
	acc, err := scanAccount(s.db.QueryRowContext(ctx, `
        SELECT `+accountColumns+`
        FROM account_ledger
        WHERE id = $1`,
		accountID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			logrus.WithField("account_id", accountID).Warn("account not found")
		} else {
			logrus.WithField("account_id", accountID).WithError(err).Error("failed to get account")
		}
		return storages.Account{}, classify(err)
	}
	return acc, nil
}

// CommitChange applies the new account state only when the stored version still
// matches, so concurrent writers on one account serialize through the version column.
func (s *Storage) CommitChange(ctx context.Context, change storages.Change) (storages.Account, error) {
	next := change.Account
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		logrus.WithError(err).Error("failed to begin transaction for ledger change")
		return storages.Account{}, err
	}
	defer tx.Rollback()

	var version int64
	err = tx.QueryRowContext(ctx, `
        UPDATE accounts
        SET primary_balance = $3,
            secondary_balance = $4,
            lifetime_accrual = $5,
            daily_accrual = $6,
            last_accrual_at = $7,
            mining_power = $8,
            level = $9,
            version = version + 1
        WHERE id = $1 AND version = $2
        RETURNING version`,
		next.ID, change.ExpectedVersion, next.PrimaryBalance, next.SecondaryBalance,
		next.LifetimeAccrual, next.DailyAccrual, nullTime(next.LastAccrualAt),
		next.MiningPower, next.Level).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)`, next.ID).Scan(&exists); err != nil {
			logrus.WithField("account_id", next.ID).WithError(err).Error("failed to check account existence")
			return storages.Account{}, classify(err)
		}
		if !exists {
			return storages.Account{}, fmt.Errorf("account %s: %w", next.ID, storages.ErrNotFound)
		}
		logrus.WithFields(logrus.Fields{
			"account_id":       next.ID,
			"expected_version": change.ExpectedVersion,
		}).Warn("stale ledger change rejected")
		return storages.Account{}, fmt.Errorf("account %s: %w", next.ID, storages.ErrConflict)
	}
	if err != nil {
		logrus.WithField("account_id", next.ID).WithError(err).Error("failed to update account balances")
		return storages.Account{}, classify(err)
	}

	_, err = tx.ExecContext(ctx, `
        INSERT INTO account_progress (account_id, value, last_claim_at)
        VALUES ($1, $2, $3)
        ON CONFLICT (account_id)
        DO UPDATE SET value = EXCLUDED.value, last_claim_at = EXCLUDED.last_claim_at`,
		next.ID, next.Progress, nullTime(next.LastClaimAt))
	if err != nil {
		logrus.WithField("account_id", next.ID).WithError(err).Error("failed to update progress")
		return storages.Account{}, classify(err)
	}

	if err := insertTransactions(ctx, tx, next.ID, change.Entries); err != nil {
		return storages.Account{}, err
	}

	committed, err := scanAccount(tx.QueryRowContext(ctx, `
        SELECT `+accountColumns+`
        FROM account_ledger
        WHERE id = $1`,
		next.ID))
	if err != nil {
		logrus.WithField("account_id", next.ID).WithError(err).Error("failed to read back account")
		return storages.Account{}, classify(err)
	}

	if err := tx.Commit(); err != nil {
		logrus.WithError(err).Error("failed to commit ledger change")
		return storages.Account{}, classify(err)
	}

	logrus.WithFields(logrus.Fields{
		"account_id": next.ID,
		"version":    version,
		"entries":    len(change.Entries),
	}).Info("ledger change committed in database")
	return committed, nil
}

func insertTransactions(ctx context.Context, tx *sql.Tx, accountID string, entries []storages.Transaction) error {
	for _, entry := range entries {
		status := entry.Status
		if status == "" {
			status = storages.StatusCompleted
		}
		_, err := tx.ExecContext(ctx, `
            INSERT INTO transactions (id, account_id, type, currency, amount, description, status)
            VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			entry.ID, accountID, string(entry.Kind), string(entry.Currency), entry.Amount, entry.Note, status)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"account_id": accountID,
				"type":       entry.Kind,
				"amount":     entry.Amount,
			}).WithError(err).Error("failed to record transaction")
			return classify(err)
		}
	}
	return nil
}

func (s *Storage) ListTransactions(ctx context.Context, accountID string, limit int) ([]storages.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, account_id, type, currency, amount, description, status, created_at
        FROM transactions
        WHERE account_id = $1
        ORDER BY seq DESC
        LIMIT $2`,
		accountID, limit)
	if err != nil {
		logrus.WithField("account_id", accountID).WithError(err).Error("failed to query transactions")
		return nil, err
	}
	defer rows.Close()

	out := make([]storages.Transaction, 0, limit)
	for rows.Next() {
		var (
			t        storages.Transaction
			kind     string
			currency string
		)
		if err := rows.Scan(&t.ID, &t.AccountID, &kind, &currency, &t.Amount, &t.Note, &t.Status, &t.CreatedAt); err != nil {
			logrus.WithField("account_id", accountID).WithError(err).Error("failed to scan transaction")
			return nil, err
		}
		t.Kind = storages.TxKind(kind)
		t.Currency = storages.Currency(currency)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Storage) ListAccounts(ctx context.Context) ([]storages.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT `+accountColumns+`
        FROM account_ledger
        ORDER BY created_at DESC, id`)
	if err != nil {
		logrus.WithError(err).Error("failed to query accounts")
		return nil, err
	}
	defer rows.Close()

	var out []storages.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			logrus.WithError(err).Error("failed to scan account")
			return nil, err
		}
		out = append(out, acc)
	}
	return out, rows.Err()
}

func (s *Storage) Statistics(ctx context.Context, since time.Time) (storages.Statistics, error) {
	var stats storages.Statistics
	err := s.db.QueryRowContext(ctx, `
        SELECT COUNT(*),
               COALESCE(SUM(lifetime_accrual), 0),
               COUNT(*) FILTER (WHERE last_accrual_at >= $1)
        FROM accounts`,
		since).Scan(&stats.TotalAccounts, &stats.TotalAccrued, &stats.ActiveSinceMark)
	if err != nil {
		logrus.WithError(err).Error("failed to aggregate accounts")
		return storages.Statistics{}, err
	}

	err = s.db.QueryRowContext(ctx, `
        SELECT COALESCE(SUM(amount), 0)
        FROM transactions
        WHERE type = $1`,
		string(storages.KindConversionReward)).Scan(&stats.TotalRewarded)
	if err != nil {
		logrus.WithError(err).Error("failed to aggregate rewards")
		return storages.Statistics{}, err
	}

	logrus.WithField("stats", stats).Debug("statistics aggregated from database")
	return stats, nil
}

func (s *Storage) CreateCredential(ctx context.Context, cred storages.Credential) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO credentials (account_id, email, password_hash, created_at)
        VALUES ($1, $2, $3, NOW())`,
		cred.AccountID, strings.ToLower(cred.Email), cred.PasswordHash)
	if err != nil {
		logrus.WithField("email", cred.Email).WithError(err).Error("failed to store credential")
		return classify(err)
	}
	return nil
}

func (s *Storage) GetCredential(ctx context.Context, email string) (storages.Credential, error) {
	var cred storages.Credential
	err := s.db.QueryRowContext(ctx, `
        SELECT account_id, email, password_hash, created_at
        FROM credentials
        WHERE lower(email) = lower($1)`,
		email).Scan(&cred.AccountID, &cred.Email, &cred.PasswordHash, &cred.CreatedAt)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			logrus.WithField("email", email).WithError(err).Error("failed to get credential")
		}
		return storages.Credential{}, classify(err)
	}
	return cred, nil
}

func (s *Storage) SetAdmin(ctx context.Context, accountID string, isAdmin bool) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE accounts
        SET is_admin = $2, version = version + 1
        WHERE id = $1`,
		accountID, isAdmin)
	if err != nil {
		logrus.WithField("account_id", accountID).WithError(err).Error("failed to update admin flag")
		return classify(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("account %s: %w", accountID, storages.ErrNotFound)
	}

	logrus.WithFields(logrus.Fields{
		"account_id": accountID,
		"is_admin":   isAdmin,
	}).Info("admin flag updated")
	return nil
}
