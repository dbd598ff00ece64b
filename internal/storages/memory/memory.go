// Package memory is a process-local LedgerStore and CredentialStore with the same
// conditional-update semantics as the database adapters.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Krchnk/gw-mining-wallet/internal/storages"
)

type Storage struct {
	mu           sync.Mutex
	accounts     map[string]storages.Account
	referral     map[string]string
	transactions map[string][]storages.Transaction
	credentials  map[string]storages.Credential
	now          func() time.Time
}

func NewStorage() *Storage {
	return &Storage{
		accounts:     make(map[string]storages.Account),
		referral:     make(map[string]string),
		transactions: make(map[string][]storages.Transaction),
		credentials:  make(map[string]storages.Credential),
		now:          time.Now,
	}
}

func (s *Storage) CreateAccount(ctx context.Context, account storages.Account, entries []storages.Transaction) (storages.Account, error) {
	if err := ctx.Err(); err != nil {
		return storages.Account{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[account.ID]; exists {
		return storages.Account{}, fmt.Errorf("account %s: %w", account.ID, storages.ErrConflict)
	}
	if _, exists := s.referral[account.ReferralCode]; exists {
		return storages.Account{}, fmt.Errorf("referral code %s: %w", account.ReferralCode, storages.ErrReferralTaken)
	}

	if account.CreatedAt.IsZero() {
		account.CreatedAt = s.now().UTC()
	}
	account.Version = 1
	s.accounts[account.ID] = account
	s.referral[account.ReferralCode] = account.ID
	s.appendLocked(account.ID, entries)

	logrus.WithField("account_id", account.ID).Debug("account created in memory store")
	return account, nil
}

func (s *Storage) GetAccount(ctx context.Context, accountID string) (storages.Account, error) {
	if err := ctx.Err(); err != nil {
		return storages.Account{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[accountID]
	if !ok {
		return storages.Account{}, fmt.Errorf("account %s: %w", accountID, storages.ErrNotFound)
	}
	return account, nil
}

func (s *Storage) CommitChange(ctx context.Context, change storages.Change) (storages.Account, error) {
	if err := ctx.Err(); err != nil {
		return storages.Account{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.accounts[change.Account.ID]
	if !ok {
		return storages.Account{}, fmt.Errorf("account %s: %w", change.Account.ID, storages.ErrNotFound)
	}
	if current.Version != change.ExpectedVersion {
		return storages.Account{}, fmt.Errorf("account %s version %d != %d: %w",
			change.Account.ID, current.Version, change.ExpectedVersion, storages.ErrConflict)
	}

	next := change.Account
	// identity columns are not writable through a change
	next.Email = current.Email
	next.ReferralCode = current.ReferralCode
	next.InvitedBy = current.InvitedBy
	next.IsAdmin = current.IsAdmin
	next.CreatedAt = current.CreatedAt
	next.Version = current.Version + 1
	s.accounts[next.ID] = next
	s.appendLocked(next.ID, change.Entries)
	return next, nil
}

func (s *Storage) appendLocked(accountID string, entries []storages.Transaction) {
	for _, tx := range entries {
		tx.AccountID = accountID
		if tx.CreatedAt.IsZero() {
			tx.CreatedAt = s.now().UTC()
		}
		s.transactions[accountID] = append(s.transactions[accountID], tx)
	}
}

func (s *Storage) ListTransactions(ctx context.Context, accountID string, limit int) ([]storages.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.transactions[accountID]
	out := make([]storages.Transaction, 0, min(limit, len(history)))
	// stored in append order; newest first means walking backwards
	for i := len(history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, history[i])
	}
	return out, nil
}

func (s *Storage) ListAccounts(ctx context.Context) ([]storages.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]storages.Account, 0, len(s.accounts))
	for _, account := range s.accounts {
		out = append(out, account)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Storage) Statistics(ctx context.Context, since time.Time) (storages.Statistics, error) {
	if err := ctx.Err(); err != nil {
		return storages.Statistics{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats storages.Statistics
	for _, account := range s.accounts {
		stats.TotalAccounts++
		stats.TotalAccrued += account.LifetimeAccrual
		if account.LastAccrualAt != nil && !account.LastAccrualAt.Before(since) {
			stats.ActiveSinceMark++
		}
	}
	for _, history := range s.transactions {
		for _, tx := range history {
			if tx.Kind == storages.KindConversionReward {
				stats.TotalRewarded += tx.Amount
			}
		}
	}
	return stats, nil
}

func (s *Storage) SetAdmin(ctx context.Context, accountID string, isAdmin bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[accountID]
	if !ok {
		return fmt.Errorf("account %s: %w", accountID, storages.ErrNotFound)
	}
	account.IsAdmin = isAdmin
	account.Version++
	s.accounts[accountID] = account
	return nil
}

func (s *Storage) CreateCredential(ctx context.Context, cred storages.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(cred.Email)
	if _, exists := s.credentials[key]; exists {
		return fmt.Errorf("email %s: %w", cred.Email, storages.ErrConflict)
	}
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = s.now().UTC()
	}
	s.credentials[key] = cred
	return nil
}

func (s *Storage) GetCredential(ctx context.Context, email string) (storages.Credential, error) {
	if err := ctx.Err(); err != nil {
		return storages.Credential{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.credentials[strings.ToLower(email)]
	if !ok {
		return storages.Credential{}, fmt.Errorf("credential %s: %w", email, storages.ErrNotFound)
	}
	return cred, nil
}
