package account

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Krchnk/gw-mining-wallet/internal/apperr"
	"github.com/Krchnk/gw-mining-wallet/internal/auth"
	"github.com/Krchnk/gw-mining-wallet/internal/ledger"
	"github.com/Krchnk/gw-mining-wallet/internal/storages"
)

// Session holds the identity of one signed-in user and scopes account operations to
// it. It is safe for concurrent use.
type Session struct {
	svc *Service

	mu       sync.RWMutex
	identity *auth.Identity
}

func NewSession(svc *Service) *Session {
	return &Session{svc: svc}
}

func (s *Session) Authenticate(ctx context.Context, email, password string) (auth.Identity, error) {
	identity, err := s.svc.Authenticate(ctx, email, password)
	if err != nil {
		return auth.Identity{}, err
	}
	s.mu.Lock()
	s.identity = &identity
	s.mu.Unlock()
	return identity, nil
}

// Deauthenticate signs the current token out and forgets the identity. Calling it
// without an identity does nothing.
func (s *Session) Deauthenticate(ctx context.Context) error {
	s.mu.Lock()
	identity := s.identity
	s.identity = nil
	s.mu.Unlock()

	if identity == nil {
		return nil
	}
	if err := s.svc.SignOut(ctx, identity.Token); err != nil {
		logrus.WithField("account_id", identity.AccountID).WithError(err).Warn("sign out at provider failed")
		return err
	}
	return nil
}

func (s *Session) Current() (auth.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == nil {
		return auth.Identity{}, apperr.E(apperr.Unauthorized, "account.Session", "", nil)
	}
	return *s.identity, nil
}

func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	identity, err := s.Current()
	if err != nil {
		return Snapshot{}, err
	}
	return s.svc.Snapshot(ctx, identity.AccountID)
}

func (s *Session) Mine(ctx context.Context, amount int64) (ledger.AccrualResult, error) {
	identity, err := s.Current()
	if err != nil {
		return ledger.AccrualResult{}, err
	}
	return s.svc.Mine(ctx, identity.AccountID, amount)
}

func (s *Session) Redeem(ctx context.Context, amount int64) (ledger.RedemptionResult, error) {
	identity, err := s.Current()
	if err != nil {
		return ledger.RedemptionResult{}, err
	}
	return s.svc.Redeem(ctx, identity.AccountID, amount)
}

func (s *Session) Transactions(ctx context.Context, limit int) ([]storages.Transaction, error) {
	identity, err := s.Current()
	if err != nil {
		return nil, err
	}
	return s.svc.Transactions(ctx, identity.AccountID, limit)
}
