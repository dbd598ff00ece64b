// Package account is the facade the gateway talks to. It validates input, asks the
// auth provider who the caller is, and hands balance changes to the ledger engine.
package account

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Krchnk/gw-mining-wallet/internal/apperr"
	"github.com/Krchnk/gw-mining-wallet/internal/auth"
	"github.com/Krchnk/gw-mining-wallet/internal/ledger"
	"github.com/Krchnk/gw-mining-wallet/internal/storages"
)

const (
	SignupBonus        int64 = 1_000_000
	InitialProgress    int64 = 1_000_000
	DefaultMiningPower int64 = 10
	DefaultLevel             = 1

	minPasswordLength = 6
	referralAttempts  = 5
)

// ErrNotAdmin marks Unauthorized errors caused by a missing privilege rather than a
// missing identity.
var ErrNotAdmin = errors.New("administrator privileges required")

const loginFailed = "invalid email or password"

type Service struct {
	store    storages.LedgerStore
	provider auth.Provider
	engine   *ledger.Engine
	recorder *ledger.Recorder
	codes    func() string
	now      func() time.Time
}

func NewService(store storages.LedgerStore, provider auth.Provider, engine *ledger.Engine, recorder *ledger.Recorder) *Service {
	return &Service{
		store:    store,
		provider: provider,
		engine:   engine,
		recorder: recorder,
		codes:    NewReferralCode,
		now:      time.Now,
	}
}

type Registration struct {
	Account  storages.Account
	Identity auth.Identity
}

// Register creates the provider identity and then the account row seeded with the
// signup bonus, together with the accrual transaction recording it.
func (s *Service) Register(ctx context.Context, email, password, displayName, referralCode string) (Registration, error) {
	const op = "account.Register"
	email = strings.TrimSpace(email)
	displayName = strings.TrimSpace(displayName)
	if at := strings.Index(email, "@"); at <= 0 || at == len(email)-1 {
		return Registration{}, apperr.E(apperr.InvalidArgument, op, "A valid email is required", nil)
	}
	if len(password) < minPasswordLength {
		return Registration{}, apperr.E(apperr.InvalidArgument, op, "Password must be at least 6 characters", nil)
	}
	if displayName == "" {
		return Registration{}, apperr.E(apperr.InvalidArgument, op, "Display name is required", nil)
	}

	ctx, cancel := context.WithTimeout(ctx, s.engine.Config().Timeout)
	defer cancel()

	identity, err := s.provider.SignUp(ctx, email, password)
	if err != nil {
		if errors.Is(err, auth.ErrEmailTaken) {
			return Registration{}, apperr.E(apperr.Conflict, op, "Email already registered", err)
		}
		return Registration{}, apperr.E(apperr.Unavailable, op, "", err)
	}

	var lastErr error
	for attempt := 1; attempt <= referralAttempts; attempt++ {
		change := storages.Change{Account: storages.Account{
			ID:             identity.AccountID,
			Email:          strings.ToLower(email),
			DisplayName:    displayName,
			PrimaryBalance: SignupBonus,
			Progress:       InitialProgress,
			ReferralCode:   s.codes(),
			InvitedBy:      strings.TrimSpace(referralCode),
			MiningPower:    DefaultMiningPower,
			Level:          DefaultLevel,
			CreatedAt:      s.now().UTC(),
		}}
		s.recorder.Record(&change, storages.KindAccrual, storages.CurrencyPrimary, SignupBonus,
			"signup bonus +"+ledger.FormatPrimary(SignupBonus))

		account, err := s.store.CreateAccount(ctx, change.Account, change.Entries)
		if err == nil {
			logrus.WithFields(logrus.Fields{
				"account_id":    account.ID,
				"referral_code": account.ReferralCode,
				"invited_by":    account.InvitedBy,
			}).Info("account registered")
			return Registration{Account: account, Identity: identity}, nil
		}
		if errors.Is(err, storages.ErrConflict) && !errors.Is(err, storages.ErrReferralTaken) {
			logrus.WithField("account_id", identity.AccountID).WithError(err).Warn("account already exists")
			return Registration{}, apperr.E(apperr.Conflict, op, "Account already exists", err)
		}
		if !errors.Is(err, storages.ErrReferralTaken) {
			logrus.WithField("account_id", identity.AccountID).WithError(err).Error("failed to create account")
			return Registration{}, apperr.Classify(op, err)
		}
		logrus.WithFields(logrus.Fields{
			"account_id": identity.AccountID,
			"attempt":    attempt,
		}).Warn("referral code collision, retrying")
		lastErr = err
	}
	return Registration{}, apperr.E(apperr.Unavailable, op, "", lastErr)
}

// Authenticate signs in with the provider. Failures never reveal whether the email
// exists.
func (s *Service) Authenticate(ctx context.Context, email, password string) (auth.Identity, error) {
	const op = "account.Authenticate"
	if strings.TrimSpace(email) == "" || password == "" {
		return auth.Identity{}, apperr.E(apperr.Unauthorized, op, loginFailed, auth.ErrInvalidCredentials)
	}

	identity, err := s.provider.SignIn(ctx, email, password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			return auth.Identity{}, apperr.E(apperr.Unauthorized, op, loginFailed, err)
		}
		logrus.WithError(err).Error("authentication provider unavailable")
		return auth.Identity{}, apperr.E(apperr.Unavailable, op, loginFailed, err)
	}

	logrus.WithField("account_id", identity.AccountID).Info("login successful")
	return identity, nil
}

// Verify resolves a bearer token to the identity it was issued for.
func (s *Service) Verify(ctx context.Context, token string) (auth.Identity, error) {
	const op = "account.Verify"
	if token == "" {
		return auth.Identity{}, apperr.E(apperr.Unauthorized, op, "", auth.ErrInvalidToken)
	}
	identity, err := s.provider.Verify(ctx, token)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			return auth.Identity{}, apperr.E(apperr.Unauthorized, op, "", err)
		}
		return auth.Identity{}, apperr.E(apperr.Unavailable, op, "", err)
	}
	return identity, nil
}

func (s *Service) SignOut(ctx context.Context, token string) error {
	const op = "account.SignOut"
	if token == "" {
		return nil
	}
	if err := s.provider.SignOut(ctx, token); err != nil {
		return apperr.E(apperr.Unavailable, op, "", err)
	}
	return nil
}

type Snapshot struct {
	Account          storages.Account `json:"account"`
	Progress         int64            `json:"progress"`
	Threshold        int64            `json:"threshold"`
	ProgressPercent  string           `json:"progress_percent"`
	PrimaryDisplay   string           `json:"primary_display"`
	SecondaryDisplay string           `json:"secondary_display"`
}

func (s *Service) Snapshot(ctx context.Context, accountID string) (Snapshot, error) {
	const op = "account.Snapshot"
	if accountID == "" {
		return Snapshot{}, apperr.E(apperr.InvalidArgument, op, "account id is required", nil)
	}
	acc, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return Snapshot{}, apperr.Classify(op, err)
	}

	threshold := s.engine.Config().Threshold
	percent := decimal.NewFromInt(acc.Progress).Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(threshold))
	return Snapshot{
		Account:          acc,
		Progress:         acc.Progress,
		Threshold:        threshold,
		ProgressPercent:  percent.StringFixed(2),
		PrimaryDisplay:   ledger.FormatPrimary(acc.PrimaryBalance),
		SecondaryDisplay: ledger.FormatSecondary(acc.SecondaryBalance),
	}, nil
}

func (s *Service) Mine(ctx context.Context, accountID string, amount int64) (ledger.AccrualResult, error) {
	return s.engine.ApplyAccrual(ctx, accountID, amount)
}

func (s *Service) Redeem(ctx context.Context, accountID string, amount int64) (ledger.RedemptionResult, error) {
	return s.engine.Redeem(ctx, accountID, amount)
}

func (s *Service) Transactions(ctx context.Context, accountID string, limit int) ([]storages.Transaction, error) {
	return s.recorder.List(ctx, accountID, limit)
}

func (s *Service) ListAccounts(ctx context.Context, callerID string) ([]storages.Account, error) {
	const op = "account.ListAccounts"
	if err := s.requireAdmin(ctx, op, callerID); err != nil {
		return nil, err
	}
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		logrus.WithError(err).Error("failed to list accounts")
		return nil, apperr.Classify(op, err)
	}
	return accounts, nil
}

// Statistics reports totals across all accounts; "active" counts accounts that
// accrued since UTC midnight.
func (s *Service) Statistics(ctx context.Context, callerID string) (storages.Statistics, error) {
	const op = "account.Statistics"
	if err := s.requireAdmin(ctx, op, callerID); err != nil {
		return storages.Statistics{}, err
	}
	y, m, d := s.now().UTC().Date()
	stats, err := s.store.Statistics(ctx, time.Date(y, m, d, 0, 0, 0, 0, time.UTC))
	if err != nil {
		logrus.WithError(err).Error("failed to aggregate statistics")
		return storages.Statistics{}, apperr.Classify(op, err)
	}
	return stats, nil
}

func (s *Service) Adjust(ctx context.Context, callerID, accountID string, delta int64, note string) (storages.Account, error) {
	const op = "account.Adjust"
	if err := s.requireAdmin(ctx, op, callerID); err != nil {
		return storages.Account{}, err
	}
	logrus.WithFields(logrus.Fields{
		"admin_id":   callerID,
		"account_id": accountID,
		"delta":      delta,
	}).Info("manual adjustment requested")
	return s.engine.Adjust(ctx, accountID, delta, strings.TrimSpace(note))
}

func (s *Service) requireAdmin(ctx context.Context, op, callerID string) error {
	if callerID == "" {
		return apperr.E(apperr.Unauthorized, op, "", nil)
	}
	caller, err := s.store.GetAccount(ctx, callerID)
	if err != nil {
		if errors.Is(err, storages.ErrNotFound) {
			return apperr.E(apperr.Unauthorized, op, "", err)
		}
		return apperr.Classify(op, err)
	}
	if !caller.IsAdmin {
		logrus.WithField("account_id", callerID).Warn("admin operation denied")
		return apperr.E(apperr.Unauthorized, op, "Administrator privileges required", ErrNotAdmin)
	}
	return nil
}
