package account

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Krchnk/gw-mining-wallet/internal/apperr"
	"github.com/Krchnk/gw-mining-wallet/internal/auth"
	"github.com/Krchnk/gw-mining-wallet/internal/ledger"
	"github.com/Krchnk/gw-mining-wallet/internal/storages"
	"github.com/Krchnk/gw-mining-wallet/internal/storages/memory"
)

func newTestService(t *testing.T) (*Service, *memory.Storage) {
	t.Helper()
	store := memory.NewStorage()
	provider, err := auth.NewLocal(store, "test-secret", time.Hour)
	require.NoError(t, err)
	recorder := ledger.NewRecorder(store)
	engine := ledger.NewEngine(store, recorder, ledger.DefaultConfig())
	return NewService(store, provider, engine, recorder), store
}

func register(t *testing.T, svc *Service, email string) Registration {
	t.Helper()
	reg, err := svc.Register(context.Background(), email, "secret1", "Miner", "")
	require.NoError(t, err)
	return reg
}

func seedAdmin(t *testing.T, store *memory.Storage) string {
	t.Helper()
	_, err := store.CreateAccount(context.Background(), storages.Account{
		ID: "admin-1", Email: "admin@example.com", DisplayName: "Admin",
		ReferralCode: "ADMIN001", IsAdmin: true,
	}, nil)
	require.NoError(t, err)
	return "admin-1"
}

func TestRegisterSeedsAccount(t *testing.T) {
	svc, store := newTestService(t)

	reg, err := svc.Register(context.Background(), "miner@example.com", "secret1", " Miner ", "FRIEND01")
	require.NoError(t, err)

	acc := reg.Account
	assert.Equal(t, reg.Identity.AccountID, acc.ID)
	assert.Equal(t, SignupBonus, acc.PrimaryBalance)
	assert.Equal(t, InitialProgress, acc.Progress)
	assert.Equal(t, int64(0), acc.SecondaryBalance)
	assert.Equal(t, "Miner", acc.DisplayName)
	assert.Equal(t, "FRIEND01", acc.InvitedBy)
	assert.Equal(t, DefaultMiningPower, acc.MiningPower)
	assert.Equal(t, DefaultLevel, acc.Level)
	assert.Regexp(t, regexp.MustCompile(`^[A-Z0-9]{8}$`), acc.ReferralCode)
	assert.NotEmpty(t, reg.Identity.Token)

	txs, err := store.ListTransactions(context.Background(), acc.ID, 10)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, storages.KindAccrual, txs[0].Kind)
	assert.Equal(t, SignupBonus, txs[0].Amount)
}

func TestRegisterValidation(t *testing.T) {
	svc, _ := newTestService(t)
	tests := []struct {
		name, email, password, display string
	}{
		{"no at sign", "miner.example.com", "secret1", "Miner"},
		{"empty local part", "@example.com", "secret1", "Miner"},
		{"short password", "miner@example.com", "12345", "Miner"},
		{"blank display name", "miner@example.com", "secret1", "   "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Register(context.Background(), tt.email, tt.password, tt.display, "")
			assert.True(t, apperr.Is(err, apperr.InvalidArgument), "got %v", err)
		})
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	svc, _ := newTestService(t)
	register(t, svc, "miner@example.com")

	_, err := svc.Register(context.Background(), "miner@example.com", "secret1", "Other", "")
	assert.True(t, apperr.Is(err, apperr.Conflict))
}

func TestRegisterRetriesReferralCollision(t *testing.T) {
	svc, store := newTestService(t)
	_, err := store.CreateAccount(context.Background(), storages.Account{ID: "taken", ReferralCode: "AAAAAAAA"}, nil)
	require.NoError(t, err)

	codes := []string{"AAAAAAAA", "AAAAAAAA", "BBBBBBBB"}
	svc.codes = func() string {
		code := codes[0]
		codes = codes[1:]
		return code
	}

	reg := register(t, svc, "miner@example.com")
	assert.Equal(t, "BBBBBBBB", reg.Account.ReferralCode)
}

func TestRegisterGivesUpAfterCollisions(t *testing.T) {
	svc, store := newTestService(t)
	_, err := store.CreateAccount(context.Background(), storages.Account{ID: "taken", ReferralCode: "AAAAAAAA"}, nil)
	require.NoError(t, err)
	svc.codes = func() string { return "AAAAAAAA" }

	_, err = svc.Register(context.Background(), "miner@example.com", "secret1", "Miner", "")
	assert.True(t, apperr.Is(err, apperr.Unavailable))
	assert.ErrorIs(t, err, storages.ErrReferralTaken)
}

type duplicateStore struct {
	*memory.Storage
	calls int
}

func (s *duplicateStore) CreateAccount(ctx context.Context, account storages.Account, entries []storages.Transaction) (storages.Account, error) {
	s.calls++
	return storages.Account{}, fmt.Errorf("account %s: %w", account.ID, storages.ErrConflict)
}

func TestRegisterExistingAccountIsConflict(t *testing.T) {
	svc, store := newTestService(t)
	dup := &duplicateStore{Storage: store}
	svc.store = dup

	_, err := svc.Register(context.Background(), "miner@example.com", "secret1", "Miner", "")
	assert.True(t, apperr.Is(err, apperr.Conflict))
	assert.Equal(t, "Account already exists", apperr.Message(err))
	assert.Equal(t, 1, dup.calls)
}

func TestAuthenticate(t *testing.T) {
	svc, _ := newTestService(t)
	reg := register(t, svc, "miner@example.com")

	identity, err := svc.Authenticate(context.Background(), "miner@example.com", "secret1")
	require.NoError(t, err)
	assert.Equal(t, reg.Account.ID, identity.AccountID)

	_, wrong := svc.Authenticate(context.Background(), "miner@example.com", "wrong!")
	_, unknown := svc.Authenticate(context.Background(), "ghost@example.com", "secret1")
	for _, err := range []error{wrong, unknown} {
		assert.True(t, apperr.Is(err, apperr.Unauthorized))
		assert.Equal(t, "invalid email or password", apperr.Message(err))
	}
}

type downProvider struct{ auth.Provider }

func (downProvider) SignIn(ctx context.Context, email, password string) (auth.Identity, error) {
	return auth.Identity{}, errors.New("connection refused")
}

func TestAuthenticateProviderOutage(t *testing.T) {
	svc, _ := newTestService(t)
	svc.provider = downProvider{}

	_, err := svc.Authenticate(context.Background(), "miner@example.com", "secret1")
	assert.True(t, apperr.Is(err, apperr.Unavailable))
	assert.Equal(t, "invalid email or password", apperr.Message(err))
}

func TestVerifyAndSignOut(t *testing.T) {
	svc, _ := newTestService(t)
	reg := register(t, svc, "miner@example.com")

	identity, err := svc.Verify(context.Background(), reg.Identity.Token)
	require.NoError(t, err)
	assert.Equal(t, reg.Account.ID, identity.AccountID)

	require.NoError(t, svc.SignOut(context.Background(), reg.Identity.Token))
	_, err = svc.Verify(context.Background(), reg.Identity.Token)
	assert.True(t, apperr.Is(err, apperr.Unauthorized))
}

func TestSnapshot(t *testing.T) {
	svc, _ := newTestService(t)
	reg := register(t, svc, "miner@example.com")

	snap, err := svc.Snapshot(context.Background(), reg.Account.ID)
	require.NoError(t, err)
	assert.Equal(t, InitialProgress, snap.Progress)
	assert.Equal(t, ledger.DefaultThreshold, snap.Threshold)
	assert.Equal(t, "10.00", snap.ProgressPercent)
	assert.Equal(t, "1000000 SOD", snap.PrimaryDisplay)
	assert.Equal(t, "0 USDT", snap.SecondaryDisplay)

	_, err = svc.Snapshot(context.Background(), "ghost")
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestMineAndRedeem(t *testing.T) {
	svc, _ := newTestService(t)
	reg := register(t, svc, "miner@example.com")
	ctx := context.Background()

	res, err := svc.Mine(ctx, reg.Account.ID, 9_000_000)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Conversions)
	assert.Equal(t, int64(0), res.Account.Progress)

	redeemed, err := svc.Redeem(ctx, reg.Account.ID, 10_000)
	require.NoError(t, err)
	assert.Equal(t, int64(20_000), redeemed.Account.SecondaryBalance)
	assert.Equal(t, int64(0), redeemed.Account.PrimaryBalance)

	_, err = svc.Redeem(ctx, reg.Account.ID, 1)
	assert.True(t, apperr.Is(err, apperr.InsufficientFunds))

	txs, err := svc.Transactions(ctx, reg.Account.ID, 0)
	require.NoError(t, err)
	assert.Len(t, txs, 5)
}

func TestAdminOperations(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	adminID := seedAdmin(t, store)
	reg := register(t, svc, "miner@example.com")

	_, err := svc.Mine(ctx, reg.Account.ID, 100)
	require.NoError(t, err)

	accounts, err := svc.ListAccounts(ctx, adminID)
	require.NoError(t, err)
	assert.Len(t, accounts, 2)

	stats, err := svc.Statistics(ctx, adminID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalAccounts)
	assert.Equal(t, int64(100), stats.TotalAccrued)
	assert.Equal(t, int64(1), stats.ActiveSinceMark)

	acc, err := svc.Adjust(ctx, adminID, reg.Account.ID, -100, "correction")
	require.NoError(t, err)
	assert.Equal(t, SignupBonus, acc.PrimaryBalance)

	_, err = svc.ListAccounts(ctx, reg.Account.ID)
	assert.True(t, apperr.Is(err, apperr.Unauthorized))
	assert.ErrorIs(t, err, ErrNotAdmin)

	_, err = svc.Statistics(ctx, "")
	assert.True(t, apperr.Is(err, apperr.Unauthorized))
	assert.NotErrorIs(t, err, ErrNotAdmin)

	_, err = svc.Adjust(ctx, reg.Account.ID, reg.Account.ID, 1_000, "")
	assert.ErrorIs(t, err, ErrNotAdmin)
}

func TestSessionLifecycle(t *testing.T) {
	svc, _ := newTestService(t)
	reg := register(t, svc, "miner@example.com")
	session := NewSession(svc)
	ctx := context.Background()

	_, err := session.Current()
	assert.True(t, apperr.Is(err, apperr.Unauthorized))
	_, err = session.Mine(ctx, 1)
	assert.True(t, apperr.Is(err, apperr.Unauthorized))

	identity, err := session.Authenticate(ctx, "miner@example.com", "secret1")
	require.NoError(t, err)
	assert.Equal(t, reg.Account.ID, identity.AccountID)

	res, err := session.Mine(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, SignupBonus+5, res.Account.PrimaryBalance)

	snap, err := session.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, InitialProgress+5, snap.Progress)

	txs, err := session.Transactions(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, txs, 2)

	require.NoError(t, session.Deauthenticate(ctx))
	require.NoError(t, session.Deauthenticate(ctx))
	_, err = session.Redeem(ctx, 1)
	assert.True(t, apperr.Is(err, apperr.Unauthorized))

	_, err = svc.Verify(ctx, identity.Token)
	assert.True(t, apperr.Is(err, apperr.Unauthorized))
}

func TestSessionConcurrentAccess(t *testing.T) {
	svc, _ := newTestService(t)
	register(t, svc, "miner@example.com")
	session := NewSession(svc)
	_, err := session.Authenticate(context.Background(), "miner@example.com", "secret1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = session.Current()
			_, _ = session.Snapshot(context.Background())
		}()
	}
	wg.Wait()
}

func TestNewReferralCode(t *testing.T) {
	pattern := regexp.MustCompile(`^[A-Z0-9]{8}$`)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		code := NewReferralCode()
		assert.Regexp(t, pattern, code)
		seen[code] = true
	}
	assert.Greater(t, len(seen), 90)
}
