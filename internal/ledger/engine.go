// Package ledger owns every balance-changing rule: mining accrual with its reward
// conversion, redemption of primary for secondary currency, and manual adjustments.
//
// Each operation reads the account, computes the new state in memory, and commits it
// through the store's conditional update. A concurrent writer makes the commit fail
// with storages.ErrConflict and the operation is retried against fresh state, so calls
// on one account are linearizable without any in-process locking.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/Krchnk/gw-mining-wallet/internal/apperr"
	"github.com/Krchnk/gw-mining-wallet/internal/storages"
)

const (
	DefaultThreshold          int64 = 10_000_000
	DefaultRewardPerThreshold int64 = 10_000 // 0.01 USDT
	// DefaultExchangeRate is primary units per secondary unit: 1 USDT costs
	// 1,000,000,000 SOD.
	DefaultExchangeRate int64 = 1_000
	// DefaultMaxAccrualPerCall bounds what a single mining call may credit.
	DefaultMaxAccrualPerCall int64 = 100_000_000
)

type Config struct {
	Threshold          int64
	RewardPerThreshold int64
	ExchangeRate       int64
	MaxAccrualPerCall  int64
	MaxAttempts        int
	Timeout            time.Duration
	RetryInterval      time.Duration
}

func DefaultConfig() Config {
	return Config{
		Threshold:          DefaultThreshold,
		RewardPerThreshold: DefaultRewardPerThreshold,
		ExchangeRate:       DefaultExchangeRate,
		MaxAccrualPerCall:  DefaultMaxAccrualPerCall,
		MaxAttempts:        3,
		Timeout:            5 * time.Second,
		RetryInterval:      50 * time.Millisecond,
	}
}

type Engine struct {
	store    storages.LedgerStore
	recorder *Recorder
	cfg      Config
	now      func() time.Time
}

func NewEngine(store storages.LedgerStore, recorder *Recorder, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.RewardPerThreshold <= 0 {
		cfg.RewardPerThreshold = def.RewardPerThreshold
	}
	if cfg.ExchangeRate <= 0 {
		cfg.ExchangeRate = def.ExchangeRate
	}
	if cfg.MaxAccrualPerCall <= 0 {
		cfg.MaxAccrualPerCall = def.MaxAccrualPerCall
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	return &Engine{store: store, recorder: recorder, cfg: cfg, now: time.Now}
}

func (e *Engine) Config() Config { return e.cfg }

type AccrualResult struct {
	Account     storages.Account
	Converted   bool
	Conversions int64
	Rewarded    int64
}

type RedemptionResult struct {
	Account  storages.Account
	Debited  int64
	Credited int64
}

// ApplyAccrual credits amount of mined primary currency and converts every full
// threshold of accumulated progress into secondary currency. The remainder above
// the last crossed threshold is carried forward.
func (e *Engine) ApplyAccrual(ctx context.Context, accountID string, amount int64) (AccrualResult, error) {
	const op = "ledger.ApplyAccrual"
	if accountID == "" {
		return AccrualResult{}, apperr.E(apperr.InvalidArgument, op, "account id is required", nil)
	}
	if amount < 0 {
		return AccrualResult{}, apperr.E(apperr.InvalidArgument, op, "amount must not be negative", nil)
	}
	if amount > e.cfg.MaxAccrualPerCall {
		logrus.WithFields(logrus.Fields{
			"account_id": accountID,
			"amount":     amount,
			"limit":      e.cfg.MaxAccrualPerCall,
		}).Warn("accrual above per-call limit rejected")
		return AccrualResult{}, apperr.E(apperr.InvalidArgument, op,
			fmt.Sprintf("amount exceeds the per-call mining limit of %s", FormatPrimary(e.cfg.MaxAccrualPerCall)), nil)
	}

	var result AccrualResult
	account, err := e.mutate(ctx, op, accountID, func(now time.Time, change *storages.Change) error {
		res, err := e.accrue(op, now, change, amount)
		result = res
		return err
	})
	if err != nil {
		return AccrualResult{}, err
	}
	result.Account = account

	logrus.WithFields(logrus.Fields{
		"account_id":  accountID,
		"amount":      amount,
		"conversions": result.Conversions,
		"progress":    account.Progress,
	}).Info("accrual applied")
	return result, nil
}

func (e *Engine) accrue(op string, now time.Time, change *storages.Change, amount int64) (AccrualResult, error) {
	acc := &change.Account

	daily := acc.DailyAccrual
	if acc.LastAccrualAt == nil || !sameDay(*acc.LastAccrualAt, now) {
		daily = 0
	}

	primary, ok1 := addChecked(acc.PrimaryBalance, amount)
	lifetime, ok2 := addChecked(acc.LifetimeAccrual, amount)
	daily, ok3 := addChecked(daily, amount)
	progress, ok4 := addChecked(acc.Progress, amount)
	if !(ok1 && ok2 && ok3 && ok4) {
		return AccrualResult{}, apperr.E(apperr.InvalidArgument, op, "amount is too large", nil)
	}

	acc.PrimaryBalance = primary
	acc.LifetimeAccrual = lifetime
	acc.DailyAccrual = daily
	acc.LastAccrualAt = &now
	e.recorder.Record(change, storages.KindAccrual, storages.CurrencyPrimary, amount,
		"mining "+signed(FormatPrimary(amount), amount))

	var result AccrualResult
	if progress >= e.cfg.Threshold {
		n := progress / e.cfg.Threshold
		reward, ok := mulChecked(n, e.cfg.RewardPerThreshold)
		if !ok {
			return AccrualResult{}, apperr.E(apperr.InvalidArgument, op, "amount is too large", nil)
		}
		secondary, ok := addChecked(acc.SecondaryBalance, reward)
		if !ok {
			return AccrualResult{}, apperr.E(apperr.InvalidArgument, op, "amount is too large", nil)
		}

		acc.SecondaryBalance = secondary
		acc.LastClaimAt = &now
		progress -= n * e.cfg.Threshold
		note := "reward " + signed(FormatSecondary(reward), reward)
		if n > 1 {
			note = fmt.Sprintf("%s (%d thresholds)", note, n)
		}
		e.recorder.Record(change, storages.KindConversionReward, storages.CurrencySecondary, reward, note)
		result = AccrualResult{Converted: true, Conversions: n, Rewarded: reward}
	}
	acc.Progress = progress
	return result, nil
}

// Redeem buys amount secondary units with primary currency at the configured rate.
func (e *Engine) Redeem(ctx context.Context, accountID string, amount int64) (RedemptionResult, error) {
	const op = "ledger.Redeem"
	if accountID == "" {
		return RedemptionResult{}, apperr.E(apperr.InvalidArgument, op, "account id is required", nil)
	}
	if amount <= 0 {
		return RedemptionResult{}, apperr.E(apperr.InvalidArgument, op, "amount must be positive", nil)
	}
	cost, ok := mulChecked(amount, e.cfg.ExchangeRate)
	if !ok {
		return RedemptionResult{}, apperr.E(apperr.InvalidArgument, op, "amount is too large", nil)
	}

	account, err := e.mutate(ctx, op, accountID, func(now time.Time, change *storages.Change) error {
		acc := &change.Account
		if acc.PrimaryBalance < cost {
			return apperr.E(apperr.InsufficientFunds, op,
				fmt.Sprintf("Insufficient SOD balance: %s required", FormatPrimary(cost)), nil)
		}
		secondary, ok := addChecked(acc.SecondaryBalance, amount)
		if !ok {
			return apperr.E(apperr.InvalidArgument, op, "amount is too large", nil)
		}
		acc.PrimaryBalance -= cost
		acc.SecondaryBalance = secondary
		e.recorder.Record(change, storages.KindRedemption, storages.CurrencyPrimary, -cost,
			"redeem "+signed(FormatPrimary(-cost), -cost))
		e.recorder.Record(change, storages.KindRedemption, storages.CurrencySecondary, amount,
			"redeem "+signed(FormatSecondary(amount), amount))
		return nil
	})
	if err != nil {
		if apperr.Is(err, apperr.InsufficientFunds) {
			logrus.WithFields(logrus.Fields{
				"account_id": accountID,
				"amount":     amount,
				"cost":       cost,
			}).Warn("insufficient funds for redemption")
		}
		return RedemptionResult{}, err
	}

	logrus.WithFields(logrus.Fields{
		"account_id": accountID,
		"debited":    cost,
		"credited":   amount,
	}).Info("redemption completed")
	return RedemptionResult{Account: account, Debited: cost, Credited: amount}, nil
}

// Adjust applies a manual correction to the primary balance. Lifetime accrual is
// left untouched.
func (e *Engine) Adjust(ctx context.Context, accountID string, delta int64, note string) (storages.Account, error) {
	const op = "ledger.Adjust"
	if accountID == "" {
		return storages.Account{}, apperr.E(apperr.InvalidArgument, op, "account id is required", nil)
	}
	if delta == 0 {
		return storages.Account{}, apperr.E(apperr.InvalidArgument, op, "adjustment must not be zero", nil)
	}
	if note == "" {
		note = "manual adjustment " + signed(FormatPrimary(delta), delta)
	}

	account, err := e.mutate(ctx, op, accountID, func(now time.Time, change *storages.Change) error {
		acc := &change.Account
		balance, ok := addChecked(acc.PrimaryBalance, delta)
		if !ok {
			return apperr.E(apperr.InvalidArgument, op, "adjustment is too large", nil)
		}
		if balance < 0 {
			return apperr.E(apperr.InsufficientFunds, op, "", nil)
		}
		acc.PrimaryBalance = balance
		e.recorder.Record(change, storages.KindManualAdjustment, storages.CurrencyPrimary, delta, note)
		return nil
	})
	if err != nil {
		return storages.Account{}, err
	}

	logrus.WithFields(logrus.Fields{
		"account_id": accountID,
		"delta":      delta,
	}).Info("manual adjustment applied")
	return account, nil
}

// mutate runs read, apply, conditional commit. Conflicts are retried with backoff up
// to MaxAttempts; every other failure ends the loop. The whole loop shares one
// deadline.
func (e *Engine) mutate(ctx context.Context, op, accountID string, apply func(now time.Time, change *storages.Change) error) (storages.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	var (
		committed storages.Account
		attempts  int
	)
	operation := func() error {
		attempts++
		current, err := e.store.GetAccount(ctx, accountID)
		if err != nil {
			return backoff.Permanent(apperr.Classify(op, err))
		}

		change := storages.Change{ExpectedVersion: current.Version, Account: current}
		if err := apply(e.now().UTC(), &change); err != nil {
			return backoff.Permanent(err)
		}

		committed, err = e.store.CommitChange(ctx, change)
		if errors.Is(err, storages.ErrConflict) {
			logrus.WithFields(logrus.Fields{
				"account_id": accountID,
				"attempt":    attempts,
				"op":         op,
			}).Warn("concurrent ledger update, retrying")
			return err
		}
		if err != nil {
			return backoff.Permanent(apperr.Classify(op, err))
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.cfg.RetryInterval
	policy.MaxElapsedTime = 0
	err := backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(e.cfg.MaxAttempts-1)), ctx))
	if err != nil {
		if errors.Is(err, storages.ErrConflict) {
			logrus.WithFields(logrus.Fields{
				"account_id": accountID,
				"attempts":   attempts,
				"op":         op,
			}).Error("ledger update kept conflicting")
			return storages.Account{}, apperr.E(apperr.Unavailable, op, "",
				fmt.Errorf("gave up after %d attempts: %w", attempts, err))
		}
		if !apperr.Is(err, apperr.InsufficientFunds) && !apperr.Is(err, apperr.InvalidArgument) {
			logrus.WithFields(logrus.Fields{
				"account_id": accountID,
				"op":         op,
			}).WithError(err).Error("ledger update failed")
		}
		return storages.Account{}, apperr.Classify(op, err)
	}
	return committed, nil
}

func sameDay(a, b time.Time) bool {
	y1, m1, d1 := a.UTC().Date()
	y2, m2, d2 := b.UTC().Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

func addChecked(a, b int64) (int64, bool) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, false
	}
	return a + b, true
}

func mulChecked(a, b int64) (int64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	c := a * b
	if c/b != a || (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) {
		return 0, false
	}
	return c, true
}
