// Package supabase implements storages.LedgerStore on top of a Supabase project's
// PostgREST API. Multi-row writes go through the stored procedures shipped in the
// postgres migrations, so each one is a single database transaction.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/Krchnk/gw-mining-wallet/internal/storages"
)

const (
	maxResponseBytes  = 8 << 20
	maxErrorBodyBytes = 32 << 10
)

type Config struct {
	URL        string
	ServiceKey string
	Timeout    time.Duration
}

type Storage struct {
	url        string
	serviceKey string
	httpClient *http.Client
}

func NewStorage(cfg Config) (*Storage, error) {
	if cfg.URL == "" {
		return nil, errors.New("supabase url is required")
	}
	if cfg.ServiceKey == "" {
		return nil, errors.New("supabase service key is required")
	}
	parsed, err := url.Parse(cfg.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid supabase url %q", cfg.URL)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Storage{
		url:        strings.TrimRight(cfg.URL, "/"),
		serviceKey: cfg.ServiceKey,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// request performs one PostgREST call and returns the raw body.
func (s *Storage) request(ctx context.Context, method, path, query string, body any) ([]byte, error) {
	endpoint := s.url + "/rest/v1/" + path
	if query != "" {
		endpoint += "?" + query
	}

	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", s.serviceKey)
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, apiError(resp.StatusCode, raw)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return raw, nil
}

const referralConstraint = "accounts_referral_code_key"

func apiError(status int, body []byte) error {
	code := gjson.GetBytes(body, "code").String()
	msg := gjson.GetBytes(body, "message").String()
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	base := fmt.Errorf("supabase API error %d (%s): %s", status, code, msg)
	switch {
	case code == "23505" && strings.Contains(msg, referralConstraint):
		return fmt.Errorf("%w: %v", storages.ErrReferralTaken, base)
	case code == "23505" || code == "40001" || code == "40P01" || status == http.StatusConflict:
		return fmt.Errorf("%w: %v", storages.ErrConflict, base)
	default:
		return base
	}
}

// rpc invokes a stored procedure that reports its outcome as a status string.
func (s *Storage) rpc(ctx context.Context, fn string, params any) (string, error) {
	raw, err := s.request(ctx, http.MethodPost, "rpc/"+url.PathEscape(fn), "", params)
	if err != nil {
		return "", err
	}
	return gjson.ParseBytes(raw).String(), nil
}

func statusError(accountID, status string) error {
	switch status {
	case "applied":
		return nil
	case "conflict":
		return fmt.Errorf("account %s: %w", accountID, storages.ErrConflict)
	case "referral_taken":
		return fmt.Errorf("account %s: %w", accountID, storages.ErrReferralTaken)
	case "not_found":
		return fmt.Errorf("account %s: %w", accountID, storages.ErrNotFound)
	default:
		return fmt.Errorf("account %s: unexpected procedure status %q", accountID, status)
	}
}

func (s *Storage) CreateAccount(ctx context.Context, account storages.Account, entries []storages.Transaction) (storages.Account, error) {
	if entries == nil {
		entries = []storages.Transaction{}
	}
	status, err := s.rpc(ctx, "create_account", map[string]any{
		"p_account": account,
		"p_entries": entries,
	})
	if err == nil {
		err = statusError(account.ID, status)
	}
	if err != nil {
		logrus.WithField("account_id", account.ID).WithError(err).Error("failed to create account via supabase")
		return storages.Account{}, err
	}

	logrus.WithField("account_id", account.ID).Info("account created in supabase")
	return s.GetAccount(ctx, account.ID)
}

func (s *Storage) GetAccount(ctx context.Context, accountID string) (storages.Account, error) {
	query := "id=eq." + url.QueryEscape(accountID) + "&limit=1"
	raw, err := s.request(ctx, http.MethodGet, "account_ledger", query, nil)
	if err != nil {
		logrus.WithField("account_id", accountID).WithError(err).Error("failed to get account from supabase")
		return storages.Account{}, err
	}

	var accounts []storages.Account
	if err := json.Unmarshal(raw, &accounts); err != nil {
		return storages.Account{}, fmt.Errorf("unmarshal account_ledger: %w", err)
	}
	if len(accounts) == 0 {
		return storages.Account{}, fmt.Errorf("account %s: %w", accountID, storages.ErrNotFound)
	}
	return accounts[0], nil
}

// CommitChange runs commit_ledger_change, which applies the state only when the
// stored version matches ExpectedVersion.
func (s *Storage) CommitChange(ctx context.Context, change storages.Change) (storages.Account, error) {
	entries := change.Entries
	if entries == nil {
		entries = []storages.Transaction{}
	}
	status, err := s.rpc(ctx, "commit_ledger_change", map[string]any{
		"p_account_id":       change.Account.ID,
		"p_expected_version": change.ExpectedVersion,
		"p_state":            change.Account,
		"p_entries":          entries,
	})
	if err == nil {
		err = statusError(change.Account.ID, status)
	}
	if err != nil {
		if errors.Is(err, storages.ErrConflict) {
			logrus.WithFields(logrus.Fields{
				"account_id":       change.Account.ID,
				"expected_version": change.ExpectedVersion,
			}).Warn("stale ledger change rejected by supabase")
		} else {
			logrus.WithField("account_id", change.Account.ID).WithError(err).Error("failed to commit ledger change via supabase")
		}
		return storages.Account{}, err
	}

	committed := change.Account
	committed.Version = change.ExpectedVersion + 1
	logrus.WithFields(logrus.Fields{
		"account_id": committed.ID,
		"version":    committed.Version,
		"entries":    len(change.Entries),
	}).Info("ledger change committed in supabase")
	return committed, nil
}

func (s *Storage) ListTransactions(ctx context.Context, accountID string, limit int) ([]storages.Transaction, error) {
	query := fmt.Sprintf("account_id=eq.%s&order=seq.desc&limit=%d", url.QueryEscape(accountID), limit)
	raw, err := s.request(ctx, http.MethodGet, "transactions", query, nil)
	if err != nil {
		logrus.WithField("account_id", accountID).WithError(err).Error("failed to list transactions from supabase")
		return nil, err
	}

	var txs []storages.Transaction
	if err := json.Unmarshal(raw, &txs); err != nil {
		return nil, fmt.Errorf("unmarshal transactions: %w", err)
	}
	return txs, nil
}

func (s *Storage) ListAccounts(ctx context.Context) ([]storages.Account, error) {
	raw, err := s.request(ctx, http.MethodGet, "account_ledger", "order=created_at.desc,id.asc", nil)
	if err != nil {
		logrus.WithError(err).Error("failed to list accounts from supabase")
		return nil, err
	}

	var accounts []storages.Account
	if err := json.Unmarshal(raw, &accounts); err != nil {
		return nil, fmt.Errorf("unmarshal account_ledger: %w", err)
	}
	return accounts, nil
}

func (s *Storage) Statistics(ctx context.Context, since time.Time) (storages.Statistics, error) {
	raw, err := s.request(ctx, http.MethodPost, "rpc/ledger_statistics", "", map[string]any{
		"p_since": since.UTC().Format(time.RFC3339),
	})
	if err != nil {
		logrus.WithError(err).Error("failed to aggregate statistics in supabase")
		return storages.Statistics{}, err
	}

	var stats storages.Statistics
	if err := json.Unmarshal(raw, &stats); err != nil {
		return storages.Statistics{}, fmt.Errorf("unmarshal statistics: %w", err)
	}
	return stats, nil
}

func (s *Storage) SetAdmin(ctx context.Context, accountID string, isAdmin bool) error {
	status, err := s.rpc(ctx, "set_account_admin", map[string]any{
		"p_account_id": accountID,
		"p_is_admin":   isAdmin,
	})
	if err == nil {
		err = statusError(accountID, status)
	}
	if err != nil {
		logrus.WithField("account_id", accountID).WithError(err).Error("failed to update admin flag via supabase")
		return err
	}
	return nil
}
