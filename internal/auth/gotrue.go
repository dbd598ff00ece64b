package auth

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
)

const maxAuthResponseBytes = 1 << 20

type GoTrueConfig struct {
	URL     string
	AnonKey string
	Timeout time.Duration
}

// GoTrue talks to the /auth/v1 endpoints of a Supabase project.
type GoTrue struct {
	url        string
	anonKey    string
	httpClient *http.Client
	now        func() time.Time
}

func NewGoTrue(cfg GoTrueConfig) (*GoTrue, error) {
	if cfg.URL == "" {
		return nil, errors.New("supabase url is required")
	}
	if cfg.AnonKey == "" {
		return nil, errors.New("supabase anon key is required")
	}
	parsed, err := url.Parse(cfg.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid supabase url %q", cfg.URL)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &GoTrue{
		url:        strings.TrimRight(cfg.URL, "/"),
		anonKey:    cfg.AnonKey,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}, nil
}

type authResponse struct {
	status int
	body   []byte
}

func (g *GoTrue) do(ctx context.Context, method, path, bearer string, body any) (authResponse, error) {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return authResponse{}, fmt.Errorf("marshal body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.url+"/auth/v1/"+path, reqBody)
	if err != nil {
		return authResponse{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", g.anonKey)
	if bearer == "" {
		bearer = g.anonKey
	}
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return authResponse{}, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxAuthResponseBytes))
	if err != nil {
		return authResponse{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return authResponse{}, fmt.Errorf("auth API error %d: %s", resp.StatusCode, errorMessage(raw))
	}
	return authResponse{status: resp.StatusCode, body: raw}, nil
}

func (g *GoTrue) SignUp(ctx context.Context, email, password string) (Identity, error) {
	email = normalizeEmail(email)
	resp, err := g.do(ctx, http.MethodPost, "signup", "", map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		logrus.WithField("email", email).WithError(err).Error("gotrue sign up failed")
		return Identity{}, err
	}
	if resp.status >= 400 {
		code := gjson.GetBytes(resp.body, "error_code").String()
		msg := errorMessage(resp.body)
		if code == "user_already_exists" || code == "email_exists" ||
			strings.Contains(strings.ToLower(msg), "already registered") {
			return Identity{}, ErrEmailTaken
		}
		return Identity{}, fmt.Errorf("sign up rejected (%d): %s", resp.status, msg)
	}

	identity := g.identity(resp.body)
	if identity.AccountID == "" {
		return Identity{}, errors.New("sign up response carries no user id")
	}
	logrus.WithFields(logrus.Fields{
		"account_id": identity.AccountID,
		"email":      email,
	}).Info("gotrue user created")
	return identity, nil
}

func (g *GoTrue) SignIn(ctx context.Context, email, password string) (Identity, error) {
	email = normalizeEmail(email)
	resp, err := g.do(ctx, http.MethodPost, "token?grant_type=password", "", map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		logrus.WithField("email", email).WithError(err).Error("gotrue sign in failed")
		return Identity{}, err
	}
	if resp.status >= 400 {
		logrus.WithFields(logrus.Fields{
			"email":  email,
			"status": resp.status,
		}).Warn("gotrue rejected credentials")
		return Identity{}, ErrInvalidCredentials
	}

	identity := g.identity(resp.body)
	if identity.AccountID == "" || identity.Token == "" {
		return Identity{}, errors.New("sign in response carries no session")
	}
	return identity, nil
}

func (g *GoTrue) SignOut(ctx context.Context, token string) error {
	resp, err := g.do(ctx, http.MethodPost, "logout", token, nil)
	if err != nil {
		logrus.WithError(err).Error("gotrue sign out failed")
		return err
	}
	if resp.status >= 400 && resp.status != http.StatusUnauthorized &&
		resp.status != http.StatusForbidden && resp.status != http.StatusNotFound {
		return fmt.Errorf("sign out rejected (%d): %s", resp.status, errorMessage(resp.body))
	}
	return nil
}

func (g *GoTrue) Verify(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrInvalidToken
	}
	resp, err := g.do(ctx, http.MethodGet, "user", token, nil)
	if err != nil {
		logrus.WithError(err).Error("gotrue token verification failed")
		return Identity{}, err
	}
	if resp.status >= 400 {
		return Identity{}, ErrInvalidToken
	}

	id := gjson.GetBytes(resp.body, "id").String()
	if id == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{
		AccountID: id,
		Email:     gjson.GetBytes(resp.body, "email").String(),
		Token:     token,
	}, nil
}

// identity reads a session response, or a bare user object when email confirmation
// is enabled and no session is issued yet.
func (g *GoTrue) identity(body []byte) Identity {
	res := gjson.ParseBytes(body)
	id := res.Get("user.id").String()
	email := res.Get("user.email").String()
	if id == "" {
		id = res.Get("id").String()
		email = res.Get("email").String()
	}
	identity := Identity{
		AccountID: id,
		Email:     email,
		Token:     res.Get("access_token").String(),
	}
	if expiresIn := res.Get("expires_in").Int(); expiresIn > 0 {
		identity.ExpiresAt = g.now().Add(time.Duration(expiresIn) * time.Second)
	}
	return identity
}

func errorMessage(body []byte) string {
	for _, key := range []string{"msg", "message", "error_description", "error"} {
		if v := gjson.GetBytes(body, key).String(); v != "" {
			return v
		}
	}
	return strings.TrimSpace(string(body))
}
