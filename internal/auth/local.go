package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/Krchnk/gw-mining-wallet/internal/storages"
)

const DefaultTokenTTL = 24 * time.Hour

// Local authenticates against password hashes in a CredentialStore and issues HS256
// tokens. Signed-out token ids are kept in a cache until the token would have expired.
type Local struct {
	store   storages.CredentialStore
	secret  []byte
	ttl     time.Duration
	cost    int
	revoked *cache.Cache
	now     func() time.Time
}

func NewLocal(store storages.CredentialStore, secret string, ttl time.Duration) (*Local, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Local{
		store:   store,
		secret:  []byte(secret),
		ttl:     ttl,
		cost:    bcrypt.DefaultCost,
		revoked: cache.New(ttl, 10*time.Minute),
		now:     time.Now,
	}, nil
}

func (l *Local) SignUp(ctx context.Context, email, password string) (Identity, error) {
	email = normalizeEmail(email)
	hash, err := bcrypt.GenerateFromPassword([]byte(password), l.cost)
	if err != nil {
		return Identity{}, fmt.Errorf("hash password: %w", err)
	}

	cred := storages.Credential{
		AccountID:    uuid.New().String(),
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    l.now().UTC(),
	}
	if err := l.store.CreateCredential(ctx, cred); err != nil {
		if errors.Is(err, storages.ErrConflict) {
			logrus.WithField("email", email).Warn("sign up with registered email")
			return Identity{}, ErrEmailTaken
		}
		logrus.WithField("email", email).WithError(err).Error("failed to store credential")
		return Identity{}, err
	}

	logrus.WithFields(logrus.Fields{
		"account_id": cred.AccountID,
		"email":      email,
	}).Info("credential created")
	return l.issue(cred.AccountID, email)
}

func (l *Local) SignIn(ctx context.Context, email, password string) (Identity, error) {
	email = normalizeEmail(email)
	cred, err := l.store.GetCredential(ctx, email)
	if err != nil {
		if errors.Is(err, storages.ErrNotFound) {
			logrus.WithField("email", email).Warn("sign in for unknown email")
			return Identity{}, ErrInvalidCredentials
		}
		logrus.WithField("email", email).WithError(err).Error("failed to load credential")
		return Identity{}, err
	}

	if bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(password)) != nil {
		logrus.WithField("email", email).Warn("sign in with wrong password")
		return Identity{}, ErrInvalidCredentials
	}
	return l.issue(cred.AccountID, cred.Email)
}

func (l *Local) SignOut(ctx context.Context, token string) error {
	claims, err := l.parse(token)
	if err != nil {
		return nil
	}
	remaining := claims.expiresAt.Sub(l.now())
	if remaining <= 0 {
		return nil
	}
	l.revoked.Set(claims.id, struct{}{}, remaining)
	logrus.WithField("account_id", claims.accountID).Info("token revoked")
	return nil
}

func (l *Local) Verify(ctx context.Context, token string) (Identity, error) {
	claims, err := l.parse(token)
	if err != nil {
		return Identity{}, ErrInvalidToken
	}
	if _, found := l.revoked.Get(claims.id); found {
		return Identity{}, ErrInvalidToken
	}
	return Identity{
		AccountID: claims.accountID,
		Email:     claims.email,
		Token:     token,
		ExpiresAt: claims.expiresAt,
	}, nil
}

func (l *Local) issue(accountID, email string) (Identity, error) {
	expires := l.now().Add(l.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": accountID,
		"email":   email,
		"exp":     expires.Unix(),
		"jti":     uuid.New().String(),
	})
	signed, err := token.SignedString(l.secret)
	if err != nil {
		return Identity{}, fmt.Errorf("sign token: %w", err)
	}
	return Identity{AccountID: accountID, Email: email, Token: signed, ExpiresAt: expires}, nil
}

type tokenClaims struct {
	id        string
	accountID string
	email     string
	expiresAt time.Time
}

func (l *Local) parse(tokenStr string) (tokenClaims, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return l.secret, nil
	})
	if err != nil || !token.Valid {
		return tokenClaims{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return tokenClaims{}, ErrInvalidToken
	}
	accountID, _ := claims["user_id"].(string)
	id, _ := claims["jti"].(string)
	exp, _ := claims["exp"].(float64)
	if accountID == "" || id == "" || exp == 0 {
		return tokenClaims{}, ErrInvalidToken
	}
	email, _ := claims["email"].(string)
	return tokenClaims{
		id:        id,
		accountID: accountID,
		email:     email,
		expiresAt: time.Unix(int64(exp), 0),
	}, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
