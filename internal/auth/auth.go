// Package auth authenticates terminal operators against externally
// configured accounts and issues session tokens.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/nmoreaux/cantinad/internal/crypto"
	"github.com/nmoreaux/cantinad/internal/errs"
	"github.com/nmoreaux/cantinad/internal/limiter"
)

// Operator roles. Staff can run access decisions; admin additionally
// manages identities and balances.
const (
	RoleAdmin = "admin"
	RoleStaff = "staff"
)

// Account is one configured operator. SecretHash is the encoded argon2id
// form produced by crypto.HashSecret; raw secrets never appear in config.
type Account struct {
	Username   string
	SecretHash string
	Role       string
}

// Tokens is the result of a successful login.
type Tokens struct {
	AccessToken string
	ExpiresAt   time.Time
}

// Claims carried by a session token.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Service verifies operator credentials with login rate limiting and signs
// HS256 session tokens.
type Service struct {
	accounts map[string]Account
	signKey  []byte
	tokenTTL time.Duration
	lim      limiter.Limiter
	log      *zap.Logger
}

// New constructs the auth service from configured accounts.
func New(accounts []Account, signKey []byte, tokenTTL time.Duration, lim limiter.Limiter, log *zap.Logger) *Service {
	m := make(map[string]Account, len(accounts))
	for _, a := range accounts {
		m[a.Username] = a
	}
	return &Service{accounts: m, signKey: signKey, tokenTTL: tokenTTL, lim: lim, log: log}
}

// Login authenticates with rate limiting by (username, ip). Unknown
// usernames and wrong secrets are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, username, secret, ip string) (Tokens, error) {
	ipHash := limiter.HashIP(ip)

	allowed, _, err := s.lim.Allow(ctx, username, ipHash)
	if err != nil {
		return Tokens{}, err
	}
	if !allowed {
		return Tokens{}, errs.ErrRateLimited
	}

	acc, known := s.accounts[username]
	// VerifySecret burns hashing work even for an unknown account, keeping
	// timing equal across both failure causes.
	if !crypto.VerifySecret(secret, acc.SecretHash) || !known {
		if blocked, _, ferr := s.lim.Failure(ctx, username, ipHash); ferr == nil && blocked {
			s.log.Warn("operator login blocked", zap.String("username", username))
			return Tokens{}, errs.ErrRateLimited
		}
		return Tokens{}, errs.ErrUnauthorized
	}

	_ = s.lim.Success(ctx, username, ipHash)

	tok, exp, err := s.issueToken(acc)
	if err != nil {
		return Tokens{}, err
	}
	s.log.Info("operator logged in", zap.String("username", username), zap.String("role", acc.Role))
	return Tokens{AccessToken: tok, ExpiresAt: exp}, nil
}

// ParseToken validates a session token and returns its claims. Every
// validation failure maps to ErrUnauthorized.
func (s *Service) ParseToken(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return s.signKey, nil
	})
	if err != nil || !parsed.Valid {
		return nil, errs.ErrUnauthorized
	}
	return claims, nil
}

func (s *Service) issueToken(acc Account) (string, time.Time, error) {
	jti, err := uuid.NewV4()
	if err != nil {
		return "", time.Time{}, err
	}
	now := time.Now()
	exp := now.Add(s.tokenTTL)
	claims := Claims{
		Role: acc.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   acc.Username,
			ID:        jti.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.signKey)
	return signed, exp, err
}
