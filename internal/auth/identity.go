package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated indicates that no usable identity is available.
var ErrUnauthenticated = errors.New("unauthenticated")

// Identity is the caller on whose behalf files are uploaded.
// CurrentToken is called immediately before every backend request and must not
// be cached by callers across steps.
type Identity interface {
	UserID() string
	CurrentToken(ctx context.Context) (string, error)
}

// StaticIdentity forwards a bearer token that was already issued to the caller.
type StaticIdentity struct {
	uid   string
	token string
}

func NewStaticIdentity(uid, token string) *StaticIdentity {
	return &StaticIdentity{uid: uid, token: token}
}

func (s *StaticIdentity) UserID() string { return s.uid }

func (s *StaticIdentity) CurrentToken(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(s.token) == "" {
		return "", ErrUnauthenticated
	}
	return s.token, nil
}

// SignerIdentity mints a fresh HS256 token for a fixed subject on every call.
type SignerIdentity struct {
	uid    string
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

func NewSignerIdentity(uid, secret, issuer string, ttl time.Duration) (*SignerIdentity, error) {
	if strings.TrimSpace(uid) == "" {
		return nil, errors.New("subject is required")
	}
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt secret is required")
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &SignerIdentity{
		uid:    uid,
		secret: []byte(secret),
		ttl:    ttl,
		issuer: issuer,
		now:    time.Now,
	}, nil
}

func (s *SignerIdentity) UserID() string { return s.uid }

func (s *SignerIdentity) CurrentToken(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   s.uid,
		Issuer:    s.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

var (
	_ Identity = (*StaticIdentity)(nil)
	_ Identity = (*SignerIdentity)(nil)
)
