package broker

import (
	"context"
	"errors"
	"strings"
	"time"
)

// DefaultTokenLifetime is assumed when a token is handed over without its expiry
const DefaultTokenLifetime = time.Hour

var (
	ErrInvalidCredential = errors.New("broker credential is empty")
	ErrTokenExpired      = errors.New("broker credential has expired")
)

// AccessToken is a bearer token and the instant it stops being accepted
type AccessToken struct {
	Token     string
	ExpiresOn time.Time
}

// Valid reports whether the token can still be presented at instant now
func (t AccessToken) Valid(now time.Time) bool {
	return t.Token != "" && now.Before(t.ExpiresOn)
}

// TokenCredential hands out bearer tokens for broker connections
type TokenCredential interface {
	GetToken(ctx context.Context) (AccessToken, error)
}

// StaticToken wraps a token acquired elsewhere. It never refreshes
type StaticToken struct {
	token AccessToken
}

// NewStaticToken wraps token. A zero expiresOn means now + DefaultTokenLifetime
func NewStaticToken(token string, expiresOn time.Time) (*StaticToken, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidCredential
	}
	if expiresOn.IsZero() {
		expiresOn = time.Now().Add(DefaultTokenLifetime)
	}
	return &StaticToken{token: AccessToken{Token: token, ExpiresOn: expiresOn}}, nil
}

func (s *StaticToken) GetToken(ctx context.Context) (AccessToken, error) {
	if err := ctx.Err(); err != nil {
		return AccessToken{}, err
	}
	return s.token, nil
}
