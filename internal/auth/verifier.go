package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingSigningSecret indicates the verifier was built without a secret.
	ErrMissingSigningSecret = errors.New("auth: signing secret must be provided")
	// ErrMissingToken indicates no token was supplied.
	ErrMissingToken = errors.New("auth: token required")
	// ErrInvalidToken indicates the token failed signature or shape validation.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrExpiredToken indicates the token is past its expiry.
	ErrExpiredToken = errors.New("auth: token expired")
	// ErrMissingSubject indicates the token carries no subject claim.
	ErrMissingSubject = errors.New("auth: subject claim must be provided")
)

// Claims is the identity extracted from a verified session token.
type Claims struct {
	Subject string
	Name    string
	Email   string
}

type tokenClaims struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// VerifierConfig describes how session tokens are validated.
type VerifierConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	Clock         func() time.Time
}

// Verifier validates HS256 session tokens issued by the identity service.
type Verifier struct {
	signingSecret []byte
	issuer        string
	audience      string
	clock         func() time.Time
}

// NewVerifier constructs a Verifier with the provided configuration.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Verifier{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        strings.TrimSpace(cfg.Issuer),
		audience:      strings.TrimSpace(cfg.Audience),
		clock:         clock,
	}, nil
}

// Verify validates the supplied token string and returns the identity claims.
func (v *Verifier) Verify(tokenString string) (Claims, error) {
	trimmed := strings.TrimSpace(tokenString)
	if trimmed == "" {
		return Claims{}, ErrMissingToken
	}

	options := []jwt.ParserOption{
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	}
	if v.issuer != "" {
		options = append(options, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		options = append(options, jwt.WithAudience(v.audience))
	}

	claims := &tokenClaims{}
	parsed, err := jwt.ParseWithClaims(
		trimmed,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, token.Method.Alg())
			}
			return v.signingSecret, nil
		},
		options...,
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Claims{}, ErrMissingSubject
	}

	return Claims{
		Subject: strings.TrimSpace(claims.Subject),
		Name:    strings.TrimSpace(claims.Name),
		Email:   strings.TrimSpace(claims.Email),
	}, nil
}
