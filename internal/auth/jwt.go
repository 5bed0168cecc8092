package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenPurpose scopes a signed token to one use.
type TokenPurpose string

const (
	PurposeID            TokenPurpose = "id"
	PurposeVerifyEmail   TokenPurpose = "verify_email"
	PurposePasswordReset TokenPurpose = "password_reset"
)

// minSigningKeyLen is the minimum HMAC key length in bytes.
const minSigningKeyLen = 32

var (
	ErrSigningKeyWeak = errors.New("token signing key too weak")
	ErrTokenPurpose   = errors.New("token purpose mismatch")
)

// TokenConfig holds configuration for token issuance.
type TokenConfig struct {
	SigningKey []byte        // HMAC-SHA256 secret, at least 32 bytes
	Issuer     string        // "iss" claim set on issue and required on verify
	TTL        time.Duration // default lifetime for ID tokens
}

// TokenClaims are the claims carried by console-issued tokens.
type TokenClaims struct {
	jwt.RegisteredClaims
	Email   string       `json:"email,omitempty"`
	Name    string       `json:"name,omitempty"`
	Purpose TokenPurpose `json:"purpose"`
	// Binding ties a token to account state; the verifier compares it to
	// the current value before honoring the token.
	Binding string `json:"bnd,omitempty"`
}

// TokenIssuer signs and verifies HMAC JWTs for ID tokens and email links.
type TokenIssuer struct {
	config     TokenConfig
	parserOpts []jwt.ParserOption
}

// NewTokenIssuer creates an issuer. The signing key must be at least 32 bytes.
func NewTokenIssuer(config TokenConfig) (*TokenIssuer, error) {
	if len(config.SigningKey) < minSigningKeyLen {
		return nil, fmt.Errorf("%w: need at least %d bytes, got %d", ErrSigningKeyWeak, minSigningKeyLen, len(config.SigningKey))
	}
	if config.TTL <= 0 {
		config.TTL = time.Hour
	}
	if config.Issuer == "" {
		config.Issuer = "agency-console"
	}
	return &TokenIssuer{
		config: config,
		parserOpts: []jwt.ParserOption{
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithIssuer(config.Issuer),
		},
	}, nil
}

// TTL returns the default ID token lifetime.
func (i *TokenIssuer) TTL() time.Duration {
	return i.config.TTL
}

// IssueID signs an ID token for the identity using the default TTL.
func (i *TokenIssuer) IssueID(id *Identity) (string, time.Time, error) {
	return i.Issue(PurposeID, id.UID, id.Email, id.DisplayName, i.config.TTL)
}

// Issue signs a token for subject with the given purpose and lifetime.
func (i *TokenIssuer) Issue(purpose TokenPurpose, subject, email, name string, ttl time.Duration) (string, time.Time, error) {
	return i.IssueBound(purpose, subject, email, name, "", ttl)
}

// IssueBound is Issue with a binding claim.
func (i *TokenIssuer) IssueBound(purpose TokenPurpose, subject, email, name, binding string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(ttl)
	claims := TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.config.Issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
		Email:   email,
		Name:    name,
		Purpose: purpose,
		Binding: binding,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.config.SigningKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify parses and checks a token, requiring the given purpose.
func (i *TokenIssuer) Verify(tokenString string, purpose TokenPurpose) (*TokenClaims, error) {
	claims := &TokenClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return i.config.SigningKey, nil
	}, i.parserOpts...)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if claims.Purpose != purpose {
		return nil, fmt.Errorf("%w: want %s, got %s", ErrTokenPurpose, purpose, claims.Purpose)
	}
	if claims.Subject == "" {
		return nil, errors.New("invalid token: missing subject")
	}
	return claims, nil
}
