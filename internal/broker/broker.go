package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/haatos/releaseci/internal/secrets"
)

const (
	audience      = "appstoreconnect-v1"
	tokenLifetime = 15 * time.Minute
	// Re-mint when the cached token has less than this left to live, so a
	// long stage never starts with a token about to expire.
	refreshHeadroom = 2 * time.Minute
)

type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// TokenBroker mints short-lived service-account tokens for the signing
// authority. No interactive confirmation is ever involved; the pipeline
// runs unattended.
type TokenBroker struct {
	resolver secrets.Resolver

	keyIDSecret      string
	issuerIDSecret   string
	privateKeySecret string

	now func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func NewTokenBroker(
	resolver secrets.Resolver,
	keyIDSecret, issuerIDSecret, privateKeySecret string,
) *TokenBroker {
	return &TokenBroker{
		resolver:         resolver,
		keyIDSecret:      keyIDSecret,
		issuerIDSecret:   issuerIDSecret,
		privateKeySecret: privateKeySecret,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

// Token returns a valid authority token, minting a fresh one when none is
// cached or the cached one is near expiry. The token lives in memory for
// the run only.
func (b *TokenBroker) Token(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.token != "" && b.now().Add(refreshHeadroom).Before(b.expiresAt) {
		return b.token, nil
	}

	token, expiresAt, err := b.mint(ctx)
	if err != nil {
		return "", err
	}
	b.token = token
	b.expiresAt = expiresAt
	return token, nil
}

func (b *TokenBroker) mint(ctx context.Context) (string, time.Time, error) {
	keyID, err := b.resolver.Resolve(ctx, b.keyIDSecret, secrets.ScopeBroker)
	if err != nil {
		return "", time.Time{}, err
	}
	issuerID, err := b.resolver.Resolve(ctx, b.issuerIDSecret, secrets.ScopeBroker)
	if err != nil {
		return "", time.Time{}, err
	}
	privateKey, err := b.resolver.Resolve(ctx, b.privateKeySecret, secrets.ScopeBroker)
	if err != nil {
		return "", time.Time{}, err
	}

	ecKey, err := jwt.ParseECPrivateKeyFromPEM(privateKey.Value.Bytes())
	if err != nil {
		return "", time.Time{}, &AuthError{Err: err}
	}

	issuedAt := b.now()
	expiresAt := issuedAt.Add(tokenLifetime)

	t := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": string(issuerID.Value.Bytes()),
		"iat": issuedAt.Unix(),
		"exp": expiresAt.Unix(),
		"aud": audience,
	})
	t.Header["kid"] = string(keyID.Value.Bytes())

	signed, err := t.SignedString(ecKey)
	if err != nil {
		return "", time.Time{}, &AuthError{Err: err}
	}
	return signed, expiresAt, nil
}
