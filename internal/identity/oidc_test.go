package identity

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

// fakeVerifier accepts ID tokens of the form "sub|email|unix-exp".
type fakeVerifier struct{}

func (fakeVerifier) Verify(_ context.Context, raw string) (map[string]any, error) {
	parts := strings.Split(raw, "|")
	if len(parts) != 3 {
		return nil, errors.New("malformed token")
	}
	exp, err := time.Parse(time.RFC3339, parts[2])
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"sub":            parts[0],
		"email":          parts[1],
		"email_verified": true,
		"exp":            float64(exp.Unix()),
	}, nil
}

type fakeEndpoint struct {
	mu         sync.Mutex
	passwords  map[string]string
	subjects   map[string]string
	refreshErr error
	refreshes  int
}

func (f *fakeEndpoint) token(email string) *oauth2.Token {
	exp := time.Now().Add(time.Hour).UTC()
	tok := &oauth2.Token{AccessToken: "at", RefreshToken: "rt-" + email, Expiry: exp}
	return tok.WithExtra(map[string]any{
		"id_token": f.subjects[email] + "|" + email + "|" + exp.Format(time.RFC3339),
	})
}

func (f *fakeEndpoint) PasswordCredentialsToken(_ context.Context, user, pass string) (*oauth2.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if want, ok := f.passwords[user]; !ok || want != pass {
		return nil, &oauth2.RetrieveError{ErrorCode: "invalid_grant"}
	}
	return f.token(user), nil
}

func (f *fakeEndpoint) TokenSource(_ context.Context, t *oauth2.Token) oauth2.TokenSource {
	return tokenSourceFunc(func() (*oauth2.Token, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.refreshes++
		if f.refreshErr != nil {
			return nil, f.refreshErr
		}
		email := strings.TrimPrefix(t.RefreshToken, "rt-")
		return f.token(email), nil
	})
}

type tokenSourceFunc func() (*oauth2.Token, error)

func (fn tokenSourceFunc) Token() (*oauth2.Token, error) { return fn() }

func newTestOIDC(t *testing.T, cfg OIDCConfig) (*OIDCProvider, *fakeEndpoint) {
	t.Helper()
	ep := &fakeEndpoint{
		passwords: map[string]string{"sam@agency.test": "pw", "eve@evil.test": "pw"},
		subjects:  map[string]string{"sam@agency.test": "sub-sam", "eve@evil.test": "sub-eve"},
	}
	p := newOIDCProvider(cfg, fakeVerifier{}, ep)
	t.Cleanup(func() { p.Close() })
	return p, ep
}

func TestOIDC_SignIn(t *testing.T) {
	p, _ := newTestOIDC(t, OIDCConfig{})
	ctx := context.Background()
	client := p.Client("c1")

	_, err := client.SignIn(ctx, "sam@agency.test", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	rec := make(recorder, 8)
	client.OnIdentityChanged(rec.listen)
	rec.next(t)

	id, err := client.SignIn(ctx, "Sam@Agency.test", "pw")
	require.NoError(t, err)
	assert.Equal(t, "sub-sam", id.UID)
	assert.Equal(t, "sam@agency.test", id.Email)
	assert.True(t, id.EmailVerified)
	assert.WithinDuration(t, time.Now().Add(time.Hour), id.TokenExpiry, 2*time.Second)
	assert.Equal(t, "sub-sam", rec.next(t).UID)

	require.NoError(t, client.SignOut(ctx))
	assert.Nil(t, rec.next(t))
}

func TestOIDC_DomainRestriction(t *testing.T) {
	p, _ := newTestOIDC(t, OIDCConfig{AllowedDomains: []string{"agency.test"}})
	ctx := context.Background()

	_, err := p.Client("c1").SignIn(ctx, "eve@evil.test", "pw")
	require.Error(t, err)
	assert.Nil(t, p.Client("c1").Current())

	_, err = p.Client("c2").SignIn(ctx, "sam@agency.test", "pw")
	require.NoError(t, err)
}

func TestOIDC_UnsupportedOperations(t *testing.T) {
	p, _ := newTestOIDC(t, OIDCConfig{})
	ctx := context.Background()
	client := p.Client("c1")

	_, err := client.CreateAccount(ctx, "a@agency.test", "secret1", "")
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.ErrorIs(t, client.SendVerificationEmail(ctx), ErrUnsupported)
	assert.ErrorIs(t, p.SendPasswordResetEmail(ctx, "a@agency.test"), ErrUnsupported)
	assert.ErrorIs(t, p.ConfirmEmail(ctx, "t"), ErrUnsupported)
	assert.ErrorIs(t, p.ResetPassword(ctx, "t", "pw"), ErrUnsupported)
}

func TestOIDC_Refresh(t *testing.T) {
	p, ep := newTestOIDC(t, OIDCConfig{})
	ctx := context.Background()
	client := p.Client("c1")

	first, err := client.SignIn(ctx, "sam@agency.test", "pw")
	require.NoError(t, err)

	rec := make(recorder, 8)
	client.OnIdentityChanged(rec.listen)
	rec.next(t)

	p.refreshAll(ctx)
	rec.none(t)

	p.now = func() time.Time { return time.Now().Add(45 * time.Minute) }
	p.refreshAll(ctx)
	refreshed := rec.next(t)
	require.NotNil(t, refreshed)
	assert.Equal(t, first.UID, refreshed.UID)
	assert.Equal(t, first.LastLoginAt, refreshed.LastLoginAt)
	assert.Equal(t, 1, ep.refreshes)
}

func TestOIDC_RefreshFailureSignsOut(t *testing.T) {
	p, ep := newTestOIDC(t, OIDCConfig{})
	ctx := context.Background()
	client := p.Client("c1")

	_, err := client.SignIn(ctx, "sam@agency.test", "pw")
	require.NoError(t, err)

	rec := make(recorder, 8)
	client.OnIdentityChanged(rec.listen)
	rec.next(t)

	ep.mu.Lock()
	ep.refreshErr = errors.New("account disabled")
	ep.mu.Unlock()
	p.now = func() time.Time { return time.Now().Add(45 * time.Minute) }
	p.refreshAll(ctx)

	assert.Nil(t, rec.next(t))
	assert.Nil(t, client.Current())
}
