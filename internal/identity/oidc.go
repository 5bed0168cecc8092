package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/hatemosphere/agency-console/internal/auth"
)

// OIDCConfig holds configuration for an external OpenID Connect provider
// that supports the resource owner password grant.
type OIDCConfig struct {
	Issuer          string
	ClientID        string
	ClientSecret    string   //nolint:gosec // field name, not a credential
	Scopes          []string // beyond "openid" (default: ["profile", "email"])
	AllowedDomains  []string
	RefreshInterval time.Duration // 0 disables background refresh
}

func (c OIDCConfig) scopes() []string {
	scopes := []string{oidc.ScopeOpenID}
	if len(c.Scopes) > 0 {
		return append(scopes, c.Scopes...)
	}
	return append(scopes, "profile", "email", oidc.ScopeOfflineAccess)
}

// oidcVerifier abstracts ID token verification for both production and tests.
type oidcVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (claims map[string]any, err error)
}

// goOIDCVerifier wraps go-oidc's IDTokenVerifier.
type goOIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
}

func (v *goOIDCVerifier) Verify(ctx context.Context, rawIDToken string) (map[string]any, error) {
	token, err := v.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, err
	}
	var claims map[string]any
	if err := token.Claims(&claims); err != nil {
		return nil, fmt.Errorf("extract claims: %w", err)
	}
	return claims, nil
}

// tokenEndpoint is the part of oauth2.Config the provider needs. *oauth2.Config
// satisfies it.
type tokenEndpoint interface {
	PasswordCredentialsToken(ctx context.Context, username, password string) (*oauth2.Token, error)
	TokenSource(ctx context.Context, t *oauth2.Token) oauth2.TokenSource
}

// OIDCProvider signs clients in against an external OpenID Connect issuer.
// Account creation and the email flows belong to that issuer, so those
// operations return ErrUnsupported.
type OIDCProvider struct {
	cfg       OIDCConfig
	verifier  oidcVerifier
	endpoint  tokenEndpoint
	hub       *hub
	refresher *refresher
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*oidcSession // by client ID
}

type oidcSession struct {
	token  *oauth2.Token
	issued time.Time
}

// NewOIDCProvider discovers the issuer and creates the provider.
func NewOIDCProvider(ctx context.Context, cfg OIDCConfig) (*OIDCProvider, error) {
	if cfg.Issuer == "" || cfg.ClientID == "" {
		return nil, errors.New("oidc issuer and client ID are required")
	}
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery for %s: %w", cfg.Issuer, err)
	}
	verifier := &goOIDCVerifier{verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID})}
	endpoint := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     provider.Endpoint(),
		Scopes:       cfg.scopes(),
	}
	return newOIDCProvider(cfg, verifier, endpoint), nil
}

func newOIDCProvider(cfg OIDCConfig, verifier oidcVerifier, endpoint tokenEndpoint) *OIDCProvider {
	p := &OIDCProvider{
		cfg:      cfg,
		verifier: verifier,
		endpoint: endpoint,
		hub:      newHub(),
		now:      time.Now,
		sessions: make(map[string]*oidcSession),
	}
	p.refresher = startRefresher(p.refreshAll, cfg.RefreshInterval)
	return p
}

func (p *OIDCProvider) Name() string { return "oidc" }

func (p *OIDCProvider) Client(clientID string) Auth {
	return &oidcAuth{p: p, state: p.hub.client(clientID)}
}

func (p *OIDCProvider) Release(clientID string) {
	p.dropSession(clientID)
	p.hub.release(clientID)
}

func (p *OIDCProvider) Close() error {
	p.refresher.shutdown()
	p.hub.close()
	return nil
}

func (p *OIDCProvider) SendPasswordResetEmail(context.Context, string) error {
	return ErrUnsupported
}

func (p *OIDCProvider) ConfirmEmail(context.Context, string) error {
	return ErrUnsupported
}

func (p *OIDCProvider) ResetPassword(context.Context, string, string) error {
	return ErrUnsupported
}

// identityFromToken verifies the ID token carried by tok and maps its claims.
func (p *OIDCProvider) identityFromToken(ctx context.Context, tok *oauth2.Token) (*auth.Identity, error) {
	raw, ok := tok.Extra("id_token").(string)
	if !ok || raw == "" {
		return nil, errors.New("no id_token in token response")
	}
	claims, err := p.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid ID token: %w", err)
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, errors.New("ID token missing sub claim")
	}
	email, _ := claims["email"].(string)
	if err := emailDomainCheck(p.cfg.AllowedDomains, email); err != nil {
		return nil, err
	}
	name, _ := claims["name"].(string)
	verified, _ := claims["email_verified"].(bool)

	id := &auth.Identity{
		UID:           sub,
		Email:         strings.ToLower(email),
		DisplayName:   name,
		EmailVerified: verified,
		LastLoginAt:   p.now(),
		IDToken:       raw,
		TokenExpiry:   tok.Expiry,
	}
	if exp, ok := claims["exp"].(float64); ok {
		id.TokenExpiry = time.Unix(int64(exp), 0)
	}
	return id, nil
}

// refreshAll renews provider tokens for clients past half their lifetime.
// A rejected refresh signs the client out.
func (p *OIDCProvider) refreshAll(ctx context.Context) {
	now := p.now()
	for _, c := range p.hub.signedIn() {
		old := c.current()
		p.mu.Lock()
		sess := p.sessions[c.id]
		p.mu.Unlock()
		if old == nil || sess == nil || sess.token.RefreshToken == "" {
			continue
		}
		if !dueForRefresh(now, old.TokenExpiry, old.TokenExpiry.Sub(sess.issued)) {
			continue
		}

		// Force a refresh: the access token may still look valid.
		stale := *sess.token
		stale.Expiry = now.Add(-time.Minute)
		fresh, err := p.endpoint.TokenSource(ctx, &stale).Token()
		var id *auth.Identity
		if err == nil {
			id, err = p.identityFromToken(ctx, fresh)
		}
		if err != nil {
			slog.Warn("oidc refresh rejected, signing out", "uid", old.UID, "error", err)
			if c.replace(old, nil) {
				p.dropSession(c.id)
			}
			continue
		}
		id.LastLoginAt = old.LastLoginAt
		if c.replace(old, id) {
			p.mu.Lock()
			p.sessions[c.id] = &oidcSession{token: fresh, issued: now}
			p.mu.Unlock()
		}
	}
}

func (p *OIDCProvider) dropSession(clientID string) {
	p.mu.Lock()
	delete(p.sessions, clientID)
	p.mu.Unlock()
}

// emailDomainCheck validates the email domain suffix against allowed domains.
func emailDomainCheck(allowedDomains []string, email string) error {
	if len(allowedDomains) == 0 {
		return nil
	}
	_, domain, ok := strings.Cut(email, "@")
	if !ok {
		return fmt.Errorf("invalid email format: %s", email)
	}
	for _, d := range allowedDomains {
		if strings.EqualFold(d, domain) {
			return nil
		}
	}
	return fmt.Errorf("domain %q not in allowed domains", domain)
}

type oidcAuth struct {
	p     *OIDCProvider
	state *clientState
}

func (a *oidcAuth) OnIdentityChanged(fn Listener) func() {
	return a.state.subscribe(fn)
}

func (a *oidcAuth) Current() *auth.Identity {
	return a.state.current()
}

func (a *oidcAuth) SignIn(ctx context.Context, email, password string) (*auth.Identity, error) {
	tok, err := a.p.endpoint.PasswordCredentialsToken(ctx, normalizeEmail(email), password)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.ErrorCode == "invalid_grant" {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("oidc password grant: %w", err)
	}
	id, err := a.p.identityFromToken(ctx, tok)
	if err != nil {
		slog.Warn("oidc sign-in rejected", "email", email, "error", err)
		return nil, err
	}

	a.p.mu.Lock()
	a.p.sessions[a.state.id] = &oidcSession{token: tok, issued: a.p.now()}
	a.p.mu.Unlock()
	a.state.set(id)
	return id, nil
}

func (a *oidcAuth) SignOut(_ context.Context) error {
	a.p.dropSession(a.state.id)
	a.state.set(nil)
	return nil
}

func (a *oidcAuth) CreateAccount(context.Context, string, string, string) (*auth.Identity, error) {
	return nil, ErrUnsupported
}

func (a *oidcAuth) SendVerificationEmail(context.Context) error {
	return ErrUnsupported
}
