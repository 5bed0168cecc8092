package identity

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/hatemosphere/agency-console/internal/auth"
	"github.com/hatemosphere/agency-console/internal/storage"
	"github.com/hatemosphere/agency-console/internal/validate"
)

// AccountStore is the account persistence used by LocalProvider.
type AccountStore interface {
	CreateAccount(ctx context.Context, a *storage.Account) error
	GetAccount(ctx context.Context, uid string) (*storage.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*storage.Account, error)
	TouchLastLogin(ctx context.Context, uid string, at time.Time) error
	SetEmailVerified(ctx context.Context, uid string) error
	SetPasswordHash(ctx context.Context, uid, oldHash, newHash string) error
}

// LocalConfig configures the built-in email/password provider.
type LocalConfig struct {
	Tokens          *auth.TokenIssuer
	Mailer          Mailer
	PublicURL       string        // base for links in emails
	VerifyTTL       time.Duration // default 24h
	ResetTTL        time.Duration // default 1h
	RefreshInterval time.Duration // 0 disables background token refresh
	BcryptCost      int           // default bcrypt.DefaultCost
}

// LocalProvider is an email/password identity provider backed by the
// console database. ID tokens are HS256 JWTs from auth.TokenIssuer.
type LocalProvider struct {
	store     AccountStore
	cfg       LocalConfig
	hub       *hub
	refresher *refresher
	now       func() time.Time

	// dummyHash is compared against on unknown emails so sign-in takes
	// the same time whether or not the account exists.
	dummyHash []byte
}

// NewLocalProvider creates the provider and starts token refresh.
func NewLocalProvider(store AccountStore, cfg LocalConfig) (*LocalProvider, error) {
	if cfg.Tokens == nil {
		return nil, errors.New("local identity provider requires a token issuer")
	}
	if cfg.Mailer == nil {
		return nil, errors.New("local identity provider requires a mailer")
	}
	if cfg.VerifyTTL <= 0 {
		cfg.VerifyTTL = 24 * time.Hour
	}
	if cfg.ResetTTL <= 0 {
		cfg.ResetTTL = time.Hour
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")

	dummy, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash dummy password: %w", err)
	}
	p := &LocalProvider{
		store:     store,
		cfg:       cfg,
		hub:       newHub(),
		now:       time.Now,
		dummyHash: dummy,
	}
	p.refresher = startRefresher(p.refreshAll, cfg.RefreshInterval)
	return p, nil
}

func (p *LocalProvider) Name() string { return "local" }

func (p *LocalProvider) Client(clientID string) Auth {
	return &localAuth{p: p, state: p.hub.client(clientID)}
}

func (p *LocalProvider) Release(clientID string) {
	p.hub.release(clientID)
}

func (p *LocalProvider) Close() error {
	p.refresher.shutdown()
	p.hub.close()
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (p *LocalProvider) checkEmail(email string) error {
	if err := validate.Var(email, "required,email"); err != nil {
		return ErrInvalidEmail
	}
	return nil
}

// identityFor builds a freshly-tokened Identity for an account.
func (p *LocalProvider) identityFor(a *storage.Account) (*auth.Identity, error) {
	id := &auth.Identity{
		UID:           a.UID,
		Email:         a.Email,
		DisplayName:   a.DisplayName,
		EmailVerified: a.EmailVerified,
		CreatedAt:     a.CreatedAt,
	}
	if a.LastLoginAt != nil {
		id.LastLoginAt = *a.LastLoginAt
	}
	tok, exp, err := p.cfg.Tokens.IssueID(id)
	if err != nil {
		return nil, fmt.Errorf("issue ID token: %w", err)
	}
	id.IDToken, id.TokenExpiry = tok, exp
	return id, nil
}

// EnsureAccount creates a verified account unless one with the email exists,
// and returns its UID. Used to bootstrap the first administrators.
func (p *LocalProvider) EnsureAccount(ctx context.Context, email, password, displayName string) (string, error) {
	email = normalizeEmail(email)
	existing, err := p.store.GetAccountByEmail(ctx, email)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return existing.UID, nil
	}
	a, err := p.newAccount(ctx, email, password, displayName, true)
	if err != nil {
		return "", err
	}
	return a.UID, nil
}

func (p *LocalProvider) newAccount(ctx context.Context, email, password, displayName string, verified bool) (*storage.Account, error) {
	if err := p.checkEmail(email); err != nil {
		return nil, err
	}
	if len(password) < MinPasswordLength {
		return nil, ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	a := &storage.Account{
		UID:           uuid.NewString(),
		Email:         email,
		DisplayName:   strings.TrimSpace(displayName),
		PasswordHash:  string(hash),
		EmailVerified: verified,
		CreatedAt:     p.now(),
	}
	if err := p.store.CreateAccount(ctx, a); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, ErrEmailInUse
		}
		return nil, fmt.Errorf("create account: %w", err)
	}
	return a, nil
}

func (p *LocalProvider) link(path, token string) string {
	return p.cfg.PublicURL + path + "?token=" + url.QueryEscape(token)
}

// SendPasswordResetEmail mails a reset link. Unknown addresses succeed
// silently so the endpoint does not reveal which emails have accounts.
func (p *LocalProvider) SendPasswordResetEmail(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	if err := p.checkEmail(email); err != nil {
		return err
	}
	a, err := p.store.GetAccountByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("look up account: %w", err)
	}
	if a == nil {
		slog.Debug("password reset requested for unknown email", "email", email)
		return nil
	}
	tok, _, err := p.cfg.Tokens.IssueBound(auth.PurposePasswordReset, a.UID, a.Email, "", passwordBinding(a.PasswordHash), p.cfg.ResetTTL)
	if err != nil {
		return fmt.Errorf("issue reset token: %w", err)
	}
	return p.cfg.Mailer.Send(ctx, Message{
		To:      a.Email,
		Kind:    MailPasswordReset,
		Subject: "Reset your password",
		Body:    "Follow this link to choose a new password: " + p.link("/reset-password", tok),
	})
}

func (p *LocalProvider) ConfirmEmail(ctx context.Context, token string) error {
	claims, err := p.cfg.Tokens.Verify(token, auth.PurposeVerifyEmail)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if err := p.store.SetEmailVerified(ctx, claims.Subject); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrInvalidToken
		}
		return err
	}
	slog.Info("email verified", "uid", claims.Subject)
	return nil
}

// ResetPassword sets a new password for the token's subject. A reset token
// is bound to the password hash it was issued against, so it stops working
// once any reset succeeds.
func (p *LocalProvider) ResetPassword(ctx context.Context, token, newPassword string) error {
	claims, err := p.cfg.Tokens.Verify(token, auth.PurposePasswordReset)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if len(newPassword) < MinPasswordLength {
		return ErrWeakPassword
	}
	a, err := p.store.GetAccount(ctx, claims.Subject)
	if err != nil {
		return fmt.Errorf("look up account: %w", err)
	}
	if a == nil || subtle.ConstantTimeCompare([]byte(claims.Binding), []byte(passwordBinding(a.PasswordHash))) != 1 {
		return ErrInvalidToken
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), p.cfg.BcryptCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := p.store.SetPasswordHash(ctx, a.UID, a.PasswordHash, string(hash)); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrInvalidToken
		}
		return err
	}
	slog.Info("password reset", "uid", a.UID)
	return nil
}

// passwordBinding derives the reset token binding from a password hash.
func passwordBinding(hash string) string {
	sum := sha256.Sum256([]byte(hash))
	return hex.EncodeToString(sum[:8])
}

// refreshAll renews ID tokens past half their lifetime. Clients whose
// account has disappeared are signed out.
func (p *LocalProvider) refreshAll(ctx context.Context) {
	now := p.now()
	for _, c := range p.hub.signedIn() {
		old := c.current()
		if old == nil || !dueForRefresh(now, old.TokenExpiry, p.cfg.Tokens.TTL()) {
			continue
		}
		a, err := p.store.GetAccount(ctx, old.UID)
		if err != nil {
			slog.Warn("token refresh: account lookup failed", "uid", old.UID, "error", err)
			continue
		}
		if a == nil {
			slog.Info("token refresh: account removed, signing out", "uid", old.UID)
			c.replace(old, nil)
			continue
		}
		fresh, err := p.identityFor(a)
		if err != nil {
			slog.Warn("token refresh failed", "uid", old.UID, "error", err)
			continue
		}
		if c.replace(old, fresh) {
			slog.Debug("ID token refreshed", "uid", old.UID, "client", c.id)
		}
	}
}

// localAuth is one client's view of a LocalProvider.
type localAuth struct {
	p     *LocalProvider
	state *clientState
}

func (a *localAuth) OnIdentityChanged(fn Listener) func() {
	return a.state.subscribe(fn)
}

func (a *localAuth) Current() *auth.Identity {
	return a.state.current()
}

func (a *localAuth) SignIn(ctx context.Context, email, password string) (*auth.Identity, error) {
	email = normalizeEmail(email)
	acct, err := a.p.store.GetAccountByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("look up account: %w", err)
	}
	if acct == nil {
		_ = bcrypt.CompareHashAndPassword(a.p.dummyHash, []byte(password))
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	now := a.p.now()
	if err := a.p.store.TouchLastLogin(ctx, acct.UID, now); err != nil {
		return nil, fmt.Errorf("record login: %w", err)
	}
	acct.LastLoginAt = &now

	id, err := a.p.identityFor(acct)
	if err != nil {
		return nil, err
	}
	a.state.set(id)
	return id, nil
}

func (a *localAuth) SignOut(_ context.Context) error {
	a.state.set(nil)
	return nil
}

func (a *localAuth) CreateAccount(ctx context.Context, email, password, displayName string) (*auth.Identity, error) {
	acct, err := a.p.newAccount(ctx, normalizeEmail(email), password, displayName, false)
	if err != nil {
		return nil, err
	}
	id, err := a.p.identityFor(acct)
	if err != nil {
		return nil, err
	}
	a.state.set(id)
	return id, nil
}

func (a *localAuth) SendVerificationEmail(ctx context.Context) error {
	id := a.state.current()
	if id == nil {
		return ErrNotSignedIn
	}
	tok, _, err := a.p.cfg.Tokens.Issue(auth.PurposeVerifyEmail, id.UID, id.Email, "", a.p.cfg.VerifyTTL)
	if err != nil {
		return fmt.Errorf("issue verification token: %w", err)
	}
	return a.p.cfg.Mailer.Send(ctx, Message{
		To:      id.Email,
		Kind:    MailVerifyEmail,
		Subject: "Confirm your email address",
		Body:    "Follow this link to confirm your email address: " + a.p.link("/verify-email", tok),
	})
}
