// Package account implements the console's account flows (sign-in,
// sign-out, registration, password reset) and user administration on top of
// the identity provider and the document store.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/hatemosphere/agency-console/internal/audit"
	"github.com/hatemosphere/agency-console/internal/auth"
	"github.com/hatemosphere/agency-console/internal/identity"
	"github.com/hatemosphere/agency-console/internal/storage"
	"github.com/hatemosphere/agency-console/internal/validate"
)

// DefaultRequestedRole is the role a registration asks for when the form
// leaves it empty. New users always start as viewers regardless.
const DefaultRequestedRole = auth.RoleEditor

// Store is the part of the document store the account flows write to.
type Store interface {
	CreateRegistration(ctx context.Context, u *storage.User, r *storage.RegistrationRequest) error
	GetUser(ctx context.Context, uid string) (*storage.User, error)
	ListUsers(ctx context.Context) ([]storage.User, error)
	SetUserRole(ctx context.Context, uid, role string) error

	GetRegistrationRequest(ctx context.Context, id string) (*storage.RegistrationRequest, error)
	ListRegistrationRequests(ctx context.Context, status string) ([]storage.RegistrationRequest, error)
	ResolveRegistrationRequest(ctx context.Context, id, status, resolvedBy string) error
}

// RoleInvalidator drops cached roles after a change. *auth.RoleCache
// satisfies it.
type RoleInvalidator interface {
	Invalidate(uid string)
}

// Service runs account flows for console clients.
type Service struct {
	provider identity.Provider
	store    Store
	roles    RoleInvalidator
}

// NewService creates a Service. roles may be nil when no role cache is used.
func NewService(provider identity.Provider, store Store, roles RoleInvalidator) *Service {
	return &Service{provider: provider, store: store, roles: roles}
}

// Provider returns the identity provider the service signs clients in with.
func (s *Service) Provider() identity.Provider {
	return s.provider
}

// Registration is the self-service sign-up form.
type Registration struct {
	Email         string `json:"email" validate:"required,email,max=254"`
	Password      string `json:"password" validate:"required,min=6,max=128"` //nolint:gosec // form field
	DisplayName   string `json:"displayName" validate:"max=100"`
	RequestedRole string `json:"requestedRole" validate:"omitempty,role"`
	Message       string `json:"message" validate:"max=1000"`
}

// Register creates an account, its viewer user record and a pending
// registration request keyed by the new UID, sends a verification email and
// signs the client out again. The client is signed out whatever the outcome
// once the account exists.
//
// An account left without a user record by an earlier failed registration
// is picked up again when the same credentials are submitted.
func (s *Service) Register(ctx context.Context, client identity.Auth, reg Registration) (*storage.RegistrationRequest, error) {
	if err := validate.Struct(reg); err != nil {
		return nil, err
	}
	requested := DefaultRequestedRole
	if reg.RequestedRole != "" {
		requested, _ = auth.ParseRole(reg.RequestedRole)
	}

	id, err := client.CreateAccount(ctx, reg.Email, reg.Password, reg.DisplayName)
	resumed := false
	if errors.Is(err, identity.ErrEmailInUse) {
		id, resumed, err = s.resumeRegistration(ctx, client, reg)
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := client.SignOut(context.WithoutCancel(ctx)); err != nil {
			slog.Error("sign out after registration", "uid", id.UID, "error", err)
		}
	}()
	if resumed {
		existing, err := s.store.GetUser(ctx, id.UID)
		if err != nil {
			return nil, fmt.Errorf("look up user record: %w", err)
		}
		if existing != nil {
			return nil, identity.ErrEmailInUse
		}
		slog.Info("resuming incomplete registration", "uid", id.UID)
	}

	user := &storage.User{
		UID:         id.UID,
		Email:       id.Email,
		DisplayName: id.DisplayName,
		Role:        auth.RoleViewer.String(),
	}
	req := &storage.RegistrationRequest{
		ID:            uuid.NewString(),
		UID:           id.UID,
		Email:         id.Email,
		DisplayName:   id.DisplayName,
		Message:       strings.TrimSpace(reg.Message),
		RequestedRole: requested.String(),
		Status:        storage.RequestPending,
	}
	if err := s.store.CreateRegistration(ctx, user, req); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, identity.ErrEmailInUse
		}
		return nil, fmt.Errorf("create registration: %w", err)
	}

	if err := client.SendVerificationEmail(ctx); err != nil {
		if !errors.Is(err, identity.ErrUnsupported) {
			return nil, fmt.Errorf("send verification email: %w", err)
		}
		slog.Debug("identity provider does not send verification email", "provider", s.provider.Name())
	}

	audit.Event{
		Actor:    id.Email,
		Action:   "register",
		Status:   audit.StatusGranted,
		Provider: s.provider.Name(),
		Role:     requested.String(),
		Resource: "registration-requests/" + req.ID,
	}.Info("Audit Log: Registration")
	return req, nil
}

// resumeRegistration signs in with the registration credentials when the
// email is taken. Wrong credentials report the email as in use.
func (s *Service) resumeRegistration(ctx context.Context, client identity.Auth, reg Registration) (*auth.Identity, bool, error) {
	id, err := client.SignIn(ctx, reg.Email, reg.Password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			return nil, false, identity.ErrEmailInUse
		}
		return nil, false, err
	}
	return id, true, nil
}

// SignIn signs client in. The session follows through the provider's
// notification; the returned identity is informational.
func (s *Service) SignIn(ctx context.Context, client identity.Auth, email, password, ip string) (*auth.Identity, error) {
	id, err := client.SignIn(ctx, email, password)
	if err != nil {
		status := audit.StatusFailed
		if errors.Is(err, identity.ErrInvalidCredentials) {
			status = audit.StatusDenied
		}
		audit.Event{
			Actor:    strings.ToLower(strings.TrimSpace(email)),
			Action:   "sign_in",
			Status:   status,
			Reason:   err.Error(),
			IP:       ip,
			Provider: s.provider.Name(),
		}.Warn("Audit Log: Sign-in Failed")
		return nil, err
	}
	audit.Event{
		Actor:    id.Email,
		Action:   "sign_in",
		Status:   audit.StatusGranted,
		IP:       ip,
		Provider: s.provider.Name(),
	}.Info("Audit Log: Sign-in")
	return id, nil
}

// SignOut signs client out.
func (s *Service) SignOut(ctx context.Context, client identity.Auth) error {
	actor := "anonymous"
	if id := client.Current(); id != nil {
		actor = id.Email
	}
	if err := client.SignOut(ctx); err != nil {
		return err
	}
	audit.Event{Actor: actor, Action: "sign_out", Status: audit.StatusGranted, Provider: s.provider.Name()}.Info("Audit Log: Sign-out")
	return nil
}

// SendVerificationEmail re-sends the confirmation link to the signed-in client.
func (s *Service) SendVerificationEmail(ctx context.Context, client identity.Auth) error {
	return client.SendVerificationEmail(ctx)
}

// RequestPasswordReset mails a reset link to email.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	if err := validate.Var(email, "required,email"); err != nil {
		return err
	}
	return s.provider.SendPasswordResetEmail(ctx, email)
}

// ConfirmEmail completes email verification.
func (s *Service) ConfirmEmail(ctx context.Context, token string) error {
	return s.provider.ConfirmEmail(ctx, token)
}

// ResetPassword completes a password reset.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	if err := s.provider.ResetPassword(ctx, token, newPassword); err != nil {
		return err
	}
	audit.Event{Action: "password_reset", Status: audit.StatusGranted, Provider: s.provider.Name()}.Info("Audit Log: Password Reset")
	return nil
}
