package account

import (
	"context"
	"errors"
	"fmt"

	"github.com/hatemosphere/agency-console/internal/audit"
	"github.com/hatemosphere/agency-console/internal/auth"
	"github.com/hatemosphere/agency-console/internal/storage"
)

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrRequestNotFound = errors.New("registration request not found")
	ErrSelfRoleChange  = errors.New("cannot change your own role")
	ErrRoleAboveOwn    = errors.New("cannot grant a role above your own")
)

// ListUsers returns every user record ordered by email.
func (s *Service) ListUsers(ctx context.Context) ([]storage.User, error) {
	return s.store.ListUsers(ctx)
}

// SetRole changes uid's role. Actors cannot change their own role or grant
// one above their own.
func (s *Service) SetRole(ctx context.Context, actor *auth.Principal, uid string, role auth.Role) error {
	if !role.Valid() {
		return auth.ErrInvalidRole
	}
	if actor == nil || actor.Identity == nil {
		return auth.ErrRoleNotFound
	}
	if actor.Identity.UID == uid {
		return ErrSelfRoleChange
	}
	if role.Rank() > actor.Role.Rank() {
		return ErrRoleAboveOwn
	}

	if err := s.store.SetUserRole(ctx, uid, role.String()); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrUserNotFound
		}
		return fmt.Errorf("set role: %w", err)
	}
	s.invalidate(uid)

	audit.Event{
		Actor:      actor.Name(),
		Action:     "set_role",
		Status:     audit.StatusGranted,
		TargetUser: uid,
		Role:       role.String(),
	}.Info("Audit Log: Role Changed")
	return nil
}

// ListRegistrationRequests lists requests with the given status, or all when
// status is empty.
func (s *Service) ListRegistrationRequests(ctx context.Context, status string) ([]storage.RegistrationRequest, error) {
	return s.store.ListRegistrationRequests(ctx, status)
}

// Approve resolves a pending request and gives its user the requested role,
// or grant when it is a valid role. The approver cannot grant above their own
// role.
func (s *Service) Approve(ctx context.Context, approver *auth.Principal, id string, grant auth.Role) (*storage.RegistrationRequest, error) {
	req, err := s.pendingRequest(ctx, id)
	if err != nil {
		return nil, err
	}

	role := grant
	if !role.Valid() {
		role, err = auth.ParseRole(req.RequestedRole)
		if err != nil {
			return nil, fmt.Errorf("request %s: %w", id, err)
		}
	}
	if approver == nil || role.Rank() > approver.Role.Rank() {
		return nil, ErrRoleAboveOwn
	}

	if err := s.store.SetUserRole(ctx, req.UID, role.String()); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("set role: %w", err)
	}
	s.invalidate(req.UID)

	if err := s.resolve(ctx, id, storage.RequestApproved, approver.Name()); err != nil {
		return nil, err
	}
	audit.Event{
		Actor:      approver.Name(),
		Action:     "approve_registration",
		Status:     audit.StatusGranted,
		Resource:   "registration-requests/" + id,
		TargetUser: req.UID,
		Role:       role.String(),
	}.Info("Audit Log: Registration Approved")
	return s.store.GetRegistrationRequest(ctx, id)
}

// Reject resolves a pending request without changing the user's role.
func (s *Service) Reject(ctx context.Context, approver *auth.Principal, id string) (*storage.RegistrationRequest, error) {
	req, err := s.pendingRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.resolve(ctx, id, storage.RequestRejected, approver.Name()); err != nil {
		return nil, err
	}
	audit.Event{
		Actor:      approver.Name(),
		Action:     "reject_registration",
		Status:     audit.StatusGranted,
		Resource:   "registration-requests/" + id,
		TargetUser: req.UID,
	}.Info("Audit Log: Registration Rejected")
	return s.store.GetRegistrationRequest(ctx, id)
}

func (s *Service) pendingRequest(ctx context.Context, id string) (*storage.RegistrationRequest, error) {
	req, err := s.store.GetRegistrationRequest(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get registration request: %w", err)
	}
	if req == nil {
		return nil, ErrRequestNotFound
	}
	if req.Status != storage.RequestPending {
		return nil, storage.ErrNotPending
	}
	return req, nil
}

func (s *Service) resolve(ctx context.Context, id, status, by string) error {
	err := s.store.ResolveRegistrationRequest(ctx, id, status, by)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return ErrRequestNotFound
	case err != nil && !errors.Is(err, storage.ErrNotPending):
		return fmt.Errorf("resolve registration request: %w", err)
	}
	return err
}

func (s *Service) invalidate(uid string) {
	if s.roles != nil {
		s.roles.Invalidate(uid)
	}
}
