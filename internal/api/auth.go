package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/hatemosphere/agency-console/internal/identity"
	"github.com/hatemosphere/agency-console/internal/validate"
)

// registerAuth registers the account operations. None of them is guarded:
// they act on the caller's own client.
func (s *Server) registerAuth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getSession",
		Method:      http.MethodGet,
		Path:        "/api/auth/session",
		Tags:        []string{"Auth"},
		Description: "Returns the caller's session, waiting briefly while it is still loading.",
	}, func(ctx context.Context, input *struct{}) (*SessionOutput, error) {
		snap := s.guard.Session(ctx)
		return &SessionOutput{Body: sessionView(snap)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "signIn",
		Method:      http.MethodPost,
		Path:        "/api/auth/sign-in",
		Tags:        []string{"Auth"},
	}, func(ctx context.Context, input *SignInInput) (*SessionOutput, error) {
		if err := validate.Struct(input.Body); err != nil {
			return nil, apiError("signIn", err)
		}
		c := clientFromContext(ctx)
		snap, err := s.settleAfter(ctx, c.session, signedInSettled, func() error {
			_, err := s.accounts.SignIn(ctx, c.auth, input.Body.Email, input.Body.Password, remoteAddr(ctx))
			return err
		})
		if err != nil {
			return nil, apiError("signIn", err)
		}
		return &SessionOutput{Body: sessionView(snap)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "signOut",
		Method:      http.MethodPost,
		Path:        "/api/auth/sign-out",
		Tags:        []string{"Auth"},
	}, func(ctx context.Context, input *struct{}) (*SessionOutput, error) {
		c := clientFromContext(ctx)
		snap, err := s.signOut(ctx, c)
		if err != nil {
			return nil, apiError("signOut", err)
		}
		return &SessionOutput{Body: sessionView(snap)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "register",
		Method:        http.MethodPost,
		Path:          "/api/auth/register",
		Tags:          []string{"Auth"},
		DefaultStatus: http.StatusCreated,
		Description:   "Creates an account and a pending registration request. The caller ends up signed out.",
	}, func(ctx context.Context, input *RegisterInput) (*RegistrationRequestOutput, error) {
		c := clientFromContext(ctx)
		req, err := s.accounts.Register(ctx, c.auth, input.Body)
		if err != nil {
			return nil, apiError("register", err)
		}
		return &RegistrationRequestOutput{Body: registrationRequestView(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "requestPasswordReset",
		Method:        http.MethodPost,
		Path:          "/api/auth/password-reset",
		Tags:          []string{"Auth"},
		DefaultStatus: http.StatusAccepted,
		Description:   "Mails a reset link. Succeeds for unknown addresses too.",
	}, func(ctx context.Context, input *PasswordResetInput) (*struct{}, error) {
		if err := s.accounts.RequestPasswordReset(ctx, input.Body.Email); err != nil {
			return nil, apiError("requestPasswordReset", err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "confirmPasswordReset",
		Method:        http.MethodPost,
		Path:          "/api/auth/password-reset/confirm",
		Tags:          []string{"Auth"},
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *PasswordResetConfirmInput) (*struct{}, error) {
		if err := validate.Struct(input.Body); err != nil {
			return nil, apiError("confirmPasswordReset", err)
		}
		if err := s.accounts.ResetPassword(ctx, input.Body.Token, input.Body.Password); err != nil {
			return nil, apiError("confirmPasswordReset", err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "sendVerificationEmail",
		Method:        http.MethodPost,
		Path:          "/api/auth/verify-email",
		Tags:          []string{"Auth"},
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *struct{}) (*struct{}, error) {
		c := clientFromContext(ctx)
		if err := s.accounts.SendVerificationEmail(ctx, c.auth); err != nil {
			return nil, apiError("sendVerificationEmail", err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "confirmEmail",
		Method:        http.MethodPost,
		Path:          "/api/auth/verify-email/confirm",
		Tags:          []string{"Auth"},
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *VerifyEmailConfirmInput) (*struct{}, error) {
		if err := validate.Struct(input.Body); err != nil {
			return nil, apiError("confirmEmail", err)
		}
		if err := s.accounts.ConfirmEmail(ctx, input.Body.Token); err != nil {
			return nil, apiError("confirmEmail", err)
		}
		return nil, nil
	})
}

type remoteAddrKey struct{}

// remoteAddr returns the client address recorded by remoteAddrMiddleware.
func remoteAddr(ctx context.Context) string {
	addr, _ := ctx.Value(remoteAddrKey{}).(string)
	return addr
}

// remoteAddrMiddleware copies the (realIP-adjusted) client address into the
// context so account flows can audit it.
func remoteAddrMiddleware(ctx huma.Context, next func(huma.Context)) {
	next(huma.WithContext(ctx, context.WithValue(ctx.Context(), remoteAddrKey{}, ctx.RemoteAddr())))
}

// isAuthFailure reports whether err means the credentials were wrong, as
// opposed to the sign-in machinery failing.
func isAuthFailure(err error) bool {
	return errors.Is(err, identity.ErrInvalidCredentials)
}
