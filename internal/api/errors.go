package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/hatemosphere/agency-console/internal/account"
	"github.com/hatemosphere/agency-console/internal/auth"
	"github.com/hatemosphere/agency-console/internal/backup"
	"github.com/hatemosphere/agency-console/internal/content"
	"github.com/hatemosphere/agency-console/internal/identity"
	"github.com/hatemosphere/agency-console/internal/media"
	"github.com/hatemosphere/agency-console/internal/storage"
	"github.com/hatemosphere/agency-console/internal/validate"
)

// ConsoleError is the JSON error body of every API response:
// {"code": int, "message": string, "fields": {...}}. Fields is only set for
// validation failures.
type ConsoleError struct {
	status  int
	Code    int               `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func (e *ConsoleError) Error() string {
	return e.Message
}

func (e *ConsoleError) GetStatus() int {
	return e.status
}

func init() {
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		if len(errs) > 0 && msg == "" {
			msg = errs[0].Error()
		}
		e := &ConsoleError{
			status:  status,
			Code:    status,
			Message: msg,
		}
		// Request schema violations reported by huma itself.
		for _, err := range errs {
			var d *huma.ErrorDetail
			if errors.As(err, &d) && d.Location != "" {
				if e.Fields == nil {
					e.Fields = make(map[string]string)
				}
				e.Fields[d.Location] = d.Message
			}
		}
		return e
	}
}

// statusFor maps a domain error to its HTTP status. Unknown errors are 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, identity.ErrInvalidCredentials),
		errors.Is(err, identity.ErrNotSignedIn):
		return http.StatusUnauthorized
	case errors.Is(err, account.ErrSelfRoleChange),
		errors.Is(err, account.ErrRoleAboveOwn):
		return http.StatusForbidden
	case errors.Is(err, content.ErrNotFound),
		errors.Is(err, account.ErrUserNotFound),
		errors.Is(err, account.ErrRequestNotFound):
		return http.StatusNotFound
	case errors.Is(err, identity.ErrEmailInUse),
		errors.Is(err, storage.ErrAlreadyExists),
		errors.Is(err, storage.ErrNotPending):
		return http.StatusConflict
	case errors.Is(err, identity.ErrInvalidEmail),
		errors.Is(err, identity.ErrWeakPassword),
		errors.Is(err, identity.ErrInvalidToken),
		errors.Is(err, auth.ErrInvalidRole),
		errors.Is(err, content.ErrInvalidOrder),
		errors.Is(err, content.ErrInvalidIndex),
		errors.Is(err, backup.ErrNoBackupDir):
		return http.StatusBadRequest
	case errors.Is(err, media.ErrUnsupportedType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, identity.ErrUnsupported):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// apiError converts a domain error into the response huma writes. Internal
// errors are logged and answered with a generic message.
func apiError(op string, err error) error {
	var verr *validate.Error
	if errors.As(err, &verr) {
		return &ConsoleError{
			status:  http.StatusUnprocessableEntity,
			Code:    http.StatusUnprocessableEntity,
			Message: "validation failed",
			Fields:  verr.Fields,
		}
	}
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "operation", op, "error", err)
		return huma.NewError(status, "internal error")
	}
	return huma.NewError(status, err.Error())
}
