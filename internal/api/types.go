package api

import (
	"time"

	"github.com/hatemosphere/agency-console/internal/account"
	"github.com/hatemosphere/agency-console/internal/content"
	"github.com/hatemosphere/agency-console/internal/media"
	"github.com/hatemosphere/agency-console/internal/session"
	"github.com/hatemosphere/agency-console/internal/storage"
)

// --- Health / Meta ---

// HealthCheckOutput is the response for the health check endpoint.
type HealthCheckOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

// SiteOutput is the published site content.
type SiteOutput struct {
	CacheControl string `header:"Cache-Control"`
	Body         *content.Snapshot
}

// --- Auth ---

// SessionView is the client's session as the console UI sees it. Identity
// fields are only present once a role has been resolved.
type SessionView struct {
	State         string `json:"state"`
	SignedIn      bool   `json:"signedIn"`
	UID           string `json:"uid,omitempty"`
	Email         string `json:"email,omitempty"`
	DisplayName   string `json:"displayName,omitempty"`
	EmailVerified bool   `json:"emailVerified,omitempty"`
	Role          string `json:"role,omitempty"`
	Error         string `json:"error,omitempty"`
}

func sessionView(s session.Snapshot) SessionView {
	v := SessionView{
		State:    s.State.String(),
		SignedIn: s.SignedIn(),
		Error:    s.ErrorMessage(),
	}
	if p := s.Principal(); p != nil {
		v.UID = p.Identity.UID
		v.Email = p.Identity.Email
		v.DisplayName = p.Identity.DisplayName
		v.EmailVerified = p.Identity.EmailVerified
		v.Role = p.Role.String()
	}
	return v
}

// SessionOutput returns the client's session.
type SessionOutput struct {
	Body SessionView
}

// Credentials is the sign-in form.
type Credentials struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=128"` //nolint:gosec // form field
}

// SignInInput is the request body for signing in.
type SignInInput struct {
	Body Credentials
}

// RegisterInput is the self-service sign-up request.
type RegisterInput struct {
	Body account.Registration
}

// RegistrationRequestView is a registration request in API responses.
type RegistrationRequestView struct {
	ID            string     `json:"id"`
	UID           string     `json:"uid"`
	Email         string     `json:"email"`
	DisplayName   string     `json:"displayName,omitempty"`
	Message       string     `json:"message,omitempty"`
	RequestedRole string     `json:"requestedRole"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"createdAt"`
	ResolvedAt    *time.Time `json:"resolvedAt,omitempty"`
	ResolvedBy    string     `json:"resolvedBy,omitempty"`
}

func registrationRequestView(r *storage.RegistrationRequest) RegistrationRequestView {
	return RegistrationRequestView{
		ID:            r.ID,
		UID:           r.UID,
		Email:         r.Email,
		DisplayName:   r.DisplayName,
		Message:       r.Message,
		RequestedRole: r.RequestedRole,
		Status:        r.Status,
		CreatedAt:     r.CreatedAt,
		ResolvedAt:    r.ResolvedAt,
		ResolvedBy:    r.ResolvedBy,
	}
}

// RegistrationRequestOutput returns one registration request.
type RegistrationRequestOutput struct {
	Body RegistrationRequestView
}

// PasswordResetInput requests a password reset email.
type PasswordResetInput struct {
	Body struct {
		Email string `json:"email"`
	}
}

// PasswordResetConfirmInput sets a new password with an emailed token.
type PasswordResetConfirmInput struct {
	Body struct {
		Token    string `json:"token" validate:"required"`
		Password string `json:"password" validate:"required,min=6,max=128"` //nolint:gosec // form field
	}
}

// VerifyEmailConfirmInput confirms an email address with an emailed token.
type VerifyEmailConfirmInput struct {
	Body struct {
		Token string `json:"token" validate:"required"`
	}
}

// --- Users ---

// UserView is a console user in API responses.
type UserView struct {
	UID         string    `json:"uid"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName,omitempty"`
	Role        string    `json:"role"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ListUsersOutput is the response for listing users.
type ListUsersOutput struct {
	Body struct {
		Users []UserView `json:"users"`
	}
}

// SetRoleInput changes a user's role.
type SetRoleInput struct {
	UID  string `path:"uid"`
	Body struct {
		Role string `json:"role" validate:"required,role"`
	}
}

// ListRegistrationRequestsInput filters registration requests by status.
type ListRegistrationRequestsInput struct {
	Status string `query:"status" doc:"pending, approved or rejected; empty for all"`
}

// ListRegistrationRequestsOutput is the response for listing registration requests.
type ListRegistrationRequestsOutput struct {
	Body struct {
		Requests []RegistrationRequestView `json:"requests"`
	}
}

// ApproveBody optionally overrides the role a request asked for.
type ApproveBody struct {
	Role string `json:"role,omitempty" validate:"omitempty,role"`
}

// ApproveInput approves a registration request.
type ApproveInput struct {
	ID   string       `path:"id"`
	Body *ApproveBody `required:"false"`
}

// RequestIDInput names a registration request.
type RequestIDInput struct {
	ID string `path:"id"`
}

// --- Content ---

// SingletonOutput returns a content section.
type SingletonOutput[T any] struct {
	Body *content.Entry[T]
}

// PutSingletonInput replaces a content section.
type PutSingletonInput[T any] struct {
	Body T
}

// ListItemsOutput lists a collection in display order.
type ListItemsOutput[T any] struct {
	Body struct {
		Items []content.Entry[T] `json:"items"`
	}
}

// ItemInput names a collection item.
type ItemInput struct {
	ID string `path:"id"`
}

// ItemOutput returns one collection item.
type ItemOutput[T any] struct {
	Body *content.Entry[T]
}

// CreateItemInput appends an item to a collection.
type CreateItemInput[T any] struct {
	Body T
}

// UpdateItemInput replaces an item's data.
type UpdateItemInput[T any] struct {
	ID   string `path:"id"`
	Body T
}

// ReorderInput sets the full display order of a collection.
type ReorderInput struct {
	Body struct {
		IDs []string `json:"ids"`
	}
}

// MoveInput moves one item to a new position.
type MoveInput struct {
	ID   string `path:"id"`
	Body struct {
		Index int `json:"index"`
	}
}

// --- Media / Admin ---

// PresignUploadInput requests a presigned image upload.
type PresignUploadInput struct {
	Body struct {
		Filename    string `json:"filename" validate:"required,max=255"`
		ContentType string `json:"contentType" validate:"required,max=100"`
	}
}

// PresignUploadOutput is a presigned upload.
type PresignUploadOutput struct {
	Body *media.Upload
}

// BackupView reports a backup run.
type BackupView struct {
	Path       string            `json:"path"`
	Uploaded   map[string]string `json:"uploaded,omitempty"`
	Pruned     int               `json:"pruned"`
	FinishedAt time.Time         `json:"finishedAt"`
	Error      string            `json:"error,omitempty"`
}

// BackupOutput is the response for backup operations.
type BackupOutput struct {
	Body BackupView
}
