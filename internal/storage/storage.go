package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrAlreadyExists = errors.New("already exists")
	ErrNotFound      = errors.New("not found")
	ErrInvalidOrder  = errors.New("order must list every item exactly once")
	ErrNotPending    = errors.New("registration request already resolved")
)

// Registration request statuses.
const (
	RequestPending  = "pending"
	RequestApproved = "approved"
	RequestRejected = "rejected"
)

// Account is a local identity-provider account. Only the local provider reads
// or writes accounts; the console itself never sees password hashes.
type Account struct {
	UID           string
	Email         string
	DisplayName   string
	PasswordHash  string //nolint:gosec // bcrypt hash, not a credential
	EmailVerified bool
	CreatedAt     time.Time
	LastLoginAt   *time.Time
}

// User is the role-bearing record keyed by identity UID.
type User struct {
	UID         string
	Email       string
	DisplayName string
	Role        string // viewer, editor, admin, super_admin
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RegistrationRequest records a self-service sign-up awaiting review.
type RegistrationRequest struct {
	ID            string
	UID           string
	Email         string
	DisplayName   string
	Message       string
	RequestedRole string
	Status        string // pending, approved, rejected
	CreatedAt     time.Time
	ResolvedAt    *time.Time
	ResolvedBy    string
}

// Document is a JSON site-content document. Singletons use their collection
// name as ID; collection items are ordered by Position.
type Document struct {
	Collection string
	ID         string
	Position   int
	Body       []byte // JSON
	UpdatedAt  time.Time
	UpdatedBy  string
}

// Mail is an outbound email recorded in the outbox.
type Mail struct {
	ID        int64
	Recipient string
	Kind      string // verify_email, password_reset
	Subject   string
	Body      string
	CreatedAt time.Time
}

// Store is the storage interface for the console.
type Store interface {
	// Lifecycle
	Close() error
	Ping(ctx context.Context) error

	// Accounts (local identity provider)
	CreateAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, uid string) (*Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*Account, error)
	TouchLastLogin(ctx context.Context, uid string, at time.Time) error
	SetEmailVerified(ctx context.Context, uid string) error
	// SetPasswordHash replaces oldHash with newHash, or returns ErrNotFound
	// when the account is missing or its hash is no longer oldHash.
	SetPasswordHash(ctx context.Context, uid, oldHash, newHash string) error

	// Users (role documents)
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, uid string) (*User, error)
	GetRole(ctx context.Context, uid string) (string, bool, error)
	ListUsers(ctx context.Context) ([]User, error)
	SetUserRole(ctx context.Context, uid, role string) error

	// Registration requests
	CreateRegistrationRequest(ctx context.Context, r *RegistrationRequest) error
	CreateRegistration(ctx context.Context, u *User, r *RegistrationRequest) error
	GetRegistrationRequest(ctx context.Context, id string) (*RegistrationRequest, error)
	ListRegistrationRequests(ctx context.Context, status string) ([]RegistrationRequest, error)
	ResolveRegistrationRequest(ctx context.Context, id, status, resolvedBy string) error

	// Site content
	GetDocument(ctx context.Context, collection, id string) (*Document, error)
	PutDocument(ctx context.Context, d *Document) error
	AppendDocument(ctx context.Context, d *Document) error
	UpdateDocument(ctx context.Context, d *Document) error
	DeleteDocument(ctx context.Context, collection, id string) error
	ListDocuments(ctx context.Context, collection string) ([]Document, error)
	ReorderDocuments(ctx context.Context, collection string, ids []string, updatedBy string) error

	// Mail outbox
	EnqueueMail(ctx context.Context, m *Mail) error
	ListMail(ctx context.Context, recipient string) ([]Mail, error)

	// Backup creates a consistent backup of the database at destPath using VACUUM INTO.
	Backup(ctx context.Context, destPath string) error
}
