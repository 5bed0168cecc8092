package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStore implements Store using SQLite in WAL mode.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at path with WAL mode enabled.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=synchronous(normal)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// One connection avoids "database is locked" with concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	// Additive migrations for existing databases.
	for _, m := range []string{
		`ALTER TABLE registration_requests ADD COLUMN message TEXT NOT NULL DEFAULT ''`,
	} {
		_, _ = s.db.Exec(m) // Ignore "duplicate column" errors.
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    uid TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    display_name TEXT NOT NULL DEFAULT '',
    password_hash TEXT NOT NULL,
    email_verified INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    last_login_at INTEGER
);

CREATE TABLE IF NOT EXISTS users (
    uid TEXT PRIMARY KEY,
    email TEXT NOT NULL DEFAULT '',
    display_name TEXT NOT NULL DEFAULT '',
    role TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS registration_requests (
    id TEXT PRIMARY KEY,
    uid TEXT NOT NULL,
    email TEXT NOT NULL DEFAULT '',
    display_name TEXT NOT NULL DEFAULT '',
    message TEXT NOT NULL DEFAULT '',
    requested_role TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    created_at INTEGER NOT NULL,
    resolved_at INTEGER,
    resolved_by TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS documents (
    collection TEXT NOT NULL,
    id TEXT NOT NULL,
    position INTEGER NOT NULL DEFAULT 0,
    body TEXT NOT NULL DEFAULT '{}',
    updated_at INTEGER NOT NULL,
    updated_by TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (collection, id)
);

CREATE TABLE IF NOT EXISTS mail_outbox (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    recipient TEXT NOT NULL,
    kind TEXT NOT NULL,
    subject TEXT NOT NULL,
    body TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_requests_status ON registration_requests(status, created_at);
CREATE INDEX IF NOT EXISTS idx_documents_order ON documents(collection, position);
CREATE INDEX IF NOT EXISTS idx_mail_recipient ON mail_outbox(recipient);
`

// isUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY constraint failure.
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func unixPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := t.Unix()
	return &v
}

func timePtr(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	t := time.Unix(*v, 0)
	return &t
}

// --- Accounts ---

func (s *SQLiteStore) CreateAccount(ctx context.Context, a *Account) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (uid, email, display_name, password_hash, email_verified, created_at, last_login_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.UID, a.Email, a.DisplayName, a.PasswordHash, a.EmailVerified, a.CreatedAt.Unix(), unixPtr(a.LastLoginAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("account %s: %w", a.Email, ErrAlreadyExists)
	}
	return err
}

const accountColumns = `uid, email, display_name, password_hash, email_verified, created_at, last_login_at`

func scanAccount(row *sql.Row) (*Account, error) {
	a := &Account{}
	var createdAt int64
	var lastLogin *int64
	err := row.Scan(&a.UID, &a.Email, &a.DisplayName, &a.PasswordHash, &a.EmailVerified, &createdAt, &lastLogin)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.CreatedAt = time.Unix(createdAt, 0)
	a.LastLoginAt = timePtr(lastLogin)
	return a, nil
}

func (s *SQLiteStore) GetAccount(ctx context.Context, uid string) (*Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE uid=?`, uid))
}

func (s *SQLiteStore) GetAccountByEmail(ctx context.Context, email string) (*Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE email=?`, email))
}

func (s *SQLiteStore) TouchLastLogin(ctx context.Context, uid string, at time.Time) error {
	return s.execOne(ctx, `UPDATE accounts SET last_login_at=? WHERE uid=?`, at.Unix(), uid)
}

func (s *SQLiteStore) SetEmailVerified(ctx context.Context, uid string) error {
	return s.execOne(ctx, `UPDATE accounts SET email_verified=1 WHERE uid=?`, uid)
}

func (s *SQLiteStore) SetPasswordHash(ctx context.Context, uid, oldHash, newHash string) error {
	return s.execOne(ctx, `UPDATE accounts SET password_hash=? WHERE uid=? AND password_hash=?`, newHash, uid, oldHash)
}

// execOne runs a statement that must affect exactly one row.
func (s *SQLiteStore) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Users ---

func (s *SQLiteStore) CreateUser(ctx context.Context, u *User) error {
	return insertUser(ctx, s.db, u)
}

// CreateRegistration writes a new user record and its registration request
// in one transaction.
func (s *SQLiteStore) CreateRegistration(ctx context.Context, u *User, r *RegistrationRequest) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if err := insertUser(ctx, tx, u); err != nil {
		return err
	}
	if err := insertRegistrationRequest(ctx, tx, r); err != nil {
		return err
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertUser(ctx context.Context, db execer, u *User) error {
	now := time.Now().Unix()
	_, err := db.ExecContext(ctx,
		`INSERT INTO users (uid, email, display_name, role, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		u.UID, u.Email, u.DisplayName, u.Role, now, now)
	if isUniqueViolation(err) {
		return fmt.Errorf("user %s: %w", u.UID, ErrAlreadyExists)
	}
	return err
}

func (s *SQLiteStore) GetUser(ctx context.Context, uid string) (*User, error) {
	u := &User{}
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT uid, email, display_name, role, created_at, updated_at FROM users WHERE uid=?`, uid).
		Scan(&u.UID, &u.Email, &u.DisplayName, &u.Role, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.CreatedAt = time.Unix(createdAt, 0)
	u.UpdatedAt = time.Unix(updatedAt, 0)
	return u, nil
}

// GetRole is the role point lookup used by session establishment.
func (s *SQLiteStore) GetRole(ctx context.Context, uid string) (string, bool, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `SELECT role FROM users WHERE uid=?`, uid).Scan(&role)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return role, true, nil
}

func (s *SQLiteStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT uid, email, display_name, role, created_at, updated_at FROM users ORDER BY email`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		var createdAt, updatedAt int64
		if err := rows.Scan(&u.UID, &u.Email, &u.DisplayName, &u.Role, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		u.CreatedAt = time.Unix(createdAt, 0)
		u.UpdatedAt = time.Unix(updatedAt, 0)
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *SQLiteStore) SetUserRole(ctx context.Context, uid, role string) error {
	return s.execOne(ctx, `UPDATE users SET role=?, updated_at=? WHERE uid=?`, role, time.Now().Unix(), uid)
}

// --- Registration requests ---

func (s *SQLiteStore) CreateRegistrationRequest(ctx context.Context, r *RegistrationRequest) error {
	return insertRegistrationRequest(ctx, s.db, r)
}

func insertRegistrationRequest(ctx context.Context, db execer, r *RegistrationRequest) error {
	status := r.Status
	if status == "" {
		status = RequestPending
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO registration_requests (id, uid, email, display_name, message, requested_role, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UID, r.Email, r.DisplayName, r.Message, r.RequestedRole, status, time.Now().Unix())
	if isUniqueViolation(err) {
		return fmt.Errorf("registration request %s: %w", r.ID, ErrAlreadyExists)
	}
	return err
}

const requestColumns = `id, uid, email, display_name, message, requested_role, status, created_at, resolved_at, resolved_by`

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (*RegistrationRequest, error) {
	r := &RegistrationRequest{}
	var createdAt int64
	var resolvedAt *int64
	if err := row.Scan(&r.ID, &r.UID, &r.Email, &r.DisplayName, &r.Message, &r.RequestedRole, &r.Status, &createdAt, &resolvedAt, &r.ResolvedBy); err != nil {
		return nil, err
	}
	r.CreatedAt = time.Unix(createdAt, 0)
	r.ResolvedAt = timePtr(resolvedAt)
	return r, nil
}

func (s *SQLiteStore) GetRegistrationRequest(ctx context.Context, id string) (*RegistrationRequest, error) {
	r, err := scanRequest(s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM registration_requests WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// ListRegistrationRequests lists requests oldest-first. An empty status lists all.
func (s *SQLiteStore) ListRegistrationRequests(ctx context.Context, status string) ([]RegistrationRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM registration_requests`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RegistrationRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ResolveRegistrationRequest moves a pending request to approved or rejected.
func (s *SQLiteStore) ResolveRegistrationRequest(ctx context.Context, id, status, resolvedBy string) error {
	if status != RequestApproved && status != RequestRejected {
		return fmt.Errorf("invalid resolution status %q", status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM registration_requests WHERE id=?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if current != RequestPending {
		return ErrNotPending
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE registration_requests SET status=?, resolved_at=?, resolved_by=? WHERE id=?`,
		status, time.Now().Unix(), resolvedBy, id); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Documents ---

const documentColumns = `collection, id, position, body, updated_at, updated_by`

func scanDocument(row scanner) (*Document, error) {
	d := &Document{}
	var body string
	var updatedAt int64
	if err := row.Scan(&d.Collection, &d.ID, &d.Position, &body, &updatedAt, &d.UpdatedBy); err != nil {
		return nil, err
	}
	d.Body = []byte(body)
	d.UpdatedAt = time.Unix(updatedAt, 0)
	return d, nil
}

func (s *SQLiteStore) GetDocument(ctx context.Context, collection, id string) (*Document, error) {
	d, err := scanDocument(s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE collection=? AND id=?`, collection, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

// PutDocument creates or replaces a document (last write wins).
func (s *SQLiteStore) PutDocument(ctx context.Context, d *Document) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (collection, id, position, body, updated_at, updated_by) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(collection, id) DO UPDATE SET body=excluded.body, updated_at=excluded.updated_at, updated_by=excluded.updated_by`,
		d.Collection, d.ID, d.Position, string(d.Body), time.Now().Unix(), d.UpdatedBy)
	return err
}

// AppendDocument inserts a new document after the last item of its collection
// and sets d.Position accordingly.
func (s *SQLiteStore) AppendDocument(ctx context.Context, d *Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	var next int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position) + 1, 0) FROM documents WHERE collection=?`, d.Collection).Scan(&next); err != nil {
		return err
	}
	now := time.Now()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO documents (collection, id, position, body, updated_at, updated_by) VALUES (?, ?, ?, ?, ?, ?)`,
		d.Collection, d.ID, next, string(d.Body), now.Unix(), d.UpdatedBy); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("document %s/%s: %w", d.Collection, d.ID, ErrAlreadyExists)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	d.Position = next
	d.UpdatedAt = now
	return nil
}

// UpdateDocument replaces the body of an existing document, keeping its position.
func (s *SQLiteStore) UpdateDocument(ctx context.Context, d *Document) error {
	return s.execOne(ctx,
		`UPDATE documents SET body=?, updated_at=?, updated_by=? WHERE collection=? AND id=?`,
		string(d.Body), time.Now().Unix(), d.UpdatedBy, d.Collection, d.ID)
}

// DeleteDocument removes a document and closes the gap in the ordering.
func (s *SQLiteStore) DeleteDocument(ctx context.Context, collection, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	var pos int
	err = tx.QueryRowContext(ctx,
		`SELECT position FROM documents WHERE collection=? AND id=?`, collection, id).Scan(&pos)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE collection=? AND id=?`, collection, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE documents SET position = position - 1 WHERE collection=? AND position > ?`, collection, pos); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListDocuments(ctx context.Context, collection string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE collection=? ORDER BY position, id`, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *d)
	}
	return docs, rows.Err()
}

// ReorderDocuments assigns positions 0..n-1 following ids. The ids must be a
// permutation of the collection's current item IDs.
func (s *SQLiteStore) ReorderDocuments(ctx context.Context, collection string, ids []string, updatedBy string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx, `SELECT id FROM documents WHERE collection=?`, collection)
	if err != nil {
		return err
	}
	existing := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		existing[id] = false
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if len(ids) != len(existing) {
		return fmt.Errorf("%w: got %d ids, collection has %d", ErrInvalidOrder, len(ids), len(existing))
	}
	for _, id := range ids {
		seen, ok := existing[id]
		if !ok {
			return fmt.Errorf("%w: unknown id %q", ErrInvalidOrder, id)
		}
		if seen {
			return fmt.Errorf("%w: duplicate id %q", ErrInvalidOrder, id)
		}
		existing[id] = true
	}

	now := time.Now().Unix()
	for pos, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE documents SET position=?, updated_at=?, updated_by=? WHERE collection=? AND id=?`,
			pos, now, updatedBy, collection, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// --- Mail outbox ---

func (s *SQLiteStore) EnqueueMail(ctx context.Context, m *Mail) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO mail_outbox (recipient, kind, subject, body, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.Recipient, m.Kind, m.Subject, m.Body, time.Now().Unix())
	if err != nil {
		return err
	}
	m.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) ListMail(ctx context.Context, recipient string) ([]Mail, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, recipient, kind, subject, body, created_at FROM mail_outbox WHERE recipient=? ORDER BY id`,
		strings.ToLower(recipient))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Mail
	for rows.Next() {
		var m Mail
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.Recipient, &m.Kind, &m.Subject, &m.Body, &createdAt); err != nil {
			return nil, err
		}
		m.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- Backup ---

// Backup creates a consistent backup of the database at destPath using VACUUM INTO.
func (s *SQLiteStore) Backup(ctx context.Context, destPath string) error {
	_, err := s.db.ExecContext(ctx, "VACUUM INTO ?", destPath)
	return err
}
