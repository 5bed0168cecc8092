package identity

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hatemosphere/agency-console/internal/storage"
)

// Mail kinds.
const (
	MailVerifyEmail   = "verify_email"
	MailPasswordReset = "password_reset"
)

// Message is an outbound account email.
type Message struct {
	To      string
	Kind    string
	Subject string
	Body    string
}

// Mailer delivers account emails.
type Mailer interface {
	Send(ctx context.Context, m Message) error
}

// MailStore is the outbox persistence used by OutboxMailer.
type MailStore interface {
	EnqueueMail(ctx context.Context, m *storage.Mail) error
}

// OutboxMailer records mail in the database outbox for an external relay
// to pick up, and logs each message.
type OutboxMailer struct {
	store MailStore
}

func NewOutboxMailer(store MailStore) *OutboxMailer {
	return &OutboxMailer{store: store}
}

func (m *OutboxMailer) Send(ctx context.Context, msg Message) error {
	rec := &storage.Mail{
		Recipient: strings.ToLower(msg.To),
		Kind:      msg.Kind,
		Subject:   msg.Subject,
		Body:      msg.Body,
	}
	if err := m.store.EnqueueMail(ctx, rec); err != nil {
		return fmt.Errorf("enqueue %s mail: %w", msg.Kind, err)
	}
	slog.Info("mail queued", "id", rec.ID, "kind", msg.Kind, "to", rec.Recipient)
	return nil
}
