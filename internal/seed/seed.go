// Package seed loads bootstrap users and initial site content from a YAML
// file. Applying a seed is idempotent: existing users keep their roles and
// content that was already saved is left alone.
package seed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hatemosphere/agency-console/internal/auth"
	"github.com/hatemosphere/agency-console/internal/content"
	"github.com/hatemosphere/agency-console/internal/storage"
)

// User is a bootstrap console user. With the local identity provider the
// account is created from Email and Password; with an external provider UID
// names the provider's subject directly.
type User struct {
	UID         string `yaml:"uid"`
	Email       string `yaml:"email"`
	Password    string `yaml:"password"` //nolint:gosec // bootstrap password from a local file
	DisplayName string `yaml:"displayName"`
	Role        string `yaml:"role"`
}

// File is the seed file layout. Content sections use the same field names
// as the JSON API.
type File struct {
	Users   []User         `yaml:"users"`
	Content map[string]any `yaml:"content"`
}

// Load reads and parses a seed file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return Parse(data)
}

// Parse parses seed YAML.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	for i, u := range f.Users {
		if u.Email == "" && u.UID == "" {
			return nil, fmt.Errorf("seed user %d: email or uid is required", i)
		}
		if _, err := auth.ParseRole(u.Role); err != nil {
			return nil, fmt.Errorf("seed user %d (%s): %w", i, u.Email, err)
		}
	}
	return &f, nil
}

// AccountEnsurer creates identity-provider accounts.
// *identity.LocalProvider satisfies it.
type AccountEnsurer interface {
	EnsureAccount(ctx context.Context, email, password, displayName string) (uid string, err error)
}

// UserStore is the document store the seed writes users to.
type UserStore interface {
	GetUser(ctx context.Context, uid string) (*storage.User, error)
	CreateUser(ctx context.Context, u *storage.User) error
}

// Actor is recorded as the author of seeded content.
const Actor = "seed"

// Apply creates missing users and fills unsaved content sections. accounts
// may be nil when every user names a UID.
func (f *File) Apply(ctx context.Context, accounts AccountEnsurer, users UserStore, site *content.Site) error {
	for _, u := range f.Users {
		if err := applyUser(ctx, accounts, users, u); err != nil {
			return err
		}
	}
	return f.applyContent(ctx, site)
}

func applyUser(ctx context.Context, accounts AccountEnsurer, users UserStore, u User) error {
	uid := u.UID
	if uid == "" {
		if accounts == nil {
			return fmt.Errorf("seed user %s: uid is required with this identity provider", u.Email)
		}
		var err error
		uid, err = accounts.EnsureAccount(ctx, u.Email, u.Password, u.DisplayName)
		if err != nil {
			return fmt.Errorf("seed user %s: %w", u.Email, err)
		}
	}

	existing, err := users.GetUser(ctx, uid)
	if err != nil {
		return fmt.Errorf("seed user %s: %w", u.Email, err)
	}
	if existing != nil {
		slog.Debug("seed user exists", "uid", uid, "role", existing.Role)
		return nil
	}
	err = users.CreateUser(ctx, &storage.User{UID: uid, Email: u.Email, DisplayName: u.DisplayName, Role: u.Role})
	if err != nil && !errors.Is(err, storage.ErrAlreadyExists) {
		return fmt.Errorf("seed user %s: %w", u.Email, err)
	}
	slog.Info("seeded user", "uid", uid, "email", u.Email, "role", u.Role)
	return nil
}

func (f *File) applyContent(ctx context.Context, site *content.Site) error {
	for name, raw := range f.Content {
		var err error
		switch name {
		case "hero":
			err = seedSingleton(ctx, site.Hero, raw)
		case "header":
			err = seedSingleton(ctx, site.Header, raw)
		case "footer":
			err = seedSingleton(ctx, site.Footer, raw)
		case "testimonials":
			err = seedCollection(ctx, site.Testimonials, raw)
		case "features":
			err = seedCollection(ctx, site.Features, raw)
		case "services":
			err = seedCollection(ctx, site.Services, raw)
		default:
			err = errors.New("unknown section")
		}
		if err != nil {
			return fmt.Errorf("seed content %s: %w", name, err)
		}
	}
	return nil
}

// convert maps decoded YAML onto a content type through its JSON field names.
func convert[T any](raw any) (T, error) {
	var v T
	b, err := json.Marshal(raw)
	if err != nil {
		return v, err
	}
	err = json.Unmarshal(b, &v)
	return v, err
}

func seedSingleton[T any](ctx context.Context, s *content.Singleton[T], raw any) error {
	existing, err := s.Get(ctx)
	if err != nil || existing != nil {
		return err
	}
	v, err := convert[T](raw)
	if err != nil {
		return err
	}
	_, err = s.Put(ctx, Actor, v)
	return err
}

func seedCollection[T any](ctx context.Context, c *content.Collection[T], raw any) error {
	existing, err := c.List(ctx)
	if err != nil || len(existing) > 0 {
		return err
	}
	items, err := convert[[]T](raw)
	if err != nil {
		return err
	}
	for _, item := range items {
		if _, err := c.Create(ctx, Actor, item); err != nil {
			return err
		}
	}
	return nil
}
