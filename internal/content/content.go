// Package content stores the marketing site's editable content: single
// sections (hero, header, footer) and ordered lists (testimonials, features,
// services). Writes are last-write-wins.
package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/hatemosphere/agency-console/internal/storage"
	"github.com/hatemosphere/agency-console/internal/validate"
)

var (
	ErrNotFound     = errors.New("content item not found")
	ErrInvalidIndex = errors.New("index out of range")
	ErrInvalidOrder = storage.ErrInvalidOrder
)

// Store is the document persistence content needs.
type Store interface {
	GetDocument(ctx context.Context, collection, id string) (*storage.Document, error)
	PutDocument(ctx context.Context, d *storage.Document) error
	AppendDocument(ctx context.Context, d *storage.Document) error
	UpdateDocument(ctx context.Context, d *storage.Document) error
	DeleteDocument(ctx context.Context, collection, id string) error
	ListDocuments(ctx context.Context, collection string) ([]storage.Document, error)
	ReorderDocuments(ctx context.Context, collection string, ids []string, updatedBy string) error
}

// Entry is a stored content value with its bookkeeping.
type Entry[T any] struct {
	ID        string    `json:"id"`
	Position  int       `json:"position"`
	UpdatedAt time.Time `json:"updatedAt"`
	UpdatedBy string    `json:"updatedBy,omitempty"`
	Data      T         `json:"data"`
}

func decode[T any](d *storage.Document) (*Entry[T], error) {
	e := &Entry[T]{ID: d.ID, Position: d.Position, UpdatedAt: d.UpdatedAt, UpdatedBy: d.UpdatedBy}
	if err := json.Unmarshal(d.Body, &e.Data); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", d.Collection, d.ID, err)
	}
	return e, nil
}

func encode(v any) ([]byte, error) {
	if err := validate.Struct(v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// Singleton is a content section with exactly one value.
type Singleton[T any] struct {
	store Store
	name  string
}

// Name returns the section name, e.g. "hero".
func (s *Singleton[T]) Name() string { return s.name }

// Get returns the section, or nil when it has never been saved.
func (s *Singleton[T]) Get(ctx context.Context) (*Entry[T], error) {
	d, err := s.store.GetDocument(ctx, s.name, s.name)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", s.name, err)
	}
	if d == nil {
		return nil, nil
	}
	return decode[T](d)
}

// Put validates and replaces the section.
func (s *Singleton[T]) Put(ctx context.Context, actor string, v T) (*Entry[T], error) {
	body, err := encode(v)
	if err != nil {
		return nil, err
	}
	d := &storage.Document{Collection: s.name, ID: s.name, Body: body, UpdatedBy: actor}
	if err := s.store.PutDocument(ctx, d); err != nil {
		return nil, fmt.Errorf("put %s: %w", s.name, err)
	}
	return s.Get(ctx)
}

// Collection is an ordered list of content items.
type Collection[T any] struct {
	store Store
	name  string
}

// Name returns the collection name, e.g. "testimonials".
func (c *Collection[T]) Name() string { return c.name }

// List returns the items in display order.
func (c *Collection[T]) List(ctx context.Context) ([]Entry[T], error) {
	docs, err := c.store.ListDocuments(ctx, c.name)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", c.name, err)
	}
	out := make([]Entry[T], 0, len(docs))
	for i := range docs {
		e, err := decode[T](&docs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, nil
}

// Get returns one item.
func (c *Collection[T]) Get(ctx context.Context, id string) (*Entry[T], error) {
	d, err := c.store.GetDocument(ctx, c.name, id)
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", c.name, id, err)
	}
	if d == nil {
		return nil, ErrNotFound
	}
	return decode[T](d)
}

// Create validates v and appends it to the end of the list.
func (c *Collection[T]) Create(ctx context.Context, actor string, v T) (*Entry[T], error) {
	body, err := encode(v)
	if err != nil {
		return nil, err
	}
	d := &storage.Document{Collection: c.name, ID: uuid.NewString(), Body: body, UpdatedBy: actor}
	if err := c.store.AppendDocument(ctx, d); err != nil {
		return nil, fmt.Errorf("create %s: %w", c.name, err)
	}
	return &Entry[T]{ID: d.ID, Position: d.Position, UpdatedAt: d.UpdatedAt, UpdatedBy: actor, Data: v}, nil
}

// Update validates v and replaces item id in place.
func (c *Collection[T]) Update(ctx context.Context, actor, id string, v T) (*Entry[T], error) {
	body, err := encode(v)
	if err != nil {
		return nil, err
	}
	err = c.store.UpdateDocument(ctx, &storage.Document{Collection: c.name, ID: id, Body: body, UpdatedBy: actor})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update %s/%s: %w", c.name, id, err)
	}
	return c.Get(ctx, id)
}

// Delete removes item id; the items after it move up.
func (c *Collection[T]) Delete(ctx context.Context, id string) error {
	err := c.store.DeleteDocument(ctx, c.name, id)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", c.name, id, err)
	}
	return nil
}

// Reorder sets the full display order. ids must list every item once.
func (c *Collection[T]) Reorder(ctx context.Context, actor string, ids []string) error {
	if err := c.store.ReorderDocuments(ctx, c.name, ids, actor); err != nil {
		if errors.Is(err, storage.ErrInvalidOrder) {
			return err
		}
		return fmt.Errorf("reorder %s: %w", c.name, err)
	}
	return nil
}

// Move moves item id to index, shifting the items in between. It is the
// drag-and-drop operation: the result is the same as removing the item and
// inserting it at index.
func (c *Collection[T]) Move(ctx context.Context, actor, id string, index int) ([]Entry[T], error) {
	docs, err := c.store.ListDocuments(ctx, c.name)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", c.name, err)
	}
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	from := slices.Index(ids, id)
	if from < 0 {
		return nil, ErrNotFound
	}
	if index < 0 || index >= len(ids) {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidIndex, index, len(ids))
	}
	if from != index {
		ids = slices.Delete(ids, from, from+1)
		ids = slices.Insert(ids, index, id)
		if err := c.Reorder(ctx, actor, ids); err != nil {
			return nil, err
		}
	}
	return c.List(ctx)
}

// Site is all editable content of the marketing site.
type Site struct {
	Hero   *Singleton[Hero]
	Header *Singleton[Header]
	Footer *Singleton[Footer]

	Testimonials *Collection[Testimonial]
	Features     *Collection[Feature]
	Services     *Collection[Service]
}

// NewSite binds every section to store.
func NewSite(store Store) *Site {
	return &Site{
		Hero:         &Singleton[Hero]{store: store, name: "hero"},
		Header:       &Singleton[Header]{store: store, name: "header"},
		Footer:       &Singleton[Footer]{store: store, name: "footer"},
		Testimonials: &Collection[Testimonial]{store: store, name: "testimonials"},
		Features:     &Collection[Feature]{store: store, name: "features"},
		Services:     &Collection[Service]{store: store, name: "services"},
	}
}

// Snapshot is the published site as the marketing pages read it.
type Snapshot struct {
	Hero         *Hero         `json:"hero"`
	Header       *Header       `json:"header"`
	Footer       *Footer       `json:"footer"`
	Testimonials []Testimonial `json:"testimonials"`
	Features     []Feature     `json:"features"`
	Services     []Service     `json:"services"`
}

// Snapshot reads every section. Unsaved sections are nil; lists are in
// display order and never nil.
func (s *Site) Snapshot(ctx context.Context) (*Snapshot, error) {
	hero, err := s.Hero.Get(ctx)
	if err != nil {
		return nil, err
	}
	header, err := s.Header.Get(ctx)
	if err != nil {
		return nil, err
	}
	footer, err := s.Footer.Get(ctx)
	if err != nil {
		return nil, err
	}
	testimonials, err := s.Testimonials.List(ctx)
	if err != nil {
		return nil, err
	}
	features, err := s.Features.List(ctx)
	if err != nil {
		return nil, err
	}
	services, err := s.Services.List(ctx)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Hero:         data(hero),
		Header:       data(header),
		Footer:       data(footer),
		Testimonials: items(testimonials),
		Features:     items(features),
		Services:     items(services),
	}, nil
}

func data[T any](e *Entry[T]) *T {
	if e == nil {
		return nil
	}
	return &e.Data
}

func items[T any](entries []Entry[T]) []T {
	out := make([]T, len(entries))
	for i, e := range entries {
		out[i] = e.Data
	}
	return out
}
