package session

import "context"

type contextKey struct{}

// WithManager stores the client's Manager in the context.
func WithManager(ctx context.Context, m *Manager) context.Context {
	return context.WithValue(ctx, contextKey{}, m)
}

// FromContext returns the Manager stored by WithManager, or nil.
func FromContext(ctx context.Context) *Manager {
	m, _ := ctx.Value(contextKey{}).(*Manager)
	return m
}
