package api

import (
	"context"

	"github.com/milan604/rtl433dp-console/pkg/session"
)

// Binding is the session a backend call is made for. *session.Store
// satisfies it.
type Binding interface {
	// AccessToken returns the bearer token, empty when signed out.
	AccessToken() string
	// Clear signs the session out after the backend rejected the token.
	Clear()
}

type bindingKey struct{}

// WithSession binds ctx to b. Calls made with the returned context carry b's
// access token and clear b on 401.
func WithSession(ctx context.Context, b Binding) context.Context {
	return context.WithValue(ctx, bindingKey{}, b)
}

// SessionFrom returns the binding of ctx.
func SessionFrom(ctx context.Context) (Binding, bool) {
	b, ok := ctx.Value(bindingKey{}).(Binding)
	return b, ok && b != nil
}

type storeBinding struct {
	store   *session.Store
	metrics *session.Metrics
}

// BindStore binds a session store and counts forced clears in m, which may be nil.
func BindStore(store *session.Store, m *session.Metrics) Binding {
	return storeBinding{store: store, metrics: m}
}

func (b storeBinding) AccessToken() string { return b.store.AccessToken() }

func (b storeBinding) Clear() {
	b.store.Clear()
	b.metrics.ForcedClear()
}
