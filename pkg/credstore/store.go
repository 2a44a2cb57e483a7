// Package credstore keeps session scoped secrets: the credential of each
// browser session and the single-use records of logins in flight.
//
// Every value carries a TTL. Nothing is kept past it, so a credential never
// outlives the browser session that obtained it by more than the configured
// session lifetime.
package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/milan604/rtl433dp-console/pkg/logger"
)

var (
	// ErrNotFound is returned when a key is absent or expired.
	ErrNotFound = errors.New("credstore: not found")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("credstore: closed")
)

// Store is a TTL key/value store. Keys are opaque to the store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Take returns the value and deletes it in one step.
	Take(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// Settings selects and configures a Store.
type Settings struct {
	Driver   string
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// New builds the Store named by s.Driver.
func New(ctx context.Context, s Settings, log logger.LogManager) (Store, error) {
	switch s.Driver {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		return NewRedis(ctx, s, log)
	default:
		return nil, fmt.Errorf("credstore: unknown driver %q", s.Driver)
	}
}

// GetJSON loads key into a new T.
func GetJSON[T any](ctx context.Context, st Store, key string) (*T, error) {
	raw, err := st.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return decode[T](key, raw)
}

// TakeJSON is GetJSON followed by deletion of key.
func TakeJSON[T any](ctx context.Context, st Store, key string) (*T, error) {
	raw, err := st.Take(ctx, key)
	if err != nil {
		return nil, err
	}
	return decode[T](key, raw)
}

// SetJSON stores v as JSON under key.
func SetJSON(ctx context.Context, st Store, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("credstore: encode %s: %w", key, err)
	}
	return st.Set(ctx, key, raw, ttl)
}

func decode[T any](key string, raw []byte) (*T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("credstore: decode %s: %w", key, err)
	}
	return &v, nil
}
