package logger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

var (
	contextKeysMu sync.RWMutex
	contextKeys   = make(map[any]string)
)

// RegisterContextKey makes the *FCtx methods emit ctx.Value(ctxKey) under logField.
func RegisterContextKey(ctxKey any, logField string) {
	contextKeysMu.Lock()
	defer contextKeysMu.Unlock()
	contextKeys[ctxKey] = logField
}

func UnregisterContextKey(ctxKey any) {
	contextKeysMu.Lock()
	defer contextKeysMu.Unlock()
	delete(contextKeys, ctxKey)
}

// SessionRef is the loggable stand-in for a browser session id. The id itself
// is the session cookie value and never goes into logs, traces or audit records.
func SessionRef(id string) string {
	if id == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(id))
	return "s-" + hex.EncodeToString(sum[:8])
}

// WithSessionID tags ctx so that context-aware log lines carry SessionRef(id).
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, SessionIDKey, SessionRef(id))
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

func contextFields(ctx context.Context) []any {
	if ctx == nil {
		return nil
	}
	contextKeysMu.RLock()
	defer contextKeysMu.RUnlock()

	fields := make([]any, 0, len(contextKeys)*2)
	for key, fieldName := range contextKeys {
		if val := ctx.Value(key); val != nil {
			fields = append(fields, fieldName, val)
		}
	}
	return fields
}

// SessionIDFrom returns the session reference set by WithSessionID.
func SessionIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(SessionIDKey).(string)
	return id
}

func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}
