// Package trace provides request-correlation IDs and their propagation through
// context, so log lines emitted by a handler and by the asynchronous work it
// spawns can be tied back to one inbound delivery.
package trace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// traceKey is the unexported context key used to store the request ID.
type traceKey struct{}

// NewID generates a unique request-correlation ID.
func NewID() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		// Fallback to a timestamp-based ID if random fails (should never happen)
		return fmt.Sprintf("r_%d", time.Now().UnixNano())
	}
	return "r_" + hex.EncodeToString(buf)
}

// WithID returns a child context carrying the given request ID.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

// FromContext extracts the request ID from ctx, returning "" if absent.
func FromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok {
		return v
	}
	return ""
}
