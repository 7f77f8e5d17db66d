// Package genbackend runs text-generation requests against an LLM provider
// and feeds the resulting segments back to the stream store.
package genbackend

import "context"

// Request carries one user message to the generation backend.
type Request struct {
	StreamID string
	User     string
	ChatID   string
	Content  string
}

// Hooks receives generation output as it is produced. OnChunk is called
// once per completed segment, in order, from the dispatching goroutine.
type Hooks struct {
	OnChunk func(text string)
}

// Dispatcher executes a generation request, blocking until the model is
// done or ctx expires. A nil return means the stream completed; any error
// aborts the stream and is surfaced to the end user.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request, hooks Hooks) error
}
