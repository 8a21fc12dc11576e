// Package upstream defines the streaming completion contract the dispatcher
// depends on, plus the OpenAI-backed implementation. The dispatcher treats the
// upstream as opaque: request in, finite single-pass sequence of text chunks
// out, terminated by io.EOF or an error.
package upstream

import "context"

// Request carries everything the upstream call needs. Secret is the credential
// value selected by the token pool for this call.
type Request struct {
	Secret string
	Model  string
	System string
	Text   string
}

// Stream is a finite, single-pass chunk sequence. Recv returns io.EOF after
// the final chunk. Close may be called at any time to abandon the stream.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Completer is the injected capability that talks to the completion service.
type Completer interface {
	StreamCompletion(ctx context.Context, req Request) (Stream, error)
}
