// Package sdk runs one bounded, cancellable, recoverable agent
// invocation over an interactive session protocol. The invoker owns
// every session handle and message stream it opens, closes both on the
// same goroutine on every exit path, and reports failures as tagged
// result values rather than errors.
package sdk

import "context"

// MessageType discriminates stream messages.
type MessageType string

const (
	// MessageText carries a chunk of assistant output.
	MessageText MessageType = "text"
	// MessageTool reports tool activity; its text is informational.
	MessageTool MessageType = "tool"
	// MessageFinal is the sentinel last message of a stream.
	MessageFinal MessageType = "final"
)

// Message is one element of a session's reply stream.
type Message struct {
	Type MessageType
	Text string
}

// MessageStream is a lazy, finite, non-restartable sequence of
// messages. Next returns io.EOF after the last message. Close releases
// the stream; it is safe to call after EOF and must be called by
// whoever called Send, on the same goroutine.
type MessageStream interface {
	Next(ctx context.Context) (Message, error)
	Close() error
}

// Session is one open agent conversation. Close is idempotent and
// tears down any subprocess or connection the session holds.
type Session interface {
	Send(ctx context.Context, prompt string) (MessageStream, error)
	Close() error
}

// Runner builds sessions. Implementations: CLIRunner (agent CLI
// subprocess) and AnthropicRunner (direct Messages API).
type Runner interface {
	Open(ctx context.Context, opts Options) (Session, error)
}

// Options parameterize one session.
type Options struct {
	Model        string
	SystemPrompt string
	MaxTokens    int
}
