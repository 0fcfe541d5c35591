package sdk

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicRunner opens sessions against the Messages API directly,
// for deployments without an agent CLI on the path.
type AnthropicRunner struct {
	// APIKeyEnv names the environment variable holding the key.
	APIKeyEnv string
}

// Open builds an API-backed session. The key is read at open time so a
// rotated key is picked up by the next invocation.
func (r *AnthropicRunner) Open(ctx context.Context, opts Options) (Session, error) {
	env := r.APIKeyEnv
	if env == "" {
		env = "ANTHROPIC_API_KEY"
	}
	key := os.Getenv(env)
	if key == "" {
		return nil, fmt.Errorf("authentication: %s not set", env)
	}
	client := anthropic.NewClient(option.WithAPIKey(key))
	return &anthropicSession{client: client, opts: opts}, nil
}

type anthropicSession struct {
	client anthropic.Client
	opts   Options
}

func (s *anthropicSession) Send(ctx context.Context, prompt string) (MessageStream, error) {
	model := s.opts.Model
	if model == "" {
		model = "claude-sonnet-4-5"
	}
	maxTokens := int64(s.opts.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if s.opts.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: s.opts.SystemPrompt}}
	}

	message, err := s.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("messages api: %w", err)
	}
	return &anthropicStream{message: message}, nil
}

// Close is a no-op; the API client holds no per-session resources.
func (s *anthropicSession) Close() error {
	return nil
}

// anthropicStream replays the response content blocks as the message
// sequence, closing with a final sentinel.
type anthropicStream struct {
	message *anthropic.Message
	index   int
	done    bool
}

func (s *anthropicStream) Next(ctx context.Context) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	if s.done {
		return Message{}, io.EOF
	}
	for s.index < len(s.message.Content) {
		block := s.message.Content[s.index]
		s.index++
		if block.Type == "text" {
			if s.index == len(s.message.Content) {
				s.done = true
				return Message{Type: MessageFinal, Text: block.Text}, nil
			}
			return Message{Type: MessageText, Text: block.Text}, nil
		}
	}
	s.done = true
	return Message{Type: MessageFinal}, nil
}

func (s *anthropicStream) Close() error {
	s.done = true
	return nil
}
