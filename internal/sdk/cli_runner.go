package sdk

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
)

// CLIRunner opens sessions against an interactive agent CLI. One
// session is one subprocess speaking line-delimited JSON on stdio.
type CLIRunner struct {
	// Command is the agent invocation, binary first.
	Command []string
	Logger  *slog.Logger
}

// Open starts the agent subprocess. The returned session owns the
// process and its pipes; Close kills a still-running process.
func (r *CLIRunner) Open(ctx context.Context, opts Options) (Session, error) {
	if len(r.Command) == 0 {
		return nil, fmt.Errorf("agent command not configured")
	}
	args := append([]string(nil), r.Command[1:]...)
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}

	// Deliberately not CommandContext: the process dies in Close on
	// the goroutine that owns the session, not from a context watcher.
	cmd := exec.Command(r.Command[0], args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent %q: %w", r.Command[0], err)
	}

	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &cliSession{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		logger: logger,
	}, nil
}

type cliSession struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	logger *slog.Logger
	closed sync.Once
}

// cliRequest is the line written to the agent for one prompt.
type cliRequest struct {
	Type         string `json:"type"`
	Prompt       string `json:"prompt"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// cliMessage is one line of agent output. The agent emits a stream of
// assistant text lines and a terminal result line.
type cliMessage struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	Result string `json:"result,omitempty"`
	Tool   string `json:"tool,omitempty"`
}

func (s *cliSession) Send(ctx context.Context, prompt string) (MessageStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	line, err := json.Marshal(cliRequest{Type: "user", Prompt: prompt})
	if err != nil {
		return nil, fmt.Errorf("encode prompt: %w", err)
	}
	if _, err := s.stdin.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("write prompt: %w", err)
	}
	// No further input follows; closing stdin lets one-shot agents
	// terminate after their final message.
	if err := s.stdin.Close(); err != nil {
		return nil, fmt.Errorf("close agent stdin: %w", err)
	}
	return &cliStream{scanner: bufio.NewScanner(s.stdout), logger: s.logger}, nil
}

// Close kills a still-running agent process and reaps it. Idempotent.
func (s *cliSession) Close() error {
	s.closed.Do(func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		if waitErr := s.cmd.Wait(); waitErr != nil {
			// A non-zero exit after Kill is expected; only surface it
			// for diagnostics.
			s.logger.Debug("agent process exit", "error", waitErr.Error())
		}
	})
	return nil
}

type cliStream struct {
	scanner *bufio.Scanner
	logger  *slog.Logger
	done    bool
}

func (s *cliStream) Next(ctx context.Context) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	if s.done {
		return Message{}, io.EOF
	}
	for s.scanner.Scan() {
		raw := s.scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var msg cliMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			// Agents interleave human-readable noise with the JSON
			// stream; skip anything that does not parse.
			s.logger.Debug("skip non-json agent line", "line", string(raw))
			continue
		}
		switch msg.Type {
		case "result", "final":
			s.done = true
			text := msg.Result
			if text == "" {
				text = msg.Text
			}
			return Message{Type: MessageFinal, Text: text}, nil
		case "tool", "tool_use":
			return Message{Type: MessageTool, Text: msg.Tool}, nil
		default:
			return Message{Type: MessageText, Text: msg.Text}, nil
		}
	}
	if err := s.scanner.Err(); err != nil {
		return Message{}, fmt.Errorf("read agent output: %w", err)
	}
	s.done = true
	return Message{}, io.EOF
}

func (s *cliStream) Close() error {
	s.done = true
	return nil
}
