// Package agent knows how to launch the external agent CLI in its two modes:
// a persistent session fed through stdin, and a one-shot invocation that
// receives the message as its last argument.
package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"claude-bridge/internal/process"
	"claude-bridge/internal/relay"
)

const defaultBinary = "claude"

// InputFormat selects how messages are framed on a persistent session's stdin.
type InputFormat string

const (
	// InputText writes the message followed by a newline.
	InputText InputFormat = "text"
	// InputStreamJSON writes one stream-json user message per line.
	InputStreamJSON InputFormat = "stream-json"
)

// Config describes the agent command line.
type Config struct {
	Binary string
	// Args are passed in both modes.
	Args []string
	// PersistentArgs are appended only for persistent sessions.
	PersistentArgs []string
	InputFormat    InputFormat
	// Env entries are added to the inherited environment.
	Env []string
}

// DefaultConfig runs the claude CLI non-interactively with verbose
// stream-json output and unattended permissions.
func DefaultConfig() Config {
	return Config{
		Binary: defaultBinary,
		Args: []string{
			"-p",
			"--verbose",
			"--output-format", "stream-json",
			"--dangerously-skip-permissions",
		},
		PersistentArgs: []string{"--input-format", "stream-json"},
		InputFormat:    InputStreamJSON,
	}
}

// Persistent returns the process spec for a long-lived session in workDir.
func (c Config) Persistent(workDir string) process.Spec {
	args := make([]string, 0, len(c.Args)+len(c.PersistentArgs))
	args = append(args, c.Args...)
	args = append(args, c.PersistentArgs...)
	return process.Spec{
		Command: c.binary(),
		Args:    args,
		Dir:     workDir,
		Env:     c.Env,
		Stdin:   true,
	}
}

// OneShot returns the process spec for a single invocation answering message.
func (c Config) OneShot(workDir, message string) process.Spec {
	args := make([]string, 0, len(c.Args)+1)
	args = append(args, c.Args...)
	args = append(args, message)
	return process.Spec{
		Command: c.binary(),
		Args:    args,
		Dir:     workDir,
		Env:     c.Env,
	}
}

func (c Config) binary() string {
	if c.Binary == "" {
		return defaultBinary
	}
	return c.Binary
}

type userMessage struct {
	Type    string      `json:"type"`
	Message userContent `json:"message"`
}

type userContent struct {
	Role    string      `json:"role"`
	Content []textBlock `json:"content"`
}

type textBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Encode frames message for a persistent session's stdin.
func (c Config) Encode(message string) ([]byte, error) {
	if c.InputFormat != InputStreamJSON {
		return []byte(message + "\n"), nil
	}
	data, err := json.Marshal(userMessage{
		Type: "user",
		Message: userContent{
			Role:    "user",
			Content: []textBlock{{Type: "text", Text: message}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return append(data, '\n'), nil
}

// Runner starts one-shot invocations.
type Runner struct {
	Config Config
}

// Start launches a one-shot invocation. The caller owns the handle and must
// Close it once the output has been consumed.
func (r *Runner) Start(workDir, message string) (*process.Handle, error) {
	return process.Spawn(r.Config.OneShot(workDir, message))
}

// Run launches a one-shot invocation and collects its complete output.
func (r *Runner) Run(ctx context.Context, workDir, message string) (*relay.Result, error) {
	h, err := r.Start(workDir, message)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	return relay.CollectAll(ctx, h)
}
