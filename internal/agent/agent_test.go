package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"claude-bridge/internal/process"
	"claude-bridge/internal/relay"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Args(t *testing.T) {
	cfg := DefaultConfig()

	persistent := cfg.Persistent("/tmp/work")
	assert.Equal(t, "claude", persistent.Command)
	assert.Equal(t, "/tmp/work", persistent.Dir)
	assert.True(t, persistent.Stdin)
	assert.Contains(t, persistent.Args, "--dangerously-skip-permissions")
	assert.Contains(t, persistent.Args, "--verbose")
	assert.Equal(t, []string{"--input-format", "stream-json"}, persistent.Args[len(persistent.Args)-2:])

	oneShot := cfg.OneShot("/tmp/work", "explain this repo")
	assert.False(t, oneShot.Stdin)
	assert.Equal(t, "explain this repo", oneShot.Args[len(oneShot.Args)-1])
	assert.NotContains(t, oneShot.Args, "--input-format")
}

func TestConfig_EmptyBinaryFallsBack(t *testing.T) {
	assert.Equal(t, "claude", Config{}.Persistent("/").Command)
}

func TestEncode(t *testing.T) {
	data, err := Config{InputFormat: InputText}.Encode("hello")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))

	data, err = DefaultConfig().Encode("hi \"there\"")
	require.NoError(t, err)
	require.Equal(t, byte('\n'), data[len(data)-1])

	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "user", msg["type"])
	inner := msg["message"].(map[string]any)
	assert.Equal(t, "user", inner["role"])
	block := inner["content"].([]any)[0].(map[string]any)
	assert.Equal(t, "hi \"there\"", block["text"])
}

func TestRunner_Run(t *testing.T) {
	r := &Runner{Config: Config{Binary: "echo"}}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := r.Run(ctx, t.TempDir(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []string{"hello"}, res.Records)
	assert.True(t, res.Exit.Success())
}

func TestRunner_RunFailure(t *testing.T) {
	r := &Runner{Config: Config{Binary: "sh", Args: []string{"-c", "echo denied >&2; exit 4", "sh"}}}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := r.Run(ctx, t.TempDir(), "ignored")

	var failed *relay.ProcessFailedError
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, 4, failed.Exit.Code)
	assert.Equal(t, "denied\n", failed.Stderr)
}

func TestRunner_MissingBinary(t *testing.T) {
	r := &Runner{Config: Config{Binary: "/nonexistent/claude"}}
	_, err := r.Run(context.Background(), t.TempDir(), "hi")

	var spawnErr *process.SpawnError
	assert.True(t, errors.As(err, &spawnErr))
}
