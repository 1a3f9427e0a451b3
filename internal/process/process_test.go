package process

import (
	"context"
	"errors"
	"io"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSpawn_MissingBinary(t *testing.T) {
	_, err := Spawn(Spec{Command: "/nonexistent/agent-binary"})
	require.Error(t, err)

	var spawnErr *SpawnError
	require.True(t, errors.As(err, &spawnErr))
	assert.Equal(t, "/nonexistent/agent-binary", spawnErr.Command)
}

func TestSpawn_BadWorkDir(t *testing.T) {
	_, err := Spawn(Spec{Command: "true", Dir: "/nonexistent/dir/xyz"})
	var spawnErr *SpawnError
	assert.True(t, errors.As(err, &spawnErr))
}

func TestHandle_StdoutAndExit(t *testing.T) {
	h, err := Spawn(Spec{Command: "sh", Args: []string{"-c", "printf 'hello\\nworld\\n'; echo oops >&2; exit 3"}})
	require.NoError(t, err)
	defer h.Close()

	assert.Positive(t, h.Pid())

	out, err := io.ReadAll(h.Stdout())
	require.NoError(t, err)
	assert.Equal(t, "hello\nworld\n", string(out))

	errOut, err := io.ReadAll(h.Stderr())
	require.NoError(t, err)
	assert.Equal(t, "oops\n", string(errOut))

	status, err := h.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, 3, status.Code)
	assert.False(t, status.Success())

	got, ok := h.ExitStatus()
	assert.True(t, ok)
	assert.Equal(t, status, got)
}

func TestHandle_WriteEcho(t *testing.T) {
	h, err := Spawn(Spec{Command: "cat", Stdin: true})
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.Write([]byte("ping\n")))

	buf := make([]byte, 5)
	_, err = io.ReadFull(h.Stdout(), buf)
	require.NoError(t, err)
	assert.Equal(t, "ping\n", string(buf))

	require.NoError(t, h.Terminate())
	_, err = h.Wait(waitCtx(t))
	require.NoError(t, err)
}

func TestHandle_WriteAfterExit(t *testing.T) {
	h, err := Spawn(Spec{Command: "true", Stdin: true})
	require.NoError(t, err)
	defer h.Close()

	_, err = h.Wait(waitCtx(t))
	require.NoError(t, err)

	err = h.Write([]byte("late\n"))
	var wae *WriteAfterExitError
	require.True(t, errors.As(err, &wae))
	assert.Equal(t, h.Pid(), wae.Pid)
}

func TestHandle_WriteWithoutStdin(t *testing.T) {
	h, err := Spawn(Spec{Command: "true"})
	require.NoError(t, err)
	defer h.Close()

	assert.ErrorIs(t, h.Write([]byte("x")), ErrNoStdin)
	_, _ = h.Wait(waitCtx(t))
}

func TestHandle_TerminateIsIdempotent(t *testing.T) {
	h, err := Spawn(Spec{Command: "sleep", Args: []string{"30"}})
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.Terminate())
	require.NoError(t, h.Terminate())

	status, err := h.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, -1, status.Code)
	assert.Equal(t, syscall.SIGTERM.String(), status.Signal)

	// After exit, further calls are harmless.
	assert.NoError(t, h.Terminate())
	assert.NoError(t, h.Kill())
}

func TestHandle_ConcurrentWaiters(t *testing.T) {
	h, err := Spawn(Spec{Command: "sh", Args: []string{"-c", "sleep 0.1; exit 7"}})
	require.NoError(t, err)
	defer h.Close()

	ctx := waitCtx(t)
	var wg sync.WaitGroup
	codes := make([]int, 8)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st, err := h.Wait(ctx)
			if err == nil {
				codes[i] = st.Code
			}
		}(i)
	}
	wg.Wait()

	for _, c := range codes {
		assert.Equal(t, 7, c)
	}
}

func TestHandle_WaitContextCancelled(t *testing.T) {
	h, err := Spawn(Spec{Command: "sleep", Args: []string{"30"}})
	require.NoError(t, err)
	defer func() {
		h.Kill()
		<-h.Done()
		h.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = h.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, exited := h.ExitStatus()
	assert.False(t, exited)
}

func TestHandle_CloseUnblocksReader(t *testing.T) {
	h, err := Spawn(Spec{Command: "sleep", Args: []string{"30"}})
	require.NoError(t, err)

	readDone := make(chan error, 1)
	go func() {
		_, err := io.ReadAll(h.Stdout())
		readDone <- err
	}()

	h.Kill()
	<-h.Done()
	h.Close()

	select {
	case <-readDone:
	case <-time.After(5 * time.Second):
		t.Fatal("reader did not return after Close")
	}
}
