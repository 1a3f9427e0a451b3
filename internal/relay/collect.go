package relay

import (
	"context"
	"fmt"
	"io"
	"strings"

	"claude-bridge/internal/process"
)

// maxStderrSize caps how much stderr CollectAll keeps. The rest is drained
// and discarded so the child never blocks on a full pipe.
const maxStderrSize = 64 * 1024

// Process is the subset of a process handle CollectAll needs.
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader
	Wait(ctx context.Context) (process.ExitStatus, error)
}

// Result is the outcome of a fully collected invocation.
type Result struct {
	Records []string           `json:"records"`
	Stderr  string             `json:"stderr,omitempty"`
	Exit    process.ExitStatus `json:"exit"`
}

// ProcessFailedError reports a process that exited non-zero without writing
// a single record.
type ProcessFailedError struct {
	Exit   process.ExitStatus
	Stderr string
}

func (e *ProcessFailedError) Error() string {
	msg := fmt.Sprintf("process exited with code %d", e.Exit.Code)
	if e.Exit.Signal != "" {
		msg = fmt.Sprintf("process killed by %s", e.Exit.Signal)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// CollectAll reads stdout and stderr of p to exhaustion concurrently, waits
// for exit and returns the stdout records. Stderr and a non-zero status are
// reported on the Result; they only become an error (ProcessFailedError) when
// stdout produced no records.
func CollectAll(ctx context.Context, p Process) (*Result, error) {
	var records []string
	res, err := Follow(ctx, p, func(record string) error {
		records = append(records, record)
		return nil
	})
	if res != nil {
		res.Records = records
	}
	return res, err
}

// Follow is CollectAll for callers that forward records as they arrive: fn
// is called once per stdout record, in order, and the returned Result leaves
// Records empty. An error from fn stops the relay and is returned as is; the
// caller still owns the process and should stop it.
//
// Follow returns ctx.Err() as soon as ctx is done, even when the process is
// silent. The reads it started stay parked until the caller kills the
// process or closes its pipes.
func Follow(ctx context.Context, p Process, fn func(record string) error) (*Result, error) {
	stderrCh := make(chan string, 1)
	go func() {
		stderrCh <- drainLimited(p.Stderr(), maxStderrSize)
	}()

	relayCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var count int
	var streamErr error
	events := StreamRecords(relayCtx, p.Stdout())
relay:
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				break relay
			}
			if ev.Err != nil {
				streamErr = ev.Err
				break relay
			}
			if err := fn(ev.Record); err != nil {
				return nil, err
			}
			count++
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if streamErr != nil {
		// Keep draining so the child can still run to completion.
		go io.Copy(io.Discard, p.Stdout())
	}

	var stderr string
	select {
	case stderr = <-stderrCh:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	exit, err := p.Wait(ctx)
	if err != nil {
		return nil, err
	}

	res := &Result{Stderr: stderr, Exit: exit}

	if streamErr != nil {
		return res, streamErr
	}
	if count == 0 && !exit.Success() {
		return res, &ProcessFailedError{Exit: exit, Stderr: stderr}
	}
	return res, nil
}

func drainLimited(r io.Reader, limit int64) string {
	var b strings.Builder
	io.Copy(&b, io.LimitReader(r, limit))
	io.Copy(io.Discard, r)
	return b.String()
}
