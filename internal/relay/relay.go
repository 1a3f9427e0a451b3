// Package relay turns a process output byte stream into an ordered sequence of
// newline-delimited records.
//
// Two consumption modes share the same framing: StreamRecords hands records
// over a channel as soon as their terminator is read, and CollectAll drains a
// whole process (stdout, stderr and exit status) before returning.
package relay

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
)

// MaxRecordSize bounds a single record. Longer lines end the stream with a
// StreamError.
const MaxRecordSize = 1024 * 1024 // 1 MB

const initialBufSize = 64 * 1024

// Event is one item of a record stream. Exactly one of Record or Err is set;
// an Err event is always the last one before the channel closes.
type Event struct {
	Record string
	Err    error
}

// StreamError reports that the underlying stream failed mid-read.
type StreamError struct {
	Err error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream read: %v", e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// StreamRecords reads r until EOF and sends each non-blank line on the
// returned channel in the order it appeared. The channel is closed when r is
// exhausted, when a read fails (after a terminal Err event), or when ctx is
// done. A final line without a terminator is still emitted at EOF.
//
// The read loop itself only exits when a read returns; closing the source is
// what releases a loop parked on an idle pipe.
func StreamRecords(ctx context.Context, r io.Reader) <-chan Event {
	out := make(chan Event)

	go func() {
		defer close(out)

		scanner := newScanner(r)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			select {
			case out <- Event{Record: string(line)}:
			case <-ctx.Done():
				return
			}
		}

		if err := scanner.Err(); err != nil {
			select {
			case out <- Event{Err: &StreamError{Err: err}}:
			case <-ctx.Done():
			}
		}
	}()

	return out
}

// Records drains r synchronously and returns every record. It returns as
// soon as ctx is done, even while a read is still parked on r; closing r
// releases that read.
func Records(ctx context.Context, r io.Reader) ([]string, error) {
	var records []string
	events := StreamRecords(ctx, r)
	for {
		select {
		case <-ctx.Done():
			return records, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return records, ctx.Err()
			}
			if ev.Err != nil {
				return records, ev.Err
			}
			records = append(records, ev.Record)
		}
	}
}

func newScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, initialBufSize), MaxRecordSize)
	return scanner
}
