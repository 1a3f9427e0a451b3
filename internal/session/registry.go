// Package session keeps the set of live agent sessions. Each session owns one
// persistent agent process; its output is relayed to any number of
// subscribers in the order the process wrote it.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"claude-bridge/internal/agent"
	"claude-bridge/internal/process"
	"claude-bridge/internal/relay"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

const (
	defaultHistorySize      = 1000
	defaultSubscriberBufCap = 256
	defaultGracePeriod      = 5 * time.Second

	// drainTimeout bounds how long output pumps may keep reading after the
	// process exited, e.g. when a grandchild still holds the pipes open.
	drainTimeout = 2 * time.Second
)

// Options tunes a Registry.
type Options struct {
	// MaxSessions caps concurrently registered sessions; zero means no limit.
	MaxSessions int
	// GracePeriod is how long Destroy waits after SIGTERM before SIGKILL.
	GracePeriod time.Duration
	// HistorySize is the number of output events replayed to new subscribers.
	HistorySize int
}

// Registry owns all persistent sessions.
//
// The map lock is only held for map access. Operations on one session are
// serialised by that session's own locks, so work on different ids never
// waits on another session's process.
type Registry struct {
	agent agent.Config
	opts  Options

	mu       sync.RWMutex
	sessions map[string]*managedSession
	pending  int // creates that passed the limit check but are still spawning
	seq      uint64
}

type managedSession struct {
	mu   sync.Mutex // guards info
	info Session
	seq  uint64

	sendMu sync.Mutex // serialises writes to stdin
	proc   *process.Handle

	subMu       sync.Mutex // guards history, subscribers and closed
	history     *RingBuffer
	subscribers map[string]chan OutputEvent
	closed      bool

	pumps    sync.WaitGroup
	finished chan struct{}
}

// NewRegistry creates a registry that launches agents with cfg.
func NewRegistry(cfg agent.Config, opts Options) *Registry {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = defaultGracePeriod
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = defaultHistorySize
	}
	return &Registry{
		agent:    cfg,
		opts:     opts,
		sessions: make(map[string]*managedSession),
	}
}

// Create spawns a persistent agent rooted at workDir and registers it. If the
// agent cannot be launched nothing is registered and a *process.SpawnError is
// returned.
func (r *Registry) Create(workDir, label string) (Session, error) {
	dir, err := ResolveWorkDir(workDir)
	if err != nil {
		return Session{}, err
	}

	r.mu.Lock()
	if r.opts.MaxSessions > 0 && len(r.sessions)+r.pending >= r.opts.MaxSessions {
		r.mu.Unlock()
		return Session{}, fmt.Errorf("%w (%d)", ErrMaxSessions, r.opts.MaxSessions)
	}
	r.pending++
	r.seq++
	seq := r.seq
	r.mu.Unlock()

	id := uuid.NewString()
	proc, err := process.Spawn(r.agent.Persistent(dir))
	if err != nil {
		r.mu.Lock()
		r.pending--
		r.mu.Unlock()
		log.Warn("agent spawn failed", "workDir", dir, "err", err)
		return Session{}, fmt.Errorf("create session: %w", err)
	}

	ms := &managedSession{
		info: Session{
			ID:        id,
			State:     StateStarting,
			WorkDir:   dir,
			CreatedAt: time.Now().UTC(),
			Label:     label,
			Pid:       proc.Pid(),
		},
		seq:         seq,
		proc:        proc,
		history:     NewRingBuffer(r.opts.HistorySize),
		subscribers: make(map[string]chan OutputEvent),
		finished:    make(chan struct{}),
	}

	r.mu.Lock()
	r.sessions[id] = ms
	r.pending--
	r.mu.Unlock()

	ms.pumps.Add(2)
	go r.pump(ms, proc.Stdout(), OutputStdout)
	go r.pump(ms, proc.Stderr(), OutputStderr)
	go r.watchExit(ms)

	ms.mu.Lock()
	if ms.info.State == StateStarting {
		ms.info.State = StateRunning
	}
	snap := ms.info
	ms.mu.Unlock()

	log.Info("session created", "id", id, "pid", snap.Pid, "workDir", dir)
	return snap, nil
}

// ResolveWorkDir makes workDir absolute and checks that it is an existing
// directory. Failures wrap ErrInvalidWorkDir.
func ResolveWorkDir(workDir string) (string, error) {
	if workDir == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidWorkDir)
	}
	dir, err := filepath.Abs(workDir)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidWorkDir, err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("%w: %s does not exist", ErrInvalidWorkDir, dir)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrInvalidWorkDir, dir)
	}
	return dir, nil
}

// pump relays one output stream of the session to its subscribers.
func (r *Registry) pump(ms *managedSession, stream io.Reader, typ OutputEventType) {
	defer ms.pumps.Done()

	for ev := range relay.StreamRecords(context.Background(), stream) {
		if ev.Err != nil {
			// A closed pipe is the normal end after a forced drain.
			if errors.Is(ev.Err, os.ErrClosed) {
				return
			}
			log.Warn("session output error", "id", ms.info.ID, "stream", typ, "err", ev.Err)
			if typ == OutputStdout {
				r.publish(ms, OutputEvent{Type: OutputError, Data: ev.Err.Error()})
			}
			// Keep the pipe empty so the agent never blocks writing to it.
			io.Copy(io.Discard, stream)
			return
		}
		r.publish(ms, OutputEvent{Type: typ, Data: ev.Record})
	}
}

// publish records event in the history and hands it to every subscriber.
// A subscriber whose buffer is full is dropped and its channel closed, so a
// consumer only ever sees an in-order prefix of the output.
func (r *Registry) publish(ms *managedSession, event OutputEvent) {
	event.SessionID = ms.info.ID
	event.Timestamp = time.Now().UTC()

	ms.subMu.Lock()
	defer ms.subMu.Unlock()

	if ms.closed {
		return
	}
	ms.history.Write(event)

	for subID, ch := range ms.subscribers {
		select {
		case ch <- event:
		default:
			close(ch)
			delete(ms.subscribers, subID)
			log.Warn("dropping slow subscriber", "id", ms.info.ID, "sub", subID)
		}
	}
}

// watchExit finalises a session once its process is gone: it lets the pumps
// drain, releases the streams, unregisters the session and ends every
// subscription with an exit event.
func (r *Registry) watchExit(ms *managedSession) {
	<-ms.proc.Done()
	status, _ := ms.proc.ExitStatus()

	if !waitTimeout(&ms.pumps, drainTimeout) {
		log.Debug("output still open after exit, closing", "id", ms.info.ID)
	}
	ms.proc.Close()
	ms.pumps.Wait()

	ms.mu.Lock()
	ms.info.State = StateTerminated
	ms.mu.Unlock()

	r.mu.Lock()
	if r.sessions[ms.info.ID] == ms {
		delete(r.sessions, ms.info.ID)
	}
	r.mu.Unlock()

	r.publish(ms, OutputEvent{Type: OutputExit, ExitCode: status.Code})

	ms.subMu.Lock()
	ms.closed = true
	for subID, ch := range ms.subscribers {
		close(ch)
		delete(ms.subscribers, subID)
	}
	ms.subMu.Unlock()

	if status.Success() {
		log.Info("session exited", "id", ms.info.ID, "pid", ms.info.Pid)
	} else {
		log.Warn("session exited", "id", ms.info.ID, "pid", ms.info.Pid, "code", status.Code, "signal", status.Signal)
	}
	close(ms.finished)
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

func (r *Registry) lookup(id string) (*managedSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ms, ok := r.sessions[id]
	return ms, ok
}

func (ms *managedSession) snapshot() Session {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.info
}

// Get returns a snapshot of the session with the given id.
func (r *Registry) Get(id string) (Session, bool) {
	ms, ok := r.lookup(id)
	if !ok {
		return Session{}, false
	}
	return ms.snapshot(), true
}

// List returns all registered sessions in creation order.
func (r *Registry) List() []Session {
	r.mu.RLock()
	all := make([]*managedSession, 0, len(r.sessions))
	for _, ms := range r.sessions {
		all = append(all, ms)
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })

	result := make([]Session, len(all))
	for i, ms := range all {
		result[i] = ms.snapshot()
	}
	return result
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Send writes message to the session's agent. It returns ErrSessionNotFound
// for unknown ids and a *process.WriteAfterExitError once the agent is gone.
func (r *Registry) Send(id, message string) error {
	ms, ok := r.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	data, err := r.agent.Encode(message)
	if err != nil {
		return err
	}

	ms.sendMu.Lock()
	defer ms.sendMu.Unlock()

	ms.mu.Lock()
	state := ms.info.State
	ms.mu.Unlock()
	if state == StateDraining || state == StateTerminated {
		return &process.WriteAfterExitError{Pid: ms.info.Pid}
	}

	if err := ms.proc.Write(data); err != nil {
		var wae *process.WriteAfterExitError
		if errors.As(err, &wae) {
			ms.mu.Lock()
			ms.info.State = StateTerminated
			ms.mu.Unlock()
		}
		return err
	}
	return nil
}

// Destroy terminates the session's agent and waits until it has been reaped
// and unregistered. Unknown ids are ignored. When several callers destroy the
// same session only the first one signals the process; all of them return
// once teardown is complete.
func (r *Registry) Destroy(id string) {
	ms, ok := r.lookup(id)
	if !ok {
		return
	}

	ms.mu.Lock()
	first := ms.info.State == StateStarting || ms.info.State == StateRunning
	if first {
		ms.info.State = StateDraining
	}
	ms.mu.Unlock()

	if first {
		log.Info("destroying session", "id", id, "pid", ms.info.Pid)
		if err := ms.proc.Terminate(); err != nil {
			log.Warn("terminate failed", "id", id, "err", err)
		}
		select {
		case <-ms.proc.Done():
		case <-time.After(r.opts.GracePeriod):
			log.Warn("session ignored SIGTERM, killing", "id", id, "grace", r.opts.GracePeriod)
			if err := ms.proc.Kill(); err != nil {
				log.Warn("kill failed", "id", id, "err", err)
			}
		}
	}

	<-ms.finished
}

// Subscribe registers a new consumer of the session's output. It returns the
// subscription id, the live channel, and the buffered history that precedes
// the first live event. The channel is closed after the exit event, on
// Unsubscribe, or when the consumer falls too far behind.
func (r *Registry) Subscribe(id string) (string, <-chan OutputEvent, []OutputEvent, error) {
	ms, ok := r.lookup(id)
	if !ok {
		return "", nil, nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	subID := uuid.NewString()
	ch := make(chan OutputEvent, defaultSubscriberBufCap)

	ms.subMu.Lock()
	defer ms.subMu.Unlock()

	if ms.closed {
		return "", nil, nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	history := ms.history.ReadAll()
	ms.subscribers[subID] = ch

	return subID, ch, history, nil
}

// Unsubscribe removes a subscriber and closes its channel. Unknown ids are
// ignored.
func (r *Registry) Unsubscribe(sessionID, subID string) {
	ms, ok := r.lookup(sessionID)
	if !ok {
		return
	}

	ms.subMu.Lock()
	if ch, exists := ms.subscribers[subID]; exists {
		close(ch)
		delete(ms.subscribers, subID)
	}
	ms.subMu.Unlock()
}

// Shutdown destroys every session concurrently and waits for them, or for
// ctx to be done.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			r.Destroy(id)
		}(id)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
