package realtime

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"claude-bridge/internal/agent"
	"claude-bridge/internal/diff"
	"claude-bridge/internal/protocol"
	"claude-bridge/internal/session"
	"claude-bridge/internal/watcher"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second

	clientBufSize = 256

	// maxMessageSize bounds one client message, diff requests included.
	maxMessageSize = 8 << 20
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// Options configures a Server.
type Options struct {
	StaticDir   string
	DiffContext int
}

// Server manages WebSocket connections and routes messages between
// clients, the session registry, and the file watcher. It also serves the
// REST and SSE endpoints.
type Server struct {
	registry    *session.Registry
	runner      *agent.Runner
	fileWatch   *watcher.Watcher // nil when file watching is disabled
	staticDir   string
	diffContext int

	clients   map[*client]bool
	clientsMu sync.RWMutex

	// subscriptions tracks which output subscriptions exist per client.
	// key: client, value: map[sessionID]subscriptionID
	subscriptions   map[*client]map[string]string
	subscriptionsMu sync.Mutex
}

type client struct {
	conn      *websocket.Conn
	send      chan []byte
	sendMu    sync.Mutex // orders enqueue against eviction
	done      chan struct{}
	closeOnce sync.Once
	evicted   atomic.Bool
	server    *Server
}

// New creates a new realtime server. fileWatch may be nil.
func New(registry *session.Registry, runner *agent.Runner, fileWatch *watcher.Watcher, opts Options) *Server {
	if opts.DiffContext < 0 {
		opts.DiffContext = diff.DefaultContext
	}
	return &Server{
		registry:      registry,
		runner:        runner,
		fileWatch:     fileWatch,
		staticDir:     opts.StaticDir,
		diffContext:   opts.DiffContext,
		clients:       make(map[*client]bool),
		subscriptions: make(map[*client]map[string]string),
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)

	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /sessions/{id}/messages", s.handleSendMessage)
	mux.HandleFunc("GET /sessions/{id}/stream", s.handleSessionStream)

	mux.HandleFunc("POST /query", s.handleQuery)
	mux.HandleFunc("POST /query/collect", s.handleQueryCollect)
	mux.HandleFunc("POST /diff", s.handleDiff)

	if s.staticDir != "" {
		fileServer := http.FileServer(http.Dir(s.staticDir))
		mux.Handle("/", fileServer)
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, clientBufSize),
		done:   make(chan struct{}),
		server: s,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	s.subscriptionsMu.Lock()
	s.subscriptions[c] = make(map[string]string)
	s.subscriptionsMu.Unlock()

	log.Debug("client connected", "remote", r.RemoteAddr)

	s.sendSessionList(c)

	// Sessions created before this connection still stream to it.
	for _, sess := range s.registry.List() {
		s.subscribeClient(c, sess.ID)
	}

	go c.writePump()
	go c.readPump()
}

func (s *Server) sendSessionList(c *client) {
	for _, sess := range s.registry.List() {
		msg, err := protocol.NewMessage(protocol.TypeSessionUpdate, sessionUpdate(sess))
		if err != nil {
			continue
		}
		c.enqueue(msg)
	}
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("websocket read error", "err", err)
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if c.evicted.Load() {
				closeMsg = websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "client fell behind")
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			c.conn.WriteMessage(websocket.CloseMessage, closeMsg)
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue hands msg to the write pump. Messages for a disconnected client
// are dropped. A client whose buffer is full is disconnected instead of
// skipping messages, so what it received is always an in-order prefix.
func (c *client) enqueue(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error("marshal message", "type", msg.Type, "err", err)
		return
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed() {
		return
	}
	select {
	case c.send <- data:
	default:
		c.evict()
	}
}

// evict disconnects a client that stopped keeping up. Callers may hold
// clientsMu, so the bookkeeping runs on its own goroutine.
func (c *client) evict() {
	if !c.evicted.CompareAndSwap(false, true) {
		return
	}
	log.Warn("client buffer full, disconnecting", "remote", c.remoteAddr())
	c.closeOnce.Do(func() { close(c.done) })
	go c.server.removeClient(c)
}

func (c *client) remoteAddr() string {
	if c.conn == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}

func (c *client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	c.closeOnce.Do(func() { close(c.done) })

	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	s.subscriptionsMu.Lock()
	subs := s.subscriptions[c]
	delete(s.subscriptions, c)
	s.subscriptionsMu.Unlock()

	for sessionID, subID := range subs {
		if subID != "" {
			s.registry.Unsubscribe(sessionID, subID)
		}
	}
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypeSessionCreate:
		s.handleWSCreateSession(c, msg)
	case protocol.TypeSessionSend:
		s.handleWSSend(c, msg)
	case protocol.TypeSessionDestroy:
		s.handleWSDestroy(c, msg)
	case protocol.TypeFilesRequestTree:
		s.handleWSFilesTree(c, msg)
	case protocol.TypeDiffRequest:
		s.handleWSDiff(c, msg)
	}
}

func (s *Server) handleWSCreateSession(c *client, msg *protocol.Message) {
	var payload protocol.SessionCreatePayload
	json.Unmarshal(msg.Payload, &payload)

	if _, err := s.createSession(payload.WorkDir, payload.Label); err != nil {
		code, _ := classify(err)
		s.sendError(c, code, err.Error())
	}
}

func (s *Server) handleWSSend(c *client, msg *protocol.Message) {
	var payload protocol.SessionSendPayload
	json.Unmarshal(msg.Payload, &payload)

	if err := s.registry.Send(payload.SessionID, payload.Message); err != nil {
		code, _ := classify(err)
		s.sendError(c, code, err.Error())
	}
}

func (s *Server) handleWSDestroy(c *client, msg *protocol.Message) {
	var payload protocol.SessionIDPayload
	json.Unmarshal(msg.Payload, &payload)

	if _, ok := s.registry.Get(payload.SessionID); !ok {
		s.sendError(c, protocol.ErrSessionNotFound, "session not found: "+payload.SessionID)
		return
	}

	// Destroy blocks for up to the grace period; keep reading meanwhile.
	go s.destroySession(payload.SessionID)
}

func (s *Server) handleWSFilesTree(c *client, msg *protocol.Message) {
	var payload protocol.SessionIDPayload
	json.Unmarshal(msg.Payload, &payload)

	sess, ok := s.registry.Get(payload.SessionID)
	if !ok {
		s.sendError(c, protocol.ErrSessionNotFound, "session not found: "+payload.SessionID)
		return
	}

	resp, err := protocol.NewMessage(protocol.TypeFilesTree, protocol.FilesTreePayload{
		SessionID: sess.ID,
		Tree:      watcher.BuildFileTree(sess.WorkDir, 3),
	})
	if err != nil {
		return
	}
	c.enqueue(resp)
}

func (s *Server) handleWSDiff(c *client, msg *protocol.Message) {
	var payload protocol.DiffRequestPayload
	json.Unmarshal(msg.Payload, &payload)

	resp, err := protocol.NewMessage(protocol.TypeDiffResult, protocol.DiffResultPayload{
		RequestID: payload.RequestID,
		File:      payload.Compute(s.diffContext),
	})
	if err != nil {
		return
	}
	c.enqueue(resp)
}

// createSession registers a new session and announces it to every client.
func (s *Server) createSession(workDir, label string) (session.Session, error) {
	sess, err := s.registry.Create(workDir, label)
	if err != nil {
		return session.Session{}, err
	}
	if s.fileWatch != nil {
		if err := s.fileWatch.Watch(sess.ID, sess.WorkDir); err != nil {
			log.Warn("file watcher not started", "id", sess.ID, "err", err)
		}
	}
	go s.followSession(sess.ID)

	s.broadcastSessionUpdate(sess)
	s.subscribeAllClients(sess.ID)
	return sess, nil
}

func (s *Server) destroySession(id string) {
	s.registry.Destroy(id)
	if s.fileWatch != nil {
		s.fileWatch.Unwatch(id)
	}
}

// followSession waits for a session to end, however it ends, and releases
// the server-side resources tied to it.
func (s *Server) followSession(id string) {
	for {
		subID, ch, history, err := s.registry.Subscribe(id)
		if err != nil {
			break
		}
		exited := hasExit(history)
		for event := range ch {
			if event.Type == session.OutputExit {
				exited = true
			}
		}
		s.registry.Unsubscribe(id, subID)
		if exited {
			break
		}
	}

	if s.fileWatch != nil {
		s.fileWatch.Unwatch(id)
	}
}

func hasExit(events []session.OutputEvent) bool {
	for _, e := range events {
		if e.Type == session.OutputExit {
			return true
		}
	}
	return false
}

func sessionUpdate(sess session.Session) protocol.SessionUpdatePayload {
	return protocol.SessionUpdatePayload{
		ID:        sess.ID,
		State:     string(sess.State),
		WorkDir:   sess.WorkDir,
		Label:     sess.Label,
		Pid:       sess.Pid,
		CreatedAt: sess.CreatedAt.Format(time.RFC3339Nano),
	}
}

func (s *Server) broadcastSessionUpdate(sess session.Session) {
	msg, err := protocol.NewMessage(protocol.TypeSessionUpdate, sessionUpdate(sess))
	if err != nil {
		return
	}
	s.broadcast(msg)
}

// broadcast sends a message to all connected clients.
func (s *Server) broadcast(msg *protocol.Message) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for c := range s.clients {
		c.enqueue(msg)
	}
}

// subscribeAllClients subscribes all connected clients to a session's output.
func (s *Server) subscribeAllClients(sessionID string) {
	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range clients {
		s.subscribeClient(c, sessionID)
	}
}

// subscribeClient subscribes a single client to a session's output.
func (s *Server) subscribeClient(c *client, sessionID string) {
	s.subscriptionsMu.Lock()
	subs, connected := s.subscriptions[c]
	if !connected {
		s.subscriptionsMu.Unlock()
		return
	}
	if _, exists := subs[sessionID]; exists {
		s.subscriptionsMu.Unlock()
		return // Already subscribed.
	}
	subs[sessionID] = "" // Reserve the slot while subscribing.
	s.subscriptionsMu.Unlock()

	subID, ch, history, err := s.registry.Subscribe(sessionID)

	s.subscriptionsMu.Lock()
	subs, connected = s.subscriptions[c]
	if err != nil || !connected {
		if connected {
			delete(subs, sessionID)
		}
		s.subscriptionsMu.Unlock()
		if err == nil {
			s.registry.Unsubscribe(sessionID, subID)
		}
		return
	}
	subs[sessionID] = subID
	s.subscriptionsMu.Unlock()

	go s.forwardOutput(c, sessionID, subID, ch, history)
}

// forwardOutput relays one session's output to one client until the
// subscription ends.
func (s *Server) forwardOutput(c *client, sessionID, subID string, ch <-chan session.OutputEvent, history []session.OutputEvent) {
	exited := false
	for _, event := range history {
		exited = s.sendOutputEvent(c, event) || exited
	}
	for event := range ch {
		exited = s.sendOutputEvent(c, event) || exited
	}

	s.subscriptionsMu.Lock()
	if subs, ok := s.subscriptions[c]; ok && subs[sessionID] == subID {
		delete(subs, sessionID)
	}
	s.subscriptionsMu.Unlock()

	if !exited && !c.closed() {
		if _, alive := s.registry.Get(sessionID); alive {
			s.sendError(c, protocol.ErrStreamError, "output subscription dropped for session "+sessionID)
		}
	}
}

// sendOutputEvent translates one output event for a client and reports
// whether it was the session's exit.
func (s *Server) sendOutputEvent(c *client, event session.OutputEvent) bool {
	var (
		msg *protocol.Message
		err error
	)
	switch event.Type {
	case session.OutputExit:
		msg, err = protocol.NewMessage(protocol.TypeSessionTerminated, protocol.SessionTerminatedPayload{
			SessionID: event.SessionID,
			ExitCode:  event.ExitCode,
		})
	case session.OutputError:
		msg, err = protocol.NewErrorMessage(protocol.ErrStreamError, event.Data)
	default:
		msg, err = protocol.NewMessage(protocol.TypeSessionOutput, protocol.SessionOutputPayload{
			SessionID: event.SessionID,
			Stream:    string(event.Type),
			Data:      event.Data,
		})
	}
	if err == nil {
		c.enqueue(msg)
	}
	return event.Type == session.OutputExit
}

func (s *Server) sendError(c *client, code, message string) {
	msg, err := protocol.NewErrorMessage(code, message)
	if err != nil {
		return
	}
	c.enqueue(msg)
}

// OnFileDiff is the callback for the file watcher.
func (s *Server) OnFileDiff(sessionID string, file diff.File) {
	msg, err := protocol.NewMessage(protocol.TypeFilesDiff, protocol.FilesDiffPayload{
		SessionID: sessionID,
		File:      file,
	})
	if err != nil {
		return
	}
	s.broadcast(msg)
}
