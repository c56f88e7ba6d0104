package realtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"csv-inspector/internal/protocol"
	"csv-inspector/internal/session"
	"csv-inspector/internal/transcript"
	"csv-inspector/internal/watcher"

	"github.com/gorilla/websocket"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	sendBufSize   = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// Server manages WebSocket connections and routes messages between
// clients, the session manager, the script watcher and the transcript
// store.
type Server struct {
	sessionMgr  *session.Manager
	scriptWatch *watcher.Watcher
	transcripts *transcript.Store // nil when transcripts are disabled
	staticDir   string
	logger      *slog.Logger

	clients   map[*client]bool
	clientsMu sync.RWMutex

	// subscriptions tracks which record subscriptions exist per client.
	// key: client, value: map[sessionID]subscriptionID
	subscriptions   map[*client]map[string]string
	subscriptionsMu sync.Mutex
}

type client struct {
	conn   *websocket.Conn
	server *Server

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// New creates a new realtime server. scriptWatch and transcripts may be
// nil.
func New(sessionMgr *session.Manager, scriptWatch *watcher.Watcher, transcripts *transcript.Store, staticDir string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		sessionMgr:    sessionMgr,
		scriptWatch:   scriptWatch,
		transcripts:   transcripts,
		staticDir:     staticDir,
		logger:        logger,
		clients:       make(map[*client]bool),
		subscriptions: make(map[*client]map[string]string),
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint.
	mux.HandleFunc("/ws", s.handleWebSocket)

	// REST API endpoints.
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /sessions/{id}/scripts", s.handleSubmitScript)
	mux.HandleFunc("POST /sessions/{id}/restart", s.handleRestartSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /sessions/{id}/history", s.handleHistory)
	mux.HandleFunc("GET /sessions/{id}/runs", s.handleListRuns)
	mux.HandleFunc("GET /runs/{id}", s.handleGetRun)

	// Static file serving.
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

// errorCode maps a manager or store error to its protocol code and HTTP
// status. fallback is used for errors without a sentinel.
func errorCode(err error, fallback string) (string, int) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return protocol.ErrSessionNotFound, http.StatusNotFound
	case errors.Is(err, session.ErrTerminated):
		return protocol.ErrSessionTerminated, http.StatusGone
	case errors.Is(err, session.ErrRunInProgress):
		return protocol.ErrRunInProgress, http.StatusConflict
	case errors.Is(err, session.ErrMaxSessions):
		return protocol.ErrMaxSessions, http.StatusTooManyRequests
	case errors.Is(err, transcript.ErrRunNotFound):
		return protocol.ErrRunNotFound, http.StatusNotFound
	}
	return fallback, http.StatusInternalServerError
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBufSize),
		server: s,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	s.subscriptionsMu.Lock()
	s.subscriptions[c] = make(map[string]string)
	s.subscriptionsMu.Unlock()

	// Send current session list to new client.
	for _, sess := range s.sessionMgr.List() {
		c.sendMessage(s.sessionUpdate(sess))
	}

	// Subscribe new client to every live session so it sees runs started
	// before it connected.
	s.subscribeClientToActiveSessions(c)

	go c.writePump()
	go c.readPump()
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Warn("websocket read failed", "error", err)
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
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

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

// sendMessage queues msg for the client, dropping it when the buffer is
// full or the client is gone.
func (c *client) sendMessage(msg *protocol.Message) {
	if msg == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		// Client buffer full, skip.
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	// Unsubscribe from all sessions.
	s.subscriptionsMu.Lock()
	subs := s.subscriptions[c]
	delete(s.subscriptions, c)
	s.subscriptionsMu.Unlock()

	for sessionID, subID := range subs {
		s.sessionMgr.Unsubscribe(sessionID, subID)
	}

	c.close()
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
		var payload protocol.SessionCreatePayload
		json.Unmarshal(msg.Payload, &payload)
		if _, err := s.createSession(payload.Label); err != nil {
			code, _ := errorCode(err, protocol.ErrSpawnFailed)
			s.sendError(c, code, err.Error())
		}

	case protocol.TypeScriptSubmit:
		var payload protocol.ScriptSubmitPayload
		json.Unmarshal(msg.Payload, &payload)
		if _, err := s.sessionMgr.Submit(payload.SessionID, payload.Script); err != nil {
			code, _ := errorCode(err, protocol.ErrInternal)
			s.sendError(c, code, err.Error())
		}

	case protocol.TypeSessionRestart:
		var payload protocol.SessionIDPayload
		json.Unmarshal(msg.Payload, &payload)
		if _, err := s.restartSession(payload.SessionID); err != nil {
			code, _ := errorCode(err, protocol.ErrSpawnFailed)
			s.sendError(c, code, err.Error())
		}

	case protocol.TypeSessionKill:
		var payload protocol.SessionIDPayload
		json.Unmarshal(msg.Payload, &payload)
		if err := s.killSession(payload.SessionID); err != nil {
			code, _ := errorCode(err, protocol.ErrInternal)
			s.sendError(c, code, err.Error())
		}

	case protocol.TypeScriptWatch:
		var payload protocol.ScriptWatchPayload
		json.Unmarshal(msg.Payload, &payload)
		if err := s.watchScript(payload.SessionID, payload.Path); err != nil {
			code, _ := errorCode(err, protocol.ErrWatchFailed)
			s.sendError(c, code, err.Error())
		}

	case protocol.TypeScriptUnwatch:
		var payload protocol.SessionIDPayload
		json.Unmarshal(msg.Payload, &payload)
		if err := s.unwatchScript(payload.SessionID); err != nil {
			code, _ := errorCode(err, protocol.ErrInternal)
			s.sendError(c, code, err.Error())
		}
	}
}

// createSession launches a session and subscribes every client to it.
func (s *Server) createSession(label string) (*session.Session, error) {
	sess, err := s.sessionMgr.Create(label)
	if err != nil {
		s.logger.Error("session launch failed", "label", label, "error", err)
		return nil, err
	}
	s.broadcast(s.sessionUpdate(sess))
	s.subscribeAllClients(sess.ID)
	return sess, nil
}

func (s *Server) restartSession(id string) (*session.Session, error) {
	sess, err := s.sessionMgr.Restart(id)
	if err != nil {
		return nil, err
	}
	s.broadcast(s.sessionUpdate(sess))
	return sess, nil
}

func (s *Server) killSession(id string) error {
	if err := s.sessionMgr.Kill(id); err != nil {
		return err
	}
	if s.scriptWatch != nil {
		s.scriptWatch.Unwatch(id)
	}
	return nil
}

func (s *Server) watchScript(id, path string) error {
	if s.scriptWatch == nil {
		return errors.New("script watching is disabled")
	}
	sess, err := s.sessionMgr.Get(id)
	if err != nil {
		return err
	}
	if err := s.scriptWatch.Watch(id, path); err != nil {
		return err
	}
	s.broadcast(s.sessionUpdate(sess))
	return nil
}

func (s *Server) unwatchScript(id string) error {
	sess, err := s.sessionMgr.Get(id)
	if err != nil {
		return err
	}
	if s.scriptWatch != nil {
		s.scriptWatch.Unwatch(id)
	}
	s.broadcast(s.sessionUpdate(sess))
	return nil
}

// OnScriptChange is the watcher callback: it submits the new contents of a
// watched script as a run. Changes arriving while a run is in flight are
// skipped.
func (s *Server) OnScriptChange(sessionID, path string, contents []byte) {
	runID, err := s.sessionMgr.Submit(sessionID, string(contents))
	switch {
	case errors.Is(err, session.ErrRunInProgress):
		s.logger.Info("script changed during a run, skipping", "session", sessionID, "path", path)
	case err != nil:
		s.logger.Warn("watched script not submitted", "session", sessionID, "path", path, "error", err)
	default:
		s.logger.Debug("watched script submitted", "session", sessionID, "path", path, "run", runID)
	}
}

func (s *Server) sessionUpdate(sess *session.Session) *protocol.Message {
	payload := protocol.SessionUpdatePayload{
		ID:        sess.ID,
		State:     string(sess.State),
		Label:     sess.Label,
		Pid:       sess.Pid,
		Runs:      sess.Runs,
		CreatedAt: sess.CreatedAt.Format(time.RFC3339Nano),
	}
	if s.scriptWatch != nil {
		payload.Watching = s.scriptWatch.Watching(sess.ID)
	}
	msg, err := protocol.NewMessage(protocol.TypeSessionUpdate, payload)
	if err != nil {
		return nil
	}
	return msg
}

// broadcast sends a message to all connected clients.
func (s *Server) broadcast(msg *protocol.Message) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for c := range s.clients {
		c.sendMessage(msg)
	}
}

// subscribeAllClients subscribes all connected clients to a session's records.
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

// subscribeClientToActiveSessions subscribes a single client to all
// non-terminated sessions.
func (s *Server) subscribeClientToActiveSessions(c *client) {
	for _, sess := range s.sessionMgr.List() {
		if sess.State != session.StateTerminated {
			s.subscribeClient(c, sess.ID)
		}
	}
}

// subscribeClient subscribes a single client to a session's records,
// replaying the session history first.
func (s *Server) subscribeClient(c *client, sessionID string) {
	s.subscriptionsMu.Lock()
	subs, connected := s.subscriptions[c]
	if !connected {
		s.subscriptionsMu.Unlock()
		return // Client already gone.
	}
	if _, exists := subs[sessionID]; exists {
		s.subscriptionsMu.Unlock()
		return // Already subscribed.
	}
	subID, ch, history, err := s.sessionMgr.Subscribe(sessionID)
	if err != nil {
		s.subscriptionsMu.Unlock()
		return
	}
	subs[sessionID] = subID
	s.subscriptionsMu.Unlock()

	for _, rec := range history {
		c.sendMessage(s.recordMessage(rec))
	}

	// Forward new records until Unsubscribe closes the channel.
	go func() {
		for rec := range ch {
			c.sendMessage(s.recordMessage(rec))
		}
	}()
}

// recordMessage converts a session record to its wire message.
func (s *Server) recordMessage(rec session.Record) *protocol.Message {
	var (
		msg *protocol.Message
		err error
	)
	switch rec.Type {
	case session.RecordRunStarted:
		msg, err = protocol.NewMessage(protocol.TypeRunStarted, protocol.RunStartedPayload{
			SessionID: rec.SessionID,
			RunID:     rec.RunID,
			Seq:       rec.Seq,
		})
	case session.RecordRunFinished:
		msg, err = protocol.NewMessage(protocol.TypeRunFinished, protocol.RunFinishedPayload{
			SessionID: rec.SessionID,
			RunID:     rec.RunID,
			Seq:       rec.Seq,
			Error:     rec.Error,
		})
	case session.RecordEvent:
		msg, err = protocol.NewMessage("script."+string(rec.Event.Kind()), protocol.ScriptEventPayload{
			SessionID: rec.SessionID,
			RunID:     rec.RunID,
			Seq:       rec.Seq,
			Event:     rec.Event,
		})
	case session.RecordTerminated:
		msg, err = protocol.NewMessage(protocol.TypeSessionTerminated, protocol.SessionTerminatedPayload{
			SessionID: rec.SessionID,
			ExitCode:  rec.ExitCode,
		})
	case session.RecordRestarted:
		sess, getErr := s.sessionMgr.Get(rec.SessionID)
		if getErr != nil {
			return nil
		}
		return s.sessionUpdate(sess)
	}
	if err != nil {
		s.logger.Warn("encode record", "session", rec.SessionID, "type", rec.Type, "error", err)
		return nil
	}
	if msg != nil {
		msg.Timestamp = rec.Timestamp
	}
	return msg
}

func (s *Server) sendError(c *client, code, message string) {
	msg, _ := protocol.NewErrorMessage(code, message)
	c.sendMessage(msg)
}
