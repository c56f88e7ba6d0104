package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"csv-inspector/internal/interp"

	"github.com/google/uuid"
)

const (
	defaultHistorySize      = 1000
	defaultSubscriberBufCap = 100
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Launcher    Launcher
	MaxSessions int
	TokenLength int
	// HistorySize is the number of records kept per session for late
	// subscribers.
	HistorySize int
	// Greeting, if set, is submitted as the first run of every new session.
	Greeting string
	Recorder Recorder
	Logger   *slog.Logger
}

// Manager manages the lifecycle of interpreter sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*managedSession
	cfg      ManagerConfig
	logger   *slog.Logger
}

type managedSession struct {
	mu      sync.Mutex
	session Session
	env     *Environment
	seq     int
	killed  bool

	ringBuf     *RingBuffer
	subscribers map[string]chan Record
	subMu       sync.RWMutex
}

// NewManager creates a new session manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		sessions: make(map[string]*managedSession),
		cfg:      cfg,
		logger:   logger,
	}
}

// Create launches a new interpreter session.
func (m *Manager) Create(label string) (*Session, error) {
	m.mu.Lock()
	activeCount := 0
	for _, ms := range m.sessions {
		if ms.state() != StateTerminated {
			activeCount++
		}
	}
	if activeCount >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w (%d)", ErrMaxSessions, m.cfg.MaxSessions)
	}

	id := uuid.New().String()
	ms := &managedSession{
		session: Session{
			ID:        id,
			State:     StateCreating,
			Label:     label,
			CreatedAt: time.Now().UTC(),
		},
		ringBuf:     NewRingBuffer(m.cfg.HistorySize),
		subscribers: make(map[string]chan Record),
	}
	m.sessions[id] = ms
	m.mu.Unlock()

	env, err := NewEnvironment(m.cfg.Launcher, m.cfg.TokenLength, m.logger.With("session", id))
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		return nil, err
	}

	proc := env.Process()
	m.mu.Lock()
	ms.mu.Lock()
	ms.env = env
	ms.session.State = StateIdle
	ms.session.Pid = proc.Pid()
	snap := ms.session
	ms.mu.Unlock()
	m.mu.Unlock()

	go m.waitForExit(ms, proc)

	if m.cfg.Greeting != "" {
		if _, err := m.Submit(id, m.cfg.Greeting); err != nil {
			m.logger.Warn("greeting run failed", "session", id, "error", err)
		}
	}

	return &snap, nil
}

// waitForExit marks the session terminated when its current interpreter
// exits on its own. Processes replaced by Restart are ignored. A session
// whose interpreter died can still be restarted.
func (m *Manager) waitForExit(ms *managedSession, proc Process) {
	<-proc.Done()

	ms.mu.Lock()
	if ms.env.Process() != proc || ms.session.State == StateTerminated {
		ms.mu.Unlock()
		return
	}
	ms.session.State = StateTerminated
	ms.mu.Unlock()

	m.logger.Info("interpreter exited", "session", ms.session.ID, "exit_code", proc.ExitCode())
	m.emit(ms, Record{Type: RecordTerminated, ExitCode: proc.ExitCode()})
}

// Submit starts one execution run on the session's worker goroutine and
// returns its run ID. It fails with ErrRunInProgress while a previous run
// has not completed.
func (m *Manager) Submit(id, script string) (string, error) {
	ms, err := m.lookup(id)
	if err != nil {
		return "", err
	}
	if ms.state() == StateTerminated {
		return "", fmt.Errorf("%w: %s", ErrTerminated, id)
	}

	conn, err := ms.env.Begin()
	if err != nil {
		return "", err
	}

	runID := uuid.New().String()
	ms.mu.Lock()
	ms.session.State = StateRunning
	ms.session.Runs++
	ms.mu.Unlock()

	if rec := m.cfg.Recorder; rec != nil {
		if err := rec.BeginRun(runID, id, conn.Token(), script, time.Now().UTC()); err != nil {
			m.logger.Warn("record run start", "session", id, "run", runID, "error", err)
		}
	}
	m.emit(ms, Record{RunID: runID, Type: RecordRunStarted})

	go m.execute(ms, conn, runID, script)
	return runID, nil
}

func (m *Manager) execute(ms *managedSession, conn *interp.Conn, runID, script string) {
	sink := interp.SinkFunc(func(ev interp.Event) {
		m.emit(ms, Record{RunID: runID, Type: RecordEvent, Event: ev})
	})

	var tap interp.Tap
	if rec := m.cfg.Recorder; rec != nil {
		tap = func(stream interp.Stream, line string) {
			if err := rec.AppendLine(runID, stream, line); err != nil {
				m.logger.Warn("record line", "run", runID, "error", err)
			}
		}
	}

	runErr := conn.Run(script, sink, tap)
	ms.env.End()

	ms.mu.Lock()
	if ms.session.State == StateRunning {
		ms.session.State = StateIdle
	}
	ms.mu.Unlock()

	if rec := m.cfg.Recorder; rec != nil {
		if err := rec.FinishRun(runID, runErr, time.Now().UTC()); err != nil {
			m.logger.Warn("record run finish", "run", runID, "error", err)
		}
	}

	finished := Record{RunID: runID, Type: RecordRunFinished}
	if runErr != nil {
		finished.Error = runErr.Error()
	}
	m.emit(ms, finished)
}

// emit stamps a record, stores it in the history and fans it out.
func (m *Manager) emit(ms *managedSession, rec Record) {
	ms.mu.Lock()
	ms.seq++
	rec.Seq = ms.seq
	rec.SessionID = ms.session.ID
	rec.Timestamp = time.Now().UTC()
	ms.ringBuf.Write(rec)
	ms.mu.Unlock()

	ms.subMu.RLock()
	defer ms.subMu.RUnlock()
	for _, ch := range ms.subscribers {
		select {
		case ch <- rec:
		default:
			// Subscriber channel full, drop the record.
		}
	}
}

// Restart replaces the session's interpreter with a fresh one. It is
// refused while a run is in flight and after Kill.
func (m *Manager) Restart(id string) (*Session, error) {
	ms, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	ms.mu.Lock()
	killed := ms.killed
	ms.mu.Unlock()
	if killed {
		return nil, fmt.Errorf("%w: %s", ErrTerminated, id)
	}

	if err := ms.env.Restart(); err != nil {
		return nil, err
	}

	proc := ms.env.Process()
	ms.mu.Lock()
	ms.session.Pid = proc.Pid()
	ms.session.State = StateIdle
	snap := ms.session
	ms.mu.Unlock()

	go m.waitForExit(ms, proc)
	m.emit(ms, Record{Type: RecordRestarted})
	return &snap, nil
}

// Get returns a snapshot of a session by ID.
func (m *Manager) Get(id string) (*Session, error) {
	ms, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	ms.mu.Lock()
	snap := ms.session
	ms.mu.Unlock()
	return &snap, nil
}

// List returns snapshots of all sessions.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Session, 0, len(m.sessions))
	for _, ms := range m.sessions {
		ms.mu.Lock()
		snap := ms.session
		ms.mu.Unlock()
		result = append(result, &snap)
	}
	return result
}

// Kill terminates a session's interpreter.
func (m *Manager) Kill(id string) error {
	ms, err := m.lookup(id)
	if err != nil {
		return err
	}

	ms.mu.Lock()
	if ms.killed {
		ms.mu.Unlock()
		return nil // Already killed.
	}
	ms.killed = true
	ms.session.State = StateTerminated
	ms.mu.Unlock()

	err = ms.env.Close()
	m.emit(ms, Record{Type: RecordTerminated})
	return err
}

// Subscribe creates a channel that receives records for a session.
// Returns the channel, the buffered history and a subscription ID for
// unsubscribing.
func (m *Manager) Subscribe(id string) (string, <-chan Record, []Record, error) {
	ms, err := m.lookup(id)
	if err != nil {
		return "", nil, nil, err
	}

	subID := uuid.New().String()
	ch := make(chan Record, defaultSubscriberBufCap)

	// Register under the history lock so no record falls between the
	// snapshot and the subscription.
	ms.mu.Lock()
	history := ms.ringBuf.ReadAll()
	ms.subMu.Lock()
	ms.subscribers[subID] = ch
	ms.subMu.Unlock()
	ms.mu.Unlock()

	return subID, ch, history, nil
}

// History returns the buffered records of a session with Seq greater than
// after, so a reconnecting client can resume where it left off.
func (m *Manager) History(id string, after int) ([]Record, error) {
	ms, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.ringBuf.Since(after), nil
}

// Unsubscribe removes a subscriber from a session.
func (m *Manager) Unsubscribe(sessionID, subID string) {
	ms, err := m.lookup(sessionID)
	if err != nil {
		return
	}

	ms.subMu.Lock()
	if ch, exists := ms.subscribers[subID]; exists {
		close(ch)
		delete(ms.subscribers, subID)
	}
	ms.subMu.Unlock()
}

// Shutdown terminates all active sessions.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.Kill(id); err != nil {
			m.logger.Warn("kill session", "session", id, "error", err)
		}
	}
}

func (m *Manager) lookup(id string) (*managedSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ms, ok := m.sessions[id]
	if !ok || ms.env == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return ms, nil
}

func (ms *managedSession) state() State {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.session.State
}
