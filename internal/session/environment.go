package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"csv-inspector/internal/interp"
	"csv-inspector/internal/token"
)

var (
	ErrNotFound      = errors.New("session not found")
	ErrTerminated    = errors.New("session terminated")
	ErrRunInProgress = errors.New("a run is already in progress")
	ErrMaxSessions   = errors.New("maximum session limit reached")
)

// Environment owns one interpreter process, its token and its pipes. At
// most one run is in flight at a time, and Restart never overlaps a run.
type Environment struct {
	launcher    Launcher
	tokenLength int
	logger      *slog.Logger

	mu      sync.Mutex
	proc    Process
	conn    *interp.Conn
	running bool
	closed  bool
}

// NewEnvironment generates a token and launches the interpreter.
func NewEnvironment(launcher Launcher, tokenLength int, logger *slog.Logger) (*Environment, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	e := &Environment{
		launcher:    launcher,
		tokenLength: tokenLength,
		logger:      logger,
	}
	proc, conn, err := e.launch()
	if err != nil {
		return nil, err
	}
	e.proc = proc
	e.conn = conn
	return e, nil
}

func (e *Environment) launch() (Process, *interp.Conn, error) {
	tok := token.Generate(e.tokenLength)
	proc, err := e.launcher.Launch(tok)
	if err != nil {
		return nil, nil, fmt.Errorf("launch interpreter: %w", err)
	}
	conn := interp.NewConn(tok, proc.Stdin(), proc.Stdout(), proc.Stderr(), e.logger)
	e.logger.Info("interpreter started", "pid", proc.Pid())
	return proc, conn, nil
}

// Process returns the current interpreter process.
func (e *Environment) Process() Process {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.proc
}

// Begin reserves the environment for one run and returns the connection
// to run it on. Every successful Begin must be paired with End.
func (e *Environment) Begin() (*interp.Conn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrTerminated
	}
	if e.running {
		return nil, ErrRunInProgress
	}
	e.running = true
	return e.conn, nil
}

// End releases the reservation taken by Begin.
func (e *Environment) End() {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
}

// Execute submits script and blocks until the run completes, publishing
// its events to sink.
func (e *Environment) Execute(script string, sink interp.Sink, tap interp.Tap) error {
	conn, err := e.Begin()
	if err != nil {
		return err
	}
	defer e.End()
	return conn.Run(script, sink, tap)
}

// Restart launches a fresh interpreter with a new token, swaps it in and
// only then terminates the old process. If the new process cannot be
// started the old one is left running and the error is returned.
func (e *Environment) Restart() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrTerminated
	}
	if e.running {
		e.mu.Unlock()
		return ErrRunInProgress
	}

	proc, conn, err := e.launch()
	if err != nil {
		e.mu.Unlock()
		return err
	}
	old := e.proc
	e.proc = proc
	e.conn = conn
	e.mu.Unlock()

	if err := old.Terminate(); err != nil {
		e.logger.Warn("terminate previous interpreter", "pid", old.Pid(), "error", err)
	}
	e.logger.Info("interpreter restarted", "old_pid", old.Pid(), "pid", proc.Pid())
	return nil
}

// Close terminates the interpreter. Further runs are refused.
func (e *Environment) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	proc := e.proc
	e.mu.Unlock()

	return proc.Terminate()
}
