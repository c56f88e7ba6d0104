package session

import (
	"errors"
	"reflect"
	"testing"

	"csv-inspector/internal/interp"
)

func TestEnvironment_Execute(t *testing.T) {
	l := &fakeLauncher{}
	env, err := NewEnvironment(l, 8, nil)
	if err != nil {
		t.Fatalf("NewEnvironment failed: %v", err)
	}
	defer env.Close()

	var c interp.Collector
	if err := env.Execute("hello\ninfo x=1\nerr Traceback...", &c, nil); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	want := []interp.Event{
		interp.OutLine{Text: "hello"},
		interp.InfoBlock{Text: "x=1"},
		interp.ErrorBlock{Text: "Traceback..."},
	}
	if !reflect.DeepEqual(c.Events, want) {
		t.Errorf("expected %#v, got %#v", want, c.Events)
	}
}

func TestEnvironment_TokenLength(t *testing.T) {
	l := &fakeLauncher{}
	env, err := NewEnvironment(l, 12, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer env.Close()

	if got := len(l.proc(0).token); got != 16 {
		t.Errorf("expected token of length 16, got %d", got)
	}
}

func TestEnvironment_LaunchFailure(t *testing.T) {
	l := &fakeLauncher{fail: true}
	if _, err := NewEnvironment(l, 8, nil); err == nil {
		t.Fatal("expected launch failure")
	}
}

func TestEnvironment_RestartIdle(t *testing.T) {
	l := &fakeLauncher{}
	env, err := NewEnvironment(l, 8, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer env.Close()

	old := l.proc(0)
	if err := env.Restart(); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}

	if l.count() != 2 {
		t.Fatalf("expected 2 launches, got %d", l.count())
	}
	if env.Process() != Process(l.proc(1)) {
		t.Error("expected the new process to be current")
	}
	if n := old.terminates.Load(); n != 1 {
		t.Errorf("expected old process terminated once, got %d", n)
	}
	if l.proc(0).token == l.proc(1).token {
		t.Error("expected a fresh token after restart")
	}

	var c interp.Collector
	if err := env.Execute("again", &c, nil); err != nil {
		t.Fatalf("Execute after restart failed: %v", err)
	}
	if len(c.Events) != 1 {
		t.Errorf("expected 1 event, got %#v", c.Events)
	}
}

func TestEnvironment_RestartFailureKeepsOld(t *testing.T) {
	l := &fakeLauncher{}
	env, err := NewEnvironment(l, 8, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer env.Close()

	l.setFail(true)
	if err := env.Restart(); err == nil {
		t.Fatal("expected restart failure")
	}
	if n := l.proc(0).terminates.Load(); n != 0 {
		t.Errorf("expected old process untouched, terminated %d times", n)
	}

	var c interp.Collector
	if err := env.Execute("still alive", &c, nil); err != nil {
		t.Fatalf("Execute on old process failed: %v", err)
	}
	if len(c.Events) != 1 {
		t.Errorf("expected 1 event, got %#v", c.Events)
	}
}

func TestEnvironment_RunGuard(t *testing.T) {
	l := &fakeLauncher{}
	env, err := NewEnvironment(l, 8, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer env.Close()

	conn, err := env.Begin()
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		done <- conn.Run("block", &interp.Collector{}, nil)
	}()

	if err := env.Restart(); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("expected ErrRunInProgress from Restart, got %v", err)
	}
	if err := env.Execute("x", &interp.Collector{}, nil); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("expected ErrRunInProgress from Execute, got %v", err)
	}

	close(l.proc(0).release)
	if err := <-done; err != nil {
		t.Errorf("blocked run failed: %v", err)
	}
	env.End()

	if err := env.Restart(); err != nil {
		t.Errorf("expected Restart to succeed after the run, got %v", err)
	}
}

func TestEnvironment_Close(t *testing.T) {
	l := &fakeLauncher{}
	env, err := NewEnvironment(l, 8, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := env.Close(); err != nil {
		t.Fatal(err)
	}
	if err := env.Close(); err != nil {
		t.Fatal(err)
	}
	if n := l.proc(0).terminates.Load(); n != 1 {
		t.Errorf("expected a single terminate, got %d", n)
	}
	if err := env.Execute("x", &interp.Collector{}, nil); !errors.Is(err, ErrTerminated) {
		t.Errorf("expected ErrTerminated, got %v", err)
	}
	if err := env.Restart(); !errors.Is(err, ErrTerminated) {
		t.Errorf("expected ErrTerminated from Restart, got %v", err)
	}
}

func TestEnvironment_WriteFailureAfterExit(t *testing.T) {
	l := &fakeLauncher{}
	env, err := NewEnvironment(l, 8, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer env.Close()

	l.proc(0).exit()
	var c interp.Collector
	err = env.Execute("x", &c, nil)
	if !errors.Is(err, interp.ErrWriteFailed) {
		t.Fatalf("expected ErrWriteFailed, got %v", err)
	}
	if len(c.Events) != 0 {
		t.Errorf("expected no events, got %#v", c.Events)
	}
}
