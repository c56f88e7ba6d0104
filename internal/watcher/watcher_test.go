package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

type change struct {
	sessionID string
	path      string
	contents  string
}

func newTestWatcher(t *testing.T) (*Watcher, chan change) {
	t.Helper()
	ch := make(chan change, 10)
	w := New(20*time.Millisecond, func(sessionID, path string, contents []byte) {
		ch <- change{sessionID, path, string(contents)}
	}, nil)
	t.Cleanup(w.Shutdown)
	return w, ch
}

func writeScript(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
}

func expectChange(t *testing.T, ch chan change) change {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("expected a change notification")
	}
	return change{}
}

func expectNoChange(t *testing.T, ch chan change) {
	t.Helper()
	select {
	case c := <-ch:
		t.Fatalf("unexpected change: %+v", c)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatch_MissingFile(t *testing.T) {
	w, _ := newTestWatcher(t)
	if err := w.Watch("s1", filepath.Join(t.TempDir(), "missing.py")); err == nil {
		t.Fatal("expected error for missing script")
	}
	if w.Watching("s1") != "" {
		t.Error("expected no watch registered")
	}
}

func TestWatch_ReportsChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "analysis.py")
	writeScript(t, path, "print(1)")

	w, ch := newTestWatcher(t)
	if err := w.Watch("s1", path); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	if w.Watching("s1") == "" {
		t.Error("expected watched path")
	}

	writeScript(t, path, "print(2)")
	c := expectChange(t, ch)
	if c.sessionID != "s1" || c.contents != "print(2)" {
		t.Errorf("unexpected change %+v", c)
	}
	if filepath.Base(c.path) != "analysis.py" {
		t.Errorf("unexpected path %s", c.path)
	}
}

func TestWatch_IgnoresOtherFilesAndSameContents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "analysis.py")
	writeScript(t, path, "print(1)")

	w, ch := newTestWatcher(t)
	if err := w.Watch("s1", path); err != nil {
		t.Fatal(err)
	}

	writeScript(t, filepath.Join(dir, "other.py"), "x")
	writeScript(t, path, "print(1)")
	expectNoChange(t, ch)
}

func TestWatch_Debounces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "analysis.py")
	writeScript(t, path, "v0")

	w, ch := newTestWatcher(t)
	if err := w.Watch("s1", path); err != nil {
		t.Fatal(err)
	}

	for _, v := range []string{"v1", "v2", "v3"} {
		writeScript(t, path, v)
	}
	c := expectChange(t, ch)
	if c.contents != "v3" {
		t.Errorf("expected final contents v3, got %q", c.contents)
	}
	expectNoChange(t, ch)
}

func TestUnwatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "analysis.py")
	writeScript(t, path, "a")

	w, ch := newTestWatcher(t)
	if err := w.Watch("s1", path); err != nil {
		t.Fatal(err)
	}
	w.Unwatch("s1")
	w.Unwatch("s1") // Should not panic.

	writeScript(t, path, "b")
	expectNoChange(t, ch)
}

func TestWatch_ReplacesPrevious(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.py")
	second := filepath.Join(dir, "second.py")
	writeScript(t, first, "1")
	writeScript(t, second, "2")

	w, ch := newTestWatcher(t)
	if err := w.Watch("s1", first); err != nil {
		t.Fatal(err)
	}
	if err := w.Watch("s1", second); err != nil {
		t.Fatal(err)
	}

	writeScript(t, first, "changed")
	expectNoChange(t, ch)

	writeScript(t, second, "changed")
	if c := expectChange(t, ch); c.contents != "changed" {
		t.Errorf("unexpected change %+v", c)
	}
}
