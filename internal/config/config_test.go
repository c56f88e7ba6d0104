package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func envMap(m map[string]string) func(string) string {
	return func(key string) string { return m[key] }
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.PythonExe != "python3" {
		t.Errorf("expected python3, got %s", cfg.PythonExe)
	}
	if cfg.Port != 8420 {
		t.Errorf("expected port 8420, got %d", cfg.Port)
	}
	if cfg.TokenLength != 100 {
		t.Errorf("expected token length 100, got %d", cfg.TokenLength)
	}
	if cfg.Greeting != DefaultGreeting {
		t.Errorf("unexpected greeting %q", cfg.Greeting)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
python_exe = "/usr/bin/python3.12"
port = 9000
watch_debounce = "250ms"
greeting = ""
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.PythonExe != "/usr/bin/python3.12" {
		t.Errorf("unexpected python_exe %s", cfg.PythonExe)
	}
	if cfg.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Port)
	}
	if cfg.WatchDebounce != 250*time.Millisecond {
		t.Errorf("expected 250ms, got %s", cfg.WatchDebounce)
	}
	if cfg.Greeting != "" {
		t.Errorf("expected greeting disabled, got %q", cfg.Greeting)
	}
	// Unset keys keep their defaults.
	if cfg.MaxSessions != 10 {
		t.Errorf("expected default max_sessions, got %d", cfg.MaxSessions)
	}
	if cfg.Path != path {
		t.Errorf("expected Path %s, got %s", path, cfg.Path)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("expected error for missing file")
	}
	path := writeConfig(t, t.TempDir(), "port = [")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "parse error") {
		t.Errorf("expected parse error, got %v", err)
	}
}

func TestFind(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	if got := Find(first, second); got != "" {
		t.Errorf("expected no file, got %s", got)
	}

	want := writeConfig(t, second, "")
	if got := Find("", first, second); got != want {
		t.Errorf("expected %s, got %s", want, got)
	}

	want = writeConfig(t, first, "")
	if got := Find(first, second); got != want {
		t.Errorf("expected first hit %s, got %s", want, got)
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"CSVI_PYTHON_EXE": "pypy3",
		"PORT":            "9100",
		"STATIC_DIR":      "/srv/www",
		"MAX_SESSIONS":    "3",
		"CSVI_HISTORY_DB": "/tmp/h.db",
		"CSVI_LOG_LEVEL":  "debug",
	}))
	if err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}
	if cfg.PythonExe != "pypy3" || cfg.Port != 9100 || cfg.StaticDir != "/srv/www" ||
		cfg.MaxSessions != 3 || cfg.HistoryDB != "/tmp/h.db" || cfg.LogLevel != "debug" {
		t.Errorf("env not applied: %+v", cfg)
	}
}

func TestApplyEnv_InvalidNumber(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{"PORT": "abc"}))
	if err == nil {
		t.Fatal("expected error for invalid PORT")
	}
	if cfg.Port != 8420 {
		t.Errorf("expected port unchanged, got %d", cfg.Port)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty python", func(c *Config) { c.PythonExe = "" }},
		{"bad port", func(c *Config) { c.Port = 70000 }},
		{"no sessions", func(c *Config) { c.MaxSessions = 0 }},
		{"negative debounce", func(c *Config) { c.WatchDebounce = -time.Second }},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "warn"
	level, err := cfg.Level()
	if err != nil {
		t.Fatal(err)
	}
	if level != slog.LevelWarn {
		t.Errorf("expected warn, got %s", level)
	}
}

func TestFromFlags_Precedence(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
port = 9000
static_dir = "/from/file"
log_level = "warn"
`)

	flagSet := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags := AddFlags(flagSet, true)
	if err := flagSet.Parse([]string{"--config", path, "--port", "9300"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := FromFlags(flags, envMap(map[string]string{
		"PORT":       "9200",
		"STATIC_DIR": "/from/env",
	}))
	if err != nil {
		t.Fatalf("FromFlags failed: %v", err)
	}
	if cfg.Port != 9300 {
		t.Errorf("flag should win: got port %d", cfg.Port)
	}
	if cfg.StaticDir != "/from/env" {
		t.Errorf("env should beat file: got %s", cfg.StaticDir)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("file should beat default: got %s", cfg.LogLevel)
	}
}

func TestAddFlags_ClientOnly(t *testing.T) {
	flagSet := pflag.NewFlagSet("csvi", pflag.ContinueOnError)
	AddFlags(flagSet, false)
	if flagSet.Lookup("port") != nil {
		t.Error("client flag set should not have --port")
	}
	if flagSet.Lookup("python") == nil {
		t.Error("expected --python flag")
	}
}
