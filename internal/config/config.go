// Package config loads csv-inspector settings from defaults, an optional
// .csv_inspector.toml file, environment variables and command-line flags,
// in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
)

// FileName is the configuration file looked up by Find.
const FileName = ".csv_inspector.toml"

// DefaultGreeting is submitted as the first run of every session.
const DefaultGreeting = "print('Python server ready...')"

// Config holds all settings for the server and the csvi command.
type Config struct {
	PythonExe   string `toml:"python_exe"`
	Module      string `toml:"module"`
	SearchPath  string `toml:"search_path"`
	TokenLength int    `toml:"token_length"`
	Greeting    string `toml:"greeting"`

	Port        int    `toml:"port"`
	StaticDir   string `toml:"static_dir"`
	MaxSessions int    `toml:"max_sessions"`
	HistorySize int    `toml:"history_size"`

	// HistoryDB is the transcript database path. Empty disables transcripts.
	HistoryDB     string        `toml:"history_db"`
	WatchDebounce time.Duration `toml:"watch_debounce"`
	LogLevel      string        `toml:"log_level"`

	// Path is the file the configuration was read from, if any.
	Path string `toml:"-"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		PythonExe:     "python3",
		Module:        "csv_inspector",
		SearchPath:    filepath.Join("lang", "python"),
		TokenLength:   100,
		Greeting:      DefaultGreeting,
		Port:          8420,
		StaticDir:     "./frontend/dist",
		MaxSessions:   10,
		HistorySize:   1000,
		WatchDebounce: 500 * time.Millisecond,
		LogLevel:      "info",
	}
}

// Load reads path on top of the defaults. Keys missing from the file keep
// their default values.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	cfg.Path = path
	return cfg, nil
}

// Find returns the first FileName found in dirs, or "" if none exists.
func Find(dirs ...string) string {
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		path := filepath.Join(dir, FileName)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}

// SearchDirs returns the directories Find looks in: the working directory,
// then the user's home directory.
func SearchDirs() []string {
	var dirs []string
	if wd, err := os.Getwd(); err == nil {
		dirs = append(dirs, wd)
	}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, home)
	}
	return dirs
}

// Resolve loads explicit if set, otherwise the first file found in
// SearchDirs, otherwise the defaults.
func Resolve(explicit string) (*Config, error) {
	if explicit != "" {
		return Load(explicit)
	}
	if path := Find(SearchDirs()...); path != "" {
		return Load(path)
	}
	return Default(), nil
}

// ApplyEnv overrides settings from environment variables. Malformed numbers
// are reported and leave the setting unchanged.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	var errs []error
	if v := getenv("CSVI_PYTHON_EXE"); v != "" {
		c.PythonExe = v
	}
	if v := getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		} else {
			errs = append(errs, fmt.Errorf("PORT: %w", err))
		}
	}
	if v := getenv("STATIC_DIR"); v != "" {
		c.StaticDir = v
	}
	if v := getenv("MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxSessions = n
		} else {
			errs = append(errs, fmt.Errorf("MAX_SESSIONS: %w", err))
		}
	}
	if v := getenv("CSVI_HISTORY_DB"); v != "" {
		c.HistoryDB = v
	}
	if v := getenv("CSVI_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	return errors.Join(errs...)
}

// Validate checks settings that would otherwise fail later in confusing ways.
func (c *Config) Validate() error {
	if c.PythonExe == "" {
		return errors.New("python_exe must not be empty")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.MaxSessions < 1 {
		return fmt.Errorf("max_sessions must be at least 1, got %d", c.MaxSessions)
	}
	if c.WatchDebounce < 0 {
		return fmt.Errorf("watch_debounce must not be negative, got %s", c.WatchDebounce)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}

// Logger builds a text logger writing to w at the configured level.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, err := c.Level()
	if err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// Flags holds command-line overrides. Only flags that were set on the
// command line are applied.
type Flags struct {
	flagSet *pflag.FlagSet

	ConfigPath string
	pythonExe  string
	port       int
	staticDir  string
	historyDB  string
	logLevel   string
}

// AddFlags registers the shared flags on flagSet. Server-only flags are
// registered when server is true.
func AddFlags(flagSet *pflag.FlagSet, server bool) *Flags {
	f := &Flags{flagSet: flagSet}
	flagSet.StringVar(&f.ConfigPath, "config", "", "path to a "+FileName+" file")
	flagSet.StringVar(&f.pythonExe, "python", "", "Python interpreter executable")
	flagSet.StringVar(&f.historyDB, "history-db", "", "SQLite file for run transcripts")
	flagSet.StringVar(&f.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	if server {
		flagSet.IntVar(&f.port, "port", 0, "HTTP listen port")
		flagSet.StringVar(&f.staticDir, "static-dir", "", "directory of frontend assets")
	}
	return f
}

// Apply copies every flag given on the command line into cfg.
func (f *Flags) Apply(cfg *Config) {
	changed := func(name string) bool {
		flag := f.flagSet.Lookup(name)
		return flag != nil && flag.Changed
	}
	if changed("python") {
		cfg.PythonExe = f.pythonExe
	}
	if changed("port") {
		cfg.Port = f.port
	}
	if changed("static-dir") {
		cfg.StaticDir = f.staticDir
	}
	if changed("history-db") {
		cfg.HistoryDB = f.historyDB
	}
	if changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
}

// FromFlags resolves the full configuration after flagSet has been parsed:
// defaults, then the config file, then the environment, then flags.
func FromFlags(f *Flags, getenv func(string) string) (*Config, error) {
	cfg, err := Resolve(f.ConfigPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(getenv); err != nil {
		return nil, err
	}
	f.Apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
