package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"csv-inspector/internal/config"
	"csv-inspector/internal/realtime"
	"csv-inspector/internal/session"
	"csv-inspector/internal/transcript"
	"csv-inspector/internal/watcher"

	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("csv-inspector-server", pflag.ContinueOnError)
	flags := config.AddFlags(flagSet, true)
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.FromFlags(flags, os.Getenv)
	if err != nil {
		return err
	}
	logger := cfg.Logger(os.Stderr)
	if cfg.Path != "" {
		logger.Info("configuration loaded", "path", cfg.Path)
	}

	var store *transcript.Store
	if cfg.HistoryDB != "" {
		store, err = transcript.Open(cfg.HistoryDB, logger.With("component", "transcript"))
		if err != nil {
			return err
		}
		defer store.Close()
	}

	mgrCfg := session.ManagerConfig{
		Launcher: session.CommandLauncher{
			Executable: cfg.PythonExe,
			Module:     cfg.Module,
			SearchPath: cfg.SearchPath,
		},
		MaxSessions: cfg.MaxSessions,
		TokenLength: cfg.TokenLength,
		HistorySize: cfg.HistorySize,
		Greeting:    cfg.Greeting,
		Logger:      logger.With("component", "session"),
	}
	// A nil *Store in the interface would not read as "no recorder".
	if store != nil {
		mgrCfg.Recorder = store
	}
	sessMgr := session.NewManager(mgrCfg)

	// The watcher callback is bound once the realtime server exists.
	var rtServer *realtime.Server
	scriptWatch := watcher.New(cfg.WatchDebounce, func(sessionID, path string, contents []byte) {
		if rtServer != nil {
			rtServer.OnScriptChange(sessionID, path, contents)
		}
	}, logger.With("component", "watcher"))

	rtServer = realtime.New(sessMgr, scriptWatch, store, cfg.StaticDir, logger.With("component", "realtime"))

	// Without a working interpreter the shell is useless.
	sess, err := sessMgr.Create("default")
	if err != nil {
		scriptWatch.Shutdown()
		return fmt.Errorf("cannot start interpreter %q: %w", cfg.PythonExe, err)
	}
	logger.Info("default session started", "session", sess.ID, "pid", sess.Pid)

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: rtServer.Handler(),
	}

	// Graceful shutdown on signals.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutting down")
		scriptWatch.Shutdown()
		sessMgr.Shutdown()
		httpServer.Close()
	}()

	logger.Info("csv-inspector server running", "url", fmt.Sprintf("http://localhost:%d", cfg.Port))
	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		sessMgr.Shutdown()
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}
