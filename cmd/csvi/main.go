// Command csvi runs a script in a csv-inspector interpreter and renders
// its output to the terminal. With --watch it re-runs the script every
// time it is saved.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"csv-inspector/internal/config"
	"csv-inspector/internal/console"
	"csv-inspector/internal/interp"
	"csv-inspector/internal/session"
	"csv-inspector/internal/transcript"
	"csv-inspector/internal/watcher"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
)

// sessionLabel identifies csvi runs in the transcript store.
const sessionLabel = "csvi"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var watch bool

	flagSet := pflag.NewFlagSet("csvi", pflag.ContinueOnError)
	flags := config.AddFlags(flagSet, false)
	flagSet.BoolVar(&watch, "watch", false, "re-run the script whenever it is saved")
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage:\n  csvi [flags] script.py\n\nFlags:\n%s", flagSet.FlagUsages())
	}
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flagSet.NArg() != 1 {
		flagSet.Usage()
		return errors.New("expected exactly one script path")
	}
	scriptPath := flagSet.Arg(0)

	cfg, err := config.FromFlags(flags, os.Getenv)
	if err != nil {
		return err
	}
	logger := cfg.Logger(os.Stderr)

	script, err := os.ReadFile(scriptPath)
	if err != nil {
		return err
	}

	var store *transcript.Store
	if cfg.HistoryDB != "" {
		store, err = transcript.Open(cfg.HistoryDB, logger)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	launcher := session.CommandLauncher{
		Executable: cfg.PythonExe,
		Module:     cfg.Module,
		SearchPath: cfg.SearchPath,
	}
	env, err := session.NewEnvironment(launcher, cfg.TokenLength, logger)
	if err != nil {
		return fmt.Errorf("cannot start interpreter %q: %w", cfg.PythonExe, err)
	}
	defer env.Close()

	r := &runner{
		env:      env,
		store:    store,
		renderer: console.New(os.Stdout, console.DefaultTheme),
		logger:   logger,
	}

	if !watch {
		return r.execute(string(script))
	}

	if err := r.execute(string(script)); err != nil {
		logger.Warn("run failed", "error", err)
	}

	scriptWatch := watcher.New(cfg.WatchDebounce, func(_, path string, contents []byte) {
		if err := r.execute(string(contents)); err != nil {
			if errors.Is(err, session.ErrRunInProgress) {
				logger.Info("script changed during a run, skipping", "path", path)
				return
			}
			logger.Warn("run failed", "path", path, "error", err)
		}
	}, logger)
	defer scriptWatch.Shutdown()
	if err := scriptWatch.Watch(sessionLabel, scriptPath); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-env.Process().Done():
		return errors.New("interpreter exited")
	}
	return nil
}

// runner executes scripts one at a time on a single environment.
type runner struct {
	env      *session.Environment
	store    *transcript.Store
	renderer *console.Renderer
	logger   *slog.Logger
}

func (r *runner) execute(script string) error {
	conn, err := r.env.Begin()
	if err != nil {
		return err
	}
	defer r.env.End()

	runID := uuid.NewString()
	var tap interp.Tap
	if r.store != nil {
		if err := r.store.BeginRun(runID, sessionLabel, conn.Token(), script, time.Now().UTC()); err != nil {
			r.logger.Warn("record run start", "error", err)
		}
		tap = func(stream interp.Stream, line string) {
			if err := r.store.AppendLine(runID, stream, line); err != nil {
				r.logger.Warn("record line", "error", err)
			}
		}
	}

	runErr := conn.Run(script, r.renderer, tap)

	if r.store != nil {
		if err := r.store.FinishRun(runID, runErr, time.Now().UTC()); err != nil {
			r.logger.Warn("record run finish", "error", err)
		}
	}
	fmt.Fprintln(os.Stdout, r.renderer.Summary(runErr))
	return runErr
}
