package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	defaultModule          = "csv_inspector"
	defaultGracefulTimeout = 5 * time.Second

	searchPathVar = "PYTHONPATH"
	ioEncodingVar = "PYTHONIOENCODING"
)

// DefaultSearchPath is the directory prepended to the interpreter's module
// search path so the protocol server module can be imported. That module
// (csv_inspector, run with -m) is not part of this repository and must be
// installed there or on the interpreter's own path.
var DefaultSearchPath = filepath.Join("lang", "python")

// Process is a running interpreter with its three pipes.
type Process interface {
	Stdin() io.Writer
	Stdout() io.Reader
	Stderr() io.Reader
	Pid() int
	// Terminate asks the process to exit. Only the first call signals;
	// later calls are no-ops.
	Terminate() error
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	ExitCode() int
}

// Launcher starts interpreter processes.
type Launcher interface {
	Launch(token string) (Process, error)
}

// CommandLauncher runs `Executable -m Module token` as a child process.
type CommandLauncher struct {
	Executable      string
	Module          string
	SearchPath      string
	ExtraEnv        []string
	GracefulTimeout time.Duration
}

// Args returns the argument vector used to start the interpreter.
func (l CommandLauncher) Args(token string) []string {
	module := l.Module
	if module == "" {
		module = defaultModule
	}
	return []string{l.Executable, "-m", module, token}
}

// Env returns the child environment: the parent's environment with the
// search path prepended to PYTHONPATH and UTF-8 I/O forced.
func (l CommandLauncher) Env(parent []string) []string {
	searchPath := l.SearchPath
	if searchPath == "" {
		searchPath = DefaultSearchPath
	}

	env := make([]string, 0, len(parent)+len(l.ExtraEnv)+2)
	current := ""
	for _, kv := range parent {
		switch {
		case strings.HasPrefix(kv, searchPathVar+"="):
			current = strings.TrimPrefix(kv, searchPathVar+"=")
		case strings.HasPrefix(kv, ioEncodingVar+"="):
		default:
			env = append(env, kv)
		}
	}

	path := searchPath
	if current != "" {
		path = searchPath + string(os.PathListSeparator) + current
	}
	env = append(env, searchPathVar+"="+path, ioEncodingVar+"=utf-8")
	return append(env, l.ExtraEnv...)
}

// Launch starts the interpreter, passing token as its only argument.
func (l CommandLauncher) Launch(token string) (Process, error) {
	if l.Executable == "" {
		return nil, errors.New("interpreter executable not configured")
	}
	binaryPath, err := exec.LookPath(l.Executable)
	if err != nil {
		return nil, fmt.Errorf("interpreter %q not found: %w", l.Executable, err)
	}

	args := l.Args(token)
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, binaryPath, args[1:]...)
	cmd.Env = l.Env(os.Environ())

	// Plain os.Pipe for all three streams: exec's StdoutPipe would be
	// closed by Wait while output may still be unread.
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		cancel()
		closeAll(stdinR, stdinW)
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		cancel()
		closeAll(stdinR, stdinW, stdoutR, stdoutW)
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		cancel()
		closeAll(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		return nil, fmt.Errorf("failed to start interpreter: %w", err)
	}

	// The child holds its ends now.
	closeAll(stdinR, stdoutW, stderrW)

	grace := l.GracefulTimeout
	if grace <= 0 {
		grace = defaultGracefulTimeout
	}
	p := &execProcess{
		cmd:    cmd,
		cancel: cancel,
		grace:  grace,
		stdin:  &stdinWriter{writer: stdinW},
		stdout: stdoutR,
		stderr: stderrR,
		done:   make(chan struct{}),
	}
	go p.waitForExit()
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	grace  time.Duration
	stdin  *stdinWriter
	stdout *os.File
	stderr *os.File

	terminate sync.Once
	done      chan struct{}
	exitCode  int
}

func (p *execProcess) Stdin() io.Writer  { return p.stdin }
func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Stderr() io.Reader { return p.stderr }
func (p *execProcess) Pid() int          { return p.cmd.Process.Pid }

func (p *execProcess) Done() <-chan struct{} { return p.done }

// ExitCode is meaningful once Done is closed.
func (p *execProcess) ExitCode() int {
	<-p.done
	return p.exitCode
}

// Terminate interrupts the process, then kills it if it has not exited
// after the graceful timeout.
func (p *execProcess) Terminate() error {
	var err error
	p.terminate.Do(func() {
		p.stdin.Close()
		if sigErr := p.cmd.Process.Signal(os.Interrupt); sigErr != nil && !errors.Is(sigErr, os.ErrProcessDone) {
			err = fmt.Errorf("interrupt interpreter: %w", sigErr)
		}
		go func() {
			select {
			case <-p.done:
			case <-time.After(p.grace):
				p.cancel()
			}
		}()
	})
	return err
}

func (p *execProcess) waitForExit() {
	err := p.cmd.Wait()

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	p.stdin.Close()
	p.exitCode = exitCode
	p.cancel()
	close(p.done)
}

// stdinWriter wraps a pipe writer with mutex protection.
type stdinWriter struct {
	mu     sync.Mutex
	writer *os.File
	closed bool
}

func (sw *stdinWriter) Write(data []byte) (int, error) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.closed {
		return 0, fmt.Errorf("stdin pipe closed")
	}
	return sw.writer.Write(data)
}

func (sw *stdinWriter) Close() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if !sw.closed {
		sw.writer.Close()
		sw.closed = true
	}
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		f.Close()
	}
}
