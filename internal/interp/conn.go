// Package interp implements the line protocol spoken with the interpreter
// subprocess: framing scripts onto its stdin and demultiplexing its stdout
// and stderr into typed events.
//
// Every protocol line is the session token followed by a directive name.
// Any other stdout line is payload, either raw console output or the body
// of an open show/info/sql section. Stderr is collected as a single error
// block per run.
package interp

import (
	"fmt"
	"io"
	"log/slog"
)

// Stream identifies which subprocess output a tapped line came from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// Tap observes every raw line read during a run. It is called from two
// goroutines (one per stream) and must be safe for concurrent use.
type Tap func(stream Stream, line string)

// Conn binds a session token to the three pipes of one interpreter
// process. The line readers persist across runs so no buffered output is
// lost between them.
//
// A Conn supports one run at a time; callers serialize Run.
type Conn struct {
	token  string
	stdin  io.Writer
	stdout *lineReader
	stderr *lineReader
	logger *slog.Logger
}

// NewConn creates a Conn over the given pipes. A nil logger discards.
func NewConn(tok string, stdin io.Writer, stdout, stderr io.Reader, logger *slog.Logger) *Conn {
	return &Conn{
		token:  tok,
		stdin:  stdin,
		stdout: newLineReader(stdout),
		stderr: newLineReader(stderr),
		logger: orDiscard(logger),
	}
}

// Token returns the session token.
func (c *Conn) Token() string {
	return c.token
}

// Run performs one execution run: it submits script, publishes stdout
// events until the executed directive (or end of stream), then publishes a
// single ErrorBlock if the interpreter wrote anything to stderr.
//
// Stderr is drained concurrently with stdout so a chatty stderr cannot fill
// its pipe and stall the interpreter, but its block is published last.
//
// A failed write aborts the run before anything is read and returns an
// error wrapping ErrWriteFailed. No events are published in that case.
func (c *Conn) Run(script string, sink Sink, tap Tap) error {
	if err := WriteScript(c.stdin, c.token, script); err != nil {
		c.logger.Error("script submission failed", "error", err)
		return err
	}

	type drained struct {
		text string
		err  error
	}
	errCh := make(chan drained, 1)
	go func() {
		text, err := drainErrors(c.token, c.stderr, tapFor(tap, StreamStderr))
		errCh <- drained{text: text, err: err}
	}()

	outErr := listen(c.token, c.stdout, sink, c.logger, tapFor(tap, StreamStdout))
	if outErr != nil {
		c.logger.Error("stdout read failed", "error", outErr)
	}

	d := <-errCh
	if d.err != nil {
		c.logger.Error("stderr read failed", "error", d.err)
	}
	if d.text != "" {
		sink.Publish(ErrorBlock{Text: d.text})
	}

	if outErr != nil {
		return fmt.Errorf("read stdout: %w", outErr)
	}
	if d.err != nil {
		return fmt.Errorf("read stderr: %w", d.err)
	}
	return nil
}

func tapFor(tap Tap, stream Stream) func(string) {
	if tap == nil {
		return nil
	}
	return func(line string) { tap(stream, line) }
}
