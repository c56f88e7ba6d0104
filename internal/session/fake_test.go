package session

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"csv-inspector/internal/interp"
)

// fakeProcess is an in-memory interpreter speaking the protocol over
// io.Pipes. Script lines are interpreted as commands:
//
//	info X   prints X inside an info section
//	show X   prints X inside a show section
//	err X    writes X to stderr
//	block    waits until release is closed
//	exit     exits without printing the executed directives
//	anything else is echoed to stdout
type fakeProcess struct {
	token string
	pid   int

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	release    chan struct{}
	terminates atomic.Int32
	exitOnce   sync.Once
	done       chan struct{}
}

func newFakeProcess(tok string, pid int) *fakeProcess {
	p := &fakeProcess{
		token:   tok,
		pid:     pid,
		release: make(chan struct{}),
		done:    make(chan struct{}),
	}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	go p.serve()
	return p
}

func (p *fakeProcess) Stdin() io.Writer      { return p.stdinW }
func (p *fakeProcess) Stdout() io.Reader     { return p.stdoutR }
func (p *fakeProcess) Stderr() io.Reader     { return p.stderrR }
func (p *fakeProcess) Pid() int              { return p.pid }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) ExitCode() int         { <-p.done; return 0 }

func (p *fakeProcess) Terminate() error {
	if p.terminates.Add(1) == 1 {
		p.exit()
	}
	return nil
}

func (p *fakeProcess) exit() {
	p.exitOnce.Do(func() {
		p.stdinR.CloseWithError(errors.New("process exited"))
		p.stdoutW.Close()
		p.stderrW.Close()
		close(p.done)
	})
}

func (p *fakeProcess) serve() {
	sc := bufio.NewScanner(p.stdinR)
	var script []string
	inScript := false
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == p.token+interp.DirectiveBeginScript:
			inScript = true
			script = nil
		case line == p.token+interp.DirectiveEndScript && inScript:
			inScript = false
			if !p.execute(script) {
				p.exit()
				return
			}
		case inScript:
			script = append(script, line)
		}
	}
	p.exit()
}

func (p *fakeProcess) execute(script []string) bool {
	var errs []string
	for _, l := range script {
		cmd, arg, _ := strings.Cut(l, " ")
		switch cmd {
		case "info", "show":
			io.WriteString(p.stdoutW, p.token+"begin "+cmd+"\n"+arg+"\n"+p.token+"end "+cmd+"\n")
		case "err":
			errs = append(errs, arg)
		case "block":
			<-p.release
		case "exit":
			return false
		default:
			io.WriteString(p.stdoutW, l+"\n")
		}
	}
	io.WriteString(p.stdoutW, p.token+interp.DirectiveExecuted+"\n")
	for _, e := range errs {
		io.WriteString(p.stderrW, e+"\n")
	}
	io.WriteString(p.stderrW, p.token+interp.DirectiveExecuted+"\n")
	return true
}

type fakeLauncher struct {
	mu    sync.Mutex
	procs []*fakeProcess
	fail  bool
}

func (l *fakeLauncher) Launch(tok string) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail {
		return nil, errors.New("interpreter missing")
	}
	p := newFakeProcess(tok, 1000+len(l.procs))
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) setFail(fail bool) {
	l.mu.Lock()
	l.fail = fail
	l.mu.Unlock()
}

func (l *fakeLauncher) proc(i int) *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[i]
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

type memRecorder struct {
	mu       sync.Mutex
	tokens   map[string]string
	lines    map[string][]string
	finished map[string]bool
}

func newMemRecorder() *memRecorder {
	return &memRecorder{
		tokens:   map[string]string{},
		lines:    map[string][]string{},
		finished: map[string]bool{},
	}
}

func (r *memRecorder) BeginRun(runID, sessionID, tok, script string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[runID] = tok
	return nil
}

func (r *memRecorder) AppendLine(runID string, stream interp.Stream, line string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines[runID] = append(r.lines[runID], string(stream)+":"+line)
	return nil
}

func (r *memRecorder) FinishRun(runID string, _ error, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished[runID] = true
	return nil
}
