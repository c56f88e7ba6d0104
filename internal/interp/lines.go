package interp

import (
	"bufio"
	"io"
	"strings"
)

// lineSource yields lines without their terminators.
type lineSource interface {
	Scan() bool
	Text() string
	Err() error
}

// lineReader splits a stream into lines of any length. Like bufio.ScanLines
// it drops the trailing newline and one carriage return before it, and
// returns a final unterminated line.
type lineReader struct {
	r    *bufio.Reader
	line string
	err  error
	done bool
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{r: bufio.NewReaderSize(r, 64*1024)}
}

func (lr *lineReader) Scan() bool {
	if lr.done {
		return false
	}
	s, err := lr.r.ReadString('\n')
	if err != nil {
		lr.done = true
		if err != io.EOF {
			lr.err = err
		}
		if s == "" {
			return false
		}
	}
	s = strings.TrimSuffix(s, "\n")
	lr.line = strings.TrimSuffix(s, "\r")
	return true
}

func (lr *lineReader) Text() string { return lr.line }

func (lr *lineReader) Err() error { return lr.err }

// recordedLines replays lines that were already split.
type recordedLines struct {
	lines []string
	pos   int
}

func (rl *recordedLines) Scan() bool {
	if rl.pos >= len(rl.lines) {
		return false
	}
	rl.pos++
	return true
}

func (rl *recordedLines) Text() string { return rl.lines[rl.pos-1] }

func (rl *recordedLines) Err() error { return nil }
