package interp

import (
	"io"
	"strings"
)

// drainErrors collects stderr lines up to the executed directive or the end
// of the stream and returns them joined by newlines.
func drainErrors(tok string, sc lineSource, tap func(string)) (string, error) {
	var lines []string
	sentinel := tok + DirectiveExecuted
	for sc.Scan() {
		line := sc.Text()
		if tap != nil {
			tap(line)
		}
		if line == sentinel {
			break
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n"), sc.Err()
}

// DrainErrors reads one run's worth of stderr from r.
func DrainErrors(tok string, r io.Reader) (string, error) {
	return drainErrors(tok, newLineReader(r), nil)
}
