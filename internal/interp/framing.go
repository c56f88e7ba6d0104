package interp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// Directive names. A directive line is the session token immediately
// followed by one of these.
const (
	DirectiveBeginScript = "begin script"
	DirectiveEndScript   = "end script"
	DirectiveExecuted    = "executed"
)

// ErrWriteFailed reports that a script could not be delivered to the
// interpreter, usually because the subprocess has exited.
var ErrWriteFailed = errors.New("script write failed")

// WriteScript frames script between begin/end script directives and writes
// it to w with a single flush. The script is sent verbatim; a line equal to
// tok+"end script" inside it would end the frame early.
func WriteScript(w io.Writer, tok, script string) error {
	bw := bufio.NewWriterSize(w, len(script)+2*len(tok)+32)
	bw.WriteString(tok + DirectiveBeginScript + "\n")
	bw.WriteString(script)
	bw.WriteString("\n" + tok + DirectiveEndScript + "\n")
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	return nil
}
