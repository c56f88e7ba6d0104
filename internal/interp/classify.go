package interp

import (
	"io"
	"log/slog"
	"strings"
)

// SectionKind identifies which kind of section is open on stdout.
type SectionKind int

const (
	SectionNone SectionKind = iota
	SectionShow
	SectionInfo
	SectionSQL
)

func (k SectionKind) String() string {
	switch k {
	case SectionShow:
		return "show"
	case SectionInfo:
		return "info"
	case SectionSQL:
		return "sql"
	default:
		return "none"
	}
}

var beginDirectives = map[string]SectionKind{
	"begin show": SectionShow,
	"begin info": SectionInfo,
	"begin sql":  SectionSQL,
}

// section is the classifier state: SectionNone is the Normal state,
// anything else is InSection(kind) with the lines accumulated so far.
type section struct {
	kind  SectionKind
	lines []string
}

type outcome int

const (
	stepContinue outcome = iota
	stepStop
	stepUnknownDirective
)

// step applies one stdout line to the classifier state. It returns the next
// state, the event to publish (nil if none) and whether the run is over or
// the line was an unrecognised directive.
func step(tok string, cur section, line string) (section, Event, outcome) {
	directive, ok := strings.CutPrefix(line, tok)
	if !ok {
		if cur.kind == SectionNone {
			return cur, OutLine{Text: line}, stepContinue
		}
		cur.lines = append(cur.lines, line)
		return cur, nil, stepContinue
	}

	if directive == DirectiveExecuted {
		return section{}, nil, stepStop
	}

	if cur.kind == SectionNone {
		if kind, ok := beginDirectives[directive]; ok {
			return section{kind: kind}, nil, stepContinue
		}
		return cur, nil, stepUnknownDirective
	}

	if directive == "end "+cur.kind.String() {
		return section{}, flush(cur), stepContinue
	}
	return cur, nil, stepUnknownDirective
}

func flush(s section) Event {
	text := strings.Join(s.lines, "\n")
	switch s.kind {
	case SectionShow:
		return ParseTable(text)
	case SectionInfo:
		return InfoBlock{Text: text}
	case SectionSQL:
		return SQLBlock{Text: text}
	}
	return nil
}

// listen classifies stdout lines until the executed directive or the end of
// the stream. A section still open at that point is discarded.
func listen(tok string, sc lineSource, sink Sink, logger *slog.Logger, tap func(string)) error {
	var cur section
	for sc.Scan() {
		line := sc.Text()
		if tap != nil {
			tap(line)
		}

		next, ev, out := step(tok, cur, line)
		switch out {
		case stepStop:
			if cur.kind != SectionNone {
				logger.Debug("run ended with open section", "section", cur.kind.String(), "lines", len(cur.lines))
			}
			return nil
		case stepUnknownDirective:
			logger.Warn("unknown directive", "directive", strings.TrimPrefix(line, tok), "section", cur.kind.String())
		}
		if ev != nil {
			sink.Publish(ev)
		}
		cur = next
	}
	return sc.Err()
}

// Listen runs the stdout classifier over r, publishing events to sink.
func Listen(tok string, r io.Reader, sink Sink, logger *slog.Logger) error {
	return listen(tok, newLineReader(r), sink, orDiscard(logger), nil)
}

func orDiscard(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return logger
}
