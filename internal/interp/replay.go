package interp

import (
	"log/slog"
)

// Replay re-classifies the raw lines captured from one run and publishes
// the same event sequence the live run produced. The lines are fed to the
// classifier as recorded, without being split again.
func Replay(tok string, stdout, stderr []string, sink Sink, logger *slog.Logger) error {
	if err := listen(tok, &recordedLines{lines: stdout}, sink, orDiscard(logger), nil); err != nil {
		return err
	}
	text, err := drainErrors(tok, &recordedLines{lines: stderr}, nil)
	if err != nil {
		return err
	}
	if text != "" {
		sink.Publish(ErrorBlock{Text: text})
	}
	return nil
}
