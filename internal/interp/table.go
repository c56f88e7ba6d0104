package interp

import (
	"encoding/csv"
	"strings"
)

// ParseTable builds a TableBlock from the CSV text of a show section. The
// first record is the header. Records may have differing field counts. A
// parse failure is reported in ParseErr and leaves Header and Rows empty so
// the raw text can still be displayed.
func ParseTable(text string) TableBlock {
	tb := TableBlock{Text: text}
	if strings.TrimSpace(text) == "" {
		return tb
	}

	r := csv.NewReader(strings.NewReader(text))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		tb.ParseErr = err.Error()
		return tb
	}
	if len(records) == 0 {
		return tb
	}

	tb.Header = records[0]
	tb.Rows = records[1:]
	return tb
}
