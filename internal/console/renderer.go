// Package console renders interpreter events to a terminal.
package console

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"csv-inspector/internal/interp"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Theme is the color palette used by Renderer. Colors are ANSI 256-color
// codes.
type Theme struct {
	NormalText  lipgloss.Color
	FaintText   lipgloss.Color
	InfoBorder  lipgloss.Color
	SQLBorder   lipgloss.Color
	ErrorText   lipgloss.Color
	HeaderText  lipgloss.Color
	TableBorder lipgloss.Color
}

// DefaultTheme is the built-in dark-terminal color scheme.
var DefaultTheme = Theme{
	NormalText:  lipgloss.Color("252"),
	FaintText:   lipgloss.Color("243"),
	InfoBorder:  lipgloss.Color("39"),
	SQLBorder:   lipgloss.Color("141"),
	ErrorText:   lipgloss.Color("203"),
	HeaderText:  lipgloss.Color("229"),
	TableBorder: lipgloss.Color("240"),
}

// Renderer is an interp.Sink that writes each event to a terminal as soon
// as it is published.
type Renderer struct {
	mu       sync.Mutex
	out      io.Writer
	theme    Theme
	renderer *lipgloss.Renderer
}

// New creates a Renderer writing to out. Color output follows out's
// terminal capabilities.
func New(out io.Writer, theme Theme) *Renderer {
	return &Renderer{
		out:      out,
		theme:    theme,
		renderer: lipgloss.NewRenderer(out),
	}
}

// Publish renders one event.
func (r *Renderer) Publish(ev interp.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.out, r.Render(ev))
}

// Render returns the terminal form of ev without writing it.
func (r *Renderer) Render(ev interp.Event) string {
	switch e := ev.(type) {
	case interp.OutLine:
		return r.renderer.NewStyle().Foreground(r.theme.NormalText).Render(e.Text)
	case interp.InfoBlock:
		return r.box("info", e.Text, r.theme.InfoBorder)
	case interp.SQLBlock:
		return r.box("sql", e.Text, r.theme.SQLBorder)
	case interp.TableBlock:
		return r.table(e)
	case interp.ErrorBlock:
		return r.renderer.NewStyle().Foreground(r.theme.ErrorText).Render(e.Text)
	}
	return ""
}

func (r *Renderer) box(title, text string, border lipgloss.Color) string {
	label := r.renderer.NewStyle().Foreground(r.theme.FaintText).Render(title)
	body := r.renderer.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(border).
		Padding(0, 1).
		Render(text)
	return label + "\n" + body
}

func (r *Renderer) table(tb interp.TableBlock) string {
	if tb.ParseErr != "" || len(tb.Header) == 0 {
		// Unparseable tables are shown as the raw text.
		warn := ""
		if tb.ParseErr != "" {
			warn = r.renderer.NewStyle().Foreground(r.theme.FaintText).
				Render("table parse error: "+tb.ParseErr) + "\n"
		}
		return warn + tb.Text
	}

	headerStyle := r.renderer.NewStyle().Bold(true).Foreground(r.theme.HeaderText).Padding(0, 1)
	cellStyle := r.renderer.NewStyle().Foreground(r.theme.NormalText).Padding(0, 1)

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(r.renderer.NewStyle().Foreground(r.theme.TableBorder)).
		Headers(tb.Header...).
		Rows(padRows(tb.Rows, len(tb.Header))...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	return t.String()
}

// padRows widens short rows to width so ragged CSV still lines up.
func padRows(rows [][]string, width int) [][]string {
	out := make([][]string, len(rows))
	for i, row := range rows {
		if len(row) >= width {
			out[i] = row
			continue
		}
		padded := make([]string, width)
		copy(padded, row)
		out[i] = padded
	}
	return out
}

// Summary renders a one-line run footer.
func (r *Renderer) Summary(runErr error) string {
	style := r.renderer.NewStyle().Foreground(r.theme.FaintText)
	if runErr != nil {
		return style.Render("run failed: " + strings.TrimSpace(runErr.Error()))
	}
	return style.Render("run complete")
}
