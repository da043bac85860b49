package session

import (
	"strings"

	"github.com/tuzig/vt10x"
)

// cleanedView maintains a virtual terminal so callers can read ANSI-clean
// text alongside the raw byte stream, following kdlbs-kandev's
// status_tracker.go vt10x usage (vt10x.New, term.Write, term.Cell).
type cleanedView struct {
	term vt10x.Terminal
	cols int
	rows int
}

func newCleanedView(cols, rows int) *cleanedView {
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	return &cleanedView{
		term: vt10x.New(vt10x.WithSize(cols, rows)),
		cols: cols,
		rows: rows,
	}
}

// write feeds raw PTY bytes through the terminal emulator so its internal
// screen state reflects what a real terminal would render.
func (v *cleanedView) write(data []byte) {
	if len(data) == 0 {
		return
	}
	v.term.Write(data)
}

func (v *cleanedView) resize(cols, rows int) {
	if cols <= 0 || rows <= 0 {
		return
	}
	v.cols, v.rows = cols, rows
	v.term.Resize(cols, rows)
}

// text renders the current screen as plain, ANSI-free lines (the cleaned
// path of spec.md §4.1), trimming trailing blank rows.
func (v *cleanedView) text() string {
	lines := make([]string, 0, v.rows)
	for row := 0; row < v.rows; row++ {
		var b strings.Builder
		for col := 0; col < v.cols; col++ {
			glyph := v.term.Cell(col, row)
			if glyph.Char == 0 {
				b.WriteByte(' ')
				continue
			}
			b.WriteRune(glyph.Char)
		}
		lines = append(lines, strings.TrimRight(b.String(), " "))
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}
