package main

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	ansiReset  = "\x1b[0m"
	ansiGreen  = "\x1b[32m"
	ansiRed    = "\x1b[31m"
	ansiYellow = "\x1b[33m"
)

var ansiSequence = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// RenderTable prints headers, a dashed rule and the rows as left-aligned
// columns two spaces apart. Rows shorter than the header list render empty
// trailing cells; extra cells are dropped.
func RenderTable(out io.Writer, headers []string, rows [][]string) {
	widths := columnWidths(headers, rows)

	var b strings.Builder
	renderRow(&b, headers, widths)
	for i, w := range widths {
		if i > 0 {
			b.WriteString("  ")
		}
		b.WriteString(strings.Repeat("-", w))
	}
	b.WriteByte('\n')
	for _, row := range rows {
		renderRow(&b, row, widths)
	}
	fmt.Fprint(out, b.String())
}

func columnWidths(headers []string, rows [][]string) []int {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = cellWidth(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i >= len(widths) {
				break
			}
			if w := cellWidth(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}
	return widths
}

// renderRow writes one padded line. The last column is never padded, so
// lines carry no trailing whitespace.
func renderRow(b *strings.Builder, cells []string, widths []int) {
	for i, w := range widths {
		if i > 0 {
			b.WriteString("  ")
		}
		var cell string
		if i < len(cells) {
			cell = cells[i]
		}
		b.WriteString(cell)
		if i < len(widths)-1 {
			if pad := w - cellWidth(cell); pad > 0 {
				b.WriteString(strings.Repeat(" ", pad))
			}
		}
	}
	b.WriteByte('\n')
}

// cellWidth is the display width of a cell: ANSI color sequences are
// stripped and runes counted, so colored and multi-byte cells still align.
func cellWidth(s string) int {
	if strings.Contains(s, "\x1b") {
		s = ansiSequence.ReplaceAllString(s, "")
	}
	return utf8.RuneCountInString(s)
}

// ColorStatus colors execution, step and rule states. Green marks good
// resting states, red marks bad ones, and yellow marks anything still moving.
func ColorStatus(status string) string {
	switch strings.ToUpper(status) {
	case "COMPLETED", "ROLLED_BACK", "ACTIVE":
		return ansiGreen + status + ansiReset
	case "FAILED", "CANCELLED", "DEPRECATED":
		return ansiRed + status + ansiReset
	case "RUNNING", "PENDING", "PAUSED", "WAITING_APPROVAL", "ROLLING_BACK", "INACTIVE":
		return ansiYellow + status + ansiReset
	default:
		return status
	}
}

func PrintJSON(out io.Writer, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(raw))
	return err
}

// Truncate shortens s to max display runes, ending in an ellipsis when
// anything was cut.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max == 1 {
		return string(runes[:1])
	}
	return string(runes[:max-1]) + "…"
}

func FormatTimeOrDash(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04:05")
}
