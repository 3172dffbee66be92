package analytics

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/swarmgrid/substrate/internal/errs"
)

// Format selects an output renderer.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatCSV   Format = "csv"
	FormatJSONL Format = "jsonl"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "#399ee6", Dark: "#59c2ff"})
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#828c99", Dark: "#6c7680"})
)

// Write renders rows to w in the given format.
func Write(w io.Writer, rows []Row, format Format) error {
	switch format {
	case FormatJSON:
		return writeJSON(w, rows)
	case FormatCSV:
		return writeCSV(w, rows)
	case FormatJSONL:
		return writeJSONL(w, rows)
	case FormatTable, "":
		return writeTable(w, rows)
	default:
		return errs.Wrapf(errs.Invalid, "unknown analytics output format %q", format)
	}
}

func columnsOf(rows []Row) []string {
	if len(rows) == 0 {
		return nil
	}
	cols := make([]string, 0, len(rows[0]))
	for c := range rows[0] {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

func writeJSON(w io.Writer, rows []Row) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rows)
}

func writeJSONL(w io.Writer, rows []Row) error {
	enc := json.NewEncoder(w)
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

func writeCSV(w io.Writer, rows []Row) error {
	cols := columnsOf(rows)
	cw := csv.NewWriter(w)
	if err := cw.Write(cols); err != nil {
		return err
	}
	for _, r := range rows {
		rec := make([]string, len(cols))
		for i, c := range cols {
			rec[i] = fmtCell(r[c])
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// writeTable renders a lipgloss-styled, fixed-width table — grounded on
// the teacher's bd-examples styling convention (AdaptiveColor header/muted
// styles so output stays readable in both light and dark terminals).
func writeTable(w io.Writer, rows []Row) error {
	cols := columnsOf(rows)
	if len(cols) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("(no rows)"))
		return nil
	}

	widths := make([]int, len(cols))
	for i, c := range cols {
		widths[i] = len(c)
	}
	rendered := make([][]string, len(rows))
	for ri, r := range rows {
		rendered[ri] = make([]string, len(cols))
		for ci, c := range cols {
			s := fmtCell(r[c])
			rendered[ri][ci] = s
			if len(s) > widths[ci] {
				widths[ci] = len(s)
			}
		}
	}

	var header strings.Builder
	for i, c := range cols {
		header.WriteString(padRight(c, widths[i]))
		if i < len(cols)-1 {
			header.WriteString("  ")
		}
	}
	fmt.Fprintln(w, headerStyle.Render(header.String()))

	for _, rec := range rendered {
		var line strings.Builder
		for i, v := range rec {
			line.WriteString(padRight(v, widths[i]))
			if i < len(rec)-1 {
				line.WriteString("  ")
			}
		}
		fmt.Fprintln(w, line.String())
	}
	return nil
}

func padRight(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}
