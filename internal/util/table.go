package util

import (
	"fmt"
	"io"
	"strings"
)

// TableColumn represents a column in a table
type TableColumn struct {
	Header string
	Key    string // key to extract from data map
	Width  int    // calculated width
}

// RenderTable writes rows under a header and a dashed separator. Column
// widths fit the widest cell; ANSI color codes do not count.
func RenderTable(w io.Writer, columns []TableColumn, rows []map[string]any) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No data to display")
		return
	}

	for i := range columns {
		columns[i].Width = max(columns[i].Width, displayWidth(columns[i].Header))
		for _, row := range rows {
			if value, ok := row[columns[i].Key]; ok {
				columns[i].Width = max(columns[i].Width, displayWidth(fmt.Sprint(value)))
			}
		}
	}

	header := make([]string, len(columns))
	separator := make([]string, len(columns))
	for i, col := range columns {
		header[i] = pad(col.Header, col.Width)
		separator[i] = strings.Repeat("-", col.Width)
	}
	fmt.Fprintln(w, strings.TrimRight(strings.Join(header, " "), " "))
	fmt.Fprintln(w, strings.Join(separator, " "))

	for _, row := range rows {
		cells := make([]string, len(columns))
		for i, col := range columns {
			if v, ok := row[col.Key]; ok {
				cells[i] = pad(fmt.Sprint(v), col.Width)
			} else {
				cells[i] = pad("", col.Width)
			}
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(cells, " "), " "))
	}
}

// stripANSI removes SGR escape sequences.
func stripANSI(s string) string {
	for {
		start := strings.Index(s, "\033[")
		if start == -1 {
			return s
		}
		end := strings.Index(s[start:], "m")
		if end == -1 {
			return s
		}
		s = s[:start] + s[start+end+1:]
	}
}

func displayWidth(s string) int {
	return len([]rune(stripANSI(s)))
}

func pad(s string, width int) string {
	if n := displayWidth(s); n < width {
		return s + strings.Repeat(" ", width-n)
	}
	return s
}
