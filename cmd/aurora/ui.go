package main

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	headerStyle  = lipgloss.NewStyle().Bold(true)
	plainStyle   = lipgloss.NewStyle()
)

func printSuccess(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, successStyle.Render("✓ "+fmt.Sprintf(format, args...)))
}

func printWarning(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, warningStyle.Render("! "+fmt.Sprintf(format, args...)))
}

func printHint(w io.Writer, hint string) {
	fmt.Fprintln(w, subtleStyle.Render("hint: "+hint))
}

// statusStyle colors a service or suggestion status
func statusStyle(status string) lipgloss.Style {
	switch status {
	case "running", "approved":
		return successStyle
	case "crashed", "rejected":
		return errorStyle
	case "restarting", "starting", "pending":
		return warningStyle
	case "stopped":
		return subtleStyle
	}
	return plainStyle
}

// table aligns rows with tabwriter and styles each finished line, so escape
// sequences never count toward column widths.
type table struct {
	header string
	rows   []string
	styles []lipgloss.Style
}

func newTable(columns ...string) *table {
	return &table{header: strings.Join(columns, "\t")}
}

func (t *table) add(style lipgloss.Style, cells ...string) {
	t.rows = append(t.rows, strings.Join(cells, "\t"))
	t.styles = append(t.styles, style)
}

func (t *table) render(out io.Writer) error {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, t.header)
	for _, row := range t.rows {
		fmt.Fprintln(w, row)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	if _, err := fmt.Fprintln(out, headerStyle.Render(lines[0])); err != nil {
		return err
	}
	for i, line := range lines[1:] {
		if _, err := fmt.Fprintln(out, t.styles[i].Render(strings.TrimRight(line, " "))); err != nil {
			return err
		}
	}
	return nil
}
