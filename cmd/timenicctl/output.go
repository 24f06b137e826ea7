package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"sigs.k8s.io/yaml"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	keyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	badStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
)

const cellGap = 2

// printer renders command results as a table, JSON or YAML.
type printer struct {
	format string
	out    io.Writer
}

func validFormat(f string) bool {
	switch f {
	case "table", "json", "yaml":
		return true
	}
	return false
}

// structured writes data in the machine formats. It reports false for the
// table format so the caller renders its own view.
func (p printer) structured(data interface{}) (bool, error) {
	var (
		b   []byte
		err error
	)
	switch p.format {
	case "json":
		b, err = json.MarshalIndent(data, "", "  ")
		b = append(b, '\n')
	case "yaml":
		b, err = yaml.Marshal(data)
	default:
		return false, nil
	}
	if err != nil {
		return true, err
	}
	_, err = p.out.Write(b)
	return true, err
}

// table prints rows under bold headers. Column widths are measured on the
// rendered text so styled cells stay aligned.
func (p printer) table(headers []string, rows [][]string) {
	if len(rows) == 0 {
		fmt.Fprintln(p.out, "No resources found.")
		return
	}
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}
	line := func(cells []string, style *lipgloss.Style) string {
		var sb strings.Builder
		for i, cell := range cells {
			if i >= len(widths) {
				break
			}
			if style != nil {
				cell = style.Render(cell)
			}
			sb.WriteString(cell)
			if i < len(cells)-1 {
				sb.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(cell)+cellGap))
			}
		}
		return sb.String()
	}
	fmt.Fprintln(p.out, line(headers, &headerStyle))
	for _, row := range rows {
		fmt.Fprintln(p.out, line(row, nil))
	}
}

// fields prints key/value pairs, one per line.
func (p printer) fields(kv [][2]string) {
	width := 0
	for _, f := range kv {
		if w := lipgloss.Width(f[0]); w > width {
			width = w
		}
	}
	for _, f := range kv {
		key := keyStyle.Render(f[0] + ":")
		fmt.Fprintf(p.out, "%s%s%s\n", key, strings.Repeat(" ", width+1-lipgloss.Width(f[0])), f[1])
	}
}

func yesNo(v bool) string {
	if v {
		return okStyle.Render("yes")
	}
	return badStyle.Render("no")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
