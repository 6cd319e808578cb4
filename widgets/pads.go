package widgets

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Pad is one cell of a pad grid.
type Pad struct {
	Symbol rune
	Label  string
	Color  lipgloss.Color
	Cursor bool
}

// RenderPad renders a single pad as "■ label", padded to width runes.
func RenderPad(p Pad, width int, cursor lipgloss.Color) string {
	label := p.Label
	if r := []rune(label); len(r) > width-2 {
		label = string(r[:max(0, width-2)])
	}
	text := fmt.Sprintf("%c %-*s", p.Symbol, width-2, label)
	style := lipgloss.NewStyle().Foreground(p.Color)
	if p.Cursor {
		style = style.Reverse(true).Foreground(cursor)
	}
	return style.Render(text)
}

// RenderPadGrid renders rows top to bottom, one space between pads.
func RenderPadGrid(grid [][]Pad, width int, cursor lipgloss.Color) string {
	lines := make([]string, len(grid))
	for r, row := range grid {
		cells := make([]string, len(row))
		for c, p := range row {
			cells[c] = RenderPad(p, width, cursor)
		}
		lines[r] = strings.Join(cells, " ")
	}
	return strings.Join(lines, "\n")
}

// RenderLegendItem renders a single legend item: "■ Name - description"
func RenderLegendItem(symbol rune, color lipgloss.Color, name, desc string) string {
	return fmt.Sprintf("  %s %s - %s", lipgloss.NewStyle().Foreground(color).Render(string(symbol)), name, desc)
}

// RenderKeyHelp formats key bindings in a friendly way
func RenderKeyHelp(sections []KeySection) string {
	var lines []string
	for _, sec := range sections {
		if sec.Title != "" {
			lines = append(lines, sec.Title)
		}
		for _, k := range sec.Keys {
			lines = append(lines, fmt.Sprintf("  %-12s %s", k.Key, k.Desc))
		}
	}
	return strings.Join(lines, "\n")
}

// KeySection groups related key bindings
type KeySection struct {
	Title string
	Keys  []KeyBinding
}

// KeyBinding is a single key and its description
type KeyBinding struct {
	Key  string
	Desc string
}
