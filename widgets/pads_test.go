package widgets

import (
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/stretchr/testify/assert"
)

func TestRenderPadTruncatesLabel(t *testing.T) {
	out := RenderPad(Pad{Symbol: '■', Label: "a very long name"}, 8, lipgloss.Color("#ffffff"))
	assert.Contains(t, out, "■ a very")
	assert.NotContains(t, out, "long")
}

func TestRenderPadGridShape(t *testing.T) {
	grid := [][]Pad{
		{{Symbol: '■', Label: "kick"}, {Symbol: '·'}},
		{{Symbol: '□', Label: "hat"}, {Symbol: '◆', Label: "bass"}},
	}
	out := RenderPadGrid(grid, 6, lipgloss.Color("#ffffff"))
	lines := strings.Split(out, "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], "kick")
	assert.Contains(t, lines[1], "bass")
}

func TestRenderKeyHelp(t *testing.T) {
	out := RenderKeyHelp([]KeySection{{Title: "Transport", Keys: []KeyBinding{{"p", "play/stop"}}}})
	assert.Equal(t, "Transport\n  p            play/stop", out)
}
