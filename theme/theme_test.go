package theme

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGPL(t *testing.T) {
	p, err := ParseGPL(strings.NewReader("GIMP Palette\nName: two\n# comment\n0 0 0 black\n255 128 1\n300 0 0 out of range\nbad line\n"))
	require.NoError(t, err)
	assert.Equal(t, "two", p.Name)
	assert.Equal(t, []RGB{{0, 0, 0}, {255, 128, 1}}, p.Colors)

	_, err = ParseGPL(strings.NewReader("GIMP Palette\nName: empty\n"))
	assert.Error(t, err)
}

func TestLoadGPL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.gpl")
	require.NoError(t, os.WriteFile(path, []byte("GIMP Palette\nName: file\n1 2 3\n"), 0644))
	p, err := LoadGPL(path)
	require.NoError(t, err)
	assert.Equal(t, RGB{1, 2, 3}, p.Index(0))

	_, err = LoadGPL(filepath.Join(t.TempDir(), "missing.gpl"))
	assert.Error(t, err)
}

func TestLookupInterpolates(t *testing.T) {
	p := &Palette{Colors: []RGB{{0, 0, 0}, {200, 100, 50}}}
	assert.Equal(t, RGB{0, 0, 0}, p.Lookup(-1))
	assert.Equal(t, RGB{100, 50, 25}, p.Lookup(0.5))
	assert.Equal(t, RGB{200, 100, 50}, p.Lookup(2))
}

func TestIndexWraps(t *testing.T) {
	assert.Equal(t, Patterns.Index(0), Patterns.Index(len(Patterns.Colors)))
	assert.Equal(t, Patterns.Index(len(Patterns.Colors)-1), Patterns.Index(-1))
}

func TestRegistry(t *testing.T) {
	assert.Contains(t, Names(), "plasma")
	assert.Contains(t, Names(), "patterns")
	p, ok := Get("patterns")
	require.True(t, ok)
	assert.Len(t, p.Colors, 16)

	assert.Error(t, Register(&Palette{Name: "plasma", Colors: []RGB{{1, 1, 1}}}), "names are unique")
	assert.Error(t, Register(&Palette{Name: "nameless"}))
}

func TestThemeColors(t *testing.T) {
	th := Default()
	assert.Equal(t, lipgloss.Color("#0d0887"), th.BG())
	assert.Equal(t, lipgloss.Color("#e63946"), th.PatternColor(0))
	assert.Equal(t, th.Muted(), th.PatternColor(-1))
}
