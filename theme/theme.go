package theme

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

type Theme struct {
	UI       *Palette // role colours, sampled 0-1
	Patterns *Palette // pattern colours, by index
	Symbols  Symbols
}

type Symbols struct {
	Armed     rune // ■ playing
	Muted     rune // □ present, not playing
	Queued    rune // ◆ flips at the next bar
	OneShot   rune // ▶ plays one loop
	SnapOff   rune // ▼ mutes at the next bar
	Recording rune // ● armed for recording
	Empty     rune // · no pattern
}

// New builds a theme from a UI gradient and a pattern palette. Nil picks
// the built-in one.
func New(ui, patterns *Palette) *Theme {
	if ui == nil {
		ui = Plasma
	}
	if patterns == nil {
		patterns = Patterns
	}
	return &Theme{
		UI:       ui,
		Patterns: patterns,
		Symbols: Symbols{
			Armed:     '■',
			Muted:     '□',
			Queued:    '◆',
			OneShot:   '▶',
			SnapOff:   '▼',
			Recording: '●',
			Empty:     '·',
		},
	}
}

// Default uses the registered palettes.
func Default() *Theme { return New(nil, nil) }

// Color roles mapped to palette positions (0-1)
const (
	RoleBG      = 0.0 // deep purple
	RoleMuted   = 0.2 // purple-magenta
	RoleFG      = 0.4 // pink-purple (readable)
	RoleAccent  = 0.5 // vivid magenta
	RoleCursor  = 0.6 // rose pink
	RoleActive  = 0.7 // soft red
	RoleWarning = 0.8 // orange
	RoleSuccess = 1.0 // bright yellow
)

func (t *Theme) BG() lipgloss.Color      { return t.role(RoleBG) }
func (t *Theme) FG() lipgloss.Color      { return t.role(RoleFG) }
func (t *Theme) Accent() lipgloss.Color  { return t.role(RoleAccent) }
func (t *Theme) Muted() lipgloss.Color   { return t.role(RoleMuted) }
func (t *Theme) Active() lipgloss.Color  { return t.role(RoleActive) }
func (t *Theme) Cursor() lipgloss.Color  { return t.role(RoleCursor) }
func (t *Theme) Warning() lipgloss.Color { return t.role(RoleWarning) }
func (t *Theme) Success() lipgloss.Color { return t.role(RoleSuccess) }

func (t *Theme) role(norm float64) lipgloss.Color {
	return Hex(t.UI.Lookup(norm))
}

// PatternColor maps a pattern's colour number; negative means none.
func (t *Theme) PatternColor(i int) lipgloss.Color {
	if i < 0 {
		return t.Muted()
	}
	return Hex(t.Patterns.Index(i))
}

func Hex(c RGB) lipgloss.Color {
	return lipgloss.Color(fmt.Sprintf("#%02x%02x%02x", c[0], c[1], c[2]))
}
