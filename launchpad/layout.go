package launchpad

import "go-perform/theme"

// Programmer-mode layout of a Launchpad X, row 0 at the bottom:
//
//	8x8 grid   notes 11-18 (row 0) up to 81-88 (row 7)
//	side       notes 19, 29 ... 89 (col 8)
//	top        CC 91-98 (row 8)
const (
	GridSize = 8
	sideCol  = 8
	topRow   = 8
)

// Top row buttons this surface uses.
const (
	ccUp   = 91 // previous screen-set
	ccDown = 92 // next screen-set
	ccPlay = 93 // start or stop
	ccLast = 98
)

// LED modes, sent as the Note On channel.
const (
	modeStatic uint8 = 0
	modeFlash  uint8 = 1
	modePulse  uint8 = 2
)

// Palette indices used for state, not pattern colour.
const (
	colorDim   uint8 = 1
	colorWhite uint8 = 3
	colorRed   uint8 = 5
	colorGreen uint8 = 21
)

// padNote is the note (or top-row CC) of a pad.
func padNote(row, col int) uint8 {
	if row == topRow {
		return uint8(ccUp + col)
	}
	return uint8((row+1)*10 + col + 1)
}

// padAt is the inverse of padNote for grid and side notes. ok is false for
// notes that are not pads.
func padAt(note uint8) (row, col int, ok bool) {
	row = int(note/10) - 1
	col = int(note%10) - 1
	if row < 0 || row >= GridSize || col < 0 || col > sideCol {
		return 0, 0, false
	}
	return row, col, true
}

// nearest lists some of the device's 128 palette entries with their
// approximate colour. Pattern colours snap to the closest.
var nearest = []struct {
	index uint8
	rgb   theme.RGB
}{
	{5, theme.RGB{255, 0, 0}},
	{6, theme.RGB{255, 80, 80}},
	{7, theme.RGB{180, 60, 60}},
	{9, theme.RGB{255, 100, 0}},
	{11, theme.RGB{180, 80, 40}},
	{13, theme.RGB{255, 200, 0}},
	{17, theme.RGB{0, 180, 0}},
	{19, theme.RGB{0, 100, 0}},
	{21, theme.RGB{0, 255, 0}},
	{37, theme.RGB{0, 200, 200}},
	{43, theme.RGB{40, 60, 120}},
	{45, theme.RGB{0, 100, 255}},
	{47, theme.RGB{80, 150, 255}},
	{49, theme.RGB{150, 0, 200}},
	{53, theme.RGB{255, 80, 180}},
	{78, theme.RGB{100, 100, 255}},
	{84, theme.RGB{255, 150, 50}},
	{87, theme.RGB{150, 255, 100}},
	{97, theme.RGB{180, 180, 60}},
	{119, theme.RGB{255, 255, 255}},
}

// paletteIndex finds the closest palette entry by squared distance.
func paletteIndex(c theme.RGB) uint8 {
	best, bestDist := nearest[0].index, -1
	for _, p := range nearest {
		dr := int(c[0]) - int(p.rgb[0])
		dg := int(c[1]) - int(p.rgb[1])
		db := int(c[2]) - int(p.rgb[2])
		if d := dr*dr + dg*dg + db*db; bestDist < 0 || d < bestDist {
			best, bestDist = p.index, d
		}
	}
	return best
}
