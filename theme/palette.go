package theme

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
)

type RGB [3]uint8

// Palette is an ordered list of colours. Palettes are never modified after
// they are built.
type Palette struct {
	Name   string
	Colors []RGB
}

// ParseGPL reads a GIMP palette.
func ParseGPL(r io.Reader) (*Palette, error) {
	p := &Palette{}
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if strings.HasPrefix(line, "Name:") {
			p.Name = strings.TrimSpace(strings.TrimPrefix(line, "Name:"))
			continue
		}

		// Skip headers and comments
		if line == "" || line[0] == '#' || strings.HasPrefix(line, "GIMP") || strings.HasPrefix(line, "Columns") {
			continue
		}

		// R G B, then an optional colour name
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		var c RGB
		ok := true
		for i := range c {
			v, err := strconv.Atoi(fields[i])
			if err != nil || v < 0 || v > 255 {
				ok = false
				break
			}
			c[i] = uint8(v)
		}
		if ok {
			p.Colors = append(p.Colors, c)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(p.Colors) == 0 {
		return nil, fmt.Errorf("no colors found in palette %q", p.Name)
	}
	return p, nil
}

func LoadGPL(path string) (*Palette, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	p, err := ParseGPL(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

func mustParseGPL(text string) *Palette {
	p, err := ParseGPL(strings.NewReader(text))
	if err != nil {
		panic(fmt.Sprintf("built-in palette: %v", err))
	}
	return p
}

// Lookup returns interpolated color for normalized value 0-1
func (p *Palette) Lookup(norm float64) RGB {
	if norm <= 0 || len(p.Colors) == 1 {
		return p.Colors[0]
	}
	if norm >= 1 {
		return p.Colors[len(p.Colors)-1]
	}

	pos := norm * float64(len(p.Colors)-1)
	i := int(pos)
	frac := pos - float64(i)

	c0 := p.Colors[i]
	c1 := p.Colors[i+1]

	return RGB{
		lerp(c0[0], c1[0], frac),
		lerp(c0[1], c1[1], frac),
		lerp(c0[2], c1[2], frac),
	}
}

func lerp(a, b uint8, t float64) uint8 {
	return uint8(float64(a)*(1-t) + float64(b)*t)
}

// Index returns the colour at i, wrapping around the palette.
func (p *Palette) Index(i int) RGB {
	n := len(p.Colors)
	return p.Colors[((i%n)+n)%n]
}

var (
	regMu    sync.RWMutex
	registry = map[string]*Palette{}
)

// Register adds a palette under its name. Names are unique.
func Register(p *Palette) error {
	if p == nil || p.Name == "" || len(p.Colors) == 0 {
		return fmt.Errorf("palette needs a name and colors")
	}
	regMu.Lock()
	defer regMu.Unlock()
	if _, dup := registry[p.Name]; dup {
		return fmt.Errorf("palette %q already registered", p.Name)
	}
	registry[p.Name] = p
	return nil
}

func Get(name string) (*Palette, bool) {
	regMu.RLock()
	defer regMu.RUnlock()
	p, ok := registry[name]
	return p, ok
}

func Names() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

const plasmaGPL = `GIMP Palette
Name: plasma
Columns: 11
 13   8 135
 65   4 157
106   0 168
143  13 164
177  42 144
204  71 120
225 100  98
242 132  75
252 166  54
252 206  37
240 249  33
`

// Pattern colours, indexed by a pattern's colour number.
const patternsGPL = `GIMP Palette
Name: patterns
Columns: 8
230  57  70	Red
244 140   6	Orange
255 209 102	Yellow
144 190 109	Lime
  6 214 160	Green
 17 138 178	Teal
 72 149 239	Blue
114  76 249	Indigo
181  23 158	Magenta
247  37 133	Pink
160 108  65	Brown
233 196 106	Sand
 42 157 143	Jade
 87 117 144	Slate
173 181 189	Silver
248 249 250	White
`

var (
	Plasma   = mustParseGPL(plasmaGPL)
	Patterns = mustParseGPL(patternsGPL)
)

func init() {
	_ = Register(Plasma)
	_ = Register(Patterns)
}
