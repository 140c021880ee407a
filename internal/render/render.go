// Package render draws a board to an image. Clients color cells as mine,
// enemy or unclaimed; the server's board (no local player) uses one color
// per player.
package render

import (
	"fmt"
	"image"
	"image/color"
	"io"

	"grid-clash/internal/grid"

	"github.com/fogleman/gg"
	"golang.org/x/image/font/basicfont"
)

var (
	ColorMine       = color.RGBA{0x4C, 0x84, 0xFF, 0xFF}
	ColorEnemy      = color.RGBA{0xFF, 0x4C, 0x4C, 0xFF}
	ColorUnclaimed  = color.RGBA{0xCC, 0xCC, 0xCC, 0xFF}
	colorBackground = color.RGBA{0x1E, 0x1E, 0x28, 0xFF}
	colorText       = color.RGBA{0xF0, 0xF0, 0xF0, 0xFF}

	// by player id when nobody is "mine"
	playerColors = [...]color.RGBA{
		{0x4C, 0x84, 0xFF, 0xFF},
		{0xFF, 0x4C, 0x4C, 0xFF},
		{0x4C, 0xD9, 0x7B, 0xFF},
		{0xFF, 0xC1, 0x4C, 0xFF},
	}
)

// Frame is one board to draw.
type Frame struct {
	Owners  [][]grid.PlayerID
	Self    grid.PlayerID // Unowned for a spectator view
	Scores  grid.Scoreboard
	Caption string
}

// Options controls the layout.
type Options struct {
	CellSize int
	Gap      int
	Footer   bool // scores and caption under the board
}

// DefaultOptions are used for the PNG endpoint and the client's -png flag.
func DefaultOptions() Options {
	return Options{CellSize: 32, Gap: 2, Footer: true}
}

const lineHeight = 16

// CellColor picks the fill for one cell.
func CellColor(owner, self grid.PlayerID) color.RGBA {
	switch {
	case owner == grid.Unowned:
		return ColorUnclaimed
	case self != grid.Unowned && owner == self:
		return ColorMine
	case self != grid.Unowned:
		return ColorEnemy
	case int(owner) <= len(playerColors):
		return playerColors[owner-1]
	}
	return ColorEnemy
}

// Size returns the image dimensions for an n×n board.
func (o Options) Size(n, footerLines int) (w, h int) {
	if o.CellSize < 1 {
		o.CellSize = 1
	}
	side := o.Gap + n*(o.CellSize+o.Gap)
	h = side
	if o.Footer {
		h += footerLines*lineHeight + o.Gap
	}
	return side, h
}

func footer(f Frame) []string {
	var lines []string
	if f.Caption != "" {
		lines = append(lines, f.Caption)
	}
	for _, id := range f.Scores.Players() {
		mark := ""
		if id == f.Self {
			mark = " (you)"
		}
		lines = append(lines, fmt.Sprintf("P%d: %d%s", id, f.Scores[id], mark))
	}
	return lines
}

// Render draws f.
func Render(f Frame, opt Options) image.Image {
	return draw(f, opt).Image()
}

// EncodePNG draws f and writes it as PNG.
func EncodePNG(w io.Writer, f Frame, opt Options) error {
	return draw(f, opt).EncodePNG(w)
}

func draw(f Frame, opt Options) *gg.Context {
	if opt.CellSize < 1 {
		opt.CellSize = 1
	}
	n := len(f.Owners)
	var lines []string
	if opt.Footer {
		lines = footer(f)
	}
	w, h := opt.Size(n, len(lines))

	dc := gg.NewContext(w, h)
	dc.SetColor(colorBackground)
	dc.Clear()

	step := float64(opt.CellSize + opt.Gap)
	for r, row := range f.Owners {
		for c, owner := range row {
			dc.SetColor(CellColor(owner, f.Self))
			dc.DrawRectangle(float64(opt.Gap)+float64(c)*step, float64(opt.Gap)+float64(r)*step,
				float64(opt.CellSize), float64(opt.CellSize))
			dc.Fill()
		}
	}

	if len(lines) > 0 {
		dc.SetFontFace(basicfont.Face7x13)
		dc.SetColor(colorText)
		top := float64(opt.Gap + n*(opt.CellSize+opt.Gap))
		for i, line := range lines {
			dc.DrawString(line, float64(opt.Gap)+2, top+float64((i+1)*lineHeight)-3)
		}
	}
	return dc
}
