// Package pattern generates synthetic RGBA test frames for driving an
// output without a real video source. Every frame carries a stamped label
// and timecode so identity and motion are visible on the monitor.
package pattern

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Kind selects the pattern drawn under the stamp.
type Kind string

const (
	Bars     Kind = "bars"
	Gradient Kind = "gradient"
	Grid     Kind = "grid"
)

// ParseKind maps a CLI/config string to a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case Bars, Gradient, Grid:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("pattern: unknown kind %q (bars, gradient, grid)", s)
	}
}

// barColors are full-intensity SMPTE-style columns, left to right.
var barColors = []color.RGBA{
	{R: 235, G: 235, B: 235, A: 255}, // white
	{R: 235, G: 235, B: 16, A: 255},  // yellow
	{R: 16, G: 235, B: 235, A: 255},  // cyan
	{R: 16, G: 235, B: 16, A: 255},   // green
	{R: 235, G: 16, B: 235, A: 255},  // magenta
	{R: 235, G: 16, B: 16, A: 255},   // red
	{R: 16, G: 16, B: 235, A: 255},   // blue
	{R: 16, G: 16, B: 16, A: 255},    // black
}

// Generator renders frames of one pattern kind at a fixed geometry. Not
// safe for concurrent use; each feed loop owns one generator.
type Generator struct {
	kind   Kind
	width  int
	height int
	label  string
	frame  *image.RGBA
	tick   uint64
}

// NewGenerator builds a generator. The label is stamped onto every frame
// next to the timecode.
func NewGenerator(kind Kind, width, height int, label string) (*Generator, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("pattern: invalid geometry %dx%d", width, height)
	}
	return &Generator{
		kind:   kind,
		width:  width,
		height: height,
		label:  label,
		frame:  image.NewRGBA(image.Rect(0, 0, width, height)),
	}, nil
}

// Next renders the next frame and returns its RGBA pixels. The slice is
// reused across calls; copy it before returning to the generator.
func (g *Generator) Next(ts time.Time) []byte {
	switch g.kind {
	case Gradient:
		g.drawGradient()
	case Grid:
		g.drawGrid()
	default:
		g.drawBars()
	}
	g.stamp(ts)
	g.tick++
	return g.frame.Pix
}

func (g *Generator) drawBars() {
	cols := len(barColors)
	for i, c := range barColors {
		x0 := g.width * i / cols
		x1 := g.width * (i + 1) / cols
		draw.Draw(g.frame, image.Rect(x0, 0, x1, g.height), &image.Uniform{c}, image.Point{}, draw.Src)
	}
}

func (g *Generator) drawGradient() {
	// Diagonal ramp that slides one step per frame.
	shift := int(g.tick % 256)
	pix := g.frame.Pix
	for y := 0; y < g.height; y++ {
		row := y * g.frame.Stride
		for x := 0; x < g.width; x++ {
			v := uint8((x + y + shift) & 0xFF)
			o := row + x*4
			pix[o+0] = v
			pix[o+1] = uint8((x - y + shift) & 0xFF)
			pix[o+2] = 255 - v
			pix[o+3] = 255
		}
	}
}

func (g *Generator) drawGrid() {
	const cell = 64
	bg := color.RGBA{R: 24, G: 24, B: 24, A: 255}
	line := color.RGBA{R: 90, G: 90, B: 90, A: 255}
	draw.Draw(g.frame, g.frame.Bounds(), &image.Uniform{bg}, image.Point{}, draw.Src)
	for x := 0; x < g.width; x += cell {
		draw.Draw(g.frame, image.Rect(x, 0, x+1, g.height), &image.Uniform{line}, image.Point{}, draw.Src)
	}
	for y := 0; y < g.height; y += cell {
		draw.Draw(g.frame, image.Rect(0, y, g.width, y+1), &image.Uniform{line}, image.Point{}, draw.Src)
	}

	// A block orbiting the grid makes frame drops obvious.
	span := g.width - cell
	if span < 1 {
		span = 1
	}
	pos := int(g.tick*8) % (span * 2)
	if pos >= span {
		pos = span*2 - pos
	}
	y0 := g.height/2 - cell/2
	block := color.RGBA{R: 235, G: 120, B: 16, A: 255}
	draw.Draw(g.frame, image.Rect(pos, y0, pos+cell, y0+cell), &image.Uniform{block}, image.Point{}, draw.Src)
}

// stamp draws the label and a wall-clock timecode in the top-left corner.
func (g *Generator) stamp(ts time.Time) {
	text := fmt.Sprintf("%s  %s  #%06d", g.label, ts.Format("15:04:05.000"), g.tick)

	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  g.frame,
		Src:  image.NewUniform(color.RGBA{R: 255, G: 255, B: 255, A: 255}),
		Face: face,
	}
	textWidth := int(d.MeasureString(text) >> 6)

	const pad = 6
	box := image.Rect(0, 0, textWidth+pad*2, face.Height+pad*2)
	if box.Max.X > g.width {
		box.Max.X = g.width
	}
	draw.Draw(g.frame, box, &image.Uniform{color.RGBA{A: 200}}, image.Point{}, draw.Over)

	d.Dot = fixed.Point26_6{X: fixed.I(pad), Y: fixed.I(pad + face.Ascent)}
	d.DrawString(text)
}

// Size reports the generator geometry.
func (g *Generator) Size() (width, height int) { return g.width, g.height }
