package export

import (
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/jung-kurt/gofpdf"
	"github.com/manpreetbhatti/sketchroom/internal/strokelog"
)

const (
	margin = 10.0
	// 96 dpi canvas pixels in millimetres
	pixelToMM = 25.4 / 96
)

type rgb struct{ r, g, b int }

var namedColors = map[string]rgb{
	"black": {0, 0, 0},
	"white": {255, 255, 255},
	"red":   {255, 0, 0},
	"green": {0, 128, 0},
	"blue":  {0, 0, 255},
}

// parseColor understands #rgb, #rrggbb and a few names. Anything else draws
// in black.
func parseColor(s string) rgb {
	s = strings.ToLower(strings.TrimSpace(s))
	if c, ok := namedColors[s]; ok {
		return c
	}
	if !strings.HasPrefix(s, "#") {
		return rgb{}
	}
	hex := s[1:]
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	if len(hex) != 6 {
		return rgb{}
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return rgb{}
	}
	return rgb{int(v >> 16 & 0xff), int(v >> 8 & 0xff), int(v & 0xff)}
}

// scaleFor keeps the canvas at its natural size, shrinking it only when the
// drawing would run off the page.
func scaleFor(segments []strokelog.Segment, pageW, pageH float64) float64 {
	maxX, maxY := 0.0, 0.0
	for _, s := range segments {
		maxX = math.Max(maxX, math.Max(s.X, s.LastX))
		maxY = math.Max(maxY, math.Max(s.Y, s.LastY))
	}
	scale := pixelToMM
	if maxX > 0 {
		scale = math.Min(scale, (pageW-2*margin)/maxX)
	}
	if maxY > 0 {
		scale = math.Min(scale, (pageH-2*margin)/maxY)
	}
	return scale
}

// PDF renders the visible segments of a room onto a single landscape page.
func PDF(w io.Writer, roomID string, segments []strokelog.Segment) error {
	p := gofpdf.New("L", "mm", "A4", "")
	p.SetTitle("sketchroom "+roomID, true)
	p.SetCreator("sketchroom", true)
	p.AddPage()

	p.SetFont("Helvetica", "", 8)
	p.SetTextColor(128, 128, 128)
	p.Text(margin, margin/2+2, roomID)

	pageW, pageH := p.GetPageSize()
	scale := scaleFor(segments, pageW, pageH)

	p.SetLineCapStyle("round")
	p.SetLineJoinStyle("round")
	for _, s := range segments {
		c := parseColor(s.Color)
		p.SetDrawColor(c.r, c.g, c.b)
		p.SetLineWidth(math.Max(s.StrokeWidth*scale, 0.1))
		p.Line(
			margin+s.LastX*scale, margin+s.LastY*scale,
			margin+s.X*scale, margin+s.Y*scale,
		)
	}

	return p.Output(w)
}
