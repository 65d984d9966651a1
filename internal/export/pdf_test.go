package export

import (
	"bytes"
	"testing"

	"github.com/manpreetbhatti/sketchroom/internal/strokelog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseColor(t *testing.T) {
	tests := []struct {
		in   string
		want rgb
	}{
		{"#000", rgb{0, 0, 0}},
		{"#fff", rgb{255, 255, 255}},
		{"#ff8000", rgb{255, 128, 0}},
		{"#FF8000", rgb{255, 128, 0}},
		{"red", rgb{255, 0, 0}},
		{" Blue ", rgb{0, 0, 255}},
		{"#12", rgb{}},
		{"#zzzzzz", rgb{}},
		{"rgba(1,2,3,1)", rgb{}},
		{"", rgb{}},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, parseColor(tt.in))
		})
	}
}

func TestScaleFor(t *testing.T) {
	small := []strokelog.Segment{{X: 100, Y: 100, LastX: 0, LastY: 0}}
	assert.InDelta(t, pixelToMM, scaleFor(small, 297, 210), 1e-9)

	wide := []strokelog.Segment{{X: 5000, Y: 10, LastX: 0, LastY: 0}}
	scale := scaleFor(wide, 297, 210)
	assert.InDelta(t, (297-2*margin)/5000, scale, 1e-9)

	assert.InDelta(t, pixelToMM, scaleFor(nil, 297, 210), 1e-9)
}

func TestPDF(t *testing.T) {
	segments := []strokelog.Segment{
		{X: 10, Y: 10, LastX: 0, LastY: 0, Color: "#000", StrokeWidth: 4},
		{X: 20, Y: 15, LastX: 10, LastY: 10, Color: "#f00", StrokeWidth: 2},
	}

	var buf bytes.Buffer
	require.NoError(t, PDF(&buf, "ABC123", segments))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("%PDF-")))
}

func TestPDFEmptyCanvas(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PDF(&buf, "empty", nil))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("%PDF-")))
}
