package compose

import (
	"fmt"
	"image/color"
	"strconv"
	"strings"
)

const maxDimension = 8192

// CaptionStyle controls the caption block.
type CaptionStyle struct {
	Size       float64 // font size in px
	Color      color.NRGBA
	Background color.NRGBA
	Padding    float64
	MaxWidth   float64
	LineHeight float64 // multiple of Size
}

// Options configures a Composer.
type Options struct {
	Width      int
	Height     int
	FPS        int
	Background color.NRGBA
	KenBurns   bool
	Watermark  string
	Caption    CaptionStyle
}

// DefaultOptions is a 1080x1920 portrait canvas at 30 fps.
func DefaultOptions() Options {
	return Options{
		Width:      1080,
		Height:     1920,
		FPS:        30,
		Background: color.NRGBA{A: 0xff},
		KenBurns:   true,
		Watermark:  "SeriesMe",
		Caption: CaptionStyle{
			Size:       48,
			Color:      color.NRGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff},
			Background: color.NRGBA{A: 0xb3},
			Padding:    20,
			MaxWidth:   900,
			LineHeight: 1.2,
		},
	}
}

func (o Options) validate() error {
	if o.Width <= 0 || o.Height <= 0 || o.Width > maxDimension || o.Height > maxDimension {
		return fmt.Errorf("invalid canvas size %dx%d", o.Width, o.Height)
	}
	if o.FPS <= 0 || o.FPS > 120 {
		return fmt.Errorf("invalid frame rate %d", o.FPS)
	}
	if o.Caption.Size <= 0 {
		return fmt.Errorf("invalid caption size %v", o.Caption.Size)
	}
	if o.Caption.LineHeight <= 0 {
		return fmt.Errorf("invalid caption line height %v", o.Caption.LineHeight)
	}
	return nil
}

// ParseHexColor parses #rgb, #rrggbb and #rrggbbaa.
func ParseHexColor(s string) (color.NRGBA, error) {
	hex := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	if len(hex) == 6 {
		hex += "ff"
	}
	if len(hex) != 8 {
		return color.NRGBA{}, fmt.Errorf("invalid color %q", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("invalid color %q: %w", s, err)
	}
	return color.NRGBA{
		R: uint8(v >> 24),
		G: uint8(v >> 16),
		B: uint8(v >> 8),
		A: uint8(v),
	}, nil
}
