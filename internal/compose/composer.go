// Package compose draws the frames of a clip: the portrait with an optional
// Ken Burns move, the active caption and the watermark.
package compose

import (
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"math"
	"sync"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/math/f64"
	"golang.org/x/image/math/fixed"

	"github.com/seriesme/seriesme-agent/internal/captions"
)

// ErrDisposed is returned by drawing operations after Dispose.
var ErrDisposed = errors.New("composer disposed")

var (
	watermarkBacking = color.NRGBA{A: 0x80}
	watermarkText    = color.NRGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xe6}
)

// Transform is the image placement for one frame.
type Transform struct {
	Zoom float64
	PanX float64
	PanY float64
}

// KenBurnsTransform returns a slow zoom from 1x to 1.2x with a drift from
// up-left to down-right. Progress is clamped to [0, 1].
func KenBurnsTransform(progress float64) Transform {
	p := math.Max(0, math.Min(1, progress))
	return Transform{
		Zoom: 1 + 0.2*p,
		PanX: (p - 0.5) * 100,
		PanY: (p - 0.5) * 50,
	}
}

// Composer owns one RGBA drawing surface. All methods are safe for concurrent use.
type Composer struct {
	opts Options

	mu            sync.Mutex
	surface       *image.RGBA
	captionFace   font.Face
	watermarkFace font.Face
	src           image.Image
	srcRGBA       *image.RGBA
	streams       map[*Stream]struct{}
	disposed      bool
}

// New allocates the surface and font faces.
func New(opts Options) (*Composer, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	captionFace, err := newBoldFace(opts.Caption.Size)
	if err != nil {
		return nil, err
	}
	watermarkFace, err := newBoldFace(watermarkSize)
	if err != nil {
		captionFace.Close()
		return nil, err
	}
	return &Composer{
		opts:          opts,
		surface:       image.NewRGBA(image.Rect(0, 0, opts.Width, opts.Height)),
		captionFace:   captionFace,
		watermarkFace: watermarkFace,
		streams:       make(map[*Stream]struct{}),
	}, nil
}

func (c *Composer) Options() Options {
	return c.opts
}

// DrawFrame renders the frame at time t of a clip lasting total seconds.
// A nil or empty image skips only the image layer.
func (c *Composer) DrawFrame(img image.Image, t, total float64, caps []captions.Caption) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return ErrDisposed
	}

	draw.Draw(c.surface, c.surface.Bounds(), image.NewUniform(c.opts.Background), image.Point{}, draw.Src)

	progress := 0.0
	if total > 0 {
		progress = t / total
	}
	c.drawImage(img, progress)

	if active, ok := captions.Active(caps, t); ok {
		c.drawCaption(active.Text)
	}
	c.drawWatermark()
	return nil
}

func (c *Composer) drawImage(img image.Image, progress float64) {
	if img == nil || img.Bounds().Empty() {
		return
	}
	src := c.prepared(img)
	b := src.Bounds()
	iw, ih := float64(b.Dx()), float64(b.Dy())
	cw, ch := float64(c.opts.Width), float64(c.opts.Height)

	// Cover: the canvas is always fully filled.
	var drawW, drawH float64
	if iw/ih > cw/ch {
		drawH = ch
		drawW = drawH * iw / ih
	} else {
		drawW = cw
		drawH = drawW * ih / iw
	}

	tr := Transform{Zoom: 1}
	if c.opts.KenBurns {
		tr = KenBurnsTransform(progress)
	}
	drawW *= tr.Zoom
	drawH *= tr.Zoom

	x := (cw-drawW)/2 + tr.PanX
	y := (ch-drawH)/2 + tr.PanY
	sx := drawW / iw
	sy := drawH / ih

	s2d := f64.Aff3{
		sx, 0, x - sx*float64(b.Min.X),
		0, sy, y - sy*float64(b.Min.Y),
	}
	draw.ApproxBiLinear.Transform(c.surface, s2d, src, b, draw.Over, nil)
}

// prepared converts the source to RGBA once per distinct image.
func (c *Composer) prepared(img image.Image) *image.RGBA {
	if img == c.src && c.srcRGBA != nil {
		return c.srcRGBA
	}
	if rgba, ok := img.(*image.RGBA); ok {
		c.src, c.srcRGBA = img, rgba
		return rgba
	}
	b := img.Bounds()
	rgba := image.NewRGBA(b)
	draw.Draw(rgba, b, img, b.Min, draw.Src)
	c.src, c.srcRGBA = img, rgba
	return rgba
}

// WrapLines wraps text to the caption width using the caption font.
func (c *Composer) WrapLines(text string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return nil
	}
	return c.wrap(text)
}

func (c *Composer) wrap(text string) []string {
	return wrapWords(text, c.opts.Caption.MaxWidth, func(s string) float64 {
		return measure(c.captionFace, s)
	})
}

func (c *Composer) drawCaption(text string) {
	lines := c.wrap(text)
	if len(lines) == 0 {
		return
	}
	style := c.opts.Caption
	lineH := style.Size * style.LineHeight
	blockH := float64(len(lines)) * lineH
	startY := float64(c.opts.Height) - 200 - blockH/2

	widest := 0.0
	widths := make([]float64, len(lines))
	for i, line := range lines {
		widths[i] = measure(c.captionFace, line)
		widest = math.Max(widest, widths[i])
	}

	bgW := widest + 2*style.Padding
	bgH := blockH + 2*style.Padding
	fillRect(c.surface, (float64(c.opts.Width)-bgW)/2, startY-style.Padding, bgW, bgH, style.Background)

	m := c.captionFace.Metrics()
	middle := (fixedToFloat(m.Ascent) - fixedToFloat(m.Descent)) / 2

	d := &font.Drawer{Dst: c.surface, Src: image.NewUniform(style.Color), Face: c.captionFace}
	for i, line := range lines {
		centerY := startY + (float64(i)+0.5)*lineH
		d.Dot = fixed.P(
			int(math.Round(float64(c.opts.Width)/2-widths[i]/2)),
			int(math.Round(centerY+middle)),
		)
		d.DrawString(line)
	}
}

func (c *Composer) drawWatermark() {
	text := c.opts.Watermark
	if text == "" {
		return
	}
	tw := measure(c.watermarkFace, text)
	x := float64(c.opts.Width - 40)
	y := float64(c.opts.Height - 40)

	fillRect(c.surface, x-tw-20, y-40, tw+20, 45, watermarkBacking)

	descent := fixedToFloat(c.watermarkFace.Metrics().Descent)
	d := &font.Drawer{
		Dst:  c.surface,
		Src:  image.NewUniform(watermarkText),
		Face: c.watermarkFace,
		Dot:  fixed.P(int(math.Round(x-10-tw)), int(math.Round(y-10-descent))),
	}
	d.DrawString(text)
}

func fillRect(dst draw.Image, x, y, w, h float64, col color.NRGBA) {
	r := image.Rect(
		int(math.Round(x)), int(math.Round(y)),
		int(math.Round(x+w)), int(math.Round(y+h)),
	)
	draw.Draw(dst, r.Intersect(dst.Bounds()), image.NewUniform(col), image.Point{}, draw.Over)
}

// Snapshot returns a copy of the surface, or nil after Dispose.
func (c *Composer) Snapshot() *image.RGBA {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return nil
	}
	out := image.NewRGBA(c.surface.Rect)
	copy(out.Pix, c.surface.Pix)
	return out
}

// EncodeJPEG writes the current surface as a JPEG.
func (c *Composer) EncodeJPEG(w io.Writer, quality int) error {
	snap := c.Snapshot()
	if snap == nil {
		return ErrDisposed
	}
	return jpeg.Encode(w, snap, &jpeg.Options{Quality: quality})
}

// EncodePNG writes the current surface as a PNG.
func (c *Composer) EncodePNG(w io.Writer) error {
	snap := c.Snapshot()
	if snap == nil {
		return ErrDisposed
	}
	return png.Encode(w, snap)
}

// Dispose releases the surface and stops every stream. Idempotent.
func (c *Composer) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	streams := make([]*Stream, 0, len(c.streams))
	for s := range c.streams {
		streams = append(streams, s)
	}
	c.streams = nil
	c.surface = nil
	c.src, c.srcRGBA = nil, nil
	c.captionFace.Close()
	c.watermarkFace.Close()
	c.mu.Unlock()

	for _, s := range streams {
		s.Stop()
	}
}
