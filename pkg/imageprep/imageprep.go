// Package imageprep shrinks uploaded score photos before they are sent to
// the vision model.
package imageprep

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"github.com/gabriel-vasile/mimetype"
	"github.com/james-see/sheetscan/pkg/vision"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	DefaultMaxWidth = 1024
	DefaultQuality  = 60
	DefaultMaxBytes = 10 << 20

	// DefaultMaxPixels bounds the decoded raster, about 160 MB as RGBA
	DefaultMaxPixels = 40_000_000

	mimePDF  = "application/pdf"
	mimeJPEG = "image/jpeg"
)

var (
	ErrEmpty             = errors.New("imageprep: empty upload")
	ErrTooLarge          = errors.New("imageprep: upload exceeds size limit")
	ErrUnsupportedFormat = errors.New("imageprep: unsupported file type")
	ErrTooManyPixels     = errors.New("imageprep: image dimensions exceed pixel limit")
)

var rasterTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

// Preparer normalizes uploads. Zero fields take the package defaults.
type Preparer struct {
	MaxWidth  int
	Quality   int
	MaxBytes  int
	MaxPixels int
}

// New returns a Preparer with the default limits
func New() *Preparer {
	return &Preparer{
		MaxWidth:  DefaultMaxWidth,
		Quality:   DefaultQuality,
		MaxBytes:  DefaultMaxBytes,
		MaxPixels: DefaultMaxPixels,
	}
}

// MaxUploadBytes is the largest upload Prepare accepts
func (p *Preparer) MaxUploadBytes() int {
	return p.maxBytes()
}

// Detect returns the sniffed MIME type of data without parameters
func Detect(data []byte) string {
	return mimetype.Detect(data).String()
}

// Prepare sniffs data and returns an image ready for the model. Raster
// images are scaled down to MaxWidth and re-encoded as JPEG; PDFs are
// forwarded unchanged.
func (p *Preparer) Prepare(data []byte) (vision.Image, error) {
	if len(data) == 0 {
		return vision.Image{}, ErrEmpty
	}
	if limit := p.maxBytes(); len(data) > limit {
		return vision.Image{}, fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, len(data), limit)
	}

	mt := mimetype.Detect(data)
	switch {
	case mt.Is(mimePDF):
		return vision.Image{MIMEType: mimePDF, Data: data}, nil
	case rasterTypes[mt.String()]:
	default:
		return vision.Image{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, mt.String())
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return vision.Image{}, fmt.Errorf("imageprep: decode %s: %w", mt.String(), err)
	}
	if limit := p.maxPixels(); int64(cfg.Width)*int64(cfg.Height) > limit {
		return vision.Image{}, fmt.Errorf("%w: %dx%d, limit %d pixels", ErrTooManyPixels, cfg.Width, cfg.Height, limit)
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return vision.Image{}, fmt.Errorf("imageprep: decode %s: %w", mt.String(), err)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, p.scale(src), &jpeg.Options{Quality: p.quality()}); err != nil {
		return vision.Image{}, fmt.Errorf("imageprep: encode: %w", err)
	}
	return vision.Image{MIMEType: mimeJPEG, Data: buf.Bytes()}, nil
}

// scale fits src into MaxWidth keeping the aspect ratio. Narrow images are
// returned as is.
func (p *Preparer) scale(src image.Image) image.Image {
	b := src.Bounds()
	maxW := p.maxWidth()
	if b.Dx() <= maxW {
		return src
	}
	h := b.Dy() * maxW / b.Dx()
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, maxW, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}

func (p *Preparer) maxWidth() int {
	if p.MaxWidth > 0 {
		return p.MaxWidth
	}
	return DefaultMaxWidth
}

func (p *Preparer) quality() int {
	if p.Quality > 0 && p.Quality <= 100 {
		return p.Quality
	}
	return DefaultQuality
}

func (p *Preparer) maxPixels() int64 {
	if p.MaxPixels > 0 {
		return int64(p.MaxPixels)
	}
	return DefaultMaxPixels
}

func (p *Preparer) maxBytes() int {
	if p.MaxBytes > 0 {
		return p.MaxBytes
	}
	return DefaultMaxBytes
}
