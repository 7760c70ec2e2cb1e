// Package imageprocessor normalizes downloaded photos before they are sent to
// a vision provider: it decodes jpeg, png, gif and webp, bounds the longest
// side and re-encodes as JPEG.
package imageprocessor

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

const (
	// DefaultMaxDimension is the longest side kept after normalization.
	DefaultMaxDimension = 1024
	jpegQuality         = 85
)

// ErrUnsupportedFormat is returned when the payload cannot be decoded.
var ErrUnsupportedFormat = errors.New("unsupported image format")

// Result is a normalized image.
type Result struct {
	Data     []byte
	MIMEType string
	Width    int
	Height   int
	// Format is the decoder that recognized the original payload.
	Format string
}

// Processor bounds and re-encodes images.
type Processor struct {
	maxDimension int
}

// New returns a Processor; maxDimension <= 0 selects DefaultMaxDimension.
func New(maxDimension int) *Processor {
	if maxDimension <= 0 {
		maxDimension = DefaultMaxDimension
	}
	return &Processor{maxDimension: maxDimension}
}

// Normalize decodes data and returns it as a JPEG no larger than the
// configured dimension on either side. Aspect ratio is preserved.
func (p *Processor) Normalize(data []byte) (*Result, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}

	bounds := img.Bounds()
	if bounds.Dx() > p.maxDimension || bounds.Dy() > p.maxDimension {
		img = imaging.Fit(img, p.maxDimension, p.maxDimension, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}

	out := img.Bounds()
	return &Result{
		Data:     buf.Bytes(),
		MIMEType: "image/jpeg",
		Width:    out.Dx(),
		Height:   out.Dy(),
		Format:   format,
	}, nil
}
