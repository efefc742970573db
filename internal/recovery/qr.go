package recovery

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/png"

	"github.com/disintegration/imaging"
	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
)

// ErrNoCode is returned when no strategy yields an accepted payload
var ErrNoCode = errors.New("no acceptable QR code found")

const (
	decodeWidth     = 600
	binaryThreshold = 150
)

// Strategy preprocesses a capture before decoding
type Strategy struct {
	Name    string
	Prepare func(image.Image) image.Image
}

// DefaultStrategies returns the decode strategies in the order they are
// tried
func DefaultStrategies() []Strategy {
	return []Strategy{
		{Name: "plain high-contrast", Prepare: func(img image.Image) image.Image {
			return imaging.AdjustContrast(onWhite(img), 60)
		}},
		{Name: "grayscale+contrast", Prepare: func(img image.Image) image.Image {
			return imaging.AdjustContrast(imaging.Grayscale(onWhite(img)), 90)
		}},
		{Name: "binarized", Prepare: func(img image.Image) image.Image {
			return binarize(imaging.Grayscale(onWhite(img)), binaryThreshold)
		}},
	}
}

func onWhite(img image.Image) *image.NRGBA {
	b := img.Bounds()
	bg := imaging.New(b.Dx(), b.Dy(), color.White)
	return imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
}

func binarize(img image.Image, threshold uint8) *image.NRGBA {
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		avg := (int(c.R) + int(c.G) + int(c.B)) / 3
		v := uint8(0)
		if avg > int(threshold) {
			v = 255
		}
		return color.NRGBA{R: v, G: v, B: v, A: 255}
	})
}

// Decoder reads QR codes from element captures
type Decoder struct {
	strategies []Strategy
	accept     func(string) bool
}

// NewDecoder creates a decoder accepting payloads for which accept returns
// true. A nil accept uses IsDeepLink.
func NewDecoder(accept func(string) bool, strategies ...Strategy) *Decoder {
	if accept == nil {
		accept = IsDeepLink
	}
	if len(strategies) == 0 {
		strategies = DefaultStrategies()
	}
	return &Decoder{strategies: strategies, accept: accept}
}

// Decode tries every strategy on the PNG capture and returns the first
// accepted payload with the strategy that produced it
func (d *Decoder) Decode(capture []byte) (string, string, error) {
	img, _, err := image.Decode(bytes.NewReader(capture))
	if err != nil {
		return "", "", fmt.Errorf("decoding capture: %w", err)
	}
	img = imaging.Resize(img, decodeWidth, 0, imaging.NearestNeighbor)

	reader := qrcode.NewQRCodeReader()
	hints := map[gozxing.DecodeHintType]interface{}{
		gozxing.DecodeHintType_TRY_HARDER: true,
	}
	for _, s := range d.strategies {
		bmp, err := gozxing.NewBinaryBitmapFromImage(s.Prepare(img))
		if err != nil {
			continue
		}
		res, err := reader.Decode(bmp, hints)
		if err != nil {
			continue
		}
		if text := res.GetText(); d.accept(text) {
			return text, s.Name, nil
		}
	}
	return "", "", ErrNoCode
}
