package processing

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"os"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"
	_ "golang.org/x/image/webp"

	"github.com/menta2k/photo-enricher/internal/logging"
	"github.com/menta2k/photo-enricher/internal/utils"
	"github.com/menta2k/photo-enricher/pkg/types"
)

// Re-encoding schedule. Attempt k shrinks the long side by shrinkFactor and
// drops quality by qualityStep, never below minQuality.
const (
	maxAttempts        = 5
	initialMaxDim      = 1024
	initialQuality     = 80
	shrinkFactor       = 0.8
	qualityStep        = 10
	minQuality         = 30
	forcedMaxDimension = 512
)

var (
	// ErrUnreadable is returned when a file can be neither decoded nor read.
	ErrUnreadable = errors.New("image unreadable")
	// ErrPayloadTooLarge is returned when the raw fallback exceeds the payload cap.
	ErrPayloadTooLarge = errors.New("image payload too large")
)

// Processor normalizes source images into bounded JPEG payloads
type Processor struct {
	maxBytes int
	log      logrus.FieldLogger
}

// NewProcessor creates a new image processor
func NewProcessor(log logrus.FieldLogger) *Processor {
	return &Processor{
		maxBytes: types.MaxPayloadBytes,
		log:      logging.OrDiscard(log),
	}
}

// Normalize decodes the file at path and re-encodes it as a JPEG no larger
// than the payload cap. When decoding fails the raw file bytes are returned
// instead; only a failed raw read is an error.
func (p *Processor) Normalize(path string) (types.EncodedImage, error) {
	img, err := p.LoadImage(path)
	if err != nil {
		p.log.WithError(err).WithField("path", path).Warn("decode failed, sending raw bytes")
		return p.rawFallback(path, err)
	}

	enc, err := p.Encode(img)
	if err != nil {
		p.log.WithError(err).WithField("path", path).Warn("encode failed, sending raw bytes")
		return p.rawFallback(path, err)
	}
	return enc, nil
}

// Encode flattens img to an opaque RGB image and re-encodes it with
// decreasing size and quality until the payload fits.
func (p *Processor) Encode(img image.Image) (types.EncodedImage, error) {
	img = Flatten(img)

	maxDim, quality := initialMaxDim, initialQuality
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		enc, err := encodeJPEG(img, maxDim, quality)
		if err != nil {
			return types.EncodedImage{}, err
		}
		enc.Attempts = attempt
		if enc.Size <= p.maxBytes {
			p.log.WithFields(logrus.Fields{
				"bytes":   enc.Size,
				"attempt": attempt,
				"width":   enc.Width,
				"height":  enc.Height,
			}).Debug("image normalized")
			return enc, nil
		}

		maxDim = int(float64(maxDim) * shrinkFactor)
		quality = max(quality-qualityStep, minQuality)
		p.log.WithFields(logrus.Fields{
			"bytes":   enc.Size,
			"attempt": attempt,
			"next_px": maxDim,
			"next_q":  quality,
		}).Warn("image too large, retrying smaller")
	}

	// Accept whatever the smallest settings produce.
	enc, err := encodeJPEG(img, forcedMaxDimension, minQuality)
	if err != nil {
		return types.EncodedImage{}, err
	}
	enc.Attempts = maxAttempts + 1
	p.log.WithField("bytes", enc.Size).Warn("image still too large after compression attempts, used minimum settings")
	return enc, nil
}

// LoadImage loads an image from a file path with WebP support
func (p *Processor) LoadImage(path string) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err == nil {
		return img, nil
	}

	// Fallback: explicit WebP decode for variants the registered decoder rejects
	f, ferr := os.Open(path)
	if ferr != nil {
		return nil, ferr
	}
	defer f.Close()

	if isWebP(f) {
		if _, serr := f.Seek(0, io.SeekStart); serr == nil {
			if wimg, werr := webp.Decode(f); werr == nil {
				return wimg, nil
			}
		}
	}
	return nil, fmt.Errorf("decode %s: %w", path, err)
}

func (p *Processor) rawFallback(path string, cause error) (types.EncodedImage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.EncodedImage{}, fmt.Errorf("%w: %v (raw read: %v)", ErrUnreadable, cause, err)
	}
	if len(data) == 0 {
		return types.EncodedImage{}, fmt.Errorf("%w: %s is empty", ErrUnreadable, path)
	}
	if len(data) > p.maxBytes {
		return types.EncodedImage{}, fmt.Errorf("%w: raw file is %s, limit %s",
			ErrPayloadTooLarge, utils.FormatFileSize(int64(len(data))), utils.FormatFileSize(int64(p.maxBytes)))
	}
	return types.EncodedImage{
		Data:      data,
		MediaType: types.CanonicalMediaType,
		Size:      len(data),
		Raw:       true,
	}, nil
}

// DataURI renders the payload as an inline data URI for the chat API.
func DataURI(enc types.EncodedImage) string {
	mediaType := enc.MediaType
	if mediaType == "" {
		mediaType = types.CanonicalMediaType
	}
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(enc.Data)
}

// Flatten converts images with an alpha channel or a palette to an opaque
// image by compositing onto white. Other images are returned unchanged.
func Flatten(img image.Image) image.Image {
	if !needsFlatten(img) {
		return img
	}
	b := img.Bounds()
	bg := imaging.New(b.Dx(), b.Dy(), color.White)
	return imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
}

func needsFlatten(img image.Image) bool {
	if _, ok := img.(*image.Paletted); ok {
		return true
	}
	switch img.ColorModel() {
	case color.RGBAModel, color.NRGBAModel, color.RGBA64Model, color.NRGBA64Model,
		color.AlphaModel, color.Alpha16Model:
		return true
	}
	return false
}

func encodeJPEG(img image.Image, maxDim, quality int) (types.EncodedImage, error) {
	resized := imaging.Fit(img, maxDim, maxDim, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return types.EncodedImage{}, fmt.Errorf("encode jpeg: %w", err)
	}

	b := resized.Bounds()
	return types.EncodedImage{
		Data:      buf.Bytes(),
		MediaType: types.CanonicalMediaType,
		Size:      buf.Len(),
		Width:     b.Dx(),
		Height:    b.Dy(),
		Quality:   quality,
	}, nil
}

func isWebP(r io.Reader) bool {
	header := make([]byte, 12)
	if _, err := io.ReadFull(r, header); err != nil {
		return false
	}
	return string(header[0:4]) == "RIFF" && string(header[8:12]) == "WEBP"
}
