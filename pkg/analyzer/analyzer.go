package analyzer

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rwcarlsen/goexif/exif"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrTooSmall is returned by ValidateImage for images below the minimum size
var ErrTooSmall = errors.New("image too small")

// ImageAnalyzer reads file-level properties of uploaded images without
// decoding the pixel data
type ImageAnalyzer struct {
	config Config
}

// Config holds configuration for the image analyzer
type Config struct {
	SupportedFormats []string
	MinImageSize     int
}

// DefaultFormats are the formats registered with the image package by this package
var DefaultFormats = []string{"jpeg", "png", "gif", "webp", "bmp", "tiff"}

// New creates a new ImageAnalyzer with default configuration
func New() *ImageAnalyzer {
	return NewWithConfig(Config{SupportedFormats: DefaultFormats, MinImageSize: 1})
}

// NewWithConfig creates a new ImageAnalyzer with custom configuration
func NewWithConfig(config Config) *ImageAnalyzer {
	return &ImageAnalyzer{config: config}
}

// ImageInfo contains basic image metadata
type ImageInfo struct {
	Width       int               `json:"width"`
	Height      int               `json:"height"`
	Format      string            `json:"format"`
	AspectRatio float64           `json:"aspect_ratio"`
	Orientation string            `json:"orientation"`
	HasEXIF     bool              `json:"has_exif"`
	EXIF        map[string]string `json:"exif,omitempty"`
	CameraMake  string            `json:"camera_make,omitempty"`
	CameraModel string            `json:"camera_model,omitempty"`
	TakenAt     *time.Time        `json:"taken_at,omitempty"`
	// EXIFOrientation is the raw orientation tag, 1 when absent
	EXIFOrientation int `json:"exif_orientation"`
}

// exifFields are copied into ImageInfo.EXIF when present
var exifFields = []exif.FieldName{
	exif.Make,
	exif.Model,
	exif.LensModel,
	exif.DateTimeOriginal,
	exif.ExposureTime,
	exif.FNumber,
	exif.ISOSpeedRatings,
	exif.FocalLength,
	exif.Software,
}

// Inspect reads the dimensions, format and EXIF data of the file at path
func (a *ImageAnalyzer) Inspect(path string) (ImageInfo, error) {
	file, err := os.Open(path)
	if err != nil {
		return ImageInfo{}, fmt.Errorf("failed to open image file: %w", err)
	}
	defer file.Close()

	cfg, format, err := image.DecodeConfig(file)
	if err != nil {
		return ImageInfo{}, fmt.Errorf("failed to read image header: %w", err)
	}
	if !a.isFormatSupported(format) {
		return ImageInfo{}, fmt.Errorf("unsupported image format: %s", format)
	}

	info := GetImageInfo(cfg.Width, cfg.Height)
	info.Format = format

	if _, err := file.Seek(0, io.SeekStart); err == nil {
		readEXIF(file, &info)
	}
	return info, nil
}

// GetImageInfo derives the geometry fields from the pixel dimensions
func GetImageInfo(width, height int) ImageInfo {
	info := ImageInfo{
		Width:           width,
		Height:          height,
		Orientation:     orientationOf(width, height),
		EXIFOrientation: 1,
	}
	if height > 0 {
		info.AspectRatio = float64(width) / float64(height)
	}
	return info
}

// ValidateImage checks if an image meets minimum requirements
func (a *ImageAnalyzer) ValidateImage(info ImageInfo) error {
	if info.Width < a.config.MinImageSize || info.Height < a.config.MinImageSize {
		return fmt.Errorf("%w: %dx%d (minimum: %d)", ErrTooSmall, info.Width, info.Height, a.config.MinImageSize)
	}
	return nil
}

func (a *ImageAnalyzer) isFormatSupported(format string) bool {
	for _, supported := range a.config.SupportedFormats {
		if strings.EqualFold(format, supported) {
			return true
		}
	}
	return false
}

// readEXIF fills the EXIF fields of info. Missing or broken EXIF is not an error.
func readEXIF(r io.Reader, info *ImageInfo) {
	x, err := exif.Decode(r)
	if x == nil || (err != nil && exif.IsCriticalError(err)) {
		return
	}
	info.HasEXIF = true
	info.EXIF = make(map[string]string)

	for _, name := range exifFields {
		tag, err := x.Get(name)
		if err != nil {
			continue
		}
		if s, err := tag.StringVal(); err == nil {
			info.EXIF[string(name)] = strings.TrimSpace(s)
		} else {
			info.EXIF[string(name)] = strings.Trim(tag.String(), `"`)
		}
	}
	info.CameraMake = info.EXIF[string(exif.Make)]
	info.CameraModel = info.EXIF[string(exif.Model)]

	if tag, err := x.Get(exif.Orientation); err == nil {
		if v, err := tag.Int(0); err == nil && v >= 1 && v <= 8 {
			info.EXIFOrientation = v
		}
	}
	if taken, err := x.DateTime(); err == nil {
		info.TakenAt = &taken
	}

	// Orientations 5-8 rotate by 90 degrees; report the displayed geometry
	if info.EXIFOrientation >= 5 {
		rotated := GetImageInfo(info.Height, info.Width)
		info.AspectRatio = rotated.AspectRatio
		info.Orientation = rotated.Orientation
	}
}

func orientationOf(width, height int) string {
	switch {
	case width > height:
		return "landscape"
	case height > width:
		return "portrait"
	default:
		return "square"
	}
}
