package client

import (
	"context"

	"github.com/menta2k/photo-enricher/pkg/types"
)

// VisionClient sends a normalized image plus a prompt to a vision model and
// returns the raw message text. Failures are *inference.Error values.
type VisionClient interface {
	Analyze(ctx context.Context, img types.EncodedImage, prompt string) (string, error)
	// Enabled reports whether the backend is configured well enough to make requests.
	Enabled() bool
	Name() string
}
