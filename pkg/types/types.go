package types

import "time"

// MaxPayloadBytes is the largest image payload accepted by the inference API (5 MiB).
const MaxPayloadBytes = 5 * 1024 * 1024

// CanonicalMediaType is the media type every normalized payload is encoded as.
const CanonicalMediaType = "image/jpeg"

// FallbackCategory is the seed category used when nothing else matches.
const FallbackCategory = "Other"

// Status is the AI processing state of a stored image
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// KnownCategory is a category as seen by the model prompt
type KnownCategory struct {
	ID          uint   `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Image is the caller-facing view of a registered image and its processing state
type Image struct {
	ID                  uint       `json:"id"`
	Filename            string     `json:"filename"`
	OriginalFilename    string     `json:"original_filename"`
	FilePath            string     `json:"file_path"`
	FileSize            int64      `json:"file_size"`
	MimeType            string     `json:"mime_type"`
	FileExtension       string     `json:"file_extension"`
	Width               int        `json:"width"`
	Height              int        `json:"height"`
	Format              string     `json:"format"`
	HasEXIF             bool       `json:"has_exif"`
	CameraModel         string     `json:"camera_model,omitempty"`
	TakenAt             *time.Time `json:"taken_at,omitempty"`
	Status              Status     `json:"status"`
	ErrorMessage        string     `json:"error_message,omitempty"`
	NeedsManualMetadata bool       `json:"needs_manual_metadata"`
	CategoryID          *uint      `json:"category_id,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// AnalysisRequest is the immutable per-invocation input of the pipeline.
// Categories is a snapshot and may be stale by the time a result is persisted.
type AnalysisRequest struct {
	ImageID    uint
	FilePath   string
	Categories []KnownCategory
}

// EncodedImage is a normalized payload ready for transmission
type EncodedImage struct {
	Data      []byte
	MediaType string
	Size      int
	Width     int
	Height    int
	Quality   int
	Attempts  int
	Raw       bool // bytes are the unmodified source file
}

// SelectionKind tags a CategorySelection
type SelectionKind string

const (
	SelectExisting SelectionKind = "existing"
	SelectNew      SelectionKind = "new"
)

// CategorySelection is the model's category choice: either an existing
// category by name or a new category with a non-empty name.
type CategorySelection struct {
	Kind        SelectionKind `json:"kind"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
}

// Existing selects a stored category by exact name.
func Existing(name string) CategorySelection {
	return CategorySelection{Kind: SelectExisting, Name: name}
}

// New proposes a new machine-generated category.
func New(name, description string) CategorySelection {
	return CategorySelection{Kind: SelectNew, Name: name, Description: description}
}

// IsNew reports whether the selection proposes a new category
func (c CategorySelection) IsNew() bool {
	return c.Kind == SelectNew
}

// AnalysisResult is the validated output of one analysis. Every field is
// always populated; failure paths carry zero values and an ErrorMessage.
type AnalysisResult struct {
	Name                 string            `json:"ai_name"`
	Description          string            `json:"ai_description"`
	Tags                 []string          `json:"ai_tags"`
	Objects              []string          `json:"ai_objects"`
	SceneDescription     string            `json:"ai_scene_description"`
	ColorPalette         []string          `json:"ai_color_palette"`
	Emotions             []string          `json:"ai_emotions"`
	Confidence           float64           `json:"ai_confidence_score"`
	SuggestedName        string            `json:"ai_user_suggested_name"`
	SuggestedDescription string            `json:"ai_user_suggested_description"`
	SuggestedTags        []string          `json:"ai_user_suggested_tags"`
	Category             CategorySelection `json:"category_selection"`
	Success              bool              `json:"analysis_success"`
	ErrorMessage         string            `json:"error_message,omitempty"`
	CategoryID           uint              `json:"category_id,omitempty"`
}
