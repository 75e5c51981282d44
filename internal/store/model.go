package store

import (
	"time"

	"github.com/menta2k/photo-enricher/pkg/types"
)

// Category organizes images. Seeded categories are not AI generated.
type Category struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	Name          string    `gorm:"size:100;not null;uniqueIndex" json:"name"`
	Description   string    `gorm:"type:text" json:"description"`
	IsAIGenerated bool      `gorm:"not null;default:false" json:"is_ai_generated"`
	UsageCount    int       `gorm:"not null;default:0;index" json:"usage_count"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Known returns the prompt-facing view of the category
func (c Category) Known() types.KnownCategory {
	return types.KnownCategory{ID: c.ID, Name: c.Name, Description: c.Description}
}

// Image is an uploaded photo with its AI metadata. List fields are stored as JSON text.
type Image struct {
	ID               uint   `gorm:"primaryKey" json:"id"`
	Filename         string `gorm:"size:255;not null;index" json:"filename"`
	OriginalFilename string `gorm:"size:255;not null" json:"original_filename"`
	FilePath         string `gorm:"size:500;not null" json:"file_path"`
	FileSize         int64  `gorm:"not null" json:"file_size"`
	MimeType         string `gorm:"size:100" json:"mime_type"`
	FileExtension    string `gorm:"size:10" json:"file_extension"`

	Width       int               `json:"width"`
	Height      int               `json:"height"`
	ImageFormat string            `gorm:"size:20" json:"image_format"`
	HasEXIF     bool              `gorm:"column:has_exif;not null;default:false" json:"has_exif"`
	EXIFData    map[string]string `gorm:"column:exif_data;type:text;serializer:json" json:"exif_data,omitempty"`
	CameraModel string            `gorm:"size:200" json:"camera_model,omitempty"`
	TakenAt     *time.Time        `gorm:"index" json:"taken_at,omitempty"`

	AIName             string   `gorm:"column:ai_name;size:200;index" json:"ai_name"`
	AIDescription      string   `gorm:"column:ai_description;type:text" json:"ai_description"`
	AITags             []string `gorm:"column:ai_tags;type:text;serializer:json" json:"ai_tags"`
	AIObjects          []string `gorm:"column:ai_objects;type:text;serializer:json" json:"ai_objects"`
	AISceneDescription string   `gorm:"column:ai_scene_description;type:text" json:"ai_scene_description"`
	AIColorPalette     []string `gorm:"column:ai_color_palette;type:text;serializer:json" json:"ai_color_palette"`
	AIEmotions         []string `gorm:"column:ai_emotions;type:text;serializer:json" json:"ai_emotions"`
	AIConfidenceScore  *float64 `gorm:"column:ai_confidence_score" json:"ai_confidence_score"`
	AICategoryID       *uint    `gorm:"column:ai_category_id;index" json:"ai_category_id"`

	AIUserSuggestedName        string   `gorm:"column:ai_user_suggested_name;size:200" json:"ai_user_suggested_name"`
	AIUserSuggestedDescription string   `gorm:"column:ai_user_suggested_description;type:text" json:"ai_user_suggested_description"`
	AIUserSuggestedTags        []string `gorm:"column:ai_user_suggested_tags;type:text;serializer:json" json:"ai_user_suggested_tags"`
	AIUserSuggestedCategoryID  *uint    `gorm:"column:ai_user_suggested_category_id;index" json:"ai_user_suggested_category_id"`

	AIProcessingStatus  types.Status `gorm:"column:ai_processing_status;size:20;not null;default:pending;index" json:"ai_processing_status"`
	AIErrorMessage      string       `gorm:"column:ai_error_message;type:text" json:"ai_error_message,omitempty"`
	NeedsManualMetadata bool         `gorm:"not null;default:false;index" json:"needs_manual_metadata"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// View returns the caller-facing view of the image
func (i Image) View() types.Image {
	return types.Image{
		ID:                  i.ID,
		Filename:            i.Filename,
		OriginalFilename:    i.OriginalFilename,
		FilePath:            i.FilePath,
		FileSize:            i.FileSize,
		MimeType:            i.MimeType,
		FileExtension:       i.FileExtension,
		Width:               i.Width,
		Height:              i.Height,
		Format:              i.ImageFormat,
		HasEXIF:             i.HasEXIF,
		CameraModel:         i.CameraModel,
		TakenAt:             i.TakenAt,
		Status:              i.AIProcessingStatus,
		ErrorMessage:        i.AIErrorMessage,
		NeedsManualMetadata: i.NeedsManualMetadata,
		CategoryID:          i.AICategoryID,
		UpdatedAt:           i.UpdatedAt,
	}
}

// SeedCategory is a category created at bootstrap
type SeedCategory struct {
	Name        string
	Description string
}

// DefaultCategories are created by SeedCategories. The fallback category must stay last.
var DefaultCategories = []SeedCategory{
	{"Nature", "Landscapes, plants, wildlife and natural scenery"},
	{"People", "Portraits, groups and people-focused photos"},
	{"Architecture", "Buildings, structures and urban scenes"},
	{"Food", "Meals, ingredients and food photography"},
	{"Travel", "Destinations, landmarks and travel moments"},
	{"Events", "Celebrations, gatherings and special occasions"},
	{"Pets", "Pets and domestic animals"},
	{"Art", "Artwork, creative and artistic photos"},
	{"Technology", "Devices, gadgets and technology"},
	{"Sports", "Sports, fitness and outdoor activities"},
	{"Abstract", "Abstract patterns, textures and compositions"},
	{types.FallbackCategory, "Images that do not fit other categories"},
}
