package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/menta2k/photo-enricher/internal/utils"
	"github.com/menta2k/photo-enricher/pkg/types"
)

// DefaultAICategoryDescription is used when the model proposes a category without a description
const DefaultAICategoryDescription = "AI-generated category"

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("not found")

// Open connects to the database named by dsn. postgres:// URLs and key=value
// DSNs use Postgres; anything else is a SQLite file path.
func Open(dsn string, debug bool) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	if debug {
		cfg.Logger = logger.Default.LogMode(logger.Info)
	}

	if isPostgresDSN(dsn) {
		db, err := gorm.Open(postgres.Open(dsn), cfg)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return db, nil
	}

	path := strings.TrimPrefix(dsn, "sqlite://")
	if path == "" {
		path = "photo-enricher.db"
	}
	if err := utils.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := gorm.Open(sqlite.Open(path), cfg)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// SQLite allows one writer; serialize access instead of failing with SQLITE_BUSY
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

func isPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") ||
		strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=")
}

// Store persists images and categories. Every call opens its own session
// through WithContext, so one Store is safe for concurrent pipeline runs.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&Category{}, &Image{})
}

// Close releases the underlying connection pool
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SeedCategories creates the default categories that are missing and
// returns how many were inserted.
func (s *Store) SeedCategories(ctx context.Context) (int, error) {
	created := 0
	for _, seed := range DefaultCategories {
		cat := Category{Name: seed.Name, Description: seed.Description}
		res := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "name"}}, DoNothing: true}).
			Create(&cat)
		if res.Error != nil {
			return created, fmt.Errorf("seed category %s: %w", seed.Name, res.Error)
		}
		created += int(res.RowsAffected)
	}
	return created, nil
}

func (s *Store) ListCategories(ctx context.Context) ([]Category, error) {
	var cats []Category
	err := s.db.WithContext(ctx).Order("id").Find(&cats).Error
	return cats, err
}

// KnownCategories returns a snapshot of all categories for the prompt
func (s *Store) KnownCategories(ctx context.Context) ([]types.KnownCategory, error) {
	cats, err := s.ListCategories(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]types.KnownCategory, 0, len(cats))
	for _, c := range cats {
		out = append(out, c.Known())
	}
	return out, nil
}

func (s *Store) GetCategory(ctx context.Context, id uint) (*Category, error) {
	var cat Category
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&cat).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &cat, err
}

func (s *Store) FindCategoryByName(ctx context.Context, name string) (types.KnownCategory, bool, error) {
	var cat Category
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&cat).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.KnownCategory{}, false, nil
	}
	if err != nil {
		return types.KnownCategory{}, false, err
	}
	return cat.Known(), true, nil
}

// IncrementCategoryUsage adds one to the counter in a single UPDATE
func (s *Store) IncrementCategoryUsage(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Model(&Category{}).Where("id = ?", id).
		UpdateColumn("usage_count", gorm.Expr("usage_count + ?", 1))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateCategoryIfMissing inserts an AI-generated category with ON CONFLICT
// DO NOTHING and reads back the row that owns the name.
func (s *Store) CreateCategoryIfMissing(ctx context.Context, name, description string) (types.KnownCategory, bool, error) {
	if description == "" {
		description = DefaultAICategoryDescription
	}
	cat := Category{Name: name, Description: description, IsAIGenerated: true, UsageCount: 1}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "name"}}, DoNothing: true}).
		Create(&cat)
	if res.Error != nil {
		return types.KnownCategory{}, false, res.Error
	}
	if res.RowsAffected == 1 && cat.ID != 0 {
		return cat.Known(), true, nil
	}

	existing, found, err := s.FindCategoryByName(ctx, name)
	if err != nil {
		return types.KnownCategory{}, false, err
	}
	if !found {
		return types.KnownCategory{}, false, fmt.Errorf("category %q vanished after insert", name)
	}
	return existing, false, nil
}

func (s *Store) CreateImage(ctx context.Context, img *Image) error {
	if img.AIProcessingStatus == "" {
		img.AIProcessingStatus = types.StatusPending
	}
	return s.db.WithContext(ctx).Create(img).Error
}

func (s *Store) GetImage(ctx context.Context, id uint) (*Image, error) {
	var img Image
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&img).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &img, err
}

// ResetImage puts an image back to pending ahead of a new analysis
func (s *Store) ResetImage(ctx context.Context, id uint) error {
	return s.setStatus(ctx, id, map[string]interface{}{
		"ai_processing_status": string(types.StatusPending),
		"ai_error_message":     "",
	})
}

func (s *Store) MarkProcessing(ctx context.Context, id uint) error {
	return s.setStatus(ctx, id, map[string]interface{}{
		"ai_processing_status": string(types.StatusProcessing),
	})
}

// MarkFailed flags the image for manual metadata and keeps the reason
func (s *Store) MarkFailed(ctx context.Context, id uint, message string) error {
	return s.setStatus(ctx, id, map[string]interface{}{
		"ai_processing_status":  string(types.StatusFailed),
		"needs_manual_metadata": true,
		"ai_error_message":      message,
	})
}

// SaveAnalysis writes every AI field of a successful result and marks the image completed
func (s *Store) SaveAnalysis(ctx context.Context, id uint, result types.AnalysisResult) error {
	confidence := result.Confidence
	img := Image{
		AIName:                     result.Name,
		AIDescription:              result.Description,
		AITags:                     result.Tags,
		AIObjects:                  result.Objects,
		AISceneDescription:         result.SceneDescription,
		AIColorPalette:             result.ColorPalette,
		AIEmotions:                 result.Emotions,
		AIConfidenceScore:          &confidence,
		AIUserSuggestedName:        result.SuggestedName,
		AIUserSuggestedDescription: result.SuggestedDescription,
		AIUserSuggestedTags:        result.SuggestedTags,
		AIProcessingStatus:         types.StatusCompleted,
		AIErrorMessage:             "",
		NeedsManualMetadata:        false,
	}
	if result.CategoryID != 0 {
		categoryID := result.CategoryID
		img.AICategoryID = &categoryID
		img.AIUserSuggestedCategoryID = &categoryID
	}

	res := s.db.WithContext(ctx).Model(&Image{ID: id}).
		Select(
			"ai_name", "ai_description", "ai_tags", "ai_objects", "ai_scene_description",
			"ai_color_palette", "ai_emotions", "ai_confidence_score", "ai_category_id",
			"ai_user_suggested_name", "ai_user_suggested_description", "ai_user_suggested_tags",
			"ai_user_suggested_category_id", "ai_processing_status", "ai_error_message",
			"needs_manual_metadata",
		).
		Updates(&img)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) setStatus(ctx context.Context, id uint, fields map[string]interface{}) error {
	res := s.db.WithContext(ctx).Model(&Image{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
