package categories

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/photo-enricher/internal/logging"
	"github.com/menta2k/photo-enricher/internal/metrics"
	"github.com/menta2k/photo-enricher/pkg/types"
)

// ErrSeedDataMissing means the fallback category does not exist. It is a
// bootstrap defect, not a per-image failure.
var ErrSeedDataMissing = errors.New("seed data missing: fallback category " + types.FallbackCategory + " not found")

// Store is the category persistence the resolver needs. Implementations
// must make both mutating operations atomic.
type Store interface {
	// FindCategoryByName looks up a category by exact name.
	FindCategoryByName(ctx context.Context, name string) (types.KnownCategory, bool, error)
	// IncrementCategoryUsage adds one to the usage counter without reading it first.
	IncrementCategoryUsage(ctx context.Context, id uint) error
	// CreateCategoryIfMissing inserts a machine-generated category with a
	// usage count of 1 unless the name exists, and returns the stored row.
	CreateCategoryIfMissing(ctx context.Context, name, description string) (types.KnownCategory, bool, error)
}

// Resolver maps a model category selection onto a stored category id
type Resolver struct {
	store Store
	log   logrus.FieldLogger
}

// NewResolver creates a resolver over store
func NewResolver(store Store, log logrus.FieldLogger) *Resolver {
	return &Resolver{store: store, log: logging.OrDiscard(log)}
}

// Resolve returns the category id for sel. Existing names are looked up in
// the store, not in any snapshot, and unknown names fall back to the
// fallback category without touching a counter.
func (r *Resolver) Resolve(ctx context.Context, sel types.CategorySelection) (uint, error) {
	name := strings.TrimSpace(sel.Name)

	if sel.IsNew() && name != "" {
		cat, created, err := r.store.CreateCategoryIfMissing(ctx, name, sel.Description)
		if err != nil {
			return 0, fmt.Errorf("create category %q: %w", name, err)
		}
		if created {
			metrics.CategoriesCreatedTotal.Inc()
			r.log.WithFields(logrus.Fields{"category_id": cat.ID, "category": cat.Name}).Info("created AI category")
			return cat.ID, nil
		}
		// Another run created it first; count this assignment
		if err := r.store.IncrementCategoryUsage(ctx, cat.ID); err != nil {
			return 0, fmt.Errorf("increment usage of %q: %w", name, err)
		}
		return cat.ID, nil
	}

	if name != "" {
		cat, found, err := r.store.FindCategoryByName(ctx, name)
		if err != nil {
			return 0, fmt.Errorf("find category %q: %w", name, err)
		}
		if found {
			if err := r.store.IncrementCategoryUsage(ctx, cat.ID); err != nil {
				return 0, fmt.Errorf("increment usage of %q: %w", name, err)
			}
			return cat.ID, nil
		}
		r.log.WithField("category", name).Debug("unknown category, using fallback")
	}

	return r.fallback(ctx)
}

func (r *Resolver) fallback(ctx context.Context) (uint, error) {
	cat, found, err := r.store.FindCategoryByName(ctx, types.FallbackCategory)
	if err != nil {
		return 0, fmt.Errorf("find fallback category: %w", err)
	}
	if !found {
		return 0, ErrSeedDataMissing
	}
	return cat.ID, nil
}
