package repository

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

// AutoMigrate ensures the schema is available.
func AutoMigrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).AutoMigrate(&Item{}, &ComparisonLog{})
}

// ItemRepository persists item reports.
type ItemRepository struct {
	db *gorm.DB
	retrier
}

// NewItemRepository creates a new repository instance.
func NewItemRepository(db *gorm.DB, logger *zap.Logger) *ItemRepository {
	return &ItemRepository{db: db, retrier: newRetrier(logger.Named("item_repository"))}
}

// Create inserts a new item.
func (r *ItemRepository) Create(ctx context.Context, item *Item) error {
	return r.executeWithRetry(ctx, "repository.create_item", item.PublicID, func() error {
		return r.db.WithContext(ctx).Create(item).Error
	})
}

// FindByPublicID loads an item by its public identifier.
func (r *ItemRepository) FindByPublicID(ctx context.Context, publicID string) (*Item, error) {
	var item Item
	err := r.executeWithRetry(ctx, "repository.find_item", publicID, func() error {
		return notFound(r.db.WithContext(ctx).First(&item, "public_id = ?", publicID).Error)
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// ListByOwner returns the items reported by ownerID, newest first.
func (r *ItemRepository) ListByOwner(ctx context.Context, ownerID string) ([]*Item, error) {
	var items []*Item
	err := r.executeWithRetry(ctx, "repository.list_items", "", func() error {
		return r.db.WithContext(ctx).
			Where("owner_id = ?", ownerID).
			Order("created_at DESC").
			Find(&items).Error
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// ListCandidates returns unresolved items of the given type that belong to
// someone other than excludeOwner.
func (r *ItemRepository) ListCandidates(ctx context.Context, itemType ItemType, excludeOwner string) ([]*Item, error) {
	var items []*Item
	err := r.executeWithRetry(ctx, "repository.list_candidates", "", func() error {
		return r.db.WithContext(ctx).
			Where("item_type = ? AND is_resolved = ? AND owner_id <> ?", itemType, false, excludeOwner).
			Order("created_at DESC").
			Find(&items).Error
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// UpdateAnalysis stores item.Analysis on the persisted row.
func (r *ItemRepository) UpdateAnalysis(ctx context.Context, item *Item) error {
	return r.executeWithRetry(ctx, "repository.update_analysis", item.PublicID, func() error {
		return r.db.WithContext(ctx).Model(item).Select("vision_data").Updates(item).Error
	})
}

// MarkResolved flags the item as resolved.
func (r *ItemRepository) MarkResolved(ctx context.Context, item *Item) error {
	return r.executeWithRetry(ctx, "repository.resolve_item", item.PublicID, func() error {
		if err := r.db.WithContext(ctx).Model(item).Update("is_resolved", true).Error; err != nil {
			return err
		}
		item.IsResolved = true
		return nil
	})
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
