package repository

import (
	"time"

	"github.com/example/lostfound/internal/vision"
)

// ItemType is the declared kind of an item report.
type ItemType string

const (
	ItemTypeLost  ItemType = "lost"
	ItemTypeFound ItemType = "found"
)

// Valid reports whether t is a known item type.
func (t ItemType) Valid() bool {
	return t == ItemTypeLost || t == ItemTypeFound
}

// Opposite returns the type an item of type t is matched against.
func (t ItemType) Opposite() ItemType {
	if t == ItemTypeLost {
		return ItemTypeFound
	}
	return ItemTypeLost
}

// Item is a reported lost or found item.
type Item struct {
	ID          uint             `gorm:"primaryKey" json:"-"`
	PublicID    string           `gorm:"column:public_id;uniqueIndex;size:36" json:"id"`
	OwnerID     string           `gorm:"column:owner_id;index;size:64" json:"userId"`
	ImageURL    string           `gorm:"column:image_url;type:text" json:"imageUrl"`
	ItemType    ItemType         `gorm:"column:item_type;index;size:8" json:"itemType"`
	Description string           `gorm:"column:description;type:text" json:"description"`
	Analysis    *vision.Analysis `gorm:"column:vision_data;type:jsonb;serializer:json" json:"visionApiData,omitempty"`
	IsResolved  bool             `gorm:"column:is_resolved;index" json:"isResolved"`
	CreatedAt   time.Time        `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt   time.Time        `gorm:"column:updated_at" json:"updatedAt"`
}

// TableName overrides the default table name.
func (Item) TableName() string {
	return "items"
}

// ComparisonLog records one image comparison for metrics.
type ComparisonLog struct {
	ID        uint      `gorm:"primaryKey"`
	RequestID string    `gorm:"column:request_id;uniqueIndex;size:64"`
	UserID    string    `gorm:"column:user_id;index;size:64"`
	Image1URL string    `gorm:"column:image1_url;type:text"`
	Image2URL string    `gorm:"column:image2_url;type:text"`
	Score     float64   `gorm:"column:score"`
	Confident bool      `gorm:"column:confident"`
	LatencyMs int64     `gorm:"column:latency_ms"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (ComparisonLog) TableName() string {
	return "comparison_logs"
}

// MetricsAggregation is the raw aggregate over comparison logs.
type MetricsAggregation struct {
	TotalCount       int64
	ConfidentCount   int64
	AverageScore     float64
	AverageLatencyMs float64
}
