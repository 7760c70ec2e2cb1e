package repository

import (
	"context"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ComparisonRepository persists comparison logs.
type ComparisonRepository struct {
	db *gorm.DB
	retrier
}

// NewComparisonRepository creates a new repository instance.
func NewComparisonRepository(db *gorm.DB, logger *zap.Logger) *ComparisonRepository {
	return &ComparisonRepository{db: db, retrier: newRetrier(logger.Named("comparison_repository"))}
}

// SaveLog persists a comparison log entry.
func (r *ComparisonRepository) SaveLog(ctx context.Context, log *ComparisonLog) error {
	return r.executeWithRetry(ctx, "repository.save_comparison", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// AggregateMetrics summarizes every stored comparison.
func (r *ComparisonRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var agg MetricsAggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&ComparisonLog{}).
			Select(`COUNT(*) AS total_count,
				COALESCE(SUM(CASE WHEN confident THEN 1 ELSE 0 END), 0) AS confident_count,
				COALESCE(AVG(score), 0) AS average_score,
				COALESCE(AVG(latency_ms), 0) AS average_latency_ms`).
			Scan(&agg).Error
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}
