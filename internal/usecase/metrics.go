package usecase

import "context"

// MetricsSummary represents aggregated comparison insights.
type MetricsSummary struct {
	TotalComparisons   int64   `json:"totalComparisons"`
	ConfidentMatches   int64   `json:"confidentMatches"`
	ConfidentMatchRate float64 `json:"confidentMatchRate"`
	AverageScore       float64 `json:"averageScore"`
	AverageLatencyMs   float64 `json:"averageLatencyMs"`
}

// GetMetricsSummary aggregates comparison metrics from persisted logs.
func (uc *ComparisonUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	if uc.logs == nil {
		return &MetricsSummary{}, nil
	}
	aggregation, err := uc.logs.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalComparisons: aggregation.TotalCount,
		ConfidentMatches: aggregation.ConfidentCount,
		AverageScore:     aggregation.AverageScore,
		AverageLatencyMs: aggregation.AverageLatencyMs,
	}

	if aggregation.TotalCount > 0 {
		summary.ConfidentMatchRate = float64(aggregation.ConfidentCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
