package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/example/lostfound/internal/auth"
	"github.com/example/lostfound/internal/logging"
	"github.com/example/lostfound/internal/repository"
	"github.com/example/lostfound/internal/vision"
)

// ComparisonLogRepository defines the persistence operations needed for
// comparison bookkeeping.
type ComparisonLogRepository interface {
	SaveLog(ctx context.Context, log *repository.ComparisonLog) error
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// ComparisonUseCase resolves image references to vision analyses and scores
// them against each other.
type ComparisonUseCase struct {
	provider        vision.Provider
	cache           Cache
	logs            ComparisonLogRepository
	logger          *zap.Logger
	cacheTTL        time.Duration
	analysisTimeout time.Duration
	retry           retryPolicy
	inflight        singleflight.Group
}

// DefaultAnalysisTimeout bounds one shared provider call.
const DefaultAnalysisTimeout = 60 * time.Second

// NewComparisonUseCase constructs a new use case instance.
func NewComparisonUseCase(provider vision.Provider, cache Cache, logs ComparisonLogRepository, cacheTTL time.Duration, logger *zap.Logger) *ComparisonUseCase {
	return &ComparisonUseCase{
		provider:        provider,
		cache:           cache,
		logs:            logs,
		logger:          logger.Named("comparison_usecase"),
		cacheTTL:        cacheTTL,
		analysisTimeout: DefaultAnalysisTimeout,
		retry:           defaultRetryPolicy(),
	}
}

// AnalyzeImage returns the vision analysis for imageURL.
func (uc *ComparisonUseCase) AnalyzeImage(ctx context.Context, imageURL string) (*vision.Analysis, error) {
	imageURL = strings.TrimSpace(imageURL)
	if err := vision.ValidateImageURL(imageURL); err != nil {
		return nil, err
	}
	return uc.analyze(ctx, uuid.NewString(), imageURL)
}

// CompareImages analyzes both images and scores them. Both references are
// validated before any provider call is made.
func (uc *ComparisonUseCase) CompareImages(ctx context.Context, image1URL, image2URL string) (*vision.SimilarityResult, error) {
	image1URL, image2URL = strings.TrimSpace(image1URL), strings.TrimSpace(image2URL)
	if err := vision.ValidateImageURL(image1URL); err != nil {
		return nil, err
	}
	if err := vision.ValidateImageURL(image2URL); err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	start := time.Now()

	var first, second *vision.Analysis
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		first, err = uc.analyze(gctx, requestID, image1URL)
		return err
	})
	g.Go(func() error {
		var err error
		second, err = uc.analyze(gctx, requestID, image2URL)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := uc.CompareAnalyses(*first, *second)
	uc.recordComparison(ctx, requestID, image1URL, image2URL, result, time.Since(start))
	return &result, nil
}

// CompareAnalyses scores two already resolved analyses.
func (uc *ComparisonUseCase) CompareAnalyses(a, b vision.Analysis) vision.SimilarityResult {
	return vision.Compare(a, b)
}

func (uc *ComparisonUseCase) analyze(ctx context.Context, requestID, imageURL string) (*vision.Analysis, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.analyze_image", requestID)
	key := analysisCacheKey(imageURL)

	if analysis, ok := uc.cachedAnalysis(ctx, requestID, key); ok {
		opLogger.Debug("analysis served from cache", zap.String("image_url", imageURL))
		return analysis, nil
	}

	// Concurrent requests for the same image share one provider call. The
	// call is detached from any single caller so one cancellation cannot fail
	// the others; each caller stops waiting when its own context ends.
	ch := uc.inflight.DoChan(key, func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), uc.analysisTimeout)
		defer cancel()
		analysis, err := uc.provider.Analyze(callCtx, imageURL)
		if err != nil {
			return nil, err
		}
		uc.storeAnalysis(callCtx, requestID, key, analysis)
		return analysis, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		res.Err = ctx.Err()
	case res = <-ch:
	}
	if err := res.Err; err != nil {
		if !errors.Is(err, vision.ErrAnalysisUnavailable) {
			err = vision.Unavailable(err)
		}
		wrapped := logging.NewOperationError("usecase.analyze_image", requestID, err)
		opLogger.Error("vision analysis failed", zap.Error(wrapped), zap.String("image_url", imageURL))
		return nil, wrapped
	}
	if res.Shared {
		opLogger.Debug("analysis shared with in-flight request", zap.String("image_url", imageURL))
	}
	return res.Val.(*vision.Analysis), nil
}

func (uc *ComparisonUseCase) cachedAnalysis(ctx context.Context, requestID, key string) (*vision.Analysis, bool) {
	var cached string
	err := withRedisRetry(ctx, uc.logger, uc.retry, requestID, "cache.get.analysis", func() error {
		value, err := uc.cache.Get(ctx, key)
		if err != nil {
			return err
		}
		cached = value
		return nil
	})
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logging.WithOperation(uc.logger, "usecase.analyze_image", requestID).Warn("failed to read cache", zap.Error(err))
		}
		return nil, false
	}

	var analysis vision.Analysis
	if err := json.Unmarshal([]byte(cached), &analysis); err != nil {
		logging.WithOperation(uc.logger, "usecase.analyze_image", requestID).Warn("failed to decode cached analysis", zap.Error(err))
		return nil, false
	}
	return &analysis, true
}

func (uc *ComparisonUseCase) storeAnalysis(ctx context.Context, requestID, key string, analysis *vision.Analysis) {
	serialized, err := json.Marshal(analysis)
	if err != nil {
		logging.WithOperation(uc.logger, "usecase.analyze_image", requestID).Error("failed to serialize analysis", zap.Error(err))
		return
	}
	if err := withRedisRetry(ctx, uc.logger, uc.retry, requestID, "cache.set.analysis", func() error {
		return uc.cache.Set(ctx, key, string(serialized), uc.cacheTTL)
	}); err != nil {
		logging.WithOperation(uc.logger, "usecase.analyze_image", requestID).Warn("failed to cache analysis", zap.Error(err))
	}
}

func (uc *ComparisonUseCase) recordComparison(ctx context.Context, requestID, image1URL, image2URL string, result vision.SimilarityResult, elapsed time.Duration) {
	if uc.logs == nil {
		return
	}
	userID, _ := auth.GetUserID(ctx)
	log := &repository.ComparisonLog{
		RequestID: requestID,
		UserID:    userID,
		Image1URL: image1URL,
		Image2URL: image2URL,
		Score:     result.Score,
		Confident: result.IsConfidentMatch(),
		LatencyMs: elapsed.Milliseconds(),
		CreatedAt: time.Now().UTC(),
	}
	if err := uc.logs.SaveLog(ctx, log); err != nil {
		logging.WithOperation(uc.logger, "usecase.compare_images", requestID).Warn("failed to persist comparison log", zap.Error(err))
	}
}
