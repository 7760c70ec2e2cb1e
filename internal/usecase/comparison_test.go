package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/lostfound/internal/logging"
	"github.com/example/lostfound/internal/repository"
	"github.com/example/lostfound/internal/vision"
)

type stubCache struct {
	mu        sync.Mutex
	setErrs   []error
	getErrs   []error
	getValues []string
	setKeys   []string
	getKeys   []string
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setKeys = append(s.setKeys, key)
	if len(s.setErrs) == 0 {
		return nil
	}
	err := s.setErrs[0]
	s.setErrs = s.setErrs[1:]
	return err
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getKeys = append(s.getKeys, key)
	var value string
	if len(s.getValues) > 0 {
		value = s.getValues[0]
		s.getValues = s.getValues[1:]
	}
	err := redis.Nil
	if len(s.getErrs) > 0 {
		err = s.getErrs[0]
		s.getErrs = s.getErrs[1:]
	} else if value != "" {
		err = nil
	}
	return value, err
}

type stubProvider struct {
	mu       sync.Mutex
	byURL    map[string]*vision.Analysis
	fallback *vision.Analysis
	err      error
	calls    int
}

func (s *stubProvider) Analyze(ctx context.Context, imageURL string) (*vision.Analysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if a, ok := s.byURL[imageURL]; ok {
		return a, nil
	}
	return s.fallback, nil
}

func (s *stubProvider) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubComparisonLogs struct {
	mu     sync.Mutex
	saved  []*repository.ComparisonLog
	agg    *repository.MetricsAggregation
	aggErr error
}

func (s *stubComparisonLogs) SaveLog(ctx context.Context, log *repository.ComparisonLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, log)
	return nil
}

func (s *stubComparisonLogs) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	return s.agg, s.aggErr
}

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

const googleLogoURL = "https://storage.googleapis.com/gweb-uniblog-publish-prod/images/googles_approach_to_ai_2x.max-1000x1000.png"

func logoAnalysis() *vision.Analysis {
	return &vision.Analysis{
		Labels:      []string{"Logo", "Font", "Graphics", "Brand"},
		Objects:     []vision.DetectedObject{{Name: "Logo", Score: 0.88}},
		WebEntities: []string{"Google", "Artificial intelligence"},
	}
}

func newTestComparisonUseCase(provider vision.Provider, cache Cache, logs ComparisonLogRepository) *ComparisonUseCase {
	uc := NewComparisonUseCase(provider, cache, logs, time.Hour, zap.NewNop())
	uc.retry = retryPolicy{attempts: 3, initialBackoff: time.Millisecond, maxBackoff: 2 * time.Millisecond}
	return uc
}

func TestCompareImagesSameImageScoresHigh(t *testing.T) {
	provider := &stubProvider{fallback: logoAnalysis()}
	logs := &stubComparisonLogs{}
	uc := newTestComparisonUseCase(provider, &stubCache{}, logs)

	result, err := uc.CompareImages(context.Background(), googleLogoURL, googleLogoURL)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if result.Score <= 80 {
		t.Fatalf("expected score above 80 for identical images, got %.2f", result.Score)
	}
	if calls := provider.callCount(); calls < 1 || calls > 2 {
		t.Fatalf("expected one or two provider calls, got %d", calls)
	}
	if len(logs.saved) != 1 || !logs.saved[0].Confident {
		t.Fatalf("expected one confident comparison log, got %+v", logs.saved)
	}
}

func TestCompareImagesItemScenario(t *testing.T) {
	provider := &stubProvider{byURL: map[string]*vision.Analysis{
		"https://example.com/lost.png": {
			Labels:  []string{"Test", "Item", "Logo"},
			Objects: []vision.DetectedObject{{Name: "Logo", Score: 0.9}},
		},
		"https://example.com/found.png": {
			Labels:  []string{"Test", "Item", "Logo"},
			Objects: []vision.DetectedObject{{Name: "Logo", Score: 0.85}},
		},
	}}
	uc := newTestComparisonUseCase(provider, &stubCache{}, nil)

	result, err := uc.CompareImages(context.Background(), "https://example.com/lost.png", "https://example.com/found.png")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if result.Score <= 50 {
		t.Fatalf("expected score above 50, got %.2f", result.Score)
	}
	if provider.callCount() != 2 {
		t.Fatalf("expected two provider calls, got %d", provider.callCount())
	}
}

func TestCompareImagesRequiresBothURLs(t *testing.T) {
	provider := &stubProvider{fallback: logoAnalysis()}
	uc := newTestComparisonUseCase(provider, &stubCache{}, nil)

	_, err := uc.CompareImages(context.Background(), "https://example.com/image.jpg", "")
	if !errors.Is(err, vision.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if provider.callCount() != 0 {
		t.Fatalf("expected no provider calls, got %d", provider.callCount())
	}
}

func TestAnalyzeImageRequiresURL(t *testing.T) {
	provider := &stubProvider{fallback: logoAnalysis()}
	uc := newTestComparisonUseCase(provider, &stubCache{}, nil)

	_, err := uc.AnalyzeImage(context.Background(), "  ")
	if !errors.Is(err, vision.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if provider.callCount() != 0 {
		t.Fatalf("expected no provider calls, got %d", provider.callCount())
	}
}

func TestAnalyzeImageProviderFailureIsUnavailable(t *testing.T) {
	uc := newTestComparisonUseCase(&stubProvider{err: errors.New("boom")}, &stubCache{}, nil)

	_, err := uc.AnalyzeImage(context.Background(), googleLogoURL)
	if !errors.Is(err, vision.ErrAnalysisUnavailable) {
		t.Fatalf("expected ErrAnalysisUnavailable, got %v", err)
	}
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "usecase.analyze_image" {
		t.Fatalf("unexpected operation: %s", opErr.Operation)
	}
}

func TestAnalyzeImageServedFromCache(t *testing.T) {
	payload, err := json.Marshal(logoAnalysis())
	if err != nil {
		t.Fatalf("failed to marshal analysis: %v", err)
	}
	cache := &stubCache{getValues: []string{string(payload)}}
	provider := &stubProvider{err: errors.New("provider must not be called")}
	uc := newTestComparisonUseCase(provider, cache, nil)

	analysis, err := uc.AnalyzeImage(context.Background(), googleLogoURL)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(analysis.Labels) != 4 || analysis.Objects[0].Name != "Logo" {
		t.Fatalf("unexpected cached analysis: %+v", analysis)
	}
	if provider.callCount() != 0 {
		t.Fatalf("expected no provider calls, got %d", provider.callCount())
	}
}

func TestAnalyzeImageRetriesTransientCacheRead(t *testing.T) {
	cache := &stubCache{getErrs: []error{transientRedisError{}, redis.Nil}}
	provider := &stubProvider{fallback: logoAnalysis()}
	uc := newTestComparisonUseCase(provider, cache, nil)

	if _, err := uc.AnalyzeImage(context.Background(), googleLogoURL); err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(cache.getKeys) != 2 {
		t.Fatalf("expected 2 cache reads (retry), got %d", len(cache.getKeys))
	}
	if cache.getKeys[0] != cache.getKeys[1] {
		t.Fatalf("expected retry to target same key, got %s and %s", cache.getKeys[0], cache.getKeys[1])
	}
	if len(cache.setKeys) != 1 || cache.setKeys[0] != analysisCacheKey(googleLogoURL) {
		t.Fatalf("expected analysis to be cached, got %v", cache.setKeys)
	}
}

func TestAnalyzeImageSurvivesCacheWriteFailure(t *testing.T) {
	cache := &stubCache{setErrs: []error{errors.New("read-only replica")}}
	uc := newTestComparisonUseCase(&stubProvider{fallback: logoAnalysis()}, cache, nil)

	if _, err := uc.AnalyzeImage(context.Background(), googleLogoURL); err != nil {
		t.Fatalf("expected cache failure to be tolerated, got %v", err)
	}
}

func TestGetMetricsSummaryComputesRate(t *testing.T) {
	logs := &stubComparisonLogs{agg: &repository.MetricsAggregation{
		TotalCount:       4,
		ConfidentCount:   1,
		AverageScore:     61.5,
		AverageLatencyMs: 820,
	}}
	uc := newTestComparisonUseCase(&stubProvider{}, &stubCache{}, logs)

	summary, err := uc.GetMetricsSummary(context.Background())
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if summary.ConfidentMatchRate != 0.25 || summary.TotalComparisons != 4 || summary.AverageScore != 61.5 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

// blockingProvider holds every Analyze call until release is closed.
type blockingProvider struct {
	mu      sync.Mutex
	calls   int
	started chan struct{}
	release chan struct{}
	result  *vision.Analysis
}

func newBlockingProvider(result *vision.Analysis) *blockingProvider {
	return &blockingProvider{started: make(chan struct{}, 16), release: make(chan struct{}), result: result}
}

func (p *blockingProvider) Analyze(ctx context.Context, imageURL string) (*vision.Analysis, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	p.started <- struct{}{}
	select {
	case <-p.release:
		return p.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *blockingProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// waitForCacheReads returns once n lookups have reached the cache, then gives
// the callers a moment to join the in-flight analysis.
func waitForCacheReads(t *testing.T, cache *stubCache, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		cache.mu.Lock()
		reads := len(cache.getKeys)
		cache.mu.Unlock()
		if reads >= n {
			time.Sleep(20 * time.Millisecond)
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected %d cache reads", n)
}

func TestAnalyzeImageCoalescesConcurrentRequests(t *testing.T) {
	const callers = 8
	provider := newBlockingProvider(logoAnalysis())
	cache := &stubCache{}
	uc := newTestComparisonUseCase(provider, cache, nil)

	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			analysis, err := uc.AnalyzeImage(context.Background(), googleLogoURL)
			if err == nil && len(analysis.Labels) == 0 {
				err = errors.New("empty analysis")
			}
			errs <- err
		}()
	}

	<-provider.started
	waitForCacheReads(t, cache, callers)
	close(provider.release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("expected success, got error: %v", err)
		}
	}
	if calls := provider.callCount(); calls != 1 {
		t.Fatalf("expected exactly one provider call, got %d", calls)
	}
}

func TestAnalyzeImageLeaderCancellationDoesNotFailFollower(t *testing.T) {
	provider := newBlockingProvider(logoAnalysis())
	cache := &stubCache{}
	uc := newTestComparisonUseCase(provider, cache, nil)

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := uc.AnalyzeImage(leaderCtx, googleLogoURL)
		leaderErr <- err
	}()
	<-provider.started

	followerErr := make(chan error, 1)
	go func() {
		_, err := uc.AnalyzeImage(context.Background(), googleLogoURL)
		followerErr <- err
	}()
	waitForCacheReads(t, cache, 2)

	cancelLeader()
	select {
	case err := <-leaderErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected leader to see its own cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("leader did not return after cancellation")
	}

	close(provider.release)
	select {
	case err := <-followerErr:
		if err != nil {
			t.Fatalf("expected follower to succeed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("follower did not return")
	}
	if calls := provider.callCount(); calls != 1 {
		t.Fatalf("expected one shared provider call, got %d", calls)
	}
}
