package usecase

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/lostfound/internal/events"
	"github.com/example/lostfound/internal/logging"
	"github.com/example/lostfound/internal/repository"
	"github.com/example/lostfound/internal/vision"
)

var (
	ErrItemNotFound = errors.New("item not found")
	ErrForbidden    = errors.New("item belongs to another user")
)

// ItemRepository defines the persistence operations needed by ItemUseCase.
type ItemRepository interface {
	Create(ctx context.Context, item *repository.Item) error
	FindByPublicID(ctx context.Context, publicID string) (*repository.Item, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*repository.Item, error)
	ListCandidates(ctx context.Context, itemType repository.ItemType, excludeOwner string) ([]*repository.Item, error)
	UpdateAnalysis(ctx context.Context, item *repository.Item) error
	MarkResolved(ctx context.Context, item *repository.Item) error
}

// Analyzer resolves an image reference to a vision analysis.
type Analyzer interface {
	AnalyzeImage(ctx context.Context, imageURL string) (*vision.Analysis, error)
}

// MatchPublisher announces likely matches.
type MatchPublisher interface {
	PublishMatches(ctx context.Context, events []events.MatchFound) error
}

// RegisterItemInput is the caller supplied part of a new item report.
type RegisterItemInput struct {
	ImageURL    string
	ItemType    string
	Description string
}

// Match is a candidate item scored against a reference item.
type Match struct {
	Item    *repository.Item         `json:"item"`
	Score   float64                  `json:"score"`
	Details vision.SimilarityDetails `json:"details"`
}

// MatchingOptions tunes which matches are listed and announced.
type MatchingOptions struct {
	MinScore    float64
	NotifyScore float64
}

// ItemUseCase manages lost/found reports and finds likely matches between them.
type ItemUseCase struct {
	repo      ItemRepository
	analyzer  Analyzer
	publisher MatchPublisher
	opts      MatchingOptions
	logger    *zap.Logger
}

// NewItemUseCase constructs a new use case instance.
func NewItemUseCase(repo ItemRepository, analyzer Analyzer, publisher MatchPublisher, opts MatchingOptions, logger *zap.Logger) *ItemUseCase {
	return &ItemUseCase{
		repo:      repo,
		analyzer:  analyzer,
		publisher: publisher,
		opts:      opts,
		logger:    logger.Named("item_usecase"),
	}
}

// RegisterItem analyzes the photo, stores the report and returns it together
// with the matches found at registration time.
func (uc *ItemUseCase) RegisterItem(ctx context.Context, ownerID string, in RegisterItemInput) (*repository.Item, []Match, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, nil, fmt.Errorf("%w: owner is required", vision.ErrInvalidInput)
	}
	itemType := repository.ItemType(strings.ToLower(strings.TrimSpace(in.ItemType)))
	if !itemType.Valid() {
		return nil, nil, fmt.Errorf("%w: itemType must be %q or %q", vision.ErrInvalidInput, repository.ItemTypeLost, repository.ItemTypeFound)
	}
	imageURL := strings.TrimSpace(in.ImageURL)
	if err := vision.ValidateImageURL(imageURL); err != nil {
		return nil, nil, err
	}

	analysis, err := uc.analyzer.AnalyzeImage(ctx, imageURL)
	if err != nil {
		return nil, nil, err
	}

	item := &repository.Item{
		PublicID:    uuid.NewString(),
		OwnerID:     ownerID,
		ImageURL:    imageURL,
		ItemType:    itemType,
		Description: strings.TrimSpace(in.Description),
		Analysis:    analysis,
		CreatedAt:   time.Now().UTC(),
	}
	opLogger := logging.WithOperation(uc.logger, "usecase.register_item", item.PublicID)
	if err := uc.repo.Create(ctx, item); err != nil {
		opLogger.Error("failed to persist item", zap.Error(err))
		return nil, nil, err
	}

	matches, err := uc.matchesFor(ctx, item, 0)
	if err != nil {
		// The report is stored; matches can be fetched later.
		opLogger.Warn("failed to compute matches for new item", zap.Error(err))
		return item, nil, nil
	}
	uc.announce(ctx, item, matches)
	return item, matches, nil
}

// GetItem loads one of the caller's items. Items owned by someone else are
// reported as not found.
func (uc *ItemUseCase) GetItem(ctx context.Context, ownerID, publicID string) (*repository.Item, error) {
	item, err := uc.load(ctx, publicID)
	if err != nil {
		return nil, err
	}
	if item.OwnerID != ownerID {
		return nil, ErrItemNotFound
	}
	return item, nil
}

// ListItems returns the caller's reports.
func (uc *ItemUseCase) ListItems(ctx context.Context, ownerID string) ([]*repository.Item, error) {
	return uc.repo.ListByOwner(ctx, ownerID)
}

// FindMatches scores one of the caller's items against every open report of
// the opposite type and returns those at or above the configured minimum, best
// first. A limit of zero returns all of them.
func (uc *ItemUseCase) FindMatches(ctx context.Context, ownerID, publicID string, limit int) ([]Match, error) {
	item, err := uc.GetItem(ctx, ownerID, publicID)
	if err != nil {
		return nil, err
	}
	if item.Analysis == nil {
		if err := uc.ensureAnalysis(ctx, item); err != nil {
			return nil, err
		}
	}
	return uc.matchesFor(ctx, item, limit)
}

// ResolveItem closes a report. Only its owner may do so.
func (uc *ItemUseCase) ResolveItem(ctx context.Context, ownerID, publicID string) (*repository.Item, error) {
	item, err := uc.load(ctx, publicID)
	if err != nil {
		return nil, err
	}
	if item.OwnerID != ownerID {
		return nil, ErrForbidden
	}
	if item.IsResolved {
		return item, nil
	}
	if err := uc.repo.MarkResolved(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

func (uc *ItemUseCase) load(ctx context.Context, publicID string) (*repository.Item, error) {
	item, err := uc.repo.FindByPublicID(ctx, strings.TrimSpace(publicID))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrItemNotFound
		}
		return nil, err
	}
	return item, nil
}

func (uc *ItemUseCase) matchesFor(ctx context.Context, item *repository.Item, limit int) ([]Match, error) {
	candidates, err := uc.repo.ListCandidates(ctx, item.ItemType.Opposite(), item.OwnerID)
	if err != nil {
		return nil, err
	}

	opLogger := logging.WithOperation(uc.logger, "usecase.find_matches", item.PublicID)
	matches := make([]Match, 0, len(candidates))
	for _, candidate := range candidates {
		if candidate.Analysis == nil {
			if err := uc.ensureAnalysis(ctx, candidate); err != nil {
				opLogger.Warn("skipping candidate without analysis", zap.String("candidate_id", candidate.PublicID), zap.Error(err))
				continue
			}
		}
		result := vision.Compare(*item.Analysis, *candidate.Analysis)
		if result.Score < uc.opts.MinScore {
			continue
		}
		matches = append(matches, Match{Item: candidate, Score: result.Score, Details: result.Details})
	}

	slices.SortStableFunc(matches, func(a, b Match) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return a.Item.CreatedAt.Compare(b.Item.CreatedAt)
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// ensureAnalysis back-fills a missing analysis on a stored item.
func (uc *ItemUseCase) ensureAnalysis(ctx context.Context, item *repository.Item) error {
	analysis, err := uc.analyzer.AnalyzeImage(ctx, item.ImageURL)
	if err != nil {
		return err
	}
	item.Analysis = analysis
	if err := uc.repo.UpdateAnalysis(ctx, item); err != nil {
		logging.WithOperation(uc.logger, "usecase.ensure_analysis", item.PublicID).Warn("failed to store analysis", zap.Error(err))
	}
	return nil
}

func (uc *ItemUseCase) announce(ctx context.Context, item *repository.Item, matches []Match) {
	if uc.publisher == nil {
		return
	}
	var batch []events.MatchFound
	for _, m := range matches {
		if m.Score < uc.opts.NotifyScore {
			continue
		}
		batch = append(batch, events.NewMatchFound(item.PublicID, item.OwnerID, m.Item.PublicID, m.Item.OwnerID, m.Score))
	}
	if len(batch) == 0 {
		return
	}
	if err := uc.publisher.PublishMatches(ctx, batch); err != nil {
		logging.WithOperation(uc.logger, "usecase.announce_matches", item.PublicID).Warn("failed to publish match events", zap.Error(err), zap.Int("events", len(batch)))
	}
}
