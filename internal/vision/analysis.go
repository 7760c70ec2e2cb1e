// Package vision holds the image analysis model shared by every provider and
// the similarity scorer that compares two analyses.
package vision

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	// ErrInvalidInput is returned when a required image reference is missing
	// or malformed. It is raised before any provider call is made.
	ErrInvalidInput = errors.New("invalid input")
	// ErrAnalysisUnavailable is returned when a provider cannot produce an
	// analysis for an image.
	ErrAnalysisUnavailable = errors.New("analysis unavailable")
)

// DetectedObject is a single object localized in an image.
type DetectedObject struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// Analysis is the structured output of an image-understanding service for
// one image. Ordering of its slices carries no meaning.
type Analysis struct {
	Labels      []string         `json:"labels"`
	Objects     []DetectedObject `json:"objects"`
	WebEntities []string         `json:"webEntities"`
}

// IsEmpty reports whether the analysis carries no signal at all.
func (a Analysis) IsEmpty() bool {
	return len(a.Labels) == 0 && len(a.Objects) == 0 && len(a.WebEntities) == 0
}

// Provider produces an Analysis for an image reference.
type Provider interface {
	Analyze(ctx context.Context, imageURL string) (*Analysis, error)
}

// Unavailable wraps cause so that errors.Is(err, ErrAnalysisUnavailable)
// holds while the original cause stays in the message.
func Unavailable(cause error) error {
	if cause == nil {
		return ErrAnalysisUnavailable
	}
	return fmt.Errorf("%w: %w", ErrAnalysisUnavailable, cause)
}

// ValidateImageURL checks that raw is an absolute http(s) URL.
func ValidateImageURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("%w: image url is required", ErrInvalidInput)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: image url: %v", ErrInvalidInput, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%w: unsupported url scheme %q", ErrInvalidInput, parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%w: image url has no host", ErrInvalidInput)
	}
	return nil
}
