package vision

import (
	"maps"
	"math"
	"slices"
	"strings"
)

// Composite weights. They sum to 1.
const (
	LabelWeight     = 0.40
	ObjectWeight    = 0.35
	WebEntityWeight = 0.25
)

// ConfidentMatchThreshold is the composite score above which two images are
// considered the same item.
const ConfidentMatchThreshold = 80.0

// minObjectWeight keeps zero-confidence detections from vanishing.
const minObjectWeight = 0.01

// SimilarityDetails breaks the composite score down per signal.
type SimilarityDetails struct {
	LabelSimilarity     float64 `json:"labelSimilarity"`
	ObjectSimilarity    float64 `json:"objectSimilarity"`
	WebEntitySimilarity float64 `json:"webEntitySimilarity"`
}

// SimilarityResult is the outcome of comparing two analyses.
type SimilarityResult struct {
	Score   float64           `json:"similarityScore"`
	Details SimilarityDetails `json:"details"`
}

// IsConfidentMatch reports whether the score clears ConfidentMatchThreshold.
func (r SimilarityResult) IsConfidentMatch() bool {
	return r.Score >= ConfidentMatchThreshold
}

// Compare scores how alike two analyses are on a 0-100 scale.
//
// Labels and web entities use Jaccard overlap on trimmed, lower-cased strings.
// Objects use a confidence-weighted overlap: a shared object counts with the
// lower of its two confidences, an unshared one with its own. A signal that is
// empty on both sides is left out of the composite and the remaining weights
// are renormalized.
func Compare(a, b Analysis) SimilarityResult {
	labelsA, labelsB := normalizeSet(a.Labels), normalizeSet(b.Labels)
	objectsA, objectsB := normalizeObjects(a.Objects), normalizeObjects(b.Objects)
	webA, webB := normalizeSet(a.WebEntities), normalizeSet(b.WebEntities)

	details := SimilarityDetails{
		LabelSimilarity:     round2(jaccard(labelsA, labelsB) * 100),
		ObjectSimilarity:    round2(weightedOverlap(objectsA, objectsB) * 100),
		WebEntitySimilarity: round2(jaccard(webA, webB) * 100),
	}

	var sum, weights float64
	if len(labelsA)+len(labelsB) > 0 {
		sum += LabelWeight * details.LabelSimilarity
		weights += LabelWeight
	}
	if len(objectsA)+len(objectsB) > 0 {
		sum += ObjectWeight * details.ObjectSimilarity
		weights += ObjectWeight
	}
	if len(webA)+len(webB) > 0 {
		sum += WebEntityWeight * details.WebEntitySimilarity
		weights += WebEntityWeight
	}

	var score float64
	if weights > 0 {
		score = clamp(round2(sum/weights), 0, 100)
	}
	return SimilarityResult{Score: score, Details: details}
}

func normalizeSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if key := normalizeKey(v); key != "" {
			set[key] = struct{}{}
		}
	}
	return set
}

func normalizeObjects(objects []DetectedObject) map[string]float64 {
	set := make(map[string]float64, len(objects))
	for _, obj := range objects {
		key := normalizeKey(obj.Name)
		if key == "" {
			continue
		}
		score := clamp(obj.Score, 0, 1)
		if math.IsNaN(obj.Score) {
			score = 0
		}
		if prev, ok := set[key]; !ok || score > prev {
			set[key] = score
		}
	}
	return set
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	shared := 0
	for k := range a {
		if _, ok := b[k]; ok {
			shared++
		}
	}
	union := len(a) + len(b) - shared
	return float64(shared) / float64(union)
}

func weightedOverlap(a, b map[string]float64) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	keys := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}

	// Sum in key order so the result does not depend on map iteration or on
	// which side is passed first.
	var shared, unshared float64
	for _, k := range slices.Sorted(maps.Keys(keys)) {
		sa, inA := a[k]
		sb, inB := b[k]
		switch {
		case inA && inB:
			shared += math.Max(math.Min(sa, sb), minObjectWeight)
		case inA:
			unshared += math.Max(sa, minObjectWeight)
		default:
			unshared += math.Max(sb, minObjectWeight)
		}
	}
	return shared / (shared + unshared)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
