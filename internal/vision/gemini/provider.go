// Package gemini implements vision.Provider on top of the Gemini API using
// structured JSON output.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/example/lostfound/internal/imagefetch"
	"github.com/example/lostfound/internal/imageprocessor"
	"github.com/example/lostfound/internal/vision"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-2.5-flash"

const analysisPrompt = `You are the image analysis step of a lost-and-found service.
Describe the photographed item so it can be matched against photos of other items.

Return JSON with:
- labels: short generic labels for what is visible (e.g. "Wallet", "Leather", "Brown").
- objects: physical objects you can localize, each with a name and a confidence score between 0 and 1.
- webEntities: specific named concepts the image would be associated with on the web (brands, product lines, landmarks). Use an empty list if none apply.

Use English, singular nouns, Title Case. Do not invent details that are not visible.`

// Fetcher downloads an image referenced by URL.
type Fetcher interface {
	Fetch(ctx context.Context, imageURL string) (*imagefetch.Image, error)
}

// Normalizer prepares raw image bytes for upload.
type Normalizer interface {
	Normalize(data []byte) (*imageprocessor.Result, error)
}

// generator is the subset of *genai.Models used here.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Provider analyzes images with Gemini.
type Provider struct {
	models     generator
	model      string
	fetcher    Fetcher
	normalizer Normalizer
	logger     *zap.Logger
}

// NewProvider creates a Gemini client authenticated with apiKey.
func NewProvider(ctx context.Context, apiKey, model string, fetcher Fetcher, normalizer Normalizer, logger *zap.Logger) (*Provider, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("gemini: api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return newProvider(client.Models, model, fetcher, normalizer, logger), nil
}

func newProvider(models generator, model string, fetcher Fetcher, normalizer Normalizer, logger *zap.Logger) *Provider {
	if model == "" {
		model = DefaultModel
	}
	return &Provider{
		models:     models,
		model:      model,
		fetcher:    fetcher,
		normalizer: normalizer,
		logger:     logger.Named("gemini_provider"),
	}
}

// Analyze implements vision.Provider. Every failure wraps
// vision.ErrAnalysisUnavailable.
func (p *Provider) Analyze(ctx context.Context, imageURL string) (*vision.Analysis, error) {
	start := time.Now()

	img, err := p.fetcher.Fetch(ctx, imageURL)
	if err != nil {
		return nil, vision.Unavailable(fmt.Errorf("fetch image: %w", err))
	}

	normalized, err := p.normalizer.Normalize(img.Data)
	if err != nil {
		return nil, vision.Unavailable(fmt.Errorf("normalize image: %w", err))
	}

	parts := []*genai.Part{
		genai.NewPartFromText(analysisPrompt),
		{InlineData: &genai.Blob{Data: normalized.Data, MIMEType: normalized.MIMEType}},
	}
	temperature := float32(0)
	config := &genai.GenerateContentConfig{
		Temperature:      &temperature,
		ResponseMIMEType: "application/json",
		ResponseSchema:   analysisSchema(),
	}

	result, err := p.models.GenerateContent(ctx, p.model, []*genai.Content{
		genai.NewContentFromParts(parts, genai.RoleUser),
	}, config)
	if err != nil {
		return nil, vision.Unavailable(fmt.Errorf("generate content: %w", err))
	}
	if len(result.Candidates) == 0 || result.Candidates[0].Content == nil || len(result.Candidates[0].Content.Parts) == 0 {
		return nil, vision.Unavailable(errors.New("empty response from gemini"))
	}

	analysis, err := parseAnalysis(result.Text())
	if err != nil {
		return nil, vision.Unavailable(err)
	}

	fields := []zap.Field{
		zap.String("model", p.model),
		zap.Int("labels", len(analysis.Labels)),
		zap.Int("objects", len(analysis.Objects)),
		zap.Int("web_entities", len(analysis.WebEntities)),
		zap.Duration("elapsed", time.Since(start)),
	}
	if result.UsageMetadata != nil {
		fields = append(fields,
			zap.Int32("input_tokens", result.UsageMetadata.PromptTokenCount),
			zap.Int32("output_tokens", result.UsageMetadata.CandidatesTokenCount),
		)
	}
	p.logger.Info("vision analysis completed", fields...)

	return analysis, nil
}

func analysisSchema() *genai.Schema {
	stringList := &genai.Schema{
		Type:  genai.TypeArray,
		Items: &genai.Schema{Type: genai.TypeString},
	}
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"labels": stringList,
			"objects": {
				Type: genai.TypeArray,
				Items: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"name":  {Type: genai.TypeString},
						"score": {Type: genai.TypeNumber},
					},
					Required: []string{"name", "score"},
				},
			},
			"webEntities": stringList,
		},
		Required: []string{"labels", "objects", "webEntities"},
	}
}

// parseAnalysis decodes the model output. Markdown fences are tolerated,
// blank entries are dropped and scores are clamped into [0,1].
func parseAnalysis(text string) (*vision.Analysis, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var raw vision.Analysis
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w (response: %s)", err, text)
	}

	out := &vision.Analysis{
		Labels:      compact(raw.Labels),
		Objects:     make([]vision.DetectedObject, 0, len(raw.Objects)),
		WebEntities: compact(raw.WebEntities),
	}
	for _, obj := range raw.Objects {
		name := strings.TrimSpace(obj.Name)
		if name == "" {
			continue
		}
		score := obj.Score
		if score < 0 {
			score = 0
		} else if score > 1 {
			score = 1
		}
		out.Objects = append(out.Objects, vision.DetectedObject{Name: name, Score: score})
	}
	return out, nil
}

func compact(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
