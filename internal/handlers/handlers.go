package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/example/lostfound/internal/auth"
	"github.com/example/lostfound/internal/repository"
	"github.com/example/lostfound/internal/usecase"
	"github.com/example/lostfound/internal/vision"
)

// MaxBodySize caps JSON request bodies.
const MaxBodySize = 1 << 20

// DefaultMatchLimit applies when the caller does not pass ?limit.
const DefaultMatchLimit = 20

// ComparisonService is the image analysis surface used by the handlers.
type ComparisonService interface {
	AnalyzeImage(ctx context.Context, imageURL string) (*vision.Analysis, error)
	CompareImages(ctx context.Context, image1URL, image2URL string) (*vision.SimilarityResult, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// ItemService is the item report surface used by the handlers.
type ItemService interface {
	RegisterItem(ctx context.Context, ownerID string, in usecase.RegisterItemInput) (*repository.Item, []usecase.Match, error)
	GetItem(ctx context.Context, ownerID, publicID string) (*repository.Item, error)
	ListItems(ctx context.Context, ownerID string) ([]*repository.Item, error)
	FindMatches(ctx context.Context, ownerID, publicID string, limit int) ([]usecase.Match, error)
	ResolveItem(ctx context.Context, ownerID, publicID string) (*repository.Item, error)
}

type analyzeRequest struct {
	ImageURL string `json:"imageUrl"`
}

type compareRequest struct {
	Image1URL string `json:"image1Url"`
	Image2URL string `json:"image2Url"`
}

type registerItemRequest struct {
	ImageURL    string `json:"imageUrl"`
	ItemType    string `json:"itemType"`
	Description string `json:"description"`
}

type comparisonMatch struct {
	Score   float64                  `json:"score"`
	Details vision.SimilarityDetails `json:"details"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, comparisons ComparisonService, items ItemService, authMiddleware gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api", limitBody(MaxBodySize))
	if authMiddleware != nil {
		api.Use(authMiddleware)
	}

	imgs := api.Group("/image-comparison")
	imgs.POST("/analyze", func(c *gin.Context) {
		var req analyzeRequest
		if !bindJSON(c, &req) {
			return
		}
		analysis, err := comparisons.AnalyzeImage(c.Request.Context(), req.ImageURL)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": analysis})
	})

	imgs.POST("/compare", func(c *gin.Context) {
		var req compareRequest
		if !bindJSON(c, &req) {
			return
		}
		result, err := comparisons.CompareImages(c.Request.Context(), req.Image1URL, req.Image2URL)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": gin.H{
			"matches": []comparisonMatch{{Score: result.Score, Details: result.Details}},
		}})
	})

	imgs.GET("/metrics", func(c *gin.Context) {
		summary, err := comparisons.GetMetricsSummary(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": summary})
	})

	api.POST("/items", func(c *gin.Context) {
		var req registerItemRequest
		if !bindJSON(c, &req) {
			return
		}
		item, matches, err := items.RegisterItem(c.Request.Context(), auth.MustUserID(c), usecase.RegisterItemInput{
			ImageURL:    req.ImageURL,
			ItemType:    req.ItemType,
			Description: req.Description,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"data": item, "matches": nonNil(matches)})
	})

	api.GET("/items", func(c *gin.Context) {
		list, err := items.ListItems(c.Request.Context(), auth.MustUserID(c))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": nonNil(list)})
	})

	api.GET("/items/:id", func(c *gin.Context) {
		item, err := items.GetItem(c.Request.Context(), auth.MustUserID(c), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": item})
	})

	api.GET("/items/:id/matches", func(c *gin.Context) {
		limit := DefaultMatchLimit
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = n
		}
		matches, err := items.FindMatches(c.Request.Context(), auth.MustUserID(c), c.Param("id"), limit)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": gin.H{"matches": nonNil(matches)}})
	})

	api.POST("/items/:id/resolve", func(c *gin.Context) {
		item, err := items.ResolveItem(c.Request.Context(), auth.MustUserID(c), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": item})
	})
}

func limitBody(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		}
		c.Next()
	}
}

func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			return false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return false
	}
	return true
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, vision.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, usecase.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, usecase.ErrItemNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, vision.ErrAnalysisUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{"error": vision.ErrAnalysisUnavailable.Error()})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
