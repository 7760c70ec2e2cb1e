package vision

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateImageURL(t *testing.T) {
	cases := []struct {
		name  string
		raw   string
		valid bool
	}{
		{"https", "https://example.com/photos/wallet.jpg", true},
		{"http with spaces", "  http://cdn.example.com/a.png ", true},
		{"empty", "", false},
		{"blank", "   ", false},
		{"relative", "photos/wallet.jpg", false},
		{"ftp", "ftp://example.com/a.jpg", false},
		{"no host", "http://", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateImageURL(tc.raw)
			if tc.valid {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestUnavailableWrapsSentinel(t *testing.T) {
	err := Unavailable(errors.New("status 404"))
	assert.ErrorIs(t, err, ErrAnalysisUnavailable)
	assert.Contains(t, err.Error(), "status 404")

	assert.ErrorIs(t, Unavailable(nil), ErrAnalysisUnavailable)
}

func TestAnalysisIsEmpty(t *testing.T) {
	assert.True(t, Analysis{}.IsEmpty())
	assert.False(t, Analysis{WebEntities: []string{"Gucci"}}.IsEmpty())
}
