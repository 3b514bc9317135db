package pagestate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		name     string
		html     string
		expected Interstitial
	}{
		{
			name:     "cloudflare title",
			html:     `<html><head><title>Just a moment...</title></head><body></body></html>`,
			expected: Challenge,
		},
		{
			name:     "turnstile iframe",
			html:     `<html><body><div class="main"><iframe src="https://challenges.cloudflare.com/cdn-cgi/challenge-platform/h/b/turnstile"></iframe></div></body></html>`,
			expected: Challenge,
		},
		{
			name:     "challenge form",
			html:     `<html><body><form id="challenge-form" action="/x"></form></body></html>`,
			expected: Challenge,
		},
		{
			name:     "consent dialog",
			html:     `<html><head><title>Proshop</title></head><body><button id="declineButton">Hylkää</button></body></html>`,
			expected: Consent,
		},
		{
			name:     "challenge wins over consent",
			html:     `<html><body><button id="declineButton"></button><div class="cf-turnstile"></div></body></html>`,
			expected: Challenge,
		},
		{
			name:     "plain product page",
			html:     `<html><head><title>NVIDIA GeForce RTX 5080 - Proshop</title></head><body><button data-form-action="addToBasket">Lisää ostoskoriin</button></body></html>`,
			expected: None,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, err := Detect(tt.html)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, kind)
		})
	}
}

func TestIsChallenge(t *testing.T) {
	assert.True(t, IsChallenge(`<title>Just a moment...</title>`))
	assert.False(t, IsChallenge(`<title>Proshop</title>`))
	assert.False(t, IsChallenge(``))
}
