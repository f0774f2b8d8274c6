package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"lowercases scheme and host", "HTTP://LocalHost:8080", "http://localhost:8080"},
		{"strips default http port", "http://example.com:80", "http://example.com"},
		{"strips default https port", "https://example.com:443", "https://example.com"},
		{"keeps non-default port", "http://example.com:11434", "http://example.com:11434"},
		{"strips trailing slash", "http://example.com:11434/", "http://example.com:11434"},
		{"strips repeated trailing slashes", "http://example.com/api///", "http://example.com/api"},
		{"keeps https default port when scheme is http", "http://example.com:443", "http://example.com:443"},
		{"trims whitespace", "  http://example.com ", "http://example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeURL(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestNormalizeURL_Idempotent(t *testing.T) {
	inputs := []string{
		"HTTP://Example.COM:80/v1/",
		"https://ollama.local:443//",
		"http://10.0.0.5:11434",
	}
	for _, in := range inputs {
		once, err := NormalizeURL(in)
		require.NoError(t, err)
		twice, err := NormalizeURL(once)
		require.NoError(t, err)
		assert.Equal(t, once, twice, "normalisation must be idempotent for %s", in)
	}
}

func TestNormalizeURL_Invalid(t *testing.T) {
	for _, in := range []string{"", "not a url", "/relative/path", "localhost:11434"} {
		_, err := NormalizeURL(in)
		assert.Error(t, err, "expected error for %q", in)
	}
}

func TestExponentialBackoff(t *testing.T) {
	assert.Equal(t, 10, int(ExponentialBackoff(0, 10, 2, 0)))
	assert.Equal(t, 20, int(ExponentialBackoff(1, 10, 2, 0)))
	assert.Equal(t, 40, int(ExponentialBackoff(2, 10, 2, 0)))
	assert.Equal(t, 25, int(ExponentialBackoff(4, 10, 2, 25)), "capped at max delay")
	assert.Equal(t, 10, int(ExponentialBackoff(-1, 10, 2, 0)), "negative attempt clamps to zero")
	assert.Equal(t, 10, int(ExponentialBackoff(3, 10, 0.5, 0)), "multiplier below one clamps to one")
}
