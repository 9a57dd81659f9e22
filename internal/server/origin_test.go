package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestNormalizeOrigin(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"http://localhost:8080", "http://localhost:8080", true},
		{"HTTP://Example.COM", "http://example.com", true},
		{"https://example.com/some/path", "https://example.com", true},
		{"not-a-url", "", false},
		{"://missing-scheme", "", false},
		{"http://", "", false},
		{"javascript:alert(1)", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := normalizeOrigin(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func requestWithOrigin(origin string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
	if origin != "" {
		r.Header.Set("Origin", origin)
	}
	return r
}

func TestOriginPolicy(t *testing.T) {
	p := NewOriginPolicy([]string{" http://Example.com ", "", "bogus", "https://chat.example.org"}, zaptest.NewLogger(t))

	assert.False(t, p.AllowAll())
	assert.True(t, p.Allowed(requestWithOrigin("http://example.com")))
	assert.True(t, p.Allowed(requestWithOrigin("HTTP://EXAMPLE.COM")))
	assert.True(t, p.Allowed(requestWithOrigin("https://chat.example.org")))
	assert.False(t, p.Allowed(requestWithOrigin("https://example.com")), "scheme must match")
	assert.False(t, p.Allowed(requestWithOrigin("http://evil.example")))
	assert.False(t, p.Allowed(requestWithOrigin("bogus")))
	assert.False(t, p.Allowed(requestWithOrigin("")), "missing origin")
	assert.False(t, p.CheckOrigin(requestWithOrigin("http://evil.example")))
}

func TestOriginPolicyAllowAll(t *testing.T) {
	p := NewOriginPolicy([]string{"*"}, nil)

	assert.True(t, p.AllowAll())
	assert.True(t, p.Allowed(requestWithOrigin("http://anything.example")))
	assert.True(t, p.Allowed(requestWithOrigin("")))
}

func TestOriginPolicyEmpty(t *testing.T) {
	p := NewOriginPolicy(nil, nil)

	assert.False(t, p.Allowed(requestWithOrigin("http://localhost:8080")))
}
