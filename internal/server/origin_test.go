package server

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestOriginPolicy(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"exact match", []string{"http://localhost:8080"}, "http://localhost:8080", true},
		{"case insensitive", []string{"HTTP://LocalHost:8080"}, "http://localhost:8080", true},
		{"path ignored", []string{"https://chat.example.com/app"}, "https://chat.example.com", true},
		{"other port", []string{"http://localhost:8080"}, "http://localhost:9090", false},
		{"missing origin", []string{"http://localhost:8080"}, "", false},
		{"malformed origin", []string{"*"}, "not-a-url", false},
		{"wildcard", []string{"*"}, "https://anything.test", true},
		{"invalid config entry ignored", []string{"nonsense", "http://ok.test"}, "http://ok.test", true},
		{"empty allow-list", nil, "http://localhost:8080", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newOriginPolicy(tt.allowed, zap.NewNop())
			req := httptest.NewRequest("GET", "/ws", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, p.check(req))
		})
	}
}
