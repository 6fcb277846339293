package httpserver

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func originRequest(origin string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/v1/ws", nil)
	if origin != "" {
		r.Header.Set("Origin", origin)
	}
	return r
}

func TestAllowOrigin(t *testing.T) {
	cases := []struct {
		name   string
		cfg    string
		origin string
		want   bool
	}{
		{"wildcard allows anything", "*", "https://anywhere.example", true},
		{"empty config allows anything", "", "https://anywhere.example", true},
		{"exact host match", "https://app.example.com", "https://app.example.com", true},
		{"host match ignores case", "https://app.example.com", "https://APP.EXAMPLE.COM", true},
		{"different host rejected", "https://app.example.com", "https://evil.example.com", false},
		{"localhost on any port", "http://localhost:3000", "http://localhost:5173", true},
		{"loopback alias", "http://localhost:3000", "http://127.0.0.1:5173", true},
		{"lookalike subdomain rejected", "http://localhost:3000", "http://localhost.evil.com", false},
		{"host in path rejected", "http://localhost:3000", "http://evil.com/localhost", false},
		{"missing origin header rejected", "https://app.example.com", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, allowOrigin(originRequest(tc.origin), tc.cfg))
		})
	}
}
