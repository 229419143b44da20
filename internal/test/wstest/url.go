package wstest

import (
	"net/http/httptest"
	"strings"
)

// URL returns the WebSocket URL of s. TLS servers get wss.
func URL(s *httptest.Server) string {
	if rest, ok := strings.CutPrefix(s.URL, "https://"); ok {
		return "wss://" + rest
	}
	return "ws://" + strings.TrimPrefix(s.URL, "http://")
}
