package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetricsMux(t *testing.T) {
	RecordCompression("stellar", StatusCompleted, 1, 100, 50, 50)

	mux := newMux()

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK || w.Body.String() != "OK" {
		t.Errorf("Expected 200 OK, got %d %q", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "chronos_compressions_total") {
		t.Error("Expected compression counter in exposition")
	}
}

func TestNewServer(t *testing.T) {
	s := NewServer(9999)
	if s.Port() != 9999 {
		t.Errorf("Expected port 9999, got %d", s.Port())
	}
}
