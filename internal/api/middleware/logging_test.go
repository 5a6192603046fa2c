package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

// captureLog runs one request through StructuredLogger and decodes the
// resulting JSON log line.
func captureLog(t *testing.T, method, path string, h http.HandlerFunc) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	handler := StructuredLogger(slog.New(slog.NewJSONHandler(&buf, nil)))(h)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(method, path, nil))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("parsing log output %q: %v", buf.String(), err)
	}
	return entry
}

func TestStructuredLoggerFields(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		path       string
		handler    http.HandlerFunc
		wantStatus float64 // JSON numbers decode as float64
	}{
		{
			"implicit 200 on body write",
			http.MethodGet, "/healthz",
			func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("ok")) },
			200,
		},
		{
			"explicit status recorded",
			http.MethodPost, "/v1/missing",
			func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) },
			404,
		},
		{
			"second WriteHeader ignored",
			http.MethodGet, "/v1/campaigns",
			func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusCreated)
				w.WriteHeader(http.StatusInternalServerError)
			},
			201,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := captureLog(t, tt.method, tt.path, tt.handler)
			if entry["method"] != tt.method {
				t.Errorf("method = %v, want %s", entry["method"], tt.method)
			}
			if entry["path"] != tt.path {
				t.Errorf("path = %v, want %s", entry["path"], tt.path)
			}
			if entry["status"] != tt.wantStatus {
				t.Errorf("status = %v, want %v", entry["status"], tt.wantStatus)
			}
			if _, ok := entry["duration_ms"]; !ok {
				t.Error("log line missing duration_ms")
			}
		})
	}
}

func TestWrapResponseWriterHijackUnsupported(t *testing.T) {
	// httptest.ResponseRecorder is not a Hijacker; the wrapper must report
	// that instead of panicking, or a WebSocket upgrade attempt on a plain
	// writer would crash the handler.
	w := newWrapResponseWriter(httptest.NewRecorder())
	if _, _, err := w.Hijack(); err == nil {
		t.Fatal("expected error hijacking a non-hijackable writer")
	}
}
