package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRequestLoggingEmitsStartAndCompletion(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	var ctxRequestID string
	handler := RequestLogging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxRequestID, _ = RequestIDFromContext(r.Context())
		LoggerFromContext(r.Context()).Info("inside handler")
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/evaluate", nil))

	if ctxRequestID == "" {
		t.Fatal("request id missing from context")
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d log lines, want 3:\n%s", len(lines), buf.String())
	}

	var completed map[string]any
	if err := json.Unmarshal([]byte(lines[2]), &completed); err != nil {
		t.Fatalf("unmarshal completion line: %v", err)
	}
	if completed["msg"] != "request completed" {
		t.Fatalf("final line msg = %v", completed["msg"])
	}
	if completed["request_id"] != ctxRequestID {
		t.Fatalf("request_id = %v, want %v", completed["request_id"], ctxRequestID)
	}
	if completed["status_code"] != float64(http.StatusTeapot) {
		t.Fatalf("status_code = %v, want %d", completed["status_code"], http.StatusTeapot)
	}
	if completed["path"] != "/v1/evaluate" {
		t.Fatalf("path = %v", completed["path"])
	}
}

func TestResponseWriterDefaultsToOKOnWrite(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, statusCode: http.StatusOK}

	if _, err := rw.Write([]byte("body")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	rw.WriteHeader(http.StatusInternalServerError)

	if rw.statusCode != http.StatusOK {
		t.Fatalf("statusCode = %d, want %d (first write wins)", rw.statusCode, http.StatusOK)
	}
}
