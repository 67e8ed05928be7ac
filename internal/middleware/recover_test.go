package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	chimw "github.com/go-chi/chi/v5/middleware"
)

func TestRecoverWritesJSONAndLogsRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	panicker := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("valuation exploded")
	})
	h := chimw.RequestID(Recover(logger)(panicker))

	req := httptest.NewRequest(http.MethodGet, "/api/valuations", nil)
	req.Header.Set(chimw.RequestIDHeader, "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body %q is not JSON: %v", rec.Body.String(), err)
	}
	if body["error"] != "internal server error" {
		t.Errorf("error = %q", body["error"])
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log %q is not JSON: %v", buf.String(), err)
	}
	if entry["msg"] != "handler panic" || entry["request_id"] != "req-42" {
		t.Errorf("log entry = %v, want handler panic with request_id req-42", entry)
	}
	if entry["panic"] != "valuation exploded" || entry["path"] != "/api/valuations" {
		t.Errorf("log entry = %v", entry)
	}
	if stack, _ := entry["stack"].(string); !strings.Contains(stack, "goroutine") {
		t.Error("log entry has no stack")
	}
}

func TestRecoverRepanicsOnAbort(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	aborter := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	})
	h := Recover(logger)(aborter)

	defer func() {
		rec := recover()
		if rec != http.ErrAbortHandler {
			t.Errorf("recovered %v, want http.ErrAbortHandler", rec)
		}
		if buf.Len() != 0 {
			t.Errorf("abort should not be logged, got %q", buf.String())
		}
	}()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/valuations", nil))
	t.Error("ServeHTTP returned, want re-panic")
}

func TestRecoverPassesThrough(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	normal := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	rec := httptest.NewRecorder()
	Recover(logger)(normal).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/positions/reload", nil))

	if rec.Code != http.StatusAccepted || rec.Body.String() != `{"status":"ok"}` {
		t.Errorf("response = %d %q", rec.Code, rec.Body.String())
	}
	if buf.Len() != 0 {
		t.Errorf("unexpected log output %q", buf.String())
	}
}
