package httputil

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bissquit/notify-relay/internal/pkg/ctxlog"
)

var errMissing = errors.New("missing")

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error.Message
}

func TestHandleError(t *testing.T) {
	mappings := []ErrorMapping{
		{Error: errMissing, Status: http.StatusNotFound, Message: "thing not found"},
	}

	tests := []struct {
		name        string
		err         error
		wantStatus  int
		wantMessage string
	}{
		{name: "mapped", err: errMissing, wantStatus: http.StatusNotFound, wantMessage: "thing not found"},
		{name: "wrapped", err: fmt.Errorf("lookup: %w", errMissing), wantStatus: http.StatusNotFound, wantMessage: "thing not found"},
		{name: "unmapped", err: errors.New("dial tcp: refused"), wantStatus: http.StatusInternalServerError, wantMessage: "internal error"},
		{name: "cancelled", err: context.Canceled, wantStatus: http.StatusInternalServerError, wantMessage: "internal error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			HandleError(context.Background(), rec, tt.err, mappings)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Equal(t, tt.wantMessage, decodeError(t, rec))
		})
	}
}

func TestHandleError_EmptyMessageUsesError(t *testing.T) {
	rec := httptest.NewRecorder()
	HandleError(context.Background(), rec, errMissing, []ErrorMapping{{Error: errMissing, Status: http.StatusConflict}})

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "missing", decodeError(t, rec))
}

func TestText(t *testing.T) {
	rec := httptest.NewRecorder()
	Text(rec, http.StatusOK, "ok")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "ok", rec.Body.String())
}

func TestRequestLoggerMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	var handlerLogger *slog.Logger
	handler := middleware.RequestID(RequestLoggerMiddleware(logger)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handlerLogger = ctxlog.FromContext(r.Context())
			w.WriteHeader(http.StatusTeapot)
		}),
	))

	req := httptest.NewRequest(http.MethodGet, "/abc1234/json", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	require.NotNil(t, handlerLogger)
	assert.NotSame(t, slog.Default(), handlerLogger)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "http request", record["msg"])
	assert.Equal(t, "/abc1234/json", record["path"])
	assert.EqualValues(t, http.StatusTeapot, record["status"])
	assert.NotEmpty(t, record["request_id"])
}

func TestCORSMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("disabled", func(t *testing.T) {
		h := CORSMiddleware(nil)(next)
		req := httptest.NewRequest(http.MethodPost, "/api/register_channel", nil)
		req.Header.Set("Origin", "https://app.example.com")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("allowed origin", func(t *testing.T) {
		h := CORSMiddleware([]string{"https://app.example.com/"})(next)
		req := httptest.NewRequest(http.MethodPost, "/api/register_channel", nil)
		req.Header.Set("Origin", "https://app.example.com")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("preflight", func(t *testing.T) {
		h := CORSMiddleware([]string{"*"})(next)
		req := httptest.NewRequest(http.MethodOptions, "/abc1234", nil)
		req.Header.Set("Origin", "https://other.example.com")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
	})

	t.Run("preflight from unknown origin", func(t *testing.T) {
		h := CORSMiddleware([]string{"https://app.example.com"})(next)
		req := httptest.NewRequest(http.MethodOptions, "/abc1234", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestMetricsMiddleware(t *testing.T) {
	r := chi.NewRouter()
	r.Use(MetricsMiddleware)
	r.Get("/{channelId}/json", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/abc1234/json", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
