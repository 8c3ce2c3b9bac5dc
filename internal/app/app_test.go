package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bissquit/notify-relay/api"
	"github.com/bissquit/notify-relay/internal/config"
	"github.com/bissquit/notify-relay/internal/domain"
	"github.com/bissquit/notify-relay/internal/relay"
	"github.com/bissquit/notify-relay/internal/relay/memory"
	"github.com/bissquit/notify-relay/internal/relay/webpush"
	"github.com/bissquit/notify-relay/internal/testutil"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []string
}

func (s *recordingSender) Send(_ context.Context, sub domain.Subscription, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sub.Endpoint)
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg, err := config.Load("")
	require.NoError(t, err)

	cfg.Store.Driver = config.DriverMemory
	cfg.Server.BaseURL = "https://notify.example.com"
	cfg.Server.StaticDir = t.TempDir()
	cfg.VAPID.PublicKey = "test-public-key"
	cfg.VAPID.PrivateKey = "test-private-key"
	cfg.RateLimit.Requests = 100
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config, sender relay.Sender) *App {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	backend := &Backend{Driver: config.DriverMemory, Open: memory.NewStore().Open}

	app, err := newApp(cfg, logger, backend, sender)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = app.Shutdown(ctx)
	})
	return app
}

func do(t *testing.T, app *App, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("X-Forwarded-For", "198.51.100.23")
	rec := httptest.NewRecorder()
	app.Router().ServeHTTP(rec, req)
	return rec
}

func TestApp_HealthEndpoints(t *testing.T) {
	app := newTestApp(t, testConfig(t), &recordingSender{})

	rec := do(t, app, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = do(t, app, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, app, http.MethodGet, "/version", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var v map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.Contains(t, v, "version")
	assert.Contains(t, v, "commit")
}

func TestApp_BroadcastFlow(t *testing.T) {
	sender := &recordingSender{}
	app := newTestApp(t, testConfig(t), sender)

	rec := do(t, app, http.MethodPost, "/api/register_channel", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var channel relay.ChannelResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &channel))
	assert.Equal(t, "test-public-key", channel.PubKey)
	assert.Equal(t, "https://notify.example.com/"+channel.ChannelID, channel.Endpoint)
	assert.Equal(t, "https://notify.example.com/c/"+channel.ChannelID, channel.ChannelPage)

	rec = do(t, app, http.MethodPost, "/"+channel.ChannelID+"/subscribe",
		`{"id":"phone","subscription":{"endpoint":"https://fcm.example.com/send/1","keys":{"auth":"a","p256dh":"k"}}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, app, http.MethodPost, "/"+channel.ChannelID, "build finished")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"https://fcm.example.com/send/1"}, sender.sent)

	rec = do(t, app, http.MethodGet, "/"+channel.ChannelID+"/json", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"message":"build finished"`)
	assert.Contains(t, rec.Body.String(), `"endpoint_domain":"fcm.example.com"`)
}

func TestApp_RateLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.RateLimit.Requests = 2
	app := newTestApp(t, cfg, &recordingSender{})

	for range 2 {
		rec := do(t, app, http.MethodPost, "/api/register_channel", "")
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := do(t, app, http.MethodPost, "/api/register_channel", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// store-free routes are not limited
	rec = do(t, app, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, app, http.MethodGet, "/undefined", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApp_StaticPages(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Server.StaticDir, "index.html"), []byte("<h1>index</h1>"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Server.StaticDir, "channel.html"), []byte("<h1>channel</h1>"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Server.StaticDir, "app.js"), []byte("console.log(1)"), 0o600))

	app := newTestApp(t, cfg, &recordingSender{})

	rec := do(t, app, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "index")

	rec = do(t, app, http.MethodGet, "/c/abcdef123", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "channel")

	rec = do(t, app, http.MethodGet, "/static/app.js", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "console.log(1)", rec.Body.String())
}

func TestApp_OpenAPIDocument(t *testing.T) {
	app := newTestApp(t, testConfig(t), &recordingSender{})

	rec := do(t, app, http.MethodGet, "/api/openapi.yaml", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-yaml", rec.Header().Get("Content-Type"))
	assert.Equal(t, api.OpenAPISpec, rec.Body.Bytes())

	rec = do(t, app, http.MethodGet, "/docs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "swagger-ui")
	assert.Contains(t, rec.Body.String(), "/api/openapi.yaml")
}

func TestApp_MatchesOpenAPIDocument(t *testing.T) {
	validator, err := testutil.LoadOpenAPIValidator(api.OpenAPISpec)
	require.NoError(t, err)

	sender := &recordingSender{}
	app := newTestApp(t, testConfig(t), sender)
	server := httptest.NewServer(app.Router())
	defer server.Close()

	client := testutil.NewValidatingClient(t, server.URL, validator)

	channel, err := client.RegisterChannel()
	require.NoError(t, err)
	require.NoError(t, client.Subscribe(channel.ChannelID, "phone", "https://fcm.example.com/send/1", "a", "k"))
	require.NoError(t, client.Send(channel.ChannelID, "build finished"))

	info, err := client.Info(channel.ChannelID)
	require.NoError(t, err)
	require.Len(t, info.Messages, 1)
	assert.Equal(t, "build finished", info.Messages[0].Message)

	err = client.Send("doesnotexist1", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Len(t, sender.sent, 1)
}

func TestApp_RequiresVAPIDKeys(t *testing.T) {
	cfg := testConfig(t)
	cfg.VAPID = config.VAPIDConfig{}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	backend := &Backend{Driver: config.DriverMemory, Open: memory.NewStore().Open}

	_, err := newApp(cfg, logger, backend, nil)
	assert.Error(t, err)
}

func TestApp_VAPIDKeyPair(t *testing.T) {
	keys, err := webpush.GenerateKeys()
	require.NoError(t, err)
	other, err := webpush.GenerateKeys()
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := testConfig(t)
	cfg.VAPID.PublicKey = other.PublicKey
	cfg.VAPID.PrivateKey = keys.PrivateKey
	_, err = newApp(cfg, logger, &Backend{Driver: config.DriverMemory, Open: memory.NewStore().Open}, nil)
	assert.ErrorIs(t, err, webpush.ErrInvalidKeys)

	cfg.VAPID.PublicKey = keys.PublicKey
	app, err := newApp(cfg, logger, &Backend{Driver: config.DriverMemory, Open: memory.NewStore().Open}, nil)
	require.NoError(t, err)
	require.NoError(t, app.Shutdown(context.Background()))
}

func TestOpenBackend_Memory(t *testing.T) {
	cfg := testConfig(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	backend, err := OpenBackend(context.Background(), cfg, logger)
	require.NoError(t, err)

	store, err := backend.Open(context.Background())
	require.NoError(t, err)
	assert.NoError(t, store.Ping(context.Background()))
	assert.NoError(t, backend.Close(context.Background()))
}

func TestOpenBackend_UnknownDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "dynamo"

	_, err := OpenBackend(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}
