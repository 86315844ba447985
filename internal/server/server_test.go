package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miyog/engine/internal/auth"
	"github.com/miyog/engine/internal/client"
	"github.com/miyog/engine/internal/config"
	"github.com/miyog/engine/internal/handler"
	"github.com/miyog/engine/internal/middleware"
	"github.com/miyog/engine/internal/service"
	ws "github.com/miyog/engine/internal/websocket"
)

func newTestApp(t *testing.T, ping func(context.Context) error) *fiber.App {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	v := validator.New()
	authenticator := auth.NewAuthenticator(nil, "secret")
	return New(Deps{
		Tasks:    handler.NewTaskHandler(service.NewJobService(rdb, nil, nil, config.WorkerConfig{}, 0), v),
		Scripts:  handler.NewScriptHandler(service.NewScriptService(client.NewGroqClient(&config.GroqConfig{})), v),
		Uploads:  handler.NewUploadHandler(service.NewUploadService(nil, 0), v),
		Auth:     handler.NewAuthHandler(authenticator),
		APIAuth:  middleware.NewAuthMiddleware(authenticator).Authenticate(),
		Limiter:  middleware.NewRateLimiter(rdb, zerolog.Nop()),
		Hub:      ws.NewHub(zerolog.Nop()),
		Services: map[string]bool{"groq": false},
		Ping:     ping,
		Logger:   zerolog.Nop(),
	})
}

func decode(t *testing.T, app *fiber.App, method, path string) (int, map[string]any) {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest(method, path, nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return resp.StatusCode, body
}

func TestBanner(t *testing.T) {
	status, body := decode(t, newTestApp(t, nil), "GET", "/")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "miyog-engine", body["service"])
	assert.NotNil(t, body["timestamp"])
}

func TestHealthReflectsPing(t *testing.T) {
	status, body := decode(t, newTestApp(t, nil), "GET", "/health")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, map[string]any{"groq": false}, body["services"])

	_, body = decode(t, newTestApp(t, func(context.Context) error { return errors.New("down") }), "GET", "/health")
	assert.Equal(t, "degraded", body["status"])
}

func TestUnknownRouteUsesErrorEnvelope(t *testing.T) {
	status, body := decode(t, newTestApp(t, nil), "GET", "/nope")
	assert.Equal(t, fiber.StatusNotFound, status)
	detail, ok := body["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "NOT_FOUND", detail["code"])
}

func TestWebsocketRequiresUpgrade(t *testing.T) {
	status, _ := decode(t, newTestApp(t, nil), "GET", "/ws/jobs/abc")
	assert.Equal(t, fiber.StatusUpgradeRequired, status)
}

func TestAPIRequiresAuth(t *testing.T) {
	for _, path := range []string{"/api/tasks/abc", "/api/tasks/abc/result"} {
		status, body := decode(t, newTestApp(t, nil), "GET", path)
		assert.Equal(t, fiber.StatusUnauthorized, status, path)
		assert.NotNil(t, body["error"])
	}
}
