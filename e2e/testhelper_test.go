package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/miyog/engine/internal/auth"
	"github.com/miyog/engine/internal/client"
	"github.com/miyog/engine/internal/config"
	"github.com/miyog/engine/internal/engine"
	"github.com/miyog/engine/internal/handler"
	"github.com/miyog/engine/internal/middleware"
	"github.com/miyog/engine/internal/model"
	"github.com/miyog/engine/internal/server"
	"github.com/miyog/engine/internal/service"
	ws "github.com/miyog/engine/internal/websocket"
	"github.com/miyog/engine/internal/worker"
)

const testJWTSecret = "test-secret-for-e2e"

// captureEnqueuer records tasks instead of handing them to a queue.
type captureEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
	err   error
}

func (e *captureEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	e.tasks = append(e.tasks, task)
	return &asynq.TaskInfo{ID: "captured"}, nil
}

func (e *captureEnqueuer) take(t *testing.T) *asynq.Task {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.tasks) == 0 {
		t.Fatal("no task was enqueued")
	}
	task := e.tasks[0]
	e.tasks = e.tasks[1:]
	return task
}

// stubRenderer writes a placeholder video so the worker can upload it.
type stubRenderer struct{}

func (stubRenderer) Render(_ context.Context, _ string, p *model.RenderPayload, out string, report func(int)) (*engine.Result, error) {
	report(engine.ProgressParsed)
	report(engine.ProgressEncoded)
	if err := os.WriteFile(out, []byte("not really an mp4"), 0o644); err != nil {
		return nil, err
	}
	return &engine.Result{Output: out}, nil
}

type stubGenerator struct{}

func (stubGenerator) Run(context.Context, *model.RenderPayload, func(int)) (*model.RenderPayload, error) {
	return nil, io.ErrUnexpectedEOF
}

// testApp holds the components the tests poke at directly.
type testApp struct {
	app      *fiber.App
	redis    *miniredis.Miniredis
	enqueuer *captureEnqueuer
	jobs     *service.JobService
	store    *client.LocalStore
	worker   *worker.RenderWorker
}

// setupApp builds the same routes as cmd/server against miniredis, a local
// object store and a captured queue. Groq is unconfigured.
func setupApp(t *testing.T) *testApp {
	t.Helper()
	return setupAppWith(t, func(*client.LocalStore) worker.Renderer { return stubRenderer{} })
}

func setupAppWith(t *testing.T, newRenderer func(store *client.LocalStore) worker.Renderer) *testApp {
	t.Helper()

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	store, err := client.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("local store: %v", err)
	}

	logger := zerolog.Nop()
	validate := validator.New()
	enqueuer := &captureEnqueuer{}

	jobService := service.NewJobService(redisClient, enqueuer, store, config.WorkerConfig{JobTTL: time.Hour}, time.Hour)
	scriptService := service.NewScriptService(client.NewGroqClient(&config.GroqConfig{}))
	uploadService := service.NewUploadService(store, 0)

	authenticator := auth.NewAuthenticator(nil, testJWTSecret)

	hub := ws.NewHub(logger)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	app := server.New(server.Deps{
		Tasks:   handler.NewTaskHandler(jobService, validate),
		Scripts: handler.NewScriptHandler(scriptService, validate),
		Uploads: handler.NewUploadHandler(uploadService, validate),
		Auth:    handler.NewAuthHandler(authenticator),
		APIAuth: middleware.NewAuthMiddleware(authenticator).Authenticate(),
		Limiter: middleware.NewRateLimiter(redisClient, logger),
		// very high limits so tests don't get blocked
		Limits: config.RateLimitConfig{TasksPerHour: 10000, ScriptsPerMin: 10000, UploadPerHour: 10000},
		Hub:    hub,
		Services: map[string]bool{
			"groq":    false,
			"storage": true,
			"auth":    true,
		},
		Ping:   func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		Logger: logger,
	})

	w := worker.NewRenderWorker(jobService, newRenderer(store), stubGenerator{}, store, hub, t.TempDir(), logger)

	return &testApp{
		app:      app,
		redis:    mr,
		enqueuer: enqueuer,
		jobs:     jobService,
		store:    store,
		worker:   w,
	}
}

// generateToken creates a legacy HMAC JWT token for test requests.
func generateToken(t *testing.T) string {
	t.Helper()
	signed, err := auth.IssueLegacyToken(testJWTSecret, "test-user-123", "test@example.com", time.Hour)
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return signed
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs an authenticated request.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, error) {
	t.Helper()
	token := generateToken(t)
	return doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + token,
	})
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

// errorCode extracts error.code from an error response.
func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	body := parseJSON(t, resp)
	detail, ok := body["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected error object, got %v", body)
	}
	code, _ := detail["code"].(string)
	return code
}
