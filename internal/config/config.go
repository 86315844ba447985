package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Redis     RedisConfig
	JWT       JWTConfig
	OIDC      OIDCConfig
	Gateway   GatewayConfig
	RateLimit RateLimitConfig
	Storage   StorageConfig
	Groq      GroqConfig
	Spaces    SpacesConfig
	Render    RenderConfig
	Worker    WorkerConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	ApiDomain string
}

type LogConfig struct {
	Level  string
	Format string // "json" or "console"
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds the HS256 secret used by the legacy token path.
type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

// OIDCConfig enables JWKS verification against an OpenID issuer. JWKSURL
// skips discovery; Audience defaults to ClientID.
type OIDCConfig struct {
	Issuer          string
	ClientID        string
	Audience        string
	JWKSURL         string
	Leeway          time.Duration
	RefreshInterval time.Duration
}

type GatewayConfig struct {
	Enabled bool
}

type RateLimitConfig struct {
	TasksPerHour  int
	ScriptsPerMin int
	UploadPerHour int
}

// StorageConfig configures the S3-compatible object store. Endpoint is empty
// for AWS; AccountID builds a Cloudflare R2 endpoint when Endpoint is unset.
// LocalDir switches to a directory-backed store.
type StorageConfig struct {
	Endpoint        string
	AccountID       string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
	LocalDir        string
	SignExpiry      time.Duration
}

type GroqConfig struct {
	APIKey             string
	BaseURL            string
	Model              string
	TranscriptionModel string
}

// SpacesConfig points at the Gradio Spaces used by the generation pipeline.
// Each space may be an "owner/name" id or a full base URL.
type SpacesConfig struct {
	Token          string
	VoiceSpace     string
	OptimizerSpace string
	VideoSpace     string
	AspectRatio    string
	RequestsPerMin int
	Timeout        time.Duration
}

type RenderConfig struct {
	FFmpegPath         string
	FFprobePath        string
	WorkspaceRoot      string
	ResolveConcurrency int
	FetchTimeout       time.Duration
	// LocalRoots are host directories API payloads may reference directly.
	LocalRoots []string
}

type WorkerConfig struct {
	Concurrency int
	Queue       string
	MaxRetry    int
	TaskTimeout time.Duration
	JobTTL      time.Duration
}

// Load reads configuration from config.yaml (optional) and the environment.
func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("GROQ_API_KEY")
	readSecret("HF_TOKEN")
	readSecret("AWS_ACCESS_KEY_ID")
	readSecret("AWS_SECRET_ACCESS_KEY")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()

	bindings := map[string]string{
		"server.port":                "SERVER_PORT",
		"server.env":                 "SERVER_ENV",
		"server.api_domain":          "API_DOMAIN",
		"log.level":                  "LOG_LEVEL",
		"log.format":                 "LOG_FORMAT",
		"redis.addr":                 "REDIS_ADDR",
		"redis.password":             "REDIS_PASSWORD",
		"redis.db":                   "REDIS_DB",
		"jwt.secret":                 "JWT_SECRET",
		"jwt.expiration":             "JWT_EXPIRATION",
		"oidc.issuer":                "OIDC_ISSUER",
		"oidc.client_id":             "OIDC_CLIENT_ID",
		"oidc.audience":              "OIDC_AUDIENCE",
		"oidc.jwks_url":              "OIDC_JWKS_URL",
		"oidc.leeway":                "OIDC_LEEWAY",
		"oidc.refresh_interval":      "OIDC_REFRESH_INTERVAL",
		"gateway.enabled":            "GATEWAY_ENABLED",
		"ratelimit.tasks_per_hour":   "RATE_LIMIT_TASKS_PER_HOUR",
		"ratelimit.scripts_per_min":  "RATE_LIMIT_SCRIPTS_PER_MIN",
		"ratelimit.upload_per_hour":  "RATE_LIMIT_UPLOAD_PER_HOUR",
		"storage.endpoint":           "S3_ENDPOINT",
		"storage.account_id":         "R2_ACCOUNT_ID",
		"storage.region":             "AWS_REGION",
		"storage.access_key_id":      "AWS_ACCESS_KEY_ID",
		"storage.secret_access_key":  "AWS_SECRET_ACCESS_KEY",
		"storage.bucket_name":        "S3_BUCKET_NAME",
		"storage.public_url":         "S3_PUBLIC_URL",
		"storage.local_dir":          "STORAGE_LOCAL_DIR",
		"storage.sign_expiry":        "S3_SIGN_EXPIRY",
		"groq.api_key":               "GROQ_API_KEY",
		"groq.base_url":              "GROQ_BASE_URL",
		"groq.model":                 "GROQ_MODEL",
		"groq.transcription_model":   "GROQ_TRANSCRIPTION_MODEL",
		"spaces.token":               "HF_TOKEN",
		"spaces.voice":               "VOICE_SPACE_ID",
		"spaces.optimizer":           "VIDEO_JSON_SPACE_ID",
		"spaces.video":               "VIDEO_SPACE_ID",
		"spaces.aspect_ratio":        "VIDEO_ASPECT_RATIO",
		"spaces.requests_per_min":    "SPACES_REQUESTS_PER_MIN",
		"spaces.timeout":             "SPACES_TIMEOUT",
		"render.ffmpeg_path":         "FFMPEG_PATH",
		"render.ffprobe_path":        "FFPROBE_PATH",
		"render.workspace_root":      "RENDER_WORKSPACE",
		"render.resolve_concurrency": "RENDER_RESOLVE_CONCURRENCY",
		"render.fetch_timeout":       "RENDER_FETCH_TIMEOUT",
		"render.local_roots":         "RENDER_LOCAL_ROOTS",
		"worker.concurrency":         "WORKER_CONCURRENCY",
		"worker.queue":               "WORKER_QUEUE",
		"worker.max_retry":           "WORKER_MAX_RETRY",
		"worker.task_timeout":        "WORKER_TASK_TIMEOUT",
		"worker.job_ttl":             "JOB_TTL",
	}
	for key, env := range bindings {
		_ = v.BindEnv(key, env)
	}

	// Defaults
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("jwt.expiration", 24)
	v.SetDefault("gateway.enabled", false)
	v.SetDefault("oidc.leeway", 30*time.Second)
	v.SetDefault("oidc.refresh_interval", time.Hour)

	v.SetDefault("ratelimit.tasks_per_hour", 10)
	v.SetDefault("ratelimit.scripts_per_min", 20)
	v.SetDefault("ratelimit.upload_per_hour", 100)

	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.sign_expiry", time.Hour)

	v.SetDefault("groq.base_url", "https://api.groq.com/openai/v1")
	v.SetDefault("groq.model", "llama-3.3-70b-versatile")
	v.SetDefault("groq.transcription_model", "whisper-large-v3-turbo")

	v.SetDefault("spaces.voice", "amoghkrishnan/chatterbox-tts")
	v.SetDefault("spaces.optimizer", "amoghkrishnan/VIDEO-TIMESTAMPED-JSON")
	v.SetDefault("spaces.video", "amoghkrishnan/TEXT-TO-VIDEO")
	v.SetDefault("spaces.aspect_ratio", "16:9")
	v.SetDefault("spaces.requests_per_min", 6)
	v.SetDefault("spaces.timeout", 10*time.Minute)

	v.SetDefault("render.workspace_root", os.TempDir())
	v.SetDefault("render.resolve_concurrency", 4)
	v.SetDefault("render.fetch_timeout", 5*time.Minute)

	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.queue", "render")
	v.SetDefault("worker.max_retry", 0)
	v.SetDefault("worker.task_timeout", time.Hour)
	v.SetDefault("worker.job_ttl", 24*time.Hour)

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      v.GetString("server.port"),
			Env:       v.GetString("server.env"),
			ApiDomain: v.GetString("server.api_domain"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:     v.GetString("jwt.secret"),
			Expiration: v.GetInt("jwt.expiration"),
		},
		OIDC: OIDCConfig{
			Issuer:          v.GetString("oidc.issuer"),
			ClientID:        v.GetString("oidc.client_id"),
			Audience:        v.GetString("oidc.audience"),
			JWKSURL:         v.GetString("oidc.jwks_url"),
			Leeway:          v.GetDuration("oidc.leeway"),
			RefreshInterval: v.GetDuration("oidc.refresh_interval"),
		},
		Gateway: GatewayConfig{
			Enabled: v.GetBool("gateway.enabled"),
		},
		RateLimit: RateLimitConfig{
			TasksPerHour:  v.GetInt("ratelimit.tasks_per_hour"),
			ScriptsPerMin: v.GetInt("ratelimit.scripts_per_min"),
			UploadPerHour: v.GetInt("ratelimit.upload_per_hour"),
		},
		Storage: StorageConfig{
			Endpoint:        v.GetString("storage.endpoint"),
			AccountID:       v.GetString("storage.account_id"),
			Region:          v.GetString("storage.region"),
			AccessKeyID:     v.GetString("storage.access_key_id"),
			SecretAccessKey: v.GetString("storage.secret_access_key"),
			BucketName:      v.GetString("storage.bucket_name"),
			PublicURL:       v.GetString("storage.public_url"),
			LocalDir:        v.GetString("storage.local_dir"),
			SignExpiry:      v.GetDuration("storage.sign_expiry"),
		},
		Groq: GroqConfig{
			APIKey:             v.GetString("groq.api_key"),
			BaseURL:            v.GetString("groq.base_url"),
			Model:              v.GetString("groq.model"),
			TranscriptionModel: v.GetString("groq.transcription_model"),
		},
		Spaces: SpacesConfig{
			Token:          v.GetString("spaces.token"),
			VoiceSpace:     v.GetString("spaces.voice"),
			OptimizerSpace: v.GetString("spaces.optimizer"),
			VideoSpace:     v.GetString("spaces.video"),
			AspectRatio:    v.GetString("spaces.aspect_ratio"),
			RequestsPerMin: v.GetInt("spaces.requests_per_min"),
			Timeout:        v.GetDuration("spaces.timeout"),
		},
		Render: RenderConfig{
			FFmpegPath:         v.GetString("render.ffmpeg_path"),
			FFprobePath:        v.GetString("render.ffprobe_path"),
			WorkspaceRoot:      v.GetString("render.workspace_root"),
			ResolveConcurrency: v.GetInt("render.resolve_concurrency"),
			FetchTimeout:       v.GetDuration("render.fetch_timeout"),
			LocalRoots:         splitRoots(v.GetString("render.local_roots")),
		},
		Worker: WorkerConfig{
			Concurrency: v.GetInt("worker.concurrency"),
			Queue:       v.GetString("worker.queue"),
			MaxRetry:    v.GetInt("worker.max_retry"),
			TaskTimeout: v.GetDuration("worker.task_timeout"),
			JobTTL:      v.GetDuration("worker.job_ttl"),
		},
	}

	return cfg, nil
}

// StorageConfigured reports whether a remote object store can be built.
func (c *StorageConfig) StorageConfigured() bool {
	return c.BucketName != "" && c.AccessKeyID != "" && c.SecretAccessKey != ""
}

// splitRoots splits an OS path list, dropping empty entries.
func splitRoots(s string) []string {
	var out []string
	for _, p := range filepath.SplitList(s) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
