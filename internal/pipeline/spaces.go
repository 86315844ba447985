package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/miyog/engine/internal/apperr"
	"github.com/miyog/engine/internal/client"
	"github.com/miyog/engine/internal/config"
	"github.com/miyog/engine/internal/metrics"
)

// Gradio endpoints exposed by the Spaces.
const (
	apiGenerateTTS     = "/generate_tts"
	apiProcessTimeline = "/process_timeline"
	apiPredictVideo    = "/predict"
)

// Connector returns a connected Gradio client.
type Connector func() (*client.GradioClient, error)

// LazySpace connects to space on first use and returns the same client (or
// error) on every later call. The handshake runs once even under concurrent
// first use.
func LazySpace(space, token string, timeout time.Duration, logger zerolog.Logger) Connector {
	return sync.OnceValues(func() (*client.GradioClient, error) {
		if space == "" {
			return nil, apperr.Wrap(apperr.ErrConfiguration, "gradio", "", "space is not configured", nil)
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		c, err := client.NewGradioClient(ctx, space, token, timeout, logger)
		metrics.RecordExternal("gradio_config", err)
		return c, err
	})
}

// Narrator synthesizes speech through a TTS Space.
type Narrator struct {
	conn   Connector
	store  client.ObjectStore
	expiry time.Duration
	logger zerolog.Logger
}

func NewNarrator(conn Connector, store client.ObjectStore, logger zerolog.Logger) *Narrator {
	return &Narrator{conn: conn, store: store, expiry: time.Hour, logger: logger}
}

// Synthesize speaks text. A non-empty referenceVoice key is signed and
// passed to the Space as the voice prompt.
func (n *Narrator) Synthesize(ctx context.Context, text, referenceVoice string) (string, error) {
	c, err := n.conn()
	if err != nil {
		return "", err
	}
	var prompt interface{}
	if referenceVoice != "" {
		u, err := n.store.Sign(ctx, referenceVoice, n.expiry)
		if err != nil {
			return "", fmt.Errorf("sign voice prompt: %w", err)
		}
		prompt = client.FileInput(u)
	}

	out, err := c.Predict(ctx, apiGenerateTTS, text, prompt)
	metrics.RecordExternal("tts", err)
	if err != nil {
		return "", err
	}
	key := fmt.Sprintf("generated_audio/voice_%s.wav", uuid.NewString())
	if err := transfer(ctx, c, n.store, out, key, "audio/wav"); err != nil {
		return "", err
	}
	n.logger.Info().Str("key", key).Msg("narration stored")
	return key, nil
}

// Optimizer groups aligned segments into visual prompts through a Space.
type Optimizer struct {
	conn Connector
}

func NewOptimizer(conn Connector) *Optimizer { return &Optimizer{conn: conn} }

// Optimize sends {start: text} as a JSON string and accepts either a list of
// {start, end, prompt} objects or a {start: prompt} object in return.
func (o *Optimizer) Optimize(ctx context.Context, segments []Segment) ([]VisualSegment, error) {
	c, err := o.conn()
	if err != nil {
		return nil, err
	}
	in := make(map[string]string, len(segments))
	for _, s := range segments {
		in[strconv.FormatFloat(s.Start, 'f', 2, 64)] = strings.TrimSpace(s.Text)
	}
	body, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}

	out, err := c.Predict(ctx, apiProcessTimeline, string(body))
	metrics.RecordExternal("optimizer", err)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("optimizer returned no output")
	}
	return ParseVisualSegments(out[0])
}

// ParseVisualSegments decodes the optimizer output. The value may itself be
// a JSON-encoded string.
func ParseVisualSegments(raw json.RawMessage) ([]VisualSegment, error) {
	var inner string
	if err := json.Unmarshal(raw, &inner); err == nil {
		raw = json.RawMessage(inner)
	}

	var list []VisualSegment
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}

	var byStart map[string]string
	if err := json.Unmarshal(raw, &byStart); err != nil {
		return nil, fmt.Errorf("unrecognized optimizer output: %w", err)
	}
	out := make([]VisualSegment, 0, len(byStart))
	for k, prompt := range byStart {
		start, err := strconv.ParseFloat(strings.TrimSpace(k), 64)
		if err != nil {
			return nil, fmt.Errorf("segment start %q: %w", k, err)
		}
		out = append(out, VisualSegment{Start: start, Prompt: prompt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out, nil
}

// VideoGenerator renders prompts into clips through a video Space, paced by
// a shared limiter.
type VideoGenerator struct {
	conn        Connector
	store       client.ObjectStore
	limiter     *rate.Limiter
	aspectRatio string
	logger      zerolog.Logger
}

func NewVideoGenerator(conn Connector, store client.ObjectStore, cfg config.SpacesConfig, logger zerolog.Logger) *VideoGenerator {
	limit := rate.Inf
	if cfg.RequestsPerMin > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RequestsPerMin))
	}
	aspect := cfg.AspectRatio
	if aspect == "" {
		aspect = "16:9"
	}
	return &VideoGenerator{
		conn:        conn,
		store:       store,
		limiter:     rate.NewLimiter(limit, 1),
		aspectRatio: aspect,
		logger:      logger,
	}
}

func (g *VideoGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	c, err := g.conn()
	if err != nil {
		return "", err
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return "", err
	}

	out, err := c.Predict(ctx, apiPredictVideo, prompt, g.aspectRatio)
	metrics.RecordExternal("video", err)
	if err != nil {
		return "", err
	}
	key := fmt.Sprintf("generated_segments/clip_%s.mp4", uuid.NewString())
	if err := transfer(ctx, c, g.store, out, key, "video/mp4"); err != nil {
		return "", err
	}
	g.logger.Debug().Str("key", key).Msg("clip stored")
	return key, nil
}

// transfer downloads the first file output and stores it under key.
func transfer(ctx context.Context, c *client.GradioClient, store client.ObjectStore, out []json.RawMessage, key, contentType string) error {
	if len(out) == 0 {
		return fmt.Errorf("no output returned")
	}
	file, err := client.ParseFile(out[0])
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := c.Download(ctx, file, &buf); err != nil {
		return err
	}
	if _, err := store.Put(ctx, key, bytes.NewReader(buf.Bytes()), contentType); err != nil {
		return apperr.Wrap(apperr.ErrExternalService, "storage", "put", key, err)
	}
	return nil
}
