package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miyog/engine/internal/config"
)

func TestSpaceURL(t *testing.T) {
	assert.Equal(t, "https://amoghkrishnan-chatterbox-tts.hf.space", SpaceURL("amoghkrishnan/chatterbox-tts"))
	assert.Equal(t, "https://owner-my-space.hf.space", SpaceURL("Owner/My_Space"))
	assert.Equal(t, "http://localhost:7860", SpaceURL("http://localhost:7860/"))
}

func newGradioServer(t *testing.T, complete string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/config", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer hf_test", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"version":"5.9.1","api_prefix":"/gradio_api"}`)
	})
	mux.HandleFunc("/gradio_api/call/generate_tts", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Data []json.RawMessage `json:"data"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Len(t, body.Data, 2)
		fmt.Fprint(w, `{"event_id":"ev1"}`)
	})
	mux.HandleFunc("/gradio_api/call/generate_tts/ev1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: heartbeat\ndata: null\n\n")
		fmt.Fprint(w, complete)
	})
	mux.HandleFunc("/gradio_api/file=/tmp/out.wav", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "RIFFDATA")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestGradioPredictAndDownload(t *testing.T) {
	srv := newGradioServer(t, "event: complete\ndata: [{\"path\":\"/tmp/out.wav\"}]\n\n")
	ctx := context.Background()

	c, err := NewGradioClient(ctx, srv.URL, "hf_test", 5*time.Second, zerolog.Nop())
	require.NoError(t, err)

	out, err := c.Predict(ctx, "/generate_tts", "hello", FileInput("https://x/voice.wav"))
	require.NoError(t, err)
	require.Len(t, out, 1)

	fd, err := ParseFile(out[0])
	require.NoError(t, err)
	assert.Equal(t, "/tmp/out.wav", fd.Path)

	var buf bytes.Buffer
	require.NoError(t, c.Download(ctx, fd, &buf))
	assert.Equal(t, "RIFFDATA", buf.String())
}

func TestGradioPredictError(t *testing.T) {
	srv := newGradioServer(t, "event: error\ndata: null\n\n")
	c, err := NewGradioClient(context.Background(), srv.URL, "hf_test", 5*time.Second, zerolog.Nop())
	require.NoError(t, err)

	_, err = c.Predict(context.Background(), "generate_tts", "hello", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "app raised an error")
}

func TestReadEventsTruncatedStream(t *testing.T) {
	_, err := readEvents(strings.NewReader("event: generating\ndata: []\n"), "predict")
	assert.ErrorContains(t, err, "stream ended")
}

func TestParseFile(t *testing.T) {
	fd, err := ParseFile(json.RawMessage(`{"video":{"path":"/tmp/v.mp4","url":"https://s/file=/tmp/v.mp4"},"subtitles":null}`))
	require.NoError(t, err)
	assert.Equal(t, "https://s/file=/tmp/v.mp4", fd.URL)

	fd, err = ParseFile(json.RawMessage(`"/tmp/a.wav"`))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/a.wav", fd.Path)

	_, err = ParseFile(json.RawMessage(`42`))
	assert.Error(t, err)
}

func TestGroqChatCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer gsk_test", r.Header.Get("Authorization"))
		var req ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 256, req.MaxTokens)
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"Once upon a time"}}]}`)
	}))
	defer srv.Close()

	c := NewGroqClient(&config.GroqConfig{APIKey: "gsk_test", BaseURL: srv.URL, Model: "m"})
	out, err := c.ChatCompletion(context.Background(), "sys", "user", 256)
	require.NoError(t, err)
	assert.Equal(t, "Once upon a time", out)
}

func TestGroqTranscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/audio/transcriptions", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "verbose_json", r.FormValue("response_format"))
		assert.Equal(t, "whisper", r.FormValue("model"))
		f, _, err := r.FormFile("file")
		require.NoError(t, err)
		data, _ := io.ReadAll(f)
		assert.Equal(t, "audio", string(data))
		fmt.Fprint(w, `{"text":"a b","segments":[{"id":0,"start":0,"end":1.5,"text":" a"},{"id":1,"start":1.5,"end":3,"text":" b"}]}`)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "voice.wav")
	require.NoError(t, os.WriteFile(path, []byte("audio"), 0o644))

	c := NewGroqClient(&config.GroqConfig{APIKey: "k", BaseURL: srv.URL, TranscriptionModel: "whisper"})
	res, err := c.Transcribe(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, res.Segments, 2)
	assert.Equal(t, 1.5, res.Segments[1].Start)
}

func TestGroqErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewGroqClient(&config.GroqConfig{APIKey: "k", BaseURL: srv.URL})
	_, err := c.ChatCompletion(context.Background(), "s", "u", 10)
	assert.ErrorContains(t, err, "status 429")
}

func TestLocalStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	key, err := store.Put(ctx, "completed/export_1.mp4", strings.NewReader("video"), "video/mp4")
	require.NoError(t, err)
	assert.Equal(t, "completed/export_1.mp4", key)

	dst := filepath.Join(t.TempDir(), "local.mp4")
	require.NoError(t, store.Get(ctx, key, dst))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "video", string(data))

	url, err := store.Sign(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "file://"))

	require.NoError(t, store.Delete(ctx, key))
	err = store.Get(ctx, key, dst)
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestLocalStoreRejectsEscapingKeys(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	_, err = store.Put(context.Background(), "../outside", strings.NewReader("x"), "")
	assert.Error(t, err)
}

func TestNewObjectStore(t *testing.T) {
	store, err := NewObjectStore(&config.StorageConfig{LocalDir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &LocalStore{}, store)

	_, err = NewObjectStore(&config.StorageConfig{})
	assert.Error(t, err)
}

func TestS3ClientSign(t *testing.T) {
	cfg := &config.StorageConfig{
		Endpoint:        "http://127.0.0.1:9000",
		Region:          "us-east-1",
		AccessKeyID:     "AKID",
		SecretAccessKey: "secret",
		BucketName:      "videos",
	}
	c, err := NewS3Client(cfg)
	require.NoError(t, err)

	url, err := c.Sign(context.Background(), "completed/final_1.mp4", time.Minute)
	require.NoError(t, err)
	assert.Contains(t, url, "127.0.0.1:9000/videos/completed/final_1.mp4")
	assert.Contains(t, url, "X-Amz-Signature")

	put, err := c.PresignPut(context.Background(), "uploads/u/x.mp4", "video/mp4", time.Minute)
	require.NoError(t, err)
	assert.Contains(t, put, "uploads/u/x.mp4")

	cfg.PublicURL = "https://cdn.example.com/"
	c, err = NewS3Client(cfg)
	require.NoError(t, err)
	url, err = c.Sign(context.Background(), "completed/final_1.mp4", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/completed/final_1.mp4", url)
}
