package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// GradioClient calls a Gradio app (typically a Hugging Face Space) through
// its REST queue API: POST .../call/<api> then stream .../call/<api>/<event>.
type GradioClient struct {
	httpClient *http.Client
	baseURL    string
	apiPrefix  string
	token      string
	logger     zerolog.Logger
}

// FileData is Gradio's file payload.
type FileData struct {
	Path     string `json:"path"`
	URL      string `json:"url,omitempty"`
	OrigName string `json:"orig_name,omitempty"`
}

// SpaceURL turns "owner/name" into the Space's direct host. Full URLs pass through.
func SpaceURL(space string) string {
	if strings.HasPrefix(space, "http://") || strings.HasPrefix(space, "https://") {
		return strings.TrimRight(space, "/")
	}
	host := strings.ToLower(space)
	host = strings.NewReplacer("/", "-", "_", "-", ".", "-").Replace(host)
	return "https://" + host + ".hf.space"
}

// NewGradioClient connects to space and reads its config to learn the API prefix.
func NewGradioClient(ctx context.Context, space, token string, timeout time.Duration, logger zerolog.Logger) (*GradioClient, error) {
	c := &GradioClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    SpaceURL(space),
		token:      token,
		logger:     logger.With().Str("space", space).Logger(),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/config", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	var cfg struct {
		APIPrefix string `json:"api_prefix"`
		Version   string `json:"version"`
	}
	if err := c.doJSON(req, &cfg); err != nil {
		return nil, fmt.Errorf("gradio config: %w", err)
	}
	c.apiPrefix = strings.TrimRight(cfg.APIPrefix, "/")
	c.logger.Debug().Str("version", cfg.Version).Str("api_prefix", c.apiPrefix).Msg("connected to gradio app")
	return c, nil
}

// Predict runs api with positional data and returns the output components.
func (c *GradioClient) Predict(ctx context.Context, api string, data ...interface{}) ([]json.RawMessage, error) {
	api = strings.TrimPrefix(api, "/")
	callURL := fmt.Sprintf("%s%s/call/%s", c.baseURL, c.apiPrefix, api)

	if data == nil {
		data = []interface{}{}
	}
	body, err := json.Marshal(map[string]interface{}{"data": data})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var queued struct {
		EventID string `json:"event_id"`
	}
	if err := c.doJSON(req, &queued); err != nil {
		return nil, err
	}
	if queued.EventID == "" {
		return nil, fmt.Errorf("gradio %s: no event id returned", api)
	}

	c.logger.Debug().Str("api", api).Str("event_id", queued.EventID).Msg("prediction queued")

	req, err = http.NewRequestWithContext(ctx, http.MethodGet, callURL+"/"+queued.EventID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to stream result: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("gradio %s: status %d: %s", api, resp.StatusCode, msg)
	}
	return readEvents(resp.Body, api)
}

// readEvents consumes the SSE stream until a complete or error event.
func readEvents(r io.Reader, api string) ([]json.RawMessage, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)

	event := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			switch event {
			case "complete":
				var out []json.RawMessage
				if err := json.Unmarshal([]byte(data), &out); err != nil {
					return nil, fmt.Errorf("gradio %s: invalid output: %w", api, err)
				}
				return out, nil
			case "error":
				if data == "" || data == "null" {
					data = "app raised an error"
				}
				return nil, fmt.Errorf("gradio %s: %s", api, data)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("gradio %s: stream: %w", api, err)
	}
	return nil, fmt.Errorf("gradio %s: stream ended without result", api)
}

// FileInput wraps a URL as a Gradio file input.
func FileInput(url string) map[string]interface{} {
	return map[string]interface{}{
		"path": url,
		"meta": map[string]string{"_type": "gradio.FileData"},
	}
}

// ParseFile extracts a file from an output component. Video components
// nest the file under "video".
func ParseFile(raw json.RawMessage) (FileData, error) {
	var nested struct {
		Video *FileData `json:"video"`
	}
	if err := json.Unmarshal(raw, &nested); err == nil && nested.Video != nil {
		return *nested.Video, nil
	}
	var fd FileData
	if err := json.Unmarshal(raw, &fd); err == nil && (fd.URL != "" || fd.Path != "") {
		return fd, nil
	}
	var path string
	if err := json.Unmarshal(raw, &path); err == nil && path != "" {
		return FileData{Path: path}, nil
	}
	return FileData{}, fmt.Errorf("output is not a file: %s", truncate(string(raw), 200))
}

// Download streams the file to w.
func (c *GradioClient) Download(ctx context.Context, file FileData, w io.Writer) error {
	u := file.URL
	if u == "" {
		u = fmt.Sprintf("%s%s/file=%s", c.baseURL, c.apiPrefix, file.Path)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download output: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download output: status %d", resp.StatusCode)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("failed to read output: %w", err)
	}
	return nil
}

func (c *GradioClient) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *GradioClient) doJSON(req *http.Request, result interface{}) error {
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("gradio error (status %d): %s", resp.StatusCode, truncate(string(respBody), 500))
	}
	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
