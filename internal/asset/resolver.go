// Package asset turns clip source references into local files inside a
// job workspace.
package asset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/miyog/engine/internal/apperr"
)

var (
	// ErrEphemeralSource marks browser-only references such as blob: URLs.
	ErrEphemeralSource = errors.New("ephemeral browser-only source")
	// ErrLocalPathDenied marks a host path outside the permitted roots.
	ErrLocalPathDenied = errors.New("local path outside permitted roots")
)

var ephemeralSchemes = []string{"blob:", "filesystem:"}

// Getter downloads an object-store key to a local path.
type Getter interface {
	Get(ctx context.Context, key, localPath string) error
}

// Resolver makes sources readable from the local filesystem. Each call
// produces a fresh copy; nothing is cached across calls or jobs.
type Resolver struct {
	workspace  string
	httpClient *http.Client
	store      Getter
	logger     zerolog.Logger

	// restricted limits local passthrough to roots, which always include
	// the workspace.
	restricted bool
	roots      []string
}

// NewResolver creates a resolver writing into workspace. store may be nil,
// in which case object-store keys fail with a configuration error.
func NewResolver(workspace string, store Getter, fetchTimeout time.Duration, logger zerolog.Logger) *Resolver {
	if fetchTimeout <= 0 {
		fetchTimeout = 5 * time.Minute
	}
	return &Resolver{
		workspace:  workspace,
		httpClient: &http.Client{Timeout: fetchTimeout},
		store:      store,
		logger:     logger.With().Str("component", "asset").Logger(),
	}
}

// RestrictLocal limits local file passthrough to the workspace and roots.
// Jobs submitted over the API run restricted so a payload cannot read
// arbitrary host files.
func (r *Resolver) RestrictLocal(roots ...string) *Resolver {
	r.restricted = true
	r.roots = r.roots[:0]
	for _, root := range append([]string{r.workspace}, roots...) {
		if root = strings.TrimSpace(root); root != "" {
			r.roots = append(r.roots, canonical(root))
		}
	}
	return r
}

// Workspace returns the directory downloads are written to.
func (r *Resolver) Workspace() string { return r.workspace }

// Resolve returns a local path for ref.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", apperr.Wrap(apperr.ErrAssetResolution, "resolve", "", "empty source reference", nil)
	}
	lower := strings.ToLower(ref)
	for _, scheme := range ephemeralSchemes {
		if strings.HasPrefix(lower, scheme) {
			return "", apperr.Wrap(apperr.ErrAssetResolution, "resolve", scheme, ref, ErrEphemeralSource)
		}
	}

	if fi, err := os.Stat(ref); err == nil && fi.Mode().IsRegular() {
		if r.localAllowed(ref) {
			return ref, nil
		}
		// Relative references may still be object keys.
		if filepath.IsAbs(ref) {
			return "", apperr.Wrap(apperr.ErrAssetResolution, "resolve", "local", ref, ErrLocalPathDenied)
		}
	}

	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return r.fetchURL(ctx, ref)
	}
	return r.fetchObject(ctx, ref)
}

// ResolveComponent resolves a component override. Its failures are not
// clip-level: callers must abort the job.
func (r *Resolver) ResolveComponent(ctx context.Context, name, ref string) (string, error) {
	local, err := r.Resolve(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("component %s: %w", name, err)
	}
	return local, nil
}

func (r *Resolver) fetchURL(ctx context.Context, rawURL string) (string, error) {
	dst := r.newPath(extFromURL(rawURL))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", apperr.Wrap(apperr.ErrAssetResolution, "resolve", "http", "invalid url", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", apperr.Wrap(apperr.ErrAssetResolution, "resolve", "http", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", apperr.Wrap(apperr.ErrAssetResolution, "resolve", "http", fmt.Sprintf("%s: status %d", rawURL, resp.StatusCode), nil)
	}

	if err := writeFile(dst, resp.Body); err != nil {
		return "", apperr.Wrap(apperr.ErrAssetResolution, "resolve", "http", rawURL, err)
	}

	r.logger.Debug().Str("url", rawURL).Str("path", dst).Msg("downloaded remote asset")
	return dst, nil
}

func (r *Resolver) fetchObject(ctx context.Context, key string) (string, error) {
	if r.store == nil {
		return "", apperr.Wrap(apperr.ErrConfiguration, "resolve", "object", "no object store configured for key "+key, nil)
	}
	dst := r.newPath(path.Ext(key))
	if err := r.store.Get(ctx, key, dst); err != nil {
		return "", apperr.Wrap(apperr.ErrAssetResolution, "resolve", "object", key, err)
	}

	r.logger.Debug().Str("key", key).Str("path", dst).Msg("downloaded object")
	return dst, nil
}

func (r *Resolver) localAllowed(p string) bool {
	if !r.restricted {
		return true
	}
	p = canonical(p)
	for _, root := range r.roots {
		rel, err := filepath.Rel(root, p)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// canonical returns p as an absolute path with symlinks resolved where
// they exist.
func canonical(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		p = resolved
	}
	return p
}

func (r *Resolver) newPath(ext string) string {
	return filepath.Join(r.workspace, "nle_"+uuid.NewString()+ext)
}

func extFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	ext := path.Ext(u.Path)
	if len(ext) > 6 {
		return ""
	}
	return ext
}

func writeFile(dst string, r io.Reader) error {
	t, err := renameio.TempFile("", dst)
	if err != nil {
		return err
	}
	defer t.Cleanup()
	if _, err := io.Copy(t, r); err != nil {
		return err
	}
	return t.CloseAtomicallyReplace()
}
