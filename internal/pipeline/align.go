package pipeline

import (
	"context"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/miyog/engine/internal/apperr"
	"github.com/miyog/engine/internal/asset"
	"github.com/miyog/engine/internal/client"
	"github.com/miyog/engine/internal/metrics"
)

// WhisperAligner times narration with Groq's Whisper transcription.
type WhisperAligner struct {
	groq    *client.GroqClient
	store   asset.Getter
	tempDir string
}

// NewWhisperAligner downloads audio into tempDir ("" uses the OS default)
// before transcribing it.
func NewWhisperAligner(groq *client.GroqClient, store asset.Getter, tempDir string) *WhisperAligner {
	return &WhisperAligner{groq: groq, store: store, tempDir: tempDir}
}

func (a *WhisperAligner) Align(ctx context.Context, audioKey string) ([]Segment, error) {
	if a.groq == nil || !a.groq.IsConfigured() {
		return nil, apperr.Wrap(apperr.ErrConfiguration, "align", "groq", "GROQ_API_KEY is not set", nil)
	}

	local := audioKey
	if fi, err := os.Stat(audioKey); err != nil || !fi.Mode().IsRegular() {
		dir := a.tempDir
		if dir == "" {
			dir = os.TempDir()
		}
		local = filepath.Join(dir, "transcribe_"+uuid.NewString()+filepath.Ext(audioKey))
		if err := a.store.Get(ctx, audioKey, local); err != nil {
			return nil, err
		}
		defer os.Remove(local)
	}

	resp, err := a.groq.Transcribe(ctx, local)
	metrics.RecordExternal("groq_transcribe", err)
	if err != nil {
		return nil, err
	}
	segments := make([]Segment, 0, len(resp.Segments))
	for _, s := range resp.Segments {
		segments = append(segments, Segment{Start: s.Start, End: s.End, Text: s.Text})
	}
	return segments, nil
}
