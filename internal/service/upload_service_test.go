package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miyog/engine/internal/apperr"
	"github.com/miyog/engine/internal/model"
)

type fakePresigner struct {
	key, contentType string
}

func (f *fakePresigner) PresignPut(_ context.Context, key, contentType string, _ time.Duration) (string, error) {
	f.key, f.contentType = key, contentType
	return "https://bucket.example/" + key, nil
}

func TestPresignKeyLayout(t *testing.T) {
	p := &fakePresigner{}
	svc := NewUploadService(p, 10*time.Minute)

	resp, err := svc.Presign(context.Background(), "u42", &model.PresignRequest{Filename: "../My Clip (1).mp4", ContentType: "video/mp4"})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(resp.Key, "uploads/u42/"), resp.Key)
	assert.True(t, strings.HasSuffix(resp.Key, "_My_Clip__1_.mp4"), resp.Key)
	assert.Equal(t, p.key, resp.Key)
	assert.Equal(t, "video/mp4", p.contentType)
	assert.Equal(t, 600, resp.ExpiresIn)
}

func TestPresignWithoutStorage(t *testing.T) {
	_, err := NewUploadService(nil, 0).Presign(context.Background(), "u", &model.PresignRequest{Filename: "a.png", ContentType: "image/png"})
	assert.ErrorIs(t, err, apperr.ErrConfiguration)
}
