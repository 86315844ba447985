package service

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/miyog/engine/internal/apperr"
	"github.com/miyog/engine/internal/model"
)

// Presigner issues direct-to-storage upload URLs.
type Presigner interface {
	PresignPut(ctx context.Context, key, contentType string, expiry time.Duration) (string, error)
}

// UploadService hands clients upload URLs for timeline media.
type UploadService struct {
	presigner Presigner
	expiry    time.Duration
}

// NewUploadService creates an upload service. presigner may be nil when
// storage is not configured.
func NewUploadService(presigner Presigner, expiry time.Duration) *UploadService {
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	return &UploadService{presigner: presigner, expiry: expiry}
}

// Presign returns a PUT URL and the key the client references in its
// timeline afterwards.
func (s *UploadService) Presign(ctx context.Context, userID string, req *model.PresignRequest) (*model.PresignResponse, error) {
	if s.presigner == nil {
		return nil, apperr.Wrap(apperr.ErrConfiguration, "upload", "presign", "storage is not configured", nil)
	}
	if userID == "" {
		userID = "anonymous"
	}
	key := fmt.Sprintf("uploads/%s/%s_%s", userID, uuid.New().String(), sanitizeFilename(req.Filename))

	url, err := s.presigner.PresignPut(ctx, key, req.ContentType, s.expiry)
	if err != nil {
		return nil, fmt.Errorf("failed to presign upload: %w", err)
	}
	return &model.PresignResponse{
		UploadURL: url,
		Key:       key,
		ExpiresIn: int(s.expiry.Seconds()),
	}, nil
}

// sanitizeFilename keeps the base name and replaces characters that do not
// belong in a storage key.
func sanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return "file"
	}
	return name
}
