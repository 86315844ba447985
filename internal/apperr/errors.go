// Package apperr defines the error classes shared by the render engine,
// the generation pipeline and the job orchestrator.
package apperr

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

var (
	// ErrConfiguration marks a missing credential or setting. Fatal, never retried.
	ErrConfiguration = errors.New("configuration error")
	// ErrAssetResolution marks a clip source that could not be made local.
	ErrAssetResolution = errors.New("asset resolution error")
	// ErrExternalService marks a failed collaborator call.
	ErrExternalService = errors.New("external service error")
	// ErrEncoding marks a failed render or mux.
	ErrEncoding = errors.New("encoding error")
	// ErrPersistence marks a failed job record write.
	ErrPersistence = errors.New("persistence error")
)

// Wrap builds an error that carries stage context and is tagged with marker
// for classification via errors.Is. The cause stays reachable as well.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrEncoding
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Class returns a short label for the error class, used for metrics.
func Class(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrAssetResolution):
		return "asset_resolution"
	case errors.Is(err, ErrExternalService):
		return "external_service"
	case errors.Is(err, ErrEncoding):
		return "encoding"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	default:
		return "unknown"
	}
}

// Fatal reports whether err must not be retried by the queue.
func Fatal(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// Summary flattens err to a single line of at most limit runes.
func Summary(err error, limit int) string {
	if err == nil {
		return ""
	}
	msg := strings.Join(strings.Fields(err.Error()), " ")
	if limit <= 0 || utf8.RuneCountInString(msg) <= limit {
		return msg
	}
	runes := []rune(msg)
	return string(runes[:limit])
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "failure"
	}
	return strings.Join(parts, ": ")
}
