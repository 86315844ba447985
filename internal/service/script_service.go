package service

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/miyog/engine/internal/apperr"
	"github.com/miyog/engine/internal/client"
	"github.com/miyog/engine/internal/metrics"
	"github.com/miyog/engine/internal/model"
)

// ScriptService writes narration scripts with Groq.
type ScriptService struct {
	groqClient *client.GroqClient
}

// NewScriptService creates a script service with a Groq client
func NewScriptService(groqClient *client.GroqClient) *ScriptService {
	return &ScriptService{
		groqClient: groqClient,
	}
}

// Generate answers the script endpoint.
func (s *ScriptService) Generate(ctx context.Context, req *model.ScriptRequest) (*model.ScriptResponse, error) {
	script, err := s.WriteScript(ctx, req.Topic, req.Duration)
	if err != nil {
		return nil, err
	}
	return &model.ScriptResponse{Script: script}, nil
}

// WriteScript returns a cleaned narration script about topic sized for
// target (one of the model.TargetDuration values).
func (s *ScriptService) WriteScript(ctx context.Context, topic, target string) (string, error) {
	if s.groqClient == nil || !s.groqClient.IsConfigured() {
		return "", apperr.Wrap(apperr.ErrConfiguration, "script", "groq", "GROQ_API_KEY is not set", nil)
	}

	response, err := s.groqClient.ChatCompletion(ctx, s.buildSystemPrompt(), s.buildPrompt(topic, target), TokenBudget(target))
	metrics.RecordExternal("groq_chat", err)
	if err != nil {
		return "", fmt.Errorf("AI generation failed: %w", err)
	}

	script := CleanScript(response)
	if script == "" {
		return "", fmt.Errorf("empty script in response")
	}
	return script, nil
}

func (s *ScriptService) buildSystemPrompt() string {
	return `You are a documentary narrator writing voice-over scripts for short videos.
Write plain spoken prose only: no headings, no stage directions, no lists.
Do not describe visuals or include anything the narrator should not read aloud.`
}

func (s *ScriptService) buildPrompt(topic, target string) string {
	if target == "" {
		target = model.TargetDuration30s
	}
	return fmt.Sprintf(`Write a technical narration script about: %s
Target length when read aloud: %s.
Open with a strong hook in the first sentence.`, topic, strings.ToLower(target))
}

// TokenBudget sizes the completion for the target length.
func TokenBudget(target string) int {
	switch {
	case strings.Contains(target, "15"):
		return 256
	case strings.Contains(target, "60"), strings.Contains(target, "Minute"):
		return 1024
	default:
		return 512
	}
}

var (
	bracketed = regexp.MustCompile(`\[.*?\]`)
	newlines  = regexp.MustCompile(`\n+`)
)

// CleanScript strips scene directions and markdown that a TTS voice would
// otherwise read out.
func CleanScript(s string) string {
	s = strings.TrimSpace(s)
	s = bracketed.ReplaceAllString(s, "")
	s = strings.NewReplacer("*", "", "#", "").Replace(s)
	s = strings.TrimSpace(s)
	return newlines.ReplaceAllString(s, " ")
}
