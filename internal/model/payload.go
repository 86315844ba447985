package model

import (
	"encoding/json"
	"fmt"
)

// RenderPayload is the job payload submitted by clients. A non-empty Timeline
// selects the direct render path; otherwise the job runs the generation
// pipeline from Topic/Script.
type RenderPayload struct {
	ID                string         `json:"id,omitempty"`
	Resolution        string         `json:"resolution,omitempty"`
	FPS               int            `json:"fps,omitempty"`
	Duration          *float64       `json:"duration,omitempty"`
	BackgroundColor   string         `json:"background_color,omitempty"`
	VignetteIntensity float64        `json:"vignette_intensity,omitempty" validate:"gte=0,lte=100"`
	Title             string         `json:"title,omitempty"`
	Topic             string         `json:"topic,omitempty"`
	Script            string         `json:"script,omitempty"`
	VoiceKey          string         `json:"voice_key,omitempty"`
	Files             ComponentFiles `json:"files,omitempty"`
	Timeline          []TrackPayload `json:"timeline,omitempty" validate:"dive"`
}

// ComponentFiles holds component overrides. Keys match the editor's naming.
type ComponentFiles struct {
	Background string `json:"Background,omitempty"`
	Foreground string `json:"Foreground,omitempty"`
	AudioTrack string `json:"Audio Track,omitempty"`
}

// TrackPayload is one track as sent by the editor.
type TrackPayload struct {
	ID       FlexID        `json:"id"`
	Type     string        `json:"type,omitempty"`
	Label    string        `json:"label,omitempty"`
	IsHidden bool          `json:"isHidden,omitempty"`
	IsMuted  bool          `json:"isMuted,omitempty"`
	Clips    []ClipPayload `json:"clips" validate:"dive"`
}

// ClipPayload is one clip as sent by the editor.
type ClipPayload struct {
	ID         FlexID         `json:"id"`
	Type       ClipType       `json:"type" validate:"required"`
	Src        string         `json:"src,omitempty"`
	RenderSrc  string         `json:"renderSrc,omitempty"`
	Start      float64        `json:"start"`
	Duration   float64        `json:"duration"`
	Content    string         `json:"content,omitempty"`
	Properties ClipProperties `json:"properties,omitempty"`
}

// Source returns the reference the renderer should read.
func (c ClipPayload) Source() string {
	if c.RenderSrc != "" {
		return c.RenderSrc
	}
	return c.Src
}

// FlexID is a track or clip id. The editor sends numeric ids for tracks
// and string ids for clips; both decode to their JSON text.
type FlexID string

// UnmarshalJSON accepts a JSON string, number or null.
func (id *FlexID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = FlexID(n.String())
	return nil
}

// ClipProperties carries optional overrides; nil means "use the default".
type ClipProperties struct {
	Volume   *float64 `json:"volume,omitempty"`
	Width    *float64 `json:"width,omitempty"`
	Height   *float64 `json:"height,omitempty"`
	X        *float64 `json:"x,omitempty"`
	Y        *float64 `json:"y,omitempty"`
	Opacity  *float64 `json:"opacity,omitempty"`
	Rotation *float64 `json:"rotation,omitempty"`
	FontSize *float64 `json:"fontSize,omitempty"`
	Color    string   `json:"color,omitempty"`
}

// HasTimeline reports whether the payload selects the direct render path.
func (p *RenderPayload) HasTimeline() bool {
	return len(p.Timeline) > 0
}

// Float returns a pointer to v, for building payloads in code.
func Float(v float64) *float64 { return &v }
