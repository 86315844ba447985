package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderPayloadAcceptsNumericAndStringIDs(t *testing.T) {
	raw := `{
		"timeline": [
			{"id": 102, "type": "video", "clips": [
				{"id": "clip-a", "type": "video", "src": "a.mp4", "start": 0, "duration": 5},
				{"id": 7, "type": "image", "src": "b.png", "start": 5, "duration": 2}
			]},
			{"id": "narration", "type": "audio", "clips": []},
			{"id": null, "clips": []}
		]
	}`

	var p RenderPayload
	require.NoError(t, json.Unmarshal([]byte(raw), &p))
	require.Len(t, p.Timeline, 3)

	assert.Equal(t, FlexID("102"), p.Timeline[0].ID)
	assert.Equal(t, FlexID("clip-a"), p.Timeline[0].Clips[0].ID)
	assert.Equal(t, FlexID("7"), p.Timeline[0].Clips[1].ID)
	assert.Equal(t, FlexID("narration"), p.Timeline[1].ID)
	assert.Equal(t, FlexID(""), p.Timeline[2].ID)
}

func TestFlexIDRejectsOtherJSONTypes(t *testing.T) {
	for _, raw := range []string{`true`, `{"a":1}`, `[1]`} {
		var id FlexID
		assert.Error(t, json.Unmarshal([]byte(raw), &id), raw)
	}
}

func TestFlexIDRoundTripsAsString(t *testing.T) {
	b, err := json.Marshal(TrackPayload{ID: "101"})
	require.NoError(t, err)

	var back TrackPayload
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, FlexID("101"), back.ID)
}
