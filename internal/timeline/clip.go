package timeline

// Kind names the variant of a clip body.
type Kind string

const (
	KindVideo Kind = "video"
	KindImage Kind = "image"
	KindAudio Kind = "audio"
	KindText  Kind = "text"
	KindColor Kind = "color"
)

// Body is the kind-specific part of a clip. The set of variants is closed:
// Video, Image, Audio, Text and Color.
type Body interface {
	Kind() Kind
	Accept(v Visitor) error
}

// Visitor handles every clip variant. Adding a variant adds a method here,
// so every strategy must be extended before the tree compiles again.
type Visitor interface {
	VisitVideo(Video) error
	VisitImage(Image) error
	VisitAudio(Audio) error
	VisitText(Text) error
	VisitColor(Color) error
}

// Video is a video file, looped or trimmed to the clip window.
type Video struct{ Source string }

// Image is a still held for the clip window.
type Image struct{ Source string }

// Audio is an audio-only clip. It has no visual element.
type Audio struct{ Source string }

// Text is a word-wrapped caption box.
type Text struct{ Content string }

// Color is a solid canvas-sized fill using the clip's color property.
type Color struct{}

func (Video) Kind() Kind { return KindVideo }
func (Image) Kind() Kind { return KindImage }
func (Audio) Kind() Kind { return KindAudio }
func (Text) Kind() Kind  { return KindText }
func (Color) Kind() Kind { return KindColor }

func (b Video) Accept(v Visitor) error { return v.VisitVideo(b) }
func (b Image) Accept(v Visitor) error { return v.VisitImage(b) }
func (b Audio) Accept(v Visitor) error { return v.VisitAudio(b) }
func (b Text) Accept(v Visitor) error  { return v.VisitText(b) }
func (b Color) Accept(v Visitor) error { return v.VisitColor(b) }

// SourceOf returns the media reference of file-backed bodies.
func SourceOf(b Body) (string, bool) {
	switch body := b.(type) {
	case Video:
		return body.Source, true
	case Image:
		return body.Source, true
	case Audio:
		return body.Source, true
	default:
		return "", false
	}
}

// Clip is one element placed on a track.
type Clip struct {
	ID       string
	Start    float64
	Duration float64
	Props    Properties
	Body     Body
}

// Kind returns the kind of the clip body.
func (c *Clip) Kind() Kind { return c.Body.Kind() }

// End returns the exclusive end of the clip window.
func (c *Clip) End() float64 { return c.Start + c.Duration }

// Track is a z-ordered layer of clips.
type Track struct {
	ID     string
	Label  string
	Kind   string
	Hidden bool
	Muted  bool
	Clips  []Clip
}

// Ref addresses a clip by track and clip index.
type Ref struct {
	Track int
	Clip  int
}
