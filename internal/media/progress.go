package media

import (
	"strconv"
	"strings"
	"time"
)

// Progress is one block of ffmpeg -progress output.
type Progress struct {
	Frame   int
	OutTime time.Duration
	Speed   string
	Done    bool
}

// Fraction returns OutTime relative to total, clamped to [0,1].
func (p Progress) Fraction(total float64) float64 {
	if p.Done {
		return 1
	}
	if total <= 0 {
		return 0
	}
	f := p.OutTime.Seconds() / total
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

var progressKeys = map[string]bool{
	"frame": true, "fps": true, "stream_0_0_q": true, "bitrate": true,
	"total_size": true, "out_time_us": true, "out_time_ms": true, "out_time": true,
	"dup_frames": true, "drop_frames": true, "speed": true, "progress": true,
}

type progressParser struct {
	cur Progress
}

// feed consumes one line. ok is false for lines that are not progress
// key=value pairs; done is true once a block ends with progress=.
func (pp *progressParser) feed(line string) (p Progress, done, ok bool) {
	key, val, found := strings.Cut(strings.TrimSpace(line), "=")
	if !found || !progressKeys[key] {
		return Progress{}, false, false
	}
	val = strings.TrimSpace(val)
	switch key {
	case "frame":
		pp.cur.Frame, _ = strconv.Atoi(val)
	case "out_time_us", "out_time_ms":
		// out_time_ms is in microseconds as well.
		if us, err := strconv.ParseInt(val, 10, 64); err == nil && us >= 0 {
			pp.cur.OutTime = time.Duration(us) * time.Microsecond
		}
	case "speed":
		pp.cur.Speed = val
	case "progress":
		pp.cur.Done = val == "end"
		p = pp.cur
		pp.cur = Progress{}
		return p, true, true
	}
	return Progress{}, false, true
}
