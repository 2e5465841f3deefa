// Package speed measures train speed on up to two measurement tracks. A
// measurement track is an occupancy section with a known length between two
// neighbouring sections; the time a train needs from entering it to reaching
// the far neighbour gives its speed, scaled to the prototype.
//
//	     before          measured          after
//	-------------|====================|-------------
package speed

import (
	"fmt"
	"strings"

	"github.com/sweeney/gbm-decoder/internal/adc"
	"github.com/sweeney/gbm-decoder/internal/cv"
)

const (
	// NumTracks is the number of measurement tracks.
	NumTracks = 2
	// LineWidth is the width of a display line in characters.
	LineWidth = 16
	// DisplayTicks is how long a result stays on the display, in main ticks.
	DisplayTicks = 400
	// ProgressTicks is how often the progress marker moves, in main ticks.
	ProgressTicks = 25
	// DefaultScale is the H0 scale divisor.
	DefaultScale = 87

	MinLength = 100
	MaxLength = 5000
)

// Banner is shown on the display at start-up.
var Banner = [NumTracks]string{"OpenDecoder GBM", "Speed detection"}

// Status is the state of a measurement track.
type Status uint8

const (
	Uninitialized Status = iota
	Inactive
	Active
	Show
	Done
	Error
)

func (s Status) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Inactive:
		return "inactive"
	case Active:
		return "active"
	case Show:
		return "show"
	case Done:
		return "done"
	case Error:
		return "error"
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// Display shows one line of text per track.
type Display interface {
	WriteLine(line int, text string)
}

// TrackConfig locates a measurement track.
type TrackConfig struct {
	// Channel is the input of the measured section; its neighbours are the
	// inputs on either side. Channel 0 and 7 have no two neighbours.
	Channel int
	// Length is the section length in millimetres.
	Length uint16
}

// Config holds the settings of both tracks.
type Config struct {
	Tracks [NumTracks]TrackConfig
	// Scale is the model scale divisor (87 for H0, 160 for N).
	Scale uint16
}

// ConfigFromCV reads track one from CV37-39 and track two from CV40-42. The
// channel CVs count inputs from 1; zero leaves the track unconfigured.
func ConfigFromCV(s cv.Store, scale uint16) Config {
	cfg := Config{Scale: scale}
	outs := [NumTracks]cv.CV{cv.Speed1Out, cv.Speed2Out}
	for i, out := range outs {
		cfg.Tracks[i] = TrackConfig{
			Channel: int(cv.Byte(s, out)) - 1,
			Length:  cv.Word(s, out+1, out+2),
		}
	}
	return cfg
}

func (c TrackConfig) valid() bool {
	return c.Channel > 0 && c.Channel < adc.NumChannels-1 &&
		c.Length >= MinLength && c.Length <= MaxLength
}

// Track is the state of one measurement track.
type Track struct {
	TrackConfig
	Status Status
	// Trigger is the neighbour whose occupation ends the measurement.
	Trigger int
	// Elapsed counts main ticks since the measurement or display started.
	Elapsed uint32
	// Speed is the last measured speed in km/h.
	Speed uint32
}

// Tracker runs the measurement state machines.
type Tracker struct {
	scale   uint16
	tracks  [NumTracks]Track
	display Display
}

// NewTracker validates the track settings and shows the banner. A track
// with an edge channel or an implausible length stays Uninitialized.
func NewTracker(cfg Config, display Display) *Tracker {
	t := &Tracker{scale: cfg.Scale, display: display}
	if t.scale == 0 {
		t.scale = DefaultScale
	}
	for i, tc := range cfg.Tracks {
		t.tracks[i] = Track{TrackConfig: tc, Status: Uninitialized}
		if tc.valid() {
			t.tracks[i].Status = Inactive
		}
	}
	for line, text := range Banner {
		display.WriteLine(line, text)
	}
	return t
}

// StepAll steps both tracks. Call it every main tick.
func (t *Tracker) StepAll(r *adc.Results) {
	for i := range t.tracks {
		t.Step(i, r)
	}
}

// Step advances track i and returns its new status.
func (t *Tracker) Step(i int, r *adc.Results) Status {
	tr := &t.tracks[i]
	if tr.Status == Uninitialized {
		return tr.Status
	}
	before := r[tr.Channel-1]
	at := r[tr.Channel]
	after := r[tr.Channel+1]

	switch tr.Status {
	case Inactive:
		switch {
		case before.IsOn && at.IsOn && after.IsOff:
			tr.arm(tr.Channel + 1)
		case before.IsOff && at.IsOn && after.IsOn:
			tr.arm(tr.Channel - 1)
		}

	case Active:
		tr.Elapsed++
		switch {
		case at.IsOff:
			// Contact lost before the train reached the far side.
			tr.Status = Error
		case r[tr.Trigger].IsOn:
			tr.Status = Show
			tr.Speed = Velocity(tr.Length, tr.Elapsed, t.scale)
			tr.Elapsed = 0
			t.display.WriteLine(i, fmt.Sprintf("Speed: %d Km/h", tr.Speed))
		default:
			t.display.WriteLine(i, Progress(tr.Elapsed))
		}

	case Show:
		tr.Elapsed++
		if tr.Elapsed > DisplayTicks {
			tr.Status = Done
		}

	case Done, Error:
		if before.IsOff && at.IsOff && after.IsOff {
			tr.Status = Inactive
			t.display.WriteLine(i, strings.Repeat(" ", LineWidth))
		}
	}
	return tr.Status
}

func (tr *Track) arm(trigger int) {
	tr.Status = Active
	tr.Trigger = trigger
	tr.Elapsed = 0
}

// Tracks returns a copy of the track states.
func (t *Tracker) Tracks() [NumTracks]Track {
	return t.tracks
}

// Velocity converts a passage of length millimetres in elapsed 20 ms ticks to
// prototype km/h. It returns 0 for a zero elapsed time.
//
//	mm / (ticks * 20 ms) * 3.6 * scale = mm * 18 * scale / (ticks * 100)
func Velocity(length uint16, elapsed uint32, scale uint16) uint32 {
	if elapsed == 0 {
		return 0
	}
	v := uint64(length) * 18 * uint64(scale) / (uint64(elapsed) * 100)
	return uint32(v)
}

// Progress returns a display line with a marker that moves one position every
// ProgressTicks.
func Progress(elapsed uint32) string {
	line := []byte(strings.Repeat(" ", LineWidth))
	line[(elapsed/ProgressTicks)%LineWidth] = '*'
	return string(line)
}
