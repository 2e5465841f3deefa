package decoder

import (
	"time"

	"github.com/sweeney/gbm-decoder/internal/adc"
	"github.com/sweeney/gbm-decoder/internal/logic"
	"github.com/sweeney/gbm-decoder/internal/occupancy"
	"github.com/sweeney/gbm-decoder/internal/relays"
	"github.com/sweeney/gbm-decoder/internal/speed"
)

// ChannelState is the filter state of one input.
type ChannelState struct {
	adc.Channel
	adc.Result
}

// LinkState is the RS-bus link as seen by the decoder.
type LinkState struct {
	Address   byte
	Active    bool
	Connected bool
	Busy      bool
}

// Snapshot is a copy of the decoder state for reporting.
type Snapshot struct {
	Role     string
	Ticks    uint64
	Settling bool

	Channels [adc.NumChannels]ChannelState
	Bits     [occupancy.NumBits]occupancy.Bit
	Link     LinkState

	// Relays and Tracks are nil when the role does not use them.
	Relays *[relays.NumDevices]relays.Device
	Tracks *[speed.NumTracks]speed.Track
}

// Snapshot copies the current state.
func (d *Decoder) Snapshot() Snapshot {
	s := Snapshot{
		Role:     d.role.String(),
		Ticks:    d.ticks,
		Settling: d.settle.Running(),
		Bits:     d.engine.Bits(),
		Link: LinkState{
			Address:   d.engine.Config().Address,
			Active:    d.link.Active(),
			Connected: d.link.Connected(),
			Busy:      d.link.Busy(),
		},
	}
	results := d.cond.Results()
	for i := range s.Channels {
		s.Channels[i] = ChannelState{Channel: d.cond.Channel(i), Result: results[i]}
	}
	if d.relays != nil {
		devices := d.relays.Devices()
		s.Relays = &devices
	}
	if d.tracker != nil {
		tracks := d.tracker.Tracks()
		s.Tracks = &tracks
	}
	return s
}

// EventInput converts the snapshot into an observation for the event
// detector. Feedback bits are reported as acknowledged on the bus.
func (s Snapshot) EventInput(now time.Time) logic.Input {
	in := logic.Input{
		Time:     now,
		Channels: make([]logic.State, len(s.Channels)),
		Feedback: make([]bool, len(s.Bits)),
	}
	for i, ch := range s.Channels {
		switch {
		case ch.IsOn:
			in.Channels[i] = logic.StateOn
		case ch.IsOff:
			in.Channels[i] = logic.StateOff
		}
	}
	for i, b := range s.Bits {
		in.Feedback[i] = b.Acknowledged
	}
	if s.Tracks != nil {
		for _, tr := range s.Tracks {
			in.Tracks = append(in.Tracks, logic.Track{Status: tr.Status.String(), Speed: tr.Speed})
		}
	}
	if s.Relays != nil {
		for _, d := range s.Relays {
			in.Relays = append(in.Relays, d.Position.String())
		}
	}
	return in
}
