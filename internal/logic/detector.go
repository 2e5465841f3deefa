package logic

import "time"

// Detector compares each observation with the previous one and reports the
// differences as events.
type Detector struct {
	baselineWait  time.Duration
	startTime     time.Time
	baselined     bool
	last          Input
	eventCounts   EventCounts
	lastHeartbeat time.Time
}

// NewDetector creates a detector. The baseline is taken from the first
// observation in which every input is definite, or from the first one after
// baselineWait, so an input stuck between thresholds cannot block reporting.
// The startTime is used for calculating uptime in heartbeat events.
func NewDetector(baselineWait time.Duration, startTime time.Time) *Detector {
	return &Detector{
		baselineWait:  baselineWait,
		startTime:     startTime,
		lastHeartbeat: startTime,
	}
}

// Process takes a new observation and returns the events it causes.
// No events are returned until the baseline is established.
func (d *Detector) Process(input Input) []Event {
	if !d.baselined {
		if !allDefinite(input.Channels) && input.Time.Sub(d.startTime) < d.baselineWait {
			return nil
		}
		d.baselined = true
		d.last = clone(input)
		return nil
	}

	var events []Event
	emit := func(t EventType, index int, state string) *Event {
		events = append(events, Event{Timestamp: input.Time, Type: t, Index: index, State: state})
		return &events[len(events)-1]
	}

	channels := append([]State(nil), input.Channels...)
	for i, s := range channels {
		prev := stateAt(d.last.Channels, i)
		if s == StateUnknown {
			// Keep the last definite state so a settling input is not
			// reported twice.
			channels[i] = prev
			continue
		}
		if s == prev || prev == StateUnknown {
			continue
		}
		if s == StateOn {
			emit(EventChannelOccupied, i, string(s))
		} else {
			emit(EventChannelFree, i, string(s))
		}
	}

	for i, on := range input.Feedback {
		if i >= len(d.last.Feedback) || on == d.last.Feedback[i] {
			continue
		}
		if on {
			emit(EventFeedbackOn, i, string(StateOn))
		} else {
			emit(EventFeedbackOff, i, string(StateOff))
		}
	}

	for i, tr := range input.Tracks {
		var prev Track
		if i < len(d.last.Tracks) {
			prev = d.last.Tracks[i]
		}
		if tr.Status == prev.Status {
			continue
		}
		switch tr.Status {
		case TrackShow:
			emit(EventSpeedMeasured, i, tr.Status).Speed = tr.Speed
		case TrackError:
			emit(EventSpeedError, i, tr.Status)
		}
	}

	for i, pos := range input.Relays {
		if i < len(d.last.Relays) && pos != d.last.Relays[i] {
			emit(EventRelaySwitched, i, pos)
		}
	}

	for _, e := range events {
		d.count(e.Type)
	}
	input.Channels = channels
	d.last = clone(input)
	return events
}

func (d *Detector) count(t EventType) {
	switch t {
	case EventChannelOccupied:
		d.eventCounts.Occupied++
	case EventChannelFree:
		d.eventCounts.Freed++
	case EventFeedbackOn:
		d.eventCounts.FeedbackOn++
	case EventFeedbackOff:
		d.eventCounts.FeedbackOff++
	case EventSpeedMeasured:
		d.eventCounts.SpeedMeasured++
	case EventSpeedError:
		d.eventCounts.SpeedErrors++
	case EventRelaySwitched:
		d.eventCounts.RelaySwitched++
	}
}

func allDefinite(states []State) bool {
	for _, s := range states {
		if s == StateUnknown {
			return false
		}
	}
	return true
}

func stateAt(states []State, i int) State {
	if i < len(states) {
		return states[i]
	}
	return StateUnknown
}

func clone(in Input) Input {
	return Input{
		Time:     in.Time,
		Channels: append([]State(nil), in.Channels...),
		Feedback: append([]bool(nil), in.Feedback...),
		Tracks:   append([]Track(nil), in.Tracks...),
		Relays:   append([]string(nil), in.Relays...),
	}
}

// IsBaselined returns whether the detector has established a baseline.
func (d *Detector) IsBaselined() bool {
	return d.baselined
}

// CurrentChannels returns the last definite state of every input.
func (d *Detector) CurrentChannels() []State {
	return append([]State(nil), d.last.Channels...)
}

// EventCountsSnapshot returns a copy of the event counts.
func (d *Detector) EventCountsSnapshot() EventCounts {
	return d.eventCounts
}

// CheckHeartbeat returns heartbeat data if the interval has elapsed since the
// last heartbeat (or startup). Returns nil if not yet baselined, if the
// interval has not elapsed, or if interval is <= 0 (disabled).
func (d *Detector) CheckHeartbeat(now time.Time, interval time.Duration) *HeartbeatData {
	if interval <= 0 {
		return nil
	}

	if !d.baselined {
		return nil
	}

	if now.Sub(d.lastHeartbeat) < interval {
		return nil
	}

	d.lastHeartbeat = now
	return &HeartbeatData{
		Timestamp: now,
		Uptime:    now.Sub(d.startTime),
		Counts:    d.eventCounts,
	}
}
