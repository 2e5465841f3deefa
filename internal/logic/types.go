// Package logic turns successive decoder states into reportable events.
// This package has NO external dependencies (no GPIO, MQTT, OS, or time.Sleep).
// Time is always injectable via time.Time parameters.
package logic

import "time"

// State represents the logical state of an input or feedback bit.
type State string

const (
	StateOn  State = "ON"
	StateOff State = "OFF"
	// StateUnknown is an input that is neither reliably occupied nor free,
	// for instance while its off delay runs.
	StateUnknown State = ""
)

// EventType represents a state transition event.
type EventType string

const (
	EventChannelOccupied EventType = "CHANNEL_OCCUPIED"
	EventChannelFree     EventType = "CHANNEL_FREE"
	EventFeedbackOn      EventType = "FEEDBACK_ON"
	EventFeedbackOff     EventType = "FEEDBACK_OFF"
	EventSpeedMeasured   EventType = "SPEED_MEASURED"
	EventSpeedError      EventType = "SPEED_ERROR"
	EventRelaySwitched   EventType = "RELAY_SWITCHED"
)

// Event represents a state transition to be published.
type Event struct {
	Timestamp time.Time
	Type      EventType
	// Index is the input, feedback bit, track or relay the event is about.
	Index int
	// State is the new state: ON/OFF, or the relay position.
	State string
	// Speed is set for SPEED_MEASURED, in km/h.
	Speed uint32
}

// Track is the part of a speed track the detector follows.
type Track struct {
	Status string
	Speed  uint32
}

// Track statuses the detector reacts to.
const (
	TrackShow  = "show"
	TrackError = "error"
)

// Input represents one observation of the decoder.
type Input struct {
	Time     time.Time
	Channels []State
	Feedback []bool
	Tracks   []Track
	Relays   []string
}

// EventCounts tracks the number of each event type since startup.
type EventCounts struct {
	Occupied      int
	Freed         int
	FeedbackOn    int
	FeedbackOff   int
	SpeedMeasured int
	SpeedErrors   int
	RelaySwitched int
}

// HeartbeatData contains information for a heartbeat event.
type HeartbeatData struct {
	Timestamp time.Time
	Uptime    time.Duration
	Counts    EventCounts
}
