// Package mqtt provides MQTT publishing with abstraction for testing.
package mqtt

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/sweeney/gbm-decoder/internal/logic"
)

// DefaultPrefix is the topic prefix used when none is configured.
const DefaultPrefix = "railway/gbm"

// Topics are the MQTT topics of one decoder.
type Topics struct {
	// Events carries occupancy, feedback, speed and relay events.
	Events string
	// System carries lifecycle events (STARTUP, SHUTDOWN, HEARTBEAT, ...).
	System string
	// Commands is subscribed to for relay commands.
	Commands string
}

// NewTopics derives the topics from prefix.
func NewTopics(prefix string) Topics {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Topics{
		Events:   prefix + "/events",
		System:   prefix + "/system",
		Commands: prefix + "/relay/set",
	}
}

// Publisher publishes events to MQTT.
type Publisher interface {
	// Publish sends a decoder event to the broker.
	// Returns error if publishing fails (should not crash the process).
	Publish(event logic.Event) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// Payload represents the MQTT message payload structure.
type Payload struct {
	GBM EventPayload `json:"gbm"`
}

// EventPayload contains the decoder event details.
type EventPayload struct {
	Timestamp string  `json:"timestamp"`
	Event     string  `json:"event"`
	Index     int     `json:"index"`
	State     string  `json:"state,omitempty"`
	SpeedKmh  *uint32 `json:"speed_kmh,omitempty"`
}

// FormatPayload creates the JSON payload for a decoder event.
func FormatPayload(event logic.Event) ([]byte, error) {
	inner := EventPayload{
		Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
		Event:     string(event.Type),
		Index:     event.Index,
		State:     event.State,
	}
	if event.Type == logic.EventSpeedMeasured {
		speed := event.Speed
		inner.SpeedKmh = &speed
	}
	return json.Marshal(Payload{GBM: inner})
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}
