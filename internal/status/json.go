package status

import (
	"encoding/json"
	"fmt"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string        `json:"event,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	Role          string        `json:"role"`
	Ready         bool          `json:"ready"`
	Settling      bool          `json:"settling"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	StartTime     string        `json:"start_time"`
	Timestamp     string        `json:"timestamp"`
	Channels      []ChannelJSON `json:"channels"`
	Feedback      []BitJSON     `json:"feedback"`
	RSBus         RSBusJSON     `json:"rsbus"`
	Relays        []RelayJSON   `json:"relays,omitempty"`
	Speed         []TrackJSON   `json:"speed,omitempty"`
	Display       []string      `json:"display,omitempty"`
	MQTT          MQTTStatus    `json:"mqtt"`
	Counts        CountsJSON    `json:"event_counts"`
	Network       *NetworkJSON  `json:"network,omitempty"`
	Config        ConfigJSON    `json:"config"`
}

// ChannelJSON is one analog input.
type ChannelJSON struct {
	Index   int    `json:"index"`
	State   string `json:"state"`
	Raw     uint16 `json:"raw"`
	History string `json:"history"`
	Delay   uint16 `json:"delay"`
}

// BitJSON is one feedback bit.
type BitJSON struct {
	Bit     int  `json:"bit"`
	On      bool `json:"on"`
	Pending int  `json:"pending"`
}

// RSBusJSON reports the feedback link.
type RSBusJSON struct {
	Address   byte   `json:"address"`
	Active    bool   `json:"active"`
	Connected bool   `json:"connected"`
	Busy      bool   `json:"busy"`
	Sent      uint64 `json:"sent"`
	Failures  uint64 `json:"failures"`
}

// RelayJSON is one relay device.
type RelayJSON struct {
	Device    int    `json:"device"`
	Position  string `json:"position"`
	Remaining uint8  `json:"remaining_ticks"`
}

// TrackJSON is one speed measurement track.
type TrackJSON struct {
	Track    int    `json:"track"`
	Status   string `json:"status"`
	Channel  int    `json:"channel"`
	LengthMM uint16 `json:"length_mm"`
	SpeedKmh uint32 `json:"speed_kmh"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// CountsJSON is the JSON representation of event counts.
type CountsJSON struct {
	Occupied      int `json:"occupied"`
	Freed         int `json:"freed"`
	FeedbackOn    int `json:"feedback_on"`
	FeedbackOff   int `json:"feedback_off"`
	SpeedMeasured int `json:"speed_measured"`
	SpeedErrors   int `json:"speed_errors"`
	RelaySwitched int `json:"relay_switched"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	CVSource    string `json:"cv_source"`
	RSBus       string `json:"rsbus"`
	Broker      string `json:"broker"`
	TopicPrefix string `json:"topic_prefix"`
	HeartbeatMs int64  `json:"heartbeat_ms"`
	SettleMs    int64  `json:"settle_ms"`
	HTTPPort    string `json:"http_port"`
	MDNS        bool   `json:"mdns"`
}

// ChannelState returns ON, OFF or UNKNOWN for an input.
func ChannelState(isOn, isOff bool) string {
	switch {
	case isOn:
		return "ON"
	case isOff:
		return "OFF"
	}
	return "UNKNOWN"
}

// View builds the status view shared by the JSON encoders and the web page.
func View(snap Snapshot) StatusInner {
	dec := snap.Decoder
	role := dec.Role
	if role == "" {
		role = "starting"
	}
	inner := StatusInner{
		Role:          role,
		Ready:         snap.Baselined,
		Settling:      dec.Settling,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		RSBus: RSBusJSON{
			Address:   dec.Link.Address,
			Active:    dec.Link.Active,
			Connected: dec.Link.Connected,
			Busy:      dec.Link.Busy,
			Sent:      snap.Link.Sent,
			Failures:  snap.Link.Failures,
		},
		Display: snap.Display,
		MQTT:    MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Counts: CountsJSON{
			Occupied:      snap.Counts.Occupied,
			Freed:         snap.Counts.Freed,
			FeedbackOn:    snap.Counts.FeedbackOn,
			FeedbackOff:   snap.Counts.FeedbackOff,
			SpeedMeasured: snap.Counts.SpeedMeasured,
			SpeedErrors:   snap.Counts.SpeedErrors,
			RelaySwitched: snap.Counts.RelaySwitched,
		},
		Config: ConfigJSON{
			CVSource:    snap.Config.CVSource,
			RSBus:       snap.Config.RSBus,
			Broker:      snap.Config.Broker,
			TopicPrefix: snap.Config.TopicPrefix,
			HeartbeatMs: snap.Config.HeartbeatMs,
			SettleMs:    snap.Config.SettleMs,
			HTTPPort:    snap.Config.HTTPPort,
			MDNS:        snap.Config.MDNS,
		},
	}

	for i, ch := range dec.Channels {
		inner.Channels = append(inner.Channels, ChannelJSON{
			Index:   i,
			State:   ChannelState(ch.IsOn, ch.IsOff),
			Raw:     ch.Raw,
			History: fmt.Sprintf("%08b", ch.History),
			Delay:   ch.Delay,
		})
	}
	for i, b := range dec.Bits {
		inner.Feedback = append(inner.Feedback, BitJSON{Bit: i, On: b.Acknowledged, Pending: b.Pending})
	}
	if dec.Relays != nil {
		for i, d := range dec.Relays {
			inner.Relays = append(inner.Relays, RelayJSON{Device: i, Position: d.Position.String(), Remaining: d.Remaining})
		}
	}
	if dec.Tracks != nil {
		for i, tr := range dec.Tracks {
			inner.Speed = append(inner.Speed, TrackJSON{
				Track:    i,
				Status:   tr.Status.String(),
				Channel:  tr.Channel,
				LengthMM: tr.Length,
				SpeedKmh: tr.Speed,
			})
		}
	}
	buildNetwork(snap, &inner)
	return inner
}

func buildNetwork(snap Snapshot, inner *StatusInner) {
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	inner := View(snap)

	data, _ := json.MarshalIndent(StatusJSON{Status: inner}, "", "  ")
	return data
}

// FormatCompact returns the JSON status on one line, as pushed to websocket
// clients.
func FormatCompact(snap Snapshot) []byte {
	inner := View(snap)

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := View(snap)
	inner.Event = event
	inner.Reason = reason

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
