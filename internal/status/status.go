// Package status provides a thread-safe status tracker for the gbm-decoder daemon.
// It is written by the control loop and read by HTTP handlers and the
// websocket feed.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/gbm-decoder/internal/decoder"
	"github.com/sweeney/gbm-decoder/internal/logic"
)

// NetworkInfo contains network state. This is a local copy to avoid
// importing internal/mqtt from status.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	CVSource    string
	RSBus       string
	Broker      string
	TopicPrefix string
	HeartbeatMs int64
	SettleMs    int64
	HTTPPort    string
	MDNS        bool
}

// LinkStats counts RS-bus transmissions.
type LinkStats struct {
	Sent     uint64
	Failures uint64
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	Decoder       decoder.Snapshot
	Display       []string
	Link          LinkStats
	Baselined     bool
	Counts        logic.EventCounts
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
	}
}

// Update stores the decoder state, baseline status, and event counts.
// Called from runLoop on every main tick.
func (t *Tracker) Update(dec decoder.Snapshot, baselined bool, counts logic.EventCounts) {
	t.mu.Lock()
	t.snap.Decoder = dec
	t.snap.Baselined = baselined
	t.snap.Counts = counts
	t.mu.Unlock()
}

// SetDisplay stores the speed display lines.
func (t *Tracker) SetDisplay(lines []string) {
	t.mu.Lock()
	t.snap.Display = append([]string(nil), lines...)
	t.mu.Unlock()
}

// SetLinkStats stores the RS-bus counters.
func (t *Tracker) SetLinkStats(stats LinkStats) {
	t.mu.Lock()
	t.snap.Link = stats
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}
