package internal

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sweeney/gbm-decoder/internal/adc"
	"github.com/sweeney/gbm-decoder/internal/cv"
	"github.com/sweeney/gbm-decoder/internal/decoder"
	"github.com/sweeney/gbm-decoder/internal/display"
	"github.com/sweeney/gbm-decoder/internal/gpio"
	"github.com/sweeney/gbm-decoder/internal/logic"
	"github.com/sweeney/gbm-decoder/internal/mqtt"
	"github.com/sweeney/gbm-decoder/internal/occupancy"
	"github.com/sweeney/gbm-decoder/internal/rsbus"
	"github.com/sweeney/gbm-decoder/internal/status"
)

const occupied = 200

// system wires the decoder to the detector, publisher and status tracker the
// way the daemon does, over fake hardware.
type system struct {
	conv    *adc.FakeConverter
	link    *rsbus.FakeLink
	port    *gpio.FakePort
	lines   *display.Lines
	dec     *decoder.Decoder
	det     *logic.Detector
	pub     *mqtt.FakePublisher
	tracker *status.Tracker
	start   time.Time
	ms      uint32
}

func newSystem(t *testing.T, cvs cv.Table) *system {
	t.Helper()
	base := cv.Table{cv.MyRSAddr: 5}
	for i := cv.CV(0); i < adc.NumChannels; i++ {
		base[cv.DelayIn1+i] = 5
	}
	s := &system{
		conv:  adc.NewFakeConverter(),
		link:  rsbus.NewFakeLink(),
		port:  gpio.NewFakePort(),
		lines: display.New(),
		pub:   mqtt.NewFakePublisher(),
		start: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	dec, err := decoder.New(cv.Layered{cvs, base, cv.Defaults()}, decoder.Options{Settle: 40 * time.Millisecond}, decoder.Hardware{
		Converter: s.conv,
		Link:      s.link,
		Relays:    s.port,
		Display:   s.lines,
	}, 0)
	if err != nil {
		t.Fatalf("decoder.New: %v", err)
	}
	s.dec = dec
	s.det = logic.NewDetector(40*time.Millisecond, s.start)
	s.tracker = status.NewTracker(s.start, status.Config{Broker: "tcp://localhost:1883", SettleMs: 40})
	return s
}

// run simulates ms milliseconds of the main loop.
func (s *system) run(t *testing.T, ms uint32) {
	t.Helper()
	for end := s.ms + ms; s.ms < end; {
		s.ms++
		ticked, err := s.dec.Poll(s.ms)
		if err != nil {
			t.Fatalf("ms %d: poll: %v", s.ms, err)
		}
		if !ticked {
			continue
		}
		now := s.start.Add(time.Duration(s.ms) * time.Millisecond)
		snap := s.dec.Snapshot()
		for _, e := range s.det.Process(snap.EventInput(now)) {
			// Publish failures must not stop the loop.
			s.pub.Publish(e)
		}
		s.tracker.Update(snap, s.det.IsBaselined(), s.det.EventCountsSnapshot())
		lines := s.lines.Snapshot()
		s.tracker.SetDisplay(lines[:])
	}
}

func (s *system) events(types ...logic.EventType) []logic.Event {
	var out []logic.Event
	for _, e := range s.pub.Events {
		for _, typ := range types {
			if e.Type == typ {
				out = append(out, e)
			}
		}
	}
	return out
}

type want struct {
	typ   logic.EventType
	index int
}

func checkEvents(t *testing.T, got []logic.Event, wants []want) {
	t.Helper()
	if len(got) != len(wants) {
		t.Fatalf("got %d events %+v, want %d", len(got), got, len(wants))
	}
	for i, w := range wants {
		if got[i].Type != w.typ || got[i].Index != w.index {
			t.Errorf("event %d: got %s/%d, want %s/%d", i, got[i].Type, got[i].Index, w.typ, w.index)
		}
	}
}

// TestIntegrationOccupancyFlow follows a train across two blocks.
func TestIntegrationOccupancyFlow(t *testing.T) {
	s := newSystem(t, nil)
	s.run(t, 200)

	s.conv.Values[0] = occupied
	s.run(t, 200)
	s.conv.Values[1] = occupied
	s.run(t, 200)
	s.conv.Values[0] = 0
	s.run(t, 300)
	s.conv.Values[1] = 0
	s.run(t, 300)

	checkEvents(t, s.events(logic.EventChannelOccupied, logic.EventChannelFree), []want{
		{logic.EventChannelOccupied, 0},
		{logic.EventChannelOccupied, 1},
		{logic.EventChannelFree, 0},
		{logic.EventChannelFree, 1},
	})
	checkEvents(t, s.events(logic.EventFeedbackOn, logic.EventFeedbackOff), []want{
		{logic.EventFeedbackOn, 0},
		{logic.EventFeedbackOn, 1},
		{logic.EventFeedbackOff, 0},
		{logic.EventFeedbackOff, 1},
	})

	// Two registration bytes, then one low-group byte per change.
	if len(s.link.Sent) != 6 {
		t.Fatalf("sent %x, want 6 bytes", s.link.Sent)
	}
	group, values, err := occupancy.DecodeGroup(s.link.Sent[len(s.link.Sent)-1])
	if err != nil {
		t.Fatalf("decode last byte: %v", err)
	}
	if group != occupancy.GroupLow || values != [4]bool{} {
		t.Errorf("last report: group %d values %v, want low group all free", group, values)
	}

	for i, payload := range s.pub.Payloads {
		var parsed mqtt.Payload
		if err := json.Unmarshal(payload, &parsed); err != nil {
			t.Fatalf("payload %d: invalid JSON: %v", i, err)
		}
		if parsed.GBM.Timestamp == "" || parsed.GBM.Event == "" {
			t.Errorf("payload %d: incomplete: %s", i, payload)
		}
	}

	counts := s.tracker.Snapshot().Counts
	if counts.Occupied != 2 || counts.Freed != 2 || counts.FeedbackOn != 2 || counts.FeedbackOff != 2 {
		t.Errorf("counts: got %+v", counts)
	}
}

// TestIntegrationOccupiedAtStartup reports an input occupied at power-up to
// the master without a channel event.
func TestIntegrationOccupiedAtStartup(t *testing.T) {
	s := newSystem(t, nil)
	s.conv.Values[3] = occupied
	s.run(t, 200)

	if ch := s.events(logic.EventChannelOccupied, logic.EventChannelFree); len(ch) != 0 {
		t.Errorf("expected no channel events at baseline, got %+v", ch)
	}
	checkEvents(t, s.events(logic.EventFeedbackOn), []want{{logic.EventFeedbackOn, 3}})

	if !s.tracker.Snapshot().Decoder.Bits[3].Acknowledged {
		t.Error("bit 3 should be acknowledged")
	}
}

func TestIntegrationShortPulseRejected(t *testing.T) {
	s := newSystem(t, nil)
	s.run(t, 200)

	// A single sample of input 4 over the on threshold, fewer than CV33 asks for.
	s.conv.Values[4] = occupied
	s.run(t, 10)
	s.conv.Values[4] = 0
	s.run(t, 300)

	if len(s.pub.Events) != 0 {
		t.Errorf("expected no events, got %+v", s.pub.Events)
	}
}

func TestIntegrationPublishFailureDoesNotStop(t *testing.T) {
	s := newSystem(t, nil)
	s.pub.PublishError = errors.New("broker down")
	s.run(t, 200)
	s.conv.Values[0] = occupied
	s.run(t, 200)

	if len(s.pub.Events) != 0 {
		t.Errorf("expected nothing recorded, got %d", len(s.pub.Events))
	}
	if s.det.EventCountsSnapshot().Occupied != 1 {
		t.Errorf("Occupied: got %d, want 1", s.det.EventCountsSnapshot().Occupied)
	}
	if len(s.link.Sent) == 0 {
		t.Error("feedback must not depend on MQTT")
	}
}

func TestIntegrationSpeedMeasurement(t *testing.T) {
	// Track 0 on input 2, 1000 mm between the neighbouring contacts.
	s := newSystem(t, cv.Table{
		cv.DecType:  byte(cv.RoleSpeed),
		cv.Speed1Out: 3,
		cv.Speed1LL:  0xE8,
		cv.Speed1LH:  0x03,
	})
	s.run(t, 200)
	if got := s.lines.Snapshot(); got[0] != "OpenDecoder GBM" {
		t.Errorf("banner: got %q", got)
	}

	s.conv.Values[1] = occupied
	s.conv.Values[2] = occupied
	s.run(t, 100)
	s.conv.Values[1] = 0
	s.run(t, 900)
	s.conv.Values[3] = occupied
	s.run(t, 100)

	measured := s.events(logic.EventSpeedMeasured)
	if len(measured) != 1 || measured[0].Index != 0 {
		t.Fatalf("speed events: got %+v", measured)
	}
	// About a second for a metre at 1:87.
	if v := measured[0].Speed; v < 250 || v > 400 {
		t.Errorf("speed: got %d km/h, want about 310", v)
	}

	snap := s.tracker.Snapshot()
	if snap.Display[0] != "Speed: "+itoa(measured[0].Speed)+" Km/h" {
		t.Errorf("display: got %q", snap.Display[0])
	}
	if snap.Decoder.Tracks == nil || snap.Decoder.Tracks[1].Status.String() != "uninitialized" {
		t.Errorf("track 1 should be unconfigured")
	}

	var parsed mqtt.Payload
	if err := json.Unmarshal(s.pub.Payloads[indexOf(s.pub.Events, logic.EventSpeedMeasured)], &parsed); err != nil {
		t.Fatal(err)
	}
	if parsed.GBM.SpeedKmh == nil || *parsed.GBM.SpeedKmh != measured[0].Speed {
		t.Errorf("payload speed: got %v", parsed.GBM.SpeedKmh)
	}
}

func TestIntegrationRelayCommand(t *testing.T) {
	s := newSystem(t, cv.Table{cv.DecType: byte(cv.RoleRelays)})
	s.run(t, 200)
	s.port.Reset()

	s.pub.OnCommand = func(c mqtt.Command) {
		if err := s.dec.Submit(decoder.Command{Device: c.Device, Position: c.Position}); err != nil {
			t.Errorf("Submit: %v", err)
		}
	}
	if err := s.pub.Deliver([]byte(`{"device": 2, "position": "red"}`)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if err := s.pub.Deliver([]byte(`{"device": 2, "position": "amber"}`)); err == nil {
		t.Error("expected an invalid position to be rejected")
	}
	s.run(t, 20)
	if s.port.Coils != 1<<4 {
		t.Errorf("coils while holding: got %08b, want %08b", s.port.Coils, 1<<4)
	}
	s.run(t, 200)
	if s.port.Coils != 0 {
		t.Errorf("coils after hold time: got %08b, want 0", s.port.Coils)
	}

	sw := s.pub.EventsOf(logic.EventRelaySwitched)
	if len(sw) != 1 || sw[0].Index != 2 || sw[0].State != "red" {
		t.Errorf("relay events: got %+v", sw)
	}
}

func TestIntegrationReverser(t *testing.T) {
	s := newSystem(t, cv.Table{cv.DecType: byte(cv.RoleReverser)})
	s.run(t, 200)
	s.port.Reset()

	s.conv.Values[1] = occupied
	s.run(t, 100)

	found := false
	for _, w := range s.port.Writes {
		if w == 0b10101010 {
			found = true
		}
	}
	if !found {
		t.Errorf("expected all devices green, writes %08b", s.port.Writes)
	}
	sw := s.events(logic.EventRelaySwitched)
	if len(sw) != 4 {
		t.Fatalf("relay events: got %+v", sw)
	}
	for _, e := range sw {
		if e.State != "green" {
			t.Errorf("device %d: got %s, want green", e.Index, e.State)
		}
	}
	// Input 1 reports on bit 0 (CV47).
	checkEvents(t, s.events(logic.EventFeedbackOn), []want{{logic.EventFeedbackOn, 0}})
}

func TestIntegrationStartupShutdownPayloads(t *testing.T) {
	s := newSystem(t, nil)
	s.tracker.Update(s.dec.Snapshot(), false, logic.EventCounts{})
	s.pub.PublishSystem(mqtt.SystemEvent{
		Event:      "STARTUP",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(s.tracker.Snapshot(), "STARTUP", ""),
	})

	s.run(t, 200)
	s.conv.Values[0] = occupied
	s.run(t, 200)

	s.pub.PublishSystem(mqtt.SystemEvent{
		Event:      "SHUTDOWN",
		Reason:     "SIGTERM",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(s.tracker.Snapshot(), "SHUTDOWN", "SIGTERM"),
	})

	if len(s.pub.SystemPayloads) != 2 {
		t.Fatalf("system payloads: got %d, want 2", len(s.pub.SystemPayloads))
	}

	var startup, shutdown status.StatusJSON
	if err := json.Unmarshal(s.pub.SystemPayloads[0], &startup); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(s.pub.SystemPayloads[1], &shutdown); err != nil {
		t.Fatal(err)
	}

	if startup.Status.Event != "STARTUP" || startup.Status.Ready || !startup.Status.Settling {
		t.Errorf("startup: got event %q ready %v settling %v", startup.Status.Event, startup.Status.Ready, startup.Status.Settling)
	}
	if startup.Status.Role != "normal" || startup.Status.RSBus.Address != 5 {
		t.Errorf("startup: got role %q address %d", startup.Status.Role, startup.Status.RSBus.Address)
	}

	st := shutdown.Status
	if st.Event != "SHUTDOWN" || st.Reason != "SIGTERM" || !st.Ready {
		t.Errorf("shutdown: got %+v", st)
	}
	if st.Channels[0].State != "ON" || !st.Feedback[0].On || st.Counts.Occupied != 1 {
		t.Errorf("shutdown state: channel %q feedback %v occupied %d", st.Channels[0].State, st.Feedback[0].On, st.Counts.Occupied)
	}
	if !st.RSBus.Connected {
		t.Error("expected registered link")
	}
	if strings.Contains(string(s.pub.SystemPayloads[1]), `"network"`) {
		t.Error("network should be omitted without pi-helper data")
	}
}

func itoa(v uint32) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func indexOf(events []logic.Event, typ logic.EventType) int {
	for i, e := range events {
		if e.Type == typ {
			return i
		}
	}
	return -1
}
