package main

import (
	"log"
	"os"
	"syscall"
	"time"

	"github.com/sweeney/gbm-decoder/internal/decoder"
	"github.com/sweeney/gbm-decoder/internal/display"
	"github.com/sweeney/gbm-decoder/internal/logic"
	"github.com/sweeney/gbm-decoder/internal/mqtt"
	"github.com/sweeney/gbm-decoder/internal/status"
)

// liveEvery is the number of main ticks between websocket pushes when no
// event happened.
const liveEvery = 25

const errorLogEvery = 1000

type linkStats interface {
	Stats() (sent, failures uint64)
}

type liveFeed interface {
	Publish()
}

// loop couples the decoder to its reporting. Only runLoop's goroutine
// touches it. display, link and live may be nil.
type loop struct {
	dec        *decoder.Decoder
	millis     func() uint32
	now        func() time.Time
	detector   *logic.Detector
	publisher  mqtt.Publisher
	mqttStatus mqtt.ConnectionStatus
	tracker    *status.Tracker
	display    *display.Lines
	link       linkStats
	live       liveFeed
	heartbeat  time.Duration

	last          uint32
	sinceLive     int
	errLogged     bool
	errAt         uint32
	errSuppressed int
}

func runLoop(l *loop, poll <-chan time.Time, sig <-chan os.Signal) error {
	for {
		select {
		case s := <-sig:
			log.Printf("received %v, shutting down", s)
			l.shutdown(signalName(s))
			return nil

		case <-poll:
			l.step()
		}
	}
}

// step polls the decoder once for every millisecond since the last call, so
// a late wake-up does not skip samples or ticks.
func (l *loop) step() {
	now := l.millis()
	for l.last != now {
		l.last++
		ticked, err := l.dec.Poll(l.last)
		l.report(err)
		if ticked {
			l.mainTick()
		}
	}
}

// report logs decoder errors. A failing input errs on every sample, so after
// the first message at most one is logged per errorLogEvery milliseconds.
func (l *loop) report(err error) {
	if err == nil {
		return
	}
	if l.errLogged && l.last-l.errAt < errorLogEvery {
		l.errSuppressed++
		return
	}
	if l.errSuppressed > 0 {
		log.Printf("decoder: %v (%d more since last report)", err, l.errSuppressed)
	} else {
		log.Printf("decoder: %v", err)
	}
	l.errLogged = true
	l.errAt = l.last
	l.errSuppressed = 0
}

func (l *loop) mainTick() {
	t := l.now()
	snap := l.dec.Snapshot()
	events := l.detector.Process(snap.EventInput(t))

	for _, event := range events {
		logEvent(event)
		if err := l.publisher.Publish(event); err != nil {
			log.Printf("publish error: %v", err)
			// Don't stop the loop on publish failure
		}
	}

	l.updateStatus(snap)

	if l.detector.IsBaselined() {
		if hb := l.detector.CheckHeartbeat(t, l.heartbeat); hb != nil {
			l.publishHeartbeat(hb)
		}
	}

	if l.live != nil {
		l.sinceLive++
		if len(events) > 0 || l.sinceLive >= liveEvery {
			l.sinceLive = 0
			l.live.Publish()
		}
	}
}

func (l *loop) updateStatus(snap decoder.Snapshot) {
	l.tracker.Update(snap, l.detector.IsBaselined(), l.detector.EventCountsSnapshot())
	if l.mqttStatus != nil {
		l.tracker.SetMQTTConnected(l.mqttStatus.IsConnected())
	}
	if l.link != nil {
		sent, failures := l.link.Stats()
		l.tracker.SetLinkStats(status.LinkStats{Sent: sent, Failures: failures})
	}
	if l.display != nil {
		lines := l.display.Snapshot()
		l.tracker.SetDisplay(lines[:])
	}
}

func (l *loop) publishHeartbeat(hb *logic.HeartbeatData) {
	c := hb.Counts
	log.Printf("heartbeat: uptime=%v occupied=%d freed=%d fb_on=%d fb_off=%d speed=%d relays=%d",
		hb.Uptime, c.Occupied, c.Freed, c.FeedbackOn, c.FeedbackOff, c.SpeedMeasured, c.RelaySwitched)

	// Refresh network info for heartbeat
	if ni := readNetworkInfo(); ni != nil {
		l.tracker.SetNetwork(ni)
	}
	snap := l.tracker.Snapshot()
	event := mqtt.SystemEvent{
		Timestamp:  hb.Timestamp,
		Event:      "HEARTBEAT",
		RawPayload: status.FormatStatusEvent(snap, "HEARTBEAT", ""),
	}
	if err := l.publisher.PublishSystem(event); err != nil {
		log.Printf("heartbeat publish error: %v", err)
	}
}

func (l *loop) shutdown(reason string) {
	if l.mqttStatus != nil {
		l.tracker.SetMQTTConnected(l.mqttStatus.IsConnected())
	}
	snap := l.tracker.Snapshot()
	event := mqtt.SystemEvent{
		Timestamp:  l.now(),
		Event:      "SHUTDOWN",
		Reason:     reason,
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "SHUTDOWN", reason),
	}
	if err := l.publisher.PublishSystem(event); err != nil {
		log.Printf("failed to publish shutdown event: %v", err)
	} else {
		log.Printf("published shutdown event")
	}
}

func logEvent(e logic.Event) {
	switch e.Type {
	case logic.EventSpeedMeasured:
		log.Printf("event: %s track=%d speed=%dkm/h", e.Type, e.Index, e.Speed)
	case logic.EventSpeedError:
		log.Printf("event: %s track=%d", e.Type, e.Index)
	default:
		log.Printf("event: %s index=%d state=%s", e.Type, e.Index, e.State)
	}
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	}
	return "UNKNOWN"
}
