// Package occupancy maps the filtered inputs onto the eight RS-bus feedback
// bits and reports their changes to the master station.
//
// Each change is sent several times (forward error correction), because the
// RS-bus has no acknowledgement. After power-up the decoder registers with the
// master by sending both groups once, whatever their content.
package occupancy

import (
	"errors"
	"fmt"
	"log"
	"runtime"
	"time"

	"github.com/sweeney/gbm-decoder/internal/adc"
	"github.com/sweeney/gbm-decoder/internal/cv"
)

// NumBits is the number of feedback bits.
const NumBits = 8

const (
	maxTransmissions    = 3
	defaultReadyTimeout = 50 * time.Millisecond
)

var (
	// ErrLinkBusy is returned when the link stays busy past the ready timeout.
	ErrLinkBusy = errors.New("occupancy: link busy")
	// ErrRegistrationLost is returned when a registration byte failed on the
	// wire. Registration is retried on the next step.
	ErrRegistrationLost = errors.New("occupancy: registration byte lost")
)

// Link is the RS-bus physical layer.
type Link interface {
	// Active reports whether the physical layer is up.
	Active() bool
	// Connected reports whether the decoder is registered with the master.
	Connected() bool
	SetConnected(connected bool)
	// Busy reports whether the previous byte is still being transmitted.
	Busy() bool
	// Send queues one byte for transmission.
	Send(b byte) error
	// Stats returns the number of bytes written and failed writes.
	Stats() (sent, failures uint64)
}

// Config holds the engine settings.
type Config struct {
	// Transmissions is how often each change is sent (1..3).
	Transmissions int
	// Map assigns every input to a feedback bit. Several inputs may share a bit.
	Map [adc.NumChannels]int
	// Address is the RS-bus address; 0 means none is assigned.
	Address byte
	// ReadyTimeout bounds the wait for the link during registration.
	ReadyTimeout time.Duration
}

// IdentityMap maps input i to feedback bit i.
func IdentityMap() [adc.NumChannels]int {
	var m [adc.NumChannels]int
	for i := range m {
		m[i] = i
	}
	return m
}

// ConfigFromCV reads the engine settings. The reverser board wires its inputs
// as track A, sensor 1, sensor 2, track B, sensor 3, sensor 4, track C,
// track D; their feedback bits come from CV43-50.
func ConfigFromCV(s cv.Store, role cv.Role) Config {
	cfg := Config{
		Transmissions: 1 + int(cv.Byte(s, cv.RSRetry)),
		Map:           IdentityMap(),
		Address:       cv.RSAddress(s),
		ReadyTimeout:  defaultReadyTimeout,
	}
	if role == cv.RoleReverser {
		order := [adc.NumChannels]cv.CV{cv.FBA, cv.FBS1, cv.FBS2, cv.FBB, cv.FBS3, cv.FBS4, cv.FBC, cv.FBD}
		for i, c := range order {
			cfg.Map[i] = int(cv.Byte(s, c))
		}
	}
	return cfg
}

// Bit is the state of one feedback bit.
type Bit struct {
	ShouldBeOn  bool // at least one mapped input is occupied
	ShouldBeOff bool // every mapped input is free
	// Acknowledged is the value last sent to the master.
	Acknowledged bool
	// Next is the value to send.
	Next bool
	// Pending counts the transmissions still owed for Next.
	Pending int
}

// Engine tracks the feedback bits and drives the link.
type Engine struct {
	cfg  Config
	link Link
	bits [NumBits]Bit
}

// NewEngine validates cfg. Transmissions is clamped to 1..3; a map naming a
// bit outside 0..7 is replaced by the identity map.
func NewEngine(cfg Config, link Link) *Engine {
	if cfg.Transmissions < 1 {
		cfg.Transmissions = 1
	}
	if cfg.Transmissions > maxTransmissions {
		cfg.Transmissions = maxTransmissions
	}
	for i, b := range cfg.Map {
		if b < 0 || b >= NumBits {
			log.Printf("occupancy: input %d mapped to invalid bit %d, using direct mapping", i, b)
			cfg.Map = IdentityMap()
			break
		}
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}
	return &Engine{cfg: cfg, link: link}
}

// Step evaluates the inputs and sends at most one group, or both groups when
// registering. It runs once per feedback slot. Nothing is sent while settling
// or without an address, but changes are still staged.
func (e *Engine) Step(r *adc.Results, settling bool) error {
	e.Analyse(r)

	if e.cfg.Address == 0 || settling {
		return nil
	}
	if !e.link.Connected() {
		return e.connect()
	}
	return e.sendPending()
}

// Analyse derives the desired state of every bit and stages changes.
func (e *Engine) Analyse(r *adc.Results) {
	for i := range e.bits {
		e.bits[i].ShouldBeOn = false
		e.bits[i].ShouldBeOff = true
	}
	for i, res := range r {
		b := &e.bits[e.cfg.Map[i]]
		if res.IsOn {
			b.ShouldBeOn = true
		}
		if !res.IsOff {
			b.ShouldBeOff = false
		}
	}
	for i := range e.bits {
		b := &e.bits[i]
		if b.ShouldBeOn && !b.Acknowledged {
			b.Next = true
			b.Pending = e.cfg.Transmissions
		}
		if b.ShouldBeOff && b.Acknowledged {
			b.Next = false
			b.Pending = e.cfg.Transmissions
		}
	}
}

func (e *Engine) connect() error {
	if !e.link.Active() {
		return nil
	}
	_, failed := e.link.Stats()
	for _, g := range []Group{GroupLow, GroupHigh} {
		if err := e.waitReady(); err != nil {
			return fmt.Errorf("register: %w", err)
		}
		if err := e.send(g); err != nil {
			return fmt.Errorf("register: %w", err)
		}
	}
	e.link.SetConnected(true)
	// The link clears the registration when a write fails, but a failure that
	// landed before SetConnected(true) is overwritten by it.
	if _, f := e.link.Stats(); f != failed {
		e.link.SetConnected(false)
		return fmt.Errorf("register: %w", ErrRegistrationLost)
	}
	return nil
}

func (e *Engine) sendPending() error {
	if e.link.Busy() {
		return nil
	}
	for _, g := range []Group{GroupLow, GroupHigh} {
		if e.pending(g) {
			return e.send(g)
		}
	}
	return nil
}

// waitReady polls the link until it can take a byte. The wait is bounded by
// the time one byte takes on the wire plus margin.
func (e *Engine) waitReady() error {
	deadline := time.Now().Add(e.cfg.ReadyTimeout)
	for e.link.Busy() {
		if time.Now().After(deadline) {
			return ErrLinkBusy
		}
		runtime.Gosched()
	}
	return nil
}

func (e *Engine) send(g Group) error {
	first := g.First()
	var values [4]bool
	for i := range values {
		values[i] = e.bits[first+i].Next
	}
	if err := e.link.Send(EncodeGroup(g, values)); err != nil {
		return fmt.Errorf("send group %d: %w", g, err)
	}
	for i := first; i < first+4; i++ {
		b := &e.bits[i]
		b.Acknowledged = b.Next
		if b.Pending > 0 {
			b.Pending--
		}
	}
	return nil
}

func (e *Engine) pending(g Group) bool {
	first := g.First()
	for i := first; i < first+4; i++ {
		if e.bits[i].Pending > 0 {
			return true
		}
	}
	return false
}

// Bits returns a copy of the feedback bits.
func (e *Engine) Bits() [NumBits]Bit {
	return e.bits
}

// Config returns the validated settings.
func (e *Engine) Config() Config {
	return e.cfg
}
