// Package decoder wires the signal conditioner, the feedback engine, the
// relay actuator and the speed tracker into one cooperative control loop.
//
// Poll is called as often as the loop spins with the current millisecond
// count. The conditioner samples every millisecond; everything else runs on
// the 20 ms main tick.
package decoder

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/sweeney/gbm-decoder/internal/adc"
	"github.com/sweeney/gbm-decoder/internal/cv"
	"github.com/sweeney/gbm-decoder/internal/occupancy"
	"github.com/sweeney/gbm-decoder/internal/relays"
	"github.com/sweeney/gbm-decoder/internal/speed"
	"github.com/sweeney/gbm-decoder/internal/timer"
)

// MainTick is the period of the main tick.
const MainTick = 20 * time.Millisecond

const (
	mainTickMs           = uint32(MainTick / time.Millisecond)
	defaultSettle        = time.Second
	defaultFeedbackEvery = 2
	commandQueue         = 16
)

var (
	// ErrRelaysDisabled is returned by Submit when the role has no relays.
	ErrRelaysDisabled = errors.New("decoder: relays not enabled for this role")
	// ErrQueueFull is returned by Submit when commands arrive faster than the
	// loop consumes them.
	ErrQueueFull = errors.New("decoder: command queue full")
)

// Options tune the loop. Zero values select the defaults.
type Options struct {
	// Settle is how long after start-up nothing is sent on the RS-bus.
	Settle time.Duration
	// FeedbackEvery is the number of main ticks per feedback slot.
	FeedbackEvery int
	// Scale is the model scale divisor for speed measurement.
	Scale uint16
}

// Hardware bundles the collaborators the decoder drives. Relays may be nil
// unless the role uses relays; Display may be nil unless the role is speed.
type Hardware struct {
	Converter adc.Converter
	Link      occupancy.Link
	Relays    relays.Port
	Display   speed.Display
}

// Command switches one relay device.
type Command struct {
	Device   int
	Position relays.Position
}

func (c Command) String() string {
	return fmt.Sprintf("device %d %v", c.Device, c.Position)
}

// Decoder owns all core state. Poll, Snapshot and Ticks must be called from
// the same goroutine; Submit is safe from any goroutine.
type Decoder struct {
	role    cv.Role
	cond    *adc.Conditioner
	engine  *occupancy.Engine
	link    occupancy.Link
	relays  *relays.Actuator
	tracker *speed.Tracker

	main          timer.Interval
	settle        timer.Countdown
	feedbackEvery int
	sinceFeedback int
	ticks         uint64

	commands chan Command
}

// New reads the configuration from store and initializes every component
// the role needs. now is the current millisecond count.
func New(store cv.Store, opts Options, hw Hardware, now uint32) (*Decoder, error) {
	if hw.Converter == nil || hw.Link == nil {
		return nil, errors.New("decoder: converter and link are required")
	}
	if opts.Settle <= 0 {
		opts.Settle = defaultSettle
	}
	if opts.FeedbackEvery < 1 {
		opts.FeedbackEvery = defaultFeedbackEvery
	}
	if opts.Scale == 0 {
		opts.Scale = speed.DefaultScale
	}

	role := cv.DecoderRole(store)
	d := &Decoder{
		role:          role,
		link:          hw.Link,
		main:          timer.NewInterval(mainTickMs, now),
		settle:        timer.NewCountdown(uint32(opts.Settle / MainTick)),
		feedbackEvery: opts.FeedbackEvery,
		commands:      make(chan Command, commandQueue),
	}

	cond, err := adc.NewConditioner(adc.ConfigFromCV(store), hw.Converter, now)
	if err != nil {
		return nil, fmt.Errorf("init conditioner: %w", err)
	}
	d.cond = cond

	engineCfg := occupancy.ConfigFromCV(store, role)
	if engineCfg.Address == 0 {
		log.Printf("decoder: no RS-bus address in cv%d, feedback disabled until configured", cv.MyRSAddr)
	}
	d.engine = occupancy.NewEngine(engineCfg, hw.Link)

	if role.UsesRelays() {
		if hw.Relays == nil {
			return nil, fmt.Errorf("decoder: role %v needs a relay port", role)
		}
		act, err := relays.NewActuator(relays.ConfigFromCV(store), hw.Relays)
		if err != nil {
			return nil, fmt.Errorf("init relays: %w", err)
		}
		d.relays = act
	}

	if role == cv.RoleSpeed {
		if hw.Display == nil {
			return nil, errors.New("decoder: speed role needs a display")
		}
		d.tracker = speed.NewTracker(speed.ConfigFromCV(store, opts.Scale), hw.Display)
	}

	switch role {
	case cv.RoleNormal, cv.RoleReverser, cv.RoleRelays, cv.RoleSpeed:
	default:
		log.Printf("decoder: unknown decoder type in cv%d: %v, running as plain occupancy detector", cv.DecType, role)
	}
	return d, nil
}

// Submit queues a relay command for the next Poll.
func (d *Decoder) Submit(c Command) error {
	if d.relays == nil {
		return ErrRelaysDisabled
	}
	select {
	case d.commands <- c:
		return nil
	default:
		return ErrQueueFull
	}
}

// Poll runs every action due at now. It reports whether a main tick ran, so
// the caller can publish state once per tick. Errors from the individual
// components are joined; the loop keeps running regardless.
func (d *Decoder) Poll(now uint32) (bool, error) {
	var errs []error
	if err := d.applyCommands(); err != nil {
		errs = append(errs, err)
	}
	if err := d.cond.Step(now); err != nil {
		errs = append(errs, fmt.Errorf("sample: %w", err))
	}
	if !d.main.Due(now) {
		return false, errors.Join(errs...)
	}

	d.ticks++
	d.settle.Tick()
	results := d.cond.Results()

	d.sinceFeedback++
	if d.sinceFeedback >= d.feedbackEvery {
		d.sinceFeedback = 0
		if d.role == cv.RoleReverser {
			if err := d.reverse(results); err != nil {
				errs = append(errs, err)
			}
		}
		if err := d.engine.Step(results, d.settle.Running()); err != nil {
			errs = append(errs, fmt.Errorf("feedback: %w", err))
		}
	}

	if d.relays != nil {
		if err := d.relays.Tick(); err != nil {
			errs = append(errs, fmt.Errorf("relay release: %w", err))
		}
	}
	if d.tracker != nil {
		d.tracker.StepAll(results)
	}
	return true, errors.Join(errs...)
}

func (d *Decoder) applyCommands() error {
	var errs []error
	for {
		select {
		case c := <-d.commands:
			switched, err := d.relays.Apply(c.Device, c.Position, true)
			if err != nil {
				errs = append(errs, fmt.Errorf("relay command %v: %w", c, err))
				continue
			}
			if switched {
				log.Printf("decoder: relay %v", c)
			}
		default:
			return errors.Join(errs...)
		}
	}
}

// reverse switches all relays when a train occupies the sensor sections on
// either side of the reversing loop.
func (d *Decoder) reverse(r *adc.Results) error {
	var errs []error
	if r[1].IsOn || r[2].IsOn {
		if _, err := d.relays.ApplyGroup(relays.Green); err != nil {
			errs = append(errs, fmt.Errorf("reverser green: %w", err))
		}
	}
	if r[4].IsOn || r[5].IsOn {
		if _, err := d.relays.ApplyGroup(relays.Red); err != nil {
			errs = append(errs, fmt.Errorf("reverser red: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Role returns the decoder type read at start-up.
func (d *Decoder) Role() cv.Role {
	return d.role
}

// Ticks returns the number of main ticks run so far.
func (d *Decoder) Ticks() uint64 {
	return d.ticks
}
