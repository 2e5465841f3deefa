// Package adc turns the raw converter readings of the eight track-detection
// inputs into filtered occupancy verdicts.
//
// Every input is sampled round-robin, one input per millisecond. A sample
// above the on-threshold counts as occupied, one below the off-threshold as
// free; anything in between is ignored. An input is reported IsOn once the
// last MinSamples samples all read occupied, and IsOff only after it has read
// free for its whole off-delay, which absorbs flickering rail contacts.
package adc

import (
	"fmt"
	"log"

	"github.com/sweeney/gbm-decoder/internal/cv"
	"github.com/sweeney/gbm-decoder/internal/timer"
)

// NumChannels is the number of analog inputs.
const NumChannels = 8

const (
	minThresholdOn  = 10
	minThresholdOff = 5
	samplePeriodMs  = 1
	releasePeriodMs = 10
)

// Converter is the analog-to-digital converter behind the eight inputs.
type Converter interface {
	// Start routes channel to the converter and begins a conversion.
	Start(channel int) error
	// Ready reports whether the conversion begun by Start has finished.
	Ready() bool
	// Value returns the result of the finished conversion.
	Value() (uint16, error)
}

// Result is the filtered verdict for one input. IsOn and IsOff are never both
// true; both are false while the input is settling.
type Result struct {
	IsOn  bool
	IsOff bool
}

// Results holds the verdicts of all inputs. Only the Conditioner writes it.
type Results [NumChannels]Result

// Config holds the filter settings.
type Config struct {
	ThresholdOn  uint16
	ThresholdOff uint16
	// MinSamples is the number of consecutive occupied samples needed for IsOn.
	MinSamples int
	// OffDelay is the per-input release delay in 10 ms steps.
	OffDelay [NumChannels]uint16
}

// ConfigFromCV reads the filter settings. A per-input delay of zero (CV11-18)
// falls back to the shared delay in CV34, which is in 100 ms steps.
func ConfigFromCV(s cv.Store) Config {
	cfg := Config{
		ThresholdOn:  uint16(cv.Byte(s, cv.ThresholdOn)),
		ThresholdOff: uint16(cv.Byte(s, cv.ThresholdOff)),
		MinSamples:   int(cv.Byte(s, cv.MinSamples)),
	}
	shared := uint16(cv.Byte(s, cv.DelayOff)) * 10
	for i := range cfg.OffDelay {
		d := uint16(cv.Byte(s, cv.DelayIn1+cv.CV(i)))
		if d == 0 {
			d = shared
		}
		cfg.OffDelay[i] = d
	}
	return cfg
}

// Channel is the filter state of one input, exposed for diagnostics.
type Channel struct {
	Raw      uint16
	History  uint8 // newest sample in bit 0
	StableOn bool
	Delay    uint16
	MaxDelay uint16
}

// Conditioner samples the converter and maintains Results.
type Conditioner struct {
	conv         Converter
	thresholdOn  uint16
	thresholdOff uint16
	mask         uint8

	channels [NumChannels]Channel
	results  Results
	selected int

	sample  timer.Interval
	release timer.Interval
}

// NewConditioner validates cfg and starts the first conversion on input 0.
// Thresholds are raised to safe minimums and MinSamples is clamped to 1..8.
func NewConditioner(cfg Config, conv Converter, now uint32) (*Conditioner, error) {
	c := &Conditioner{
		conv:         conv,
		thresholdOn:  cfg.ThresholdOn,
		thresholdOff: cfg.ThresholdOff,
		sample:       timer.NewInterval(samplePeriodMs, now),
		release:      timer.NewInterval(releasePeriodMs, now),
	}
	if c.thresholdOn < minThresholdOn {
		c.thresholdOn = minThresholdOn
	}
	if c.thresholdOff < minThresholdOff {
		c.thresholdOff = minThresholdOff
	}
	if c.thresholdOff > c.thresholdOn {
		log.Printf("adc: threshold off %d above threshold on %d, hysteresis disabled", c.thresholdOff, c.thresholdOn)
	}

	n := cfg.MinSamples
	if n < 1 {
		n = 1
	}
	if n > 8 {
		n = 8
	}
	c.mask = uint8(1<<n - 1)

	for i := range c.channels {
		c.channels[i].MaxDelay = cfg.OffDelay[i]
	}

	if err := conv.Start(0); err != nil {
		return nil, fmt.Errorf("start conversion: %w", err)
	}
	return c, nil
}

// Step runs whichever actions are due at now (milliseconds): a sample when at
// least 1 ms has passed and a conversion is ready, and the release countdown
// every 10 ms. It is meant to be called as often as the control loop spins.
func (c *Conditioner) Step(now uint32) error {
	var err error
	if c.conv.Ready() && c.sample.Due(now) {
		err = c.sampleSelected()
	}
	if c.release.Due(now) {
		c.countDown()
	}
	return err
}

func (c *Conditioner) sampleSelected() error {
	i := c.selected
	ch := &c.channels[i]

	v, readErr := c.conv.Value()
	if readErr == nil {
		ch.Raw = v
		switch {
		case v > c.thresholdOn:
			ch.History = ch.History<<1 | 1
		case v < c.thresholdOff:
			ch.History <<= 1
		}

		switch ch.History & c.mask {
		case c.mask:
			ch.StableOn = true
		case 0:
			ch.StableOn = false
		default:
			ch.StableOn = false
			ch.Delay = ch.MaxDelay
		}
		c.results[i].IsOn = ch.History&1 != 0 && ch.StableOn
		if c.results[i].IsOn {
			c.results[i].IsOff = false
		}
	}

	c.selected = (i + 1) % NumChannels
	if err := c.conv.Start(c.selected); err != nil {
		return fmt.Errorf("start conversion on input %d: %w", c.selected, err)
	}
	if readErr != nil {
		return fmt.Errorf("read input %d: %w", i, readErr)
	}
	return nil
}

func (c *Conditioner) countDown() {
	for i := range c.channels {
		ch := &c.channels[i]
		if ch.Delay > 0 {
			ch.Delay--
		}
		c.results[i].IsOff = ch.Delay == 0 && ch.History&1 == 0
	}
}

// Results returns the verdicts. The array is updated in place by Step.
func (c *Conditioner) Results() *Results {
	return &c.results
}

// Channel returns the filter state of input i.
func (c *Conditioner) Channel(i int) Channel {
	return c.channels[i]
}

// Thresholds returns the effective thresholds after clamping.
func (c *Conditioner) Thresholds() (on, off uint16) {
	return c.thresholdOn, c.thresholdOff
}

// Mask returns the stability mask derived from MinSamples.
func (c *Conditioner) Mask() uint8 {
	return c.mask
}
