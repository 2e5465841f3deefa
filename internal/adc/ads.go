package adc

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"periph.io/x/conn/v3/analog"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/devices/v3/ads1x15"
	"periph.io/x/host/v3"
)

const (
	// DefaultADSAddrLow and DefaultADSAddrHigh are the I2C addresses of the
	// converters for inputs 0-3 (ADDR to GND) and 4-7 (ADDR to VDD).
	DefaultADSAddrLow  = 0x48
	DefaultADSAddrHigh = 0x49

	// DefaultADSRange is the input voltage read as full scale.
	DefaultADSRange = 4096 * physic.MilliVolt

	// fullScale is the reading the thresholds are specified against.
	fullScale = 1023
)

// ErrConversionRunning is returned by Start while a conversion is in flight.
var ErrConversionRunning = errors.New("adc: conversion running")

// Sampler reads one analog input. The pins returned by ads1x15 satisfy it.
type Sampler interface {
	Read() (analog.Sample, error)
}

// ADSOptions selects the two converters on the I2C bus.
type ADSOptions struct {
	// Bus is the periph bus name; empty opens the first bus.
	Bus string
	// Chip is "ads1115" or "ads1015".
	Chip string
	// Addr holds the addresses of the converters for inputs 0-3 and 4-7.
	Addr [2]uint16
	// Range is the voltage read as full scale.
	Range physic.ElectricPotential
}

// ADSConverter reads the eight inputs from two ADS1x15 converters. Start
// runs the conversion on its own goroutine and Ready reports when it is done,
// like the conversion-complete flag of an on-chip converter.
type ADSConverter struct {
	pins [NumChannels]Sampler
	full physic.ElectricPotential
	bus  i2c.BusCloser

	busy atomic.Bool
	wg   sync.WaitGroup

	mu    sync.Mutex
	value uint16
	err   error
}

// OpenADS initializes periph, opens the I2C bus and sets up single-ended
// channels 0-3 on both converters.
func OpenADS(opts ADSOptions) (*ADSConverter, error) {
	if opts.Range <= 0 {
		return nil, fmt.Errorf("ads1x15: invalid range %v", opts.Range)
	}
	var (
		open func(i2c.Bus, *ads1x15.Opts) (*ads1x15.Dev, error)
		rate physic.Frequency
	)
	switch strings.ToLower(opts.Chip) {
	case "ads1115":
		open, rate = ads1x15.NewADS1115, 860*physic.Hertz
	case "ads1015":
		open, rate = ads1x15.NewADS1015, 3300*physic.Hertz
	default:
		return nil, fmt.Errorf("ads1x15: unknown chip %q", opts.Chip)
	}

	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("init periph host: %w", err)
	}
	bus, err := i2creg.Open(opts.Bus)
	if err != nil {
		return nil, fmt.Errorf("open i2c bus %q: %w", opts.Bus, err)
	}

	channels := [4]ads1x15.Channel{ads1x15.Channel0, ads1x15.Channel1, ads1x15.Channel2, ads1x15.Channel3}
	var pins [NumChannels]Sampler
	for d, addr := range opts.Addr {
		dev, err := open(bus, &ads1x15.Opts{I2cAddress: addr})
		if err != nil {
			bus.Close()
			return nil, fmt.Errorf("%s at %#02x: %w", opts.Chip, addr, err)
		}
		for j, ch := range channels {
			pin, err := dev.PinForChannel(ch, opts.Range, rate, ads1x15.BestQuality)
			if err != nil {
				bus.Close()
				return nil, fmt.Errorf("%s at %#02x channel %d: %w", opts.Chip, addr, j, err)
			}
			pins[d*len(channels)+j] = pin
		}
	}

	c := NewADSConverter(pins, opts.Range)
	c.bus = bus
	return c, nil
}

// NewADSConverter reads input i from pins[i]. Readings are scaled so that
// full reads as 1023.
func NewADSConverter(pins [NumChannels]Sampler, full physic.ElectricPotential) *ADSConverter {
	return &ADSConverter{pins: pins, full: full}
}

// Start begins a conversion on channel.
func (c *ADSConverter) Start(channel int) error {
	if channel < 0 || channel >= NumChannels {
		return fmt.Errorf("ads1x15: channel %d out of range", channel)
	}
	if !c.busy.CompareAndSwap(false, true) {
		return ErrConversionRunning
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		s, err := c.pins[channel].Read()
		c.mu.Lock()
		if err != nil {
			c.err = fmt.Errorf("ads1x15: read channel %d: %w", channel, err)
		} else {
			c.value = c.scale(s.V)
			c.err = nil
		}
		c.mu.Unlock()
		c.busy.Store(false)
	}()
	return nil
}

// Ready reports whether the last conversion has finished.
func (c *ADSConverter) Ready() bool {
	return !c.busy.Load()
}

// Value returns the last conversion.
func (c *ADSConverter) Value() (uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.err
}

// Close waits for the conversion in flight and closes the bus.
func (c *ADSConverter) Close() error {
	c.wg.Wait()
	if c.bus == nil {
		return nil
	}
	return c.bus.Close()
}

func (c *ADSConverter) scale(v physic.ElectricPotential) uint16 {
	switch {
	case v <= 0:
		return 0
	case v >= c.full:
		return fullScale
	}
	return uint16(int64(v) * fullScale / int64(c.full))
}
