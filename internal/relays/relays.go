// Package relays drives the four two-coil devices on the relay board. A coil
// is energized for the device's hold time and then released; there is no
// explicit off command.
package relays

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sweeney/gbm-decoder/internal/cv"
)

// NumDevices is the number of devices on the board.
const NumDevices = 4

// Position is the coil a device was last switched to.
type Position uint8

const (
	Red     Position = 0
	Green   Position = 1
	Unknown Position = 2
)

func (p Position) String() string {
	switch p {
	case Red:
		return "red"
	case Green:
		return "green"
	case Unknown:
		return "unknown"
	}
	return fmt.Sprintf("Position(%d)", uint8(p))
}

// ParsePosition accepts "red"/"green" and the DCC gate numbers "0"/"1".
func ParsePosition(s string) (Position, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "red", "0", "-":
		return Red, nil
	case "green", "1", "+":
		return Green, nil
	}
	return Unknown, fmt.Errorf("%w: %q", ErrPosition, s)
}

var (
	ErrDevice   = errors.New("relays: device out of range")
	ErrPosition = errors.New("relays: invalid position")
)

// Port writes the combined coil outputs: bit 2*device+position energizes that
// coil.
type Port interface {
	Write(coils uint8) error
}

// Config holds the relay settings.
type Config struct {
	// HoldTime is the pulse length per device in 20 ms ticks.
	HoldTime [NumDevices]uint8
	// InvertPolarity swaps red and green for ApplyGroup (reverser wiring).
	InvertPolarity bool
}

// ConfigFromCV reads hold times from CV3-6 and the polarity flag from CV51.
func ConfigFromCV(s cv.Store) Config {
	var cfg Config
	for i := range cfg.HoldTime {
		cfg.HoldTime[i] = cv.Byte(s, cv.HoldTime1+cv.CV(i))
	}
	cfg.InvertPolarity = cv.Byte(s, cv.Polarization) != 0
	return cfg
}

// Device is the state of one device.
type Device struct {
	Position  Position
	HoldTime  uint8
	Remaining uint8 // ticks until the coil is released
}

// Actuator owns the devices and the coil outputs.
type Actuator struct {
	port    Port
	invert  bool
	devices [NumDevices]Device
	coils   uint8
}

// NewActuator releases all coils. Devices start in Unknown position so that a
// restart does not pulse anything.
func NewActuator(cfg Config, port Port) (*Actuator, error) {
	a := &Actuator{port: port, invert: cfg.InvertPolarity}
	for i := range a.devices {
		a.devices[i] = Device{Position: Unknown, HoldTime: cfg.HoldTime[i]}
	}
	if err := a.write(0); err != nil {
		return nil, err
	}
	return a, nil
}

// Apply switches device to pos if activate is set and the device is not
// already there. It reports whether the coils were switched. If the energize
// write fails the device is left Unknown so a repeated command is not
// swallowed.
func (a *Actuator) Apply(device int, pos Position, activate bool) (bool, error) {
	if device < 0 || device >= NumDevices {
		return false, fmt.Errorf("%w: %d", ErrDevice, device)
	}
	if pos != Red && pos != Green {
		return false, fmt.Errorf("%w: %v", ErrPosition, pos)
	}
	if !activate {
		return false, nil
	}
	d := &a.devices[device]
	if d.Position == pos {
		return false, nil
	}

	if err := a.write(a.coils &^ deviceMask(device)); err != nil {
		return false, err
	}
	if err := a.write(a.coils | coilBit(device, pos)); err != nil {
		d.Position = Unknown
		d.Remaining = 0
		return false, err
	}
	d.Position = pos
	d.Remaining = d.HoldTime
	return true, nil
}

// ApplyGroup switches every device to pos in a single write, used when the
// reverser's sensor tracks trigger. It reports whether anything changed.
func (a *Actuator) ApplyGroup(pos Position) (bool, error) {
	if pos != Red && pos != Green {
		return false, fmt.Errorf("%w: %v", ErrPosition, pos)
	}
	if a.invert {
		pos ^= 1
	}
	changed := false
	for _, d := range a.devices {
		if d.Position != pos {
			changed = true
			break
		}
	}
	if !changed {
		return false, nil
	}

	if err := a.write(0); err != nil {
		return false, err
	}
	var coils uint8
	for i := range a.devices {
		coils |= coilBit(i, pos)
	}
	// All coils are released at this point, so a failed energize leaves every
	// device unknown and the next trigger switches again.
	if err := a.write(coils); err != nil {
		for i := range a.devices {
			a.devices[i].Position = Unknown
			a.devices[i].Remaining = 0
		}
		return false, err
	}
	for i := range a.devices {
		a.devices[i].Position = pos
		a.devices[i].Remaining = a.devices[i].HoldTime
	}
	return true, nil
}

// Tick counts down the hold times and releases expired coils. Call it every
// main tick.
func (a *Actuator) Tick() error {
	coils := a.coils
	for i := range a.devices {
		d := &a.devices[i]
		if d.Remaining == 0 {
			continue
		}
		d.Remaining--
		if d.Remaining == 0 {
			coils &^= deviceMask(i)
		}
	}
	if coils == a.coils {
		return nil
	}
	return a.write(coils)
}

// Devices returns a copy of the device states.
func (a *Actuator) Devices() [NumDevices]Device {
	return a.devices
}

// Coils returns the current coil outputs.
func (a *Actuator) Coils() uint8 {
	return a.coils
}

func (a *Actuator) write(coils uint8) error {
	if err := a.port.Write(coils); err != nil {
		return fmt.Errorf("write coils %08b: %w", coils, err)
	}
	a.coils = coils
	return nil
}

func coilBit(device int, pos Position) uint8 {
	return 1 << (2*device + int(pos))
}

func deviceMask(device int) uint8 {
	return 3 << (2 * device)
}
