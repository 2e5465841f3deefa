// Package cv provides read access to the decoder's configuration variables (CVs).
// CVs are numbered from 1 and hold a single byte each. Writing CVs is out of
// scope; backends are loaded once at start-up and only read afterwards.
package cv

import (
	"errors"
	"fmt"
	"log"
)

// CV identifies a configuration variable by its 1-based number.
type CV uint16

// CV numbers used by the occupancy decoder.
const (
	MyAddrL      CV = 1
	HoldTime1    CV = 3 // relay hold times, CV3..CV6, in 20 ms ticks
	MyAddrH      CV = 9
	MyRSAddr     CV = 10
	DelayIn1     CV = 11 // per-input off delay, CV11..CV18, in 10 ms steps
	RSRetry      CV = 20
	DecType      CV = 27
	MinSamples   CV = 33
	DelayOff     CV = 34 // shared off delay in 100 ms steps
	ThresholdOn  CV = 35
	ThresholdOff CV = 36
	Speed1Out    CV = 37
	Speed1LL     CV = 38
	Speed1LH     CV = 39
	Speed2Out    CV = 40
	Speed2LL     CV = 41
	Speed2LH     CV = 42
	FBA          CV = 43
	FBB          CV = 44
	FBC          CV = 45
	FBD          CV = 46
	FBS1         CV = 47
	FBS2         CV = 48
	FBS3         CV = 49
	FBS4         CV = 50
	Polarization CV = 51
)

// ErrNotFound is returned by a Store that has no value for a CV.
var ErrNotFound = errors.New("cv: not found")

// Store reads CV values.
type Store interface {
	Read(cv CV) (byte, error)
}

// Table is an in-memory Store.
type Table map[CV]byte

// Read returns the value stored for cv, or ErrNotFound.
func (t Table) Read(cv CV) (byte, error) {
	v, ok := t[cv]
	if !ok {
		return 0, fmt.Errorf("cv%d: %w", cv, ErrNotFound)
	}
	return v, nil
}

// Defaults returns the factory defaults of the occupancy decoder.
// CVs that are absent read as zero through Layered.
func Defaults() Table {
	t := Table{
		MyAddrL:      0x01,
		7:            0x10, // software version
		8:            0x0D, // vendor id
		MyAddrH:      0x80,
		19:           1, // command station type
		DecType:      byte(RoleNormal),
		29:           1 << 7, // accessory decoder
		30:           0x0D,
		MinSamples:   3,
		DelayOff:     15,
		ThresholdOn:  20,
		ThresholdOff: 15,
		FBA:          0,
		FBB:          1,
		FBC:          2,
		FBD:          3,
		FBS1:         0,
		FBS2:         1,
		FBS3:         1,
		FBS4:         2,
	}
	for i := CV(0); i < 4; i++ {
		t[HoldTime1+i] = 5
	}
	return t
}

// Layered reads from each store in order and returns the first value found.
// A CV missing from every store reads as zero.
type Layered []Store

// Read implements Store.
func (l Layered) Read(cv CV) (byte, error) {
	for _, s := range l {
		v, err := s.Read(cv)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return 0, err
		}
	}
	return 0, nil
}

// Byte reads cv from s. Backend errors are logged and read as zero, which
// every consumer treats as "not configured".
func Byte(s Store, cv CV) byte {
	v, err := s.Read(cv)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.Printf("cv: read cv%d: %v", cv, err)
		}
		return 0
	}
	return v
}

// Word reads a 16-bit value stored low byte first in lo and hi.
func Word(s Store, lo, hi CV) uint16 {
	return uint16(Byte(s, hi))<<8 | uint16(Byte(s, lo))
}

// Role is the decoder type held in CV27.
type Role byte

const (
	RoleNormal   Role = 0b00110000
	RoleReverser Role = 0b00110001
	RoleRelays   Role = 0b00110010
	RoleSpeed    Role = 0b00110100
)

func (r Role) String() string {
	switch r {
	case RoleNormal:
		return "normal"
	case RoleReverser:
		return "reverser"
	case RoleRelays:
		return "relays"
	case RoleSpeed:
		return "speed"
	}
	return fmt.Sprintf("unknown(%#02x)", byte(r))
}

// UsesRelays reports whether the role drives the relay board.
func (r Role) UsesRelays() bool {
	return r == RoleReverser || r == RoleRelays
}

// DecoderRole reads CV27.
func DecoderRole(s Store) Role {
	return Role(Byte(s, DecType))
}

// RSAddress reads the RS-bus address from CV10. The valid range is 1..128;
// anything else means the decoder has no address yet and returns 0.
func RSAddress(s Store) byte {
	addr := Byte(s, MyRSAddr)
	if addr > 128 {
		return 0
	}
	return addr
}
