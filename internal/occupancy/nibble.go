package occupancy

import (
	"errors"
	"math/bits"
)

// Bit positions of an RS-bus data byte. The byte goes out least significant
// bit first, so the parity bit directly follows the start bit and the UART
// cannot generate it; it is computed here instead.
const (
	bitData0  = 7 // feedback 1 or 5
	bitData1  = 6
	bitData2  = 5
	bitData3  = 4 // feedback 4 or 8
	bitNibble = 3 // 0 = low group, 1 = high group
	bitType0  = 2 // always 0
	bitType1  = 1 // always 1
	bitParity = 0
)

// Group selects one half of the eight feedback bits.
type Group int

const (
	GroupLow  Group = 0 // feedback bits 0..3
	GroupHigh Group = 1 // feedback bits 4..7
)

// First returns the index of the group's first feedback bit.
func (g Group) First() int {
	return int(g) * 4
}

// ErrMalformed is returned by DecodeGroup for bytes that fail the framing or
// parity checks.
var ErrMalformed = errors.New("occupancy: malformed feedback byte")

// EncodeGroup builds the wire byte for one group of four feedback values.
func EncodeGroup(g Group, values [4]bool) byte {
	var b byte
	for i, v := range values {
		if v {
			b |= 1 << (bitData0 - i)
		}
	}
	if g == GroupHigh {
		b |= 1 << bitNibble
	}
	b |= 1 << bitType1
	return b | parity(b)
}

// DecodeGroup is the inverse of EncodeGroup.
func DecodeGroup(b byte) (Group, [4]bool, error) {
	var values [4]bool
	if b&(1<<bitType0) != 0 || b&(1<<bitType1) == 0 {
		return 0, values, ErrMalformed
	}
	if bits.OnesCount8(b)%2 != 0 {
		return 0, values, ErrMalformed
	}
	for i := range values {
		values[i] = b&(1<<(bitData0-i)) != 0
	}
	g := GroupLow
	if b&(1<<bitNibble) != 0 {
		g = GroupHigh
	}
	return g, values, nil
}

// parity returns the bit that gives b even parity over bits 7..1.
func parity(b byte) byte {
	return byte(bits.OnesCount8(b&^(1<<bitParity)) & 1)
}
