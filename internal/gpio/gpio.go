// Package gpio drives the relay board's coil lines with hardware abstraction.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

// Port sets the eight coil outputs at once.
type Port interface {
	// Write sets line i high when bit i of coils is set.
	Write(coils uint8) error

	// Close releases the lines.
	Close() error
}

// NumLines is the number of coil lines: two per relay.
const NumLines = 8

// DefaultPins are the BCM pins wired to coils 0..7.
var DefaultPins = [NumLines]int{17, 27, 22, 23, 24, 25, 5, 6}

// DefaultChip is the GPIO chip of the Raspberry Pi header.
const DefaultChip = "gpiochip0"

func lineValues(coils uint8) []int {
	values := make([]int, NumLines)
	for i := range values {
		if coils&(1<<i) != 0 {
			values[i] = 1
		}
	}
	return values
}
