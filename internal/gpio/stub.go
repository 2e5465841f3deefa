//go:build !linux

package gpio

import "errors"

// RealPort is not available on non-Linux platforms.
type RealPort struct{}

// NewRealPort returns an error on non-Linux platforms.
func NewRealPort(chip string, pins [NumLines]int) (*RealPort, error) {
	return nil, errors.New("gpio: not supported on this platform (requires Linux)")
}

// Write is not implemented on non-Linux platforms.
func (p *RealPort) Write(coils uint8) error {
	return errors.New("gpio: not supported")
}

// Close is not implemented on non-Linux platforms.
func (p *RealPort) Close() error {
	return nil
}
