//go:build linux

package gpio

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// RealPort drives coil lines on actual hardware using the Linux GPIO character device.
type RealPort struct {
	lines *gpiocdev.Lines
}

// NewRealPort requests pins on chip as outputs, all low.
func NewRealPort(chip string, pins [NumLines]int) (*RealPort, error) {
	lines, err := gpiocdev.RequestLines(chip, pins[:], gpiocdev.AsOutput(lineValues(0)...))
	if err != nil {
		return nil, fmt.Errorf("request coil pins %v on %s: %w", pins, chip, err)
	}
	return &RealPort{lines: lines}, nil
}

// Write sets all coil lines in one request.
func (p *RealPort) Write(coils uint8) error {
	if err := p.lines.SetValues(lineValues(coils)); err != nil {
		return fmt.Errorf("set coil lines: %w", err)
	}
	return nil
}

// Close releases the coils and returns the lines to input with pull-down
// (matching Pi boot defaults) so no coil stays energized after exit.
func (p *RealPort) Close() error {
	var errs []error
	if err := p.lines.SetValues(lineValues(0)); err != nil {
		errs = append(errs, fmt.Errorf("release coils: %w", err))
	}
	if err := p.lines.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
		errs = append(errs, fmt.Errorf("reconfigure coil lines: %w", err))
	}
	if err := p.lines.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close coil lines: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
