package adc

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultIIODevice is the sysfs directory of the first industrial I/O device.
const DefaultIIODevice = "/sys/bus/iio/devices/iio:device0"

// IIOConverter reads the inputs through the Linux IIO sysfs interface
// (in_voltageN_raw). Each read triggers a one-shot conversion in the kernel
// driver, so Start performs the conversion and Ready is always true.
type IIOConverter struct {
	files [NumChannels]*os.File
	shift uint
	value uint16
	err   error
}

// NewIIOConverter opens in_voltage0_raw..in_voltage7_raw below dir. Readings
// are shifted right by shift bits so wider converters match the 10-bit scale
// the thresholds are specified in.
func NewIIOConverter(dir string, shift uint) (*IIOConverter, error) {
	c := &IIOConverter{shift: shift}
	for i := range c.files {
		path := filepath.Join(dir, fmt.Sprintf("in_voltage%d_raw", i))
		f, err := os.Open(path)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		c.files[i] = f
	}
	return c, nil
}

// Start converts channel.
func (c *IIOConverter) Start(channel int) error {
	if channel < 0 || channel >= NumChannels {
		return fmt.Errorf("iio: channel %d out of range", channel)
	}
	var buf [16]byte
	n, err := c.files[channel].ReadAt(buf[:], 0)
	if n == 0 && err != nil {
		c.err = fmt.Errorf("iio: read channel %d: %w", channel, err)
		return nil
	}
	raw, err := strconv.ParseUint(strings.TrimSpace(string(buf[:n])), 10, 32)
	if err != nil {
		c.err = fmt.Errorf("iio: parse channel %d: %w", channel, err)
		return nil
	}
	c.value = uint16(raw >> c.shift)
	c.err = nil
	return nil
}

// Ready is always true.
func (c *IIOConverter) Ready() bool {
	return true
}

// Value returns the last conversion.
func (c *IIOConverter) Value() (uint16, error) {
	return c.value, c.err
}

// Close closes the sysfs files.
func (c *IIOConverter) Close() error {
	var errs []error
	for i, f := range c.files {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
		c.files[i] = nil
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
