package adc

import "errors"

// FakeConverter is a test double that converts instantly and returns the
// value set for the selected input.
type FakeConverter struct {
	// Values holds the reading returned for each input.
	Values [NumChannels]uint16

	// Busy, if set, makes Ready report false.
	Busy bool

	// ReadError, if set, is returned by Value.
	ReadError error

	// Selected is the input passed to the last Start.
	Selected int

	// Conversions counts calls to Start.
	Conversions int
}

// NewFakeConverter returns a converter with all inputs reading zero.
func NewFakeConverter() *FakeConverter {
	return &FakeConverter{}
}

// Start selects channel.
func (f *FakeConverter) Start(channel int) error {
	if channel < 0 || channel >= NumChannels {
		return errors.New("channel out of range")
	}
	f.Selected = channel
	f.Conversions++
	return nil
}

// Ready reports !Busy.
func (f *FakeConverter) Ready() bool {
	return !f.Busy
}

// Value returns Values[Selected].
func (f *FakeConverter) Value() (uint16, error) {
	if f.ReadError != nil {
		return 0, f.ReadError
	}
	return f.Values[f.Selected], nil
}

// SetAll sets every input to v.
func (f *FakeConverter) SetAll(v uint16) {
	for i := range f.Values {
		f.Values[i] = v
	}
}
