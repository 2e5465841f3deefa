package gpio

import "errors"

// ErrFakeWrite is returned by FakePort for the write selected by FailOn.
var ErrFakeWrite = errors.New("fake port: write failed")

// FakePort is a test double that records coil writes.
type FakePort struct {
	// Writes contains every value passed to Write.
	Writes []uint8

	// Coils is the current output state.
	Coils uint8

	// WriteError, if set, will be returned by Write.
	WriteError error

	// FailOn, if non-zero, makes the FailOn'th Write since Reset return
	// ErrFakeWrite.
	FailOn int

	// Closed tracks if Close was called.
	Closed bool

	calls int
}

// NewFakePort creates a FakePort with all coils off.
func NewFakePort() *FakePort {
	return &FakePort{}
}

// Write records coils.
func (f *FakePort) Write(coils uint8) error {
	f.calls++
	if f.WriteError != nil {
		return f.WriteError
	}
	if f.FailOn != 0 && f.calls == f.FailOn {
		return ErrFakeWrite
	}
	f.Writes = append(f.Writes, coils)
	f.Coils = coils
	return nil
}

// Close marks the port as closed.
func (f *FakePort) Close() error {
	f.Closed = true
	return nil
}

// Reset clears recorded writes.
func (f *FakePort) Reset() {
	f.Writes = nil
	f.Closed = false
	f.calls = 0
}
