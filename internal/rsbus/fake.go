package rsbus

// FakeLink is a test double that records sent bytes. It is not safe for
// concurrent use.
type FakeLink struct {
	// Sent contains every byte passed to Send.
	Sent []byte

	// Inactive makes Active report false.
	Inactive bool

	// BusyPolls makes Busy report true for that many calls after each Send.
	BusyPolls int

	// SendError, if set, is returned by Send.
	SendError error

	// WriteFailures makes that many accepted bytes fail on the wire. A
	// failure counts and clears the registration at once, as if the writer
	// finished before the caller looked again.
	WriteFailures int

	connected bool
	busyLeft  int
	sent      uint64
	failures  uint64
}

// NewFakeLink returns an active, idle, unregistered link.
func NewFakeLink() *FakeLink {
	return &FakeLink{}
}

// Send records b.
func (f *FakeLink) Send(b byte) error {
	if f.SendError != nil {
		return f.SendError
	}
	f.Sent = append(f.Sent, b)
	f.busyLeft = f.BusyPolls
	if f.WriteFailures > 0 {
		f.WriteFailures--
		f.failures++
		f.connected = false
	} else {
		f.sent++
	}
	return nil
}

// Stats returns the number of bytes written and failed writes.
func (f *FakeLink) Stats() (sent, failures uint64) {
	return f.sent, f.failures
}

// Active reports !Inactive.
func (f *FakeLink) Active() bool {
	return !f.Inactive
}

// Connected reports the registration state.
func (f *FakeLink) Connected() bool {
	return f.connected
}

// SetConnected records the registration state.
func (f *FakeLink) SetConnected(connected bool) {
	f.connected = connected
}

// Busy counts down BusyPolls.
func (f *FakeLink) Busy() bool {
	if f.busyLeft > 0 {
		f.busyLeft--
		return true
	}
	return false
}

// Reset clears recorded bytes.
func (f *FakeLink) Reset() {
	f.Sent = nil
	f.busyLeft = 0
}
