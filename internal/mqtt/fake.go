package mqtt

import (
	"github.com/sweeney/gbm-decoder/internal/logic"
)

// FakePublisher records what the daemon publishes and plays the broker side
// of the command topic. It is not safe for concurrent use.
type FakePublisher struct {
	Events         []logic.Event
	Payloads       [][]byte
	SystemEvents   []SystemEvent
	SystemPayloads [][]byte

	// PublishError and PublishSystemError, if set, fail the matching call
	// without recording anything.
	PublishError       error
	PublishSystemError error

	// Connected controls IsConnected.
	Connected bool
	Closed    bool

	// OnCommand receives the commands passed to Deliver.
	OnCommand CommandHandler
	// Rejected holds the payloads Deliver could not parse.
	Rejected [][]byte
}

// NewFakePublisher creates a disconnected FakePublisher.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{}
}

// Publish records the event and its payload.
func (f *FakePublisher) Publish(event logic.Event) error {
	if f.PublishError != nil {
		return f.PublishError
	}
	payload, err := FormatPayload(event)
	if err != nil {
		return err
	}
	f.Events = append(f.Events, event)
	f.Payloads = append(f.Payloads, payload)
	return nil
}

// PublishSystem records the system event and its payload.
func (f *FakePublisher) PublishSystem(event SystemEvent) error {
	if f.PublishSystemError != nil {
		return f.PublishSystemError
	}
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return err
	}
	f.SystemEvents = append(f.SystemEvents, event)
	f.SystemPayloads = append(f.SystemPayloads, payload)
	return nil
}

// Deliver simulates a message on the commands topic.
func (f *FakePublisher) Deliver(payload []byte) error {
	if f.OnCommand == nil {
		return nil
	}
	if err := dispatch(f.OnCommand, payload); err != nil {
		f.Rejected = append(f.Rejected, payload)
		return err
	}
	return nil
}

// EventsOf returns the recorded events of type t.
func (f *FakePublisher) EventsOf(t logic.EventType) []logic.Event {
	var out []logic.Event
	for _, e := range f.Events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Close marks the publisher as closed.
func (f *FakePublisher) Close() error {
	f.Closed = true
	return nil
}

// IsConnected reports Connected.
func (f *FakePublisher) IsConnected() bool {
	return f.Connected
}
