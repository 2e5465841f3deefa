// Package rsbus is the physical layer of the RS-bus feedback link: it puts
// single data bytes on a UART and reports whether it is busy doing so.
package rsbus

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tarm/serial"
)

// DefaultBaud is the RS-bus line speed.
const DefaultBaud = 4800

var (
	// ErrBusy is returned by Send while the previous byte is in flight.
	ErrBusy = errors.New("rsbus: transmitter busy")
	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("rsbus: link closed")
)

// Link transmits bytes on a serial port from its own goroutine, which plays
// the role of the transmit-complete interrupt.
type Link struct {
	port io.WriteCloser

	mu     sync.Mutex
	closed bool
	queue  chan byte
	done   chan struct{}

	active    atomic.Bool
	connected atomic.Bool
	busy      atomic.Bool
	sent      atomic.Uint64
	failures  atomic.Uint64
}

// Open opens the serial device name at baud, 8N1.
func Open(name string, baud int) (*Link, error) {
	port, err := serial.OpenPort(&serial.Config{
		Name:        name,
		Baud:        baud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 100 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", name, err)
	}
	return NewLink(port), nil
}

// NewLink starts transmitting on port.
func NewLink(port io.WriteCloser) *Link {
	l := &Link{
		port:  port,
		queue: make(chan byte, 1),
		done:  make(chan struct{}),
	}
	l.active.Store(true)
	go l.transmit()
	return l
}

func (l *Link) transmit() {
	defer close(l.done)
	for b := range l.queue {
		if _, err := l.port.Write([]byte{b}); err != nil {
			l.failures.Add(1)
			// The master may have missed our registration; register again.
			l.connected.Store(false)
			log.Printf("rsbus: write %#02x: %v", b, err)
		} else {
			l.sent.Add(1)
		}
		l.busy.Store(false)
	}
}

// Send queues b. It fails with ErrBusy if the previous byte is still being
// written.
func (l *Link) Send(b byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if !l.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	l.queue <- b
	return nil
}

// Active reports whether the port is open.
func (l *Link) Active() bool {
	return l.active.Load()
}

// Connected reports whether the decoder has registered with the master.
func (l *Link) Connected() bool {
	return l.connected.Load()
}

// SetConnected records the registration state.
func (l *Link) SetConnected(connected bool) {
	l.connected.Store(connected)
}

// Busy reports whether a byte is in flight.
func (l *Link) Busy() bool {
	return l.busy.Load()
}

// Stats returns the number of bytes written and failed writes.
func (l *Link) Stats() (sent, failures uint64) {
	return l.sent.Load(), l.failures.Load()
}

// Close waits for the byte in flight and closes the port.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.active.Store(false)
	close(l.queue)
	l.mu.Unlock()

	<-l.done
	return l.port.Close()
}
