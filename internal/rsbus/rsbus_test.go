package rsbus

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// blockingPort records writes; each Write waits for a value on release when
// release is non-nil.
type blockingPort struct {
	mu      sync.Mutex
	written []byte
	release chan struct{}
	err     error
	closed  bool
}

func (p *blockingPort) Write(b []byte) (int, error) {
	if p.release != nil {
		<-p.release
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return 0, p.err
	}
	p.written = append(p.written, b...)
	return len(b), nil
}

func (p *blockingPort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *blockingPort) bytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.written...)
}

func waitIdle(t *testing.T, l *Link) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for l.Busy() {
		if time.Now().After(deadline) {
			t.Fatal("link stayed busy")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestLinkSendsBytes(t *testing.T) {
	port := &blockingPort{}
	l := NewLink(port)
	defer l.Close()

	if !l.Active() {
		t.Fatal("new link should be active")
	}
	for _, b := range []byte{0x12, 0x9A} {
		if err := l.Send(b); err != nil {
			t.Fatalf("Send(%#02x): %v", b, err)
		}
		waitIdle(t, l)
	}

	got := port.bytes()
	if len(got) != 2 || got[0] != 0x12 || got[1] != 0x9A {
		t.Errorf("written: got % x, want 12 9a", got)
	}
	if sent, failures := l.Stats(); sent != 2 || failures != 0 {
		t.Errorf("stats: got sent=%d failures=%d", sent, failures)
	}
}

func TestLinkBusyWhileWriting(t *testing.T) {
	port := &blockingPort{release: make(chan struct{})}
	l := NewLink(port)

	if err := l.Send(0x01); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !l.Busy() {
		t.Error("link should be busy while the write blocks")
	}
	if err := l.Send(0x02); !errors.Is(err, ErrBusy) {
		t.Errorf("second Send: got %v, want ErrBusy", err)
	}

	close(port.release)
	waitIdle(t, l)
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := port.bytes(); len(got) != 1 {
		t.Errorf("written: got % x, want one byte", got)
	}
}

func TestLinkWriteErrorDropsRegistration(t *testing.T) {
	port := &blockingPort{err: errors.New("io error")}
	l := NewLink(port)
	defer l.Close()

	l.SetConnected(true)
	if err := l.Send(0x42); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitIdle(t, l)

	if l.Connected() {
		t.Error("write error should clear the registration")
	}
	if _, failures := l.Stats(); failures != 1 {
		t.Errorf("failures: got %d, want 1", failures)
	}
}

func TestLinkClose(t *testing.T) {
	port := &blockingPort{}
	l := NewLink(port)

	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !port.closed {
		t.Error("port should be closed")
	}
	if l.Active() {
		t.Error("closed link should not be active")
	}
	if err := l.Send(0x01); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after Close: got %v, want ErrClosed", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestFakeLinkBusyPolls(t *testing.T) {
	f := NewFakeLink()
	f.BusyPolls = 2
	if f.Busy() {
		t.Error("idle before first send")
	}
	f.Send(0x02)
	if !f.Busy() || !f.Busy() {
		t.Error("should be busy for two polls")
	}
	if f.Busy() {
		t.Error("should be idle after two polls")
	}
}
