package occupancy

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sweeney/gbm-decoder/internal/adc"
	"github.com/sweeney/gbm-decoder/internal/cv"
	"github.com/sweeney/gbm-decoder/internal/rsbus"
)

// allFree returns results with every input definitely free.
func allFree() *adc.Results {
	var r adc.Results
	for i := range r {
		r[i].IsOff = true
	}
	return &r
}

func occupy(r *adc.Results, inputs ...int) {
	for _, i := range inputs {
		r[i] = adc.Result{IsOn: true}
	}
}

func newConnectedEngine(t *testing.T, transmissions int) (*Engine, *rsbus.FakeLink) {
	t.Helper()
	link := rsbus.NewFakeLink()
	link.SetConnected(true)
	e := NewEngine(Config{Transmissions: transmissions, Map: IdentityMap(), Address: 5}, link)
	return e, link
}

func decode(t *testing.T, b byte) (Group, [4]bool) {
	t.Helper()
	g, v, err := DecodeGroup(b)
	if err != nil {
		t.Fatalf("DecodeGroup(%#02x): %v", b, err)
	}
	return g, v
}

func TestEncodeGroup(t *testing.T) {
	tests := []struct {
		group  Group
		values [4]bool
		want   byte
	}{
		{GroupLow, [4]bool{}, 0x03},
		{GroupHigh, [4]bool{}, 0x0A},
		{GroupLow, [4]bool{true}, 0x82},
		{GroupHigh, [4]bool{true}, 0x8B},
		{GroupLow, [4]bool{true, true, true, true}, 0xF3},
		{GroupLow, [4]bool{false, false, false, true}, 0x12},
	}
	for _, tt := range tests {
		if got := EncodeGroup(tt.group, tt.values); got != tt.want {
			t.Errorf("EncodeGroup(%d, %v): got %#02x, want %#02x", tt.group, tt.values, got, tt.want)
		}
	}
}

func TestEncodedBytesHaveEvenParityAndFraming(t *testing.T) {
	for g := GroupLow; g <= GroupHigh; g++ {
		for n := 0; n < 16; n++ {
			values := [4]bool{n&1 != 0, n&2 != 0, n&4 != 0, n&8 != 0}
			b := EncodeGroup(g, values)
			gotG, gotV := decode(t, b)
			if gotG != g || gotV != values {
				t.Errorf("decode(%#02x): got (%d, %v), want (%d, %v)", b, gotG, gotV, g, values)
			}
			if b&0x06 != 0x02 {
				t.Errorf("%#02x: type bits must be 0 and 1", b)
			}
		}
	}
}

func TestDecodeGroupRejectsBadBytes(t *testing.T) {
	for _, b := range []byte{0x02, 0x07, 0x00, 0x83} {
		if _, _, err := DecodeGroup(b); !errors.Is(err, ErrMalformed) {
			t.Errorf("DecodeGroup(%#02x): got %v, want ErrMalformed", b, err)
		}
	}
}

func TestManyToOneMapping(t *testing.T) {
	tests := []struct {
		name    string
		m       [adc.NumChannels]int
		results adc.Results
		bit     int
		wantOn  bool
		wantOff bool
	}{
		{
			name:    "disjoint on",
			m:       IdentityMap(),
			results: adc.Results{2: {IsOn: true}},
			bit:     2,
			wantOn:  true,
		},
		{
			name:    "overlap one on one free",
			m:       [8]int{0, 0, 1, 1, 2, 2, 3, 3},
			results: adc.Results{0: {IsOn: true}, 1: {IsOff: true}},
			bit:     0,
			wantOn:  true,
		},
		{
			name:    "overlap one free one settling",
			m:       [8]int{0, 0, 1, 1, 2, 2, 3, 3},
			results: adc.Results{0: {IsOff: true}},
			bit:     0,
		},
		{
			name:    "overlap both free",
			m:       [8]int{0, 0, 1, 1, 2, 2, 3, 3},
			results: adc.Results{0: {IsOff: true}, 1: {IsOff: true}},
			bit:     0,
			wantOff: true,
		},
		{
			name:    "unmapped bit is free",
			m:       [8]int{0, 0, 0, 0, 0, 0, 0, 0},
			results: adc.Results{},
			bit:     5,
			wantOff: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(Config{Transmissions: 1, Map: tt.m}, rsbus.NewFakeLink())
			e.Analyse(&tt.results)
			b := e.Bits()[tt.bit]
			if b.ShouldBeOn != tt.wantOn || b.ShouldBeOff != tt.wantOff {
				t.Errorf("bit %d: got on=%v off=%v, want on=%v off=%v", tt.bit, b.ShouldBeOn, b.ShouldBeOff, tt.wantOn, tt.wantOff)
			}
		})
	}
}

func TestRetransmitsExactlyConfiguredTimes(t *testing.T) {
	for n := 1; n <= 3; n++ {
		e, link := newConnectedEngine(t, n)
		r := allFree()
		occupy(r, 2)

		for i := 0; i < 10; i++ {
			if err := e.Step(r, false); err != nil {
				t.Fatalf("Step: %v", err)
			}
		}
		if len(link.Sent) != n {
			t.Fatalf("n=%d: sent %d bytes, want %d", n, len(link.Sent), n)
		}
		for _, b := range link.Sent {
			g, v := decode(t, b)
			if g != GroupLow || v != [4]bool{false, false, true, false} {
				t.Errorf("unexpected byte %#02x", b)
			}
		}
		if got := e.Bits()[2]; got.Pending != 0 || !got.Acknowledged {
			t.Errorf("bit 2 after sends: %+v", got)
		}
	}
}

func TestReleaseIsReported(t *testing.T) {
	e, link := newConnectedEngine(t, 1)
	r := allFree()
	occupy(r, 6)
	e.Step(r, false)

	r = allFree()
	e.Step(r, false)
	e.Step(r, false)

	if len(link.Sent) != 2 {
		t.Fatalf("sent %d bytes, want 2", len(link.Sent))
	}
	_, v := decode(t, link.Sent[1])
	if v[2] {
		t.Error("release should send bit 6 cleared")
	}
	if e.Bits()[6].Acknowledged {
		t.Error("bit 6 should be acknowledged as off")
	}
}

func TestSettlingInputHoldsBit(t *testing.T) {
	e, link := newConnectedEngine(t, 1)
	r := allFree()
	occupy(r, 1)
	e.Step(r, false)

	r[1] = adc.Result{} // neither on nor off
	for i := 0; i < 5; i++ {
		e.Step(r, false)
	}
	if len(link.Sent) != 1 {
		t.Errorf("sent %d bytes, want only the occupied report", len(link.Sent))
	}
	if !e.Bits()[1].Acknowledged {
		t.Error("bit should stay on while the input settles")
	}
}

func TestLowGroupFirstOneGroupPerStep(t *testing.T) {
	e, link := newConnectedEngine(t, 1)
	r := allFree()
	occupy(r, 0, 7)

	e.Step(r, false)
	if len(link.Sent) != 1 {
		t.Fatalf("first step sent %d bytes, want 1", len(link.Sent))
	}
	if g, _ := decode(t, link.Sent[0]); g != GroupLow {
		t.Error("low group should go first")
	}

	e.Step(r, false)
	if len(link.Sent) != 2 {
		t.Fatalf("second step sent %d bytes total, want 2", len(link.Sent))
	}
	g, v := decode(t, link.Sent[1])
	if g != GroupHigh || !v[3] {
		t.Errorf("second byte: got group %d values %v", g, v)
	}
}

func TestConnectSendsBothGroups(t *testing.T) {
	link := rsbus.NewFakeLink()
	e := NewEngine(Config{Transmissions: 2, Map: IdentityMap(), Address: 3}, link)

	if err := e.Step(allFree(), false); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if !link.Connected() {
		t.Fatal("link should be connected")
	}
	if len(link.Sent) != 2 {
		t.Fatalf("sent %d bytes, want 2", len(link.Sent))
	}
	g0, v0 := decode(t, link.Sent[0])
	g1, v1 := decode(t, link.Sent[1])
	if g0 != GroupLow || g1 != GroupHigh {
		t.Errorf("groups: got %d, %d", g0, g1)
	}
	if v0 != [4]bool{} || v1 != [4]bool{} {
		t.Error("unchanged bits should be sent as zero")
	}

	e.Step(allFree(), false)
	if len(link.Sent) != 2 {
		t.Errorf("nothing pending, but sent %d bytes", len(link.Sent))
	}
}

func TestFailedRegistrationByteIsRetried(t *testing.T) {
	link := rsbus.NewFakeLink()
	link.WriteFailures = 1
	e := NewEngine(Config{Transmissions: 1, Map: IdentityMap(), Address: 3}, link)

	if err := e.Step(allFree(), false); !errors.Is(err, ErrRegistrationLost) {
		t.Fatalf("Step: got %v, want ErrRegistrationLost", err)
	}
	if link.Connected() {
		t.Fatal("a lost registration byte must not leave the link connected")
	}

	if err := e.Step(allFree(), false); err != nil {
		t.Fatalf("second Step: %v", err)
	}
	if !link.Connected() {
		t.Error("second registration should succeed")
	}
	if len(link.Sent) != 4 {
		t.Errorf("sent %d bytes, want both groups twice", len(link.Sent))
	}
}

// flakyPort fails its first write.
type flakyPort struct {
	mu     sync.Mutex
	writes int
}

func (p *flakyPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes++
	if p.writes == 1 {
		return 0, errors.New("framing error")
	}
	return len(b), nil
}

func (p *flakyPort) Close() error { return nil }

func TestFailedRegistrationOnSerialLink(t *testing.T) {
	link := rsbus.NewLink(&flakyPort{})
	defer link.Close()
	e := NewEngine(Config{Transmissions: 1, Map: IdentityMap(), Address: 3}, link)

	// The first byte has failed by the time the second is queued, so the
	// failure precedes SetConnected(true).
	if err := e.Step(allFree(), false); !errors.Is(err, ErrRegistrationLost) {
		t.Fatalf("Step: got %v, want ErrRegistrationLost", err)
	}
	if link.Connected() {
		t.Error("link should not be connected after a failed registration byte")
	}
}

func TestConnectWithOccupiedInputCommits(t *testing.T) {
	link := rsbus.NewFakeLink()
	e := NewEngine(Config{Transmissions: 2, Map: IdentityMap(), Address: 3}, link)
	r := allFree()
	occupy(r, 4)

	e.Step(r, false)
	e.Step(r, false)

	// Registration counts as the first transmission of bit 4.
	if len(link.Sent) != 3 {
		t.Fatalf("sent %d bytes, want 3", len(link.Sent))
	}
	if g, v := decode(t, link.Sent[2]); g != GroupHigh || !v[0] {
		t.Errorf("retransmission: got group %d values %v", g, v)
	}
}

func TestNoTransmitWithoutAddressOrWhileSettling(t *testing.T) {
	link := rsbus.NewFakeLink()
	e := NewEngine(Config{Transmissions: 1, Map: IdentityMap()}, link)
	r := allFree()
	occupy(r, 0)
	e.Step(r, false)
	if len(link.Sent) != 0 || link.Connected() {
		t.Error("no address: nothing should be sent")
	}
	if !e.Bits()[0].ShouldBeOn || e.Bits()[0].Pending != 1 {
		t.Error("detection should still run without an address")
	}

	e = NewEngine(Config{Transmissions: 1, Map: IdentityMap(), Address: 9}, link)
	e.Step(r, true)
	if len(link.Sent) != 0 || link.Connected() {
		t.Error("settling: nothing should be sent")
	}
	e.Step(r, false)
	if !link.Connected() || len(link.Sent) != 2 {
		t.Errorf("after settling: connected=%v sent=%d", link.Connected(), len(link.Sent))
	}
}

func TestInactiveLinkDefersConnect(t *testing.T) {
	link := rsbus.NewFakeLink()
	link.Inactive = true
	e := NewEngine(Config{Transmissions: 1, Map: IdentityMap(), Address: 1}, link)
	e.Step(allFree(), false)
	if link.Connected() || len(link.Sent) != 0 {
		t.Error("should not register on an inactive link")
	}
}

func TestBusyLinkDefersSend(t *testing.T) {
	e, link := newConnectedEngine(t, 1)
	link.BusyPolls = 1
	r := allFree()
	occupy(r, 0, 4)

	e.Step(r, false) // sends low group, link now busy for one poll
	e.Step(r, false) // busy: deferred
	if len(link.Sent) != 1 {
		t.Fatalf("sent %d bytes while busy, want 1", len(link.Sent))
	}
	e.Step(r, false)
	if len(link.Sent) != 2 {
		t.Errorf("deferred group not sent, total %d", len(link.Sent))
	}
}

func TestSendErrorKeepsPending(t *testing.T) {
	e, link := newConnectedEngine(t, 2)
	link.SendError = errors.New("line fault")
	r := allFree()
	occupy(r, 3)

	if err := e.Step(r, false); err == nil {
		t.Fatal("expected send error")
	}
	if b := e.Bits()[3]; b.Acknowledged || b.Pending != 2 {
		t.Errorf("failed send should not commit: %+v", b)
	}

	link.SendError = nil
	e.Step(r, false)
	e.Step(r, false)
	if len(link.Sent) != 2 {
		t.Errorf("sent %d bytes after recovery, want 2", len(link.Sent))
	}
}

func TestConnectTimesOutOnStuckLink(t *testing.T) {
	link := rsbus.NewFakeLink()
	link.BusyPolls = 1 << 30
	link.Send(0x00) // leaves the link busy
	link.Sent = nil

	e := NewEngine(Config{Transmissions: 1, Map: IdentityMap(), Address: 1, ReadyTimeout: 5 * time.Millisecond}, link)
	err := e.Step(allFree(), false)
	if !errors.Is(err, ErrLinkBusy) {
		t.Fatalf("got %v, want ErrLinkBusy", err)
	}
	if link.Connected() {
		t.Error("should not be connected after timeout")
	}
}

func TestNewEngineValidates(t *testing.T) {
	e := NewEngine(Config{Transmissions: 0, Map: [8]int{0, 1, 2, 3, 4, 5, 6, 9}}, rsbus.NewFakeLink())
	cfg := e.Config()
	if cfg.Transmissions != 1 {
		t.Errorf("Transmissions: got %d, want 1", cfg.Transmissions)
	}
	if cfg.Map != IdentityMap() {
		t.Errorf("invalid map should fall back to identity, got %v", cfg.Map)
	}
	if cfg.ReadyTimeout != defaultReadyTimeout {
		t.Errorf("ReadyTimeout: got %v", cfg.ReadyTimeout)
	}

	e = NewEngine(Config{Transmissions: 7, Map: IdentityMap()}, rsbus.NewFakeLink())
	if e.Config().Transmissions != 3 {
		t.Errorf("Transmissions: got %d, want 3", e.Config().Transmissions)
	}
}

func TestConfigFromCV(t *testing.T) {
	s := cv.Layered{cv.Table{cv.RSRetry: 1, cv.MyRSAddr: 12}, cv.Defaults()}

	cfg := ConfigFromCV(s, cv.RoleNormal)
	if cfg.Transmissions != 2 || cfg.Address != 12 {
		t.Errorf("got transmissions=%d address=%d", cfg.Transmissions, cfg.Address)
	}
	if cfg.Map != IdentityMap() {
		t.Errorf("normal role should use identity map, got %v", cfg.Map)
	}

	cfg = ConfigFromCV(s, cv.RoleReverser)
	// A, S1, S2, B, S3, S4, C, D with the factory defaults.
	want := [8]int{0, 0, 1, 1, 1, 2, 2, 3}
	if cfg.Map != want {
		t.Errorf("reverser map: got %v, want %v", cfg.Map, want)
	}
}
