package driver

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/tinyrange/stopwatch/internal/chipset"
	"github.com/tinyrange/stopwatch/internal/devices/stopwatch"
	"github.com/tinyrange/stopwatch/internal/stopwatch/defs"
)

const testIRQ = 5

var testLayout = defs.Layout{RegsBase: 0x1000, MemBase: 0x2000}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type manualTimer struct {
	after time.Duration
	cb    func()
}

func (m *manualTimer) Stop() {}

type manualTimers struct {
	mu     sync.Mutex
	timers []*manualTimer
}

func (m *manualTimers) Factory(after time.Duration, cb func()) stopwatch.TimerHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	timer := &manualTimer{after: after, cb: cb}
	m.timers = append(m.timers, timer)
	return timer
}

func (m *manualTimers) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

func (m *manualTimers) Fire(t *testing.T, i int) {
	t.Helper()
	m.mu.Lock()
	if i >= len(m.timers) {
		m.mu.Unlock()
		t.Fatalf("no timer %d scheduled", i)
	}
	timer := m.timers[i]
	m.mu.Unlock()
	timer.cb()
}

type rig struct {
	dev    *stopwatch.Device
	client *Client
	lines  *chipset.LineSet
	clock  *fakeClock
	timers *manualTimers
}

// newRig wires a device and a client the way a board does: the device sits
// on a chipset bus and its line feeds an IRQ controller whose handler is the
// client.
func newRig(t *testing.T, opts ...stopwatch.Option) *rig {
	t.Helper()
	r := &rig{
		clock:  &fakeClock{now: time.Unix(1_700_000_000, 0)},
		timers: &manualTimers{},
	}

	irqChip := chipset.NewIRQChip(nil)
	t.Cleanup(func() { irqChip.Close() })
	r.lines = chipset.NewLineSet(irqChip)

	base := []stopwatch.Option{
		stopwatch.WithClock(r.clock.Now),
		stopwatch.WithTimerFactory(r.timers.Factory),
		stopwatch.WithStartAtBoot(false),
	}
	dev, err := stopwatch.New(testLayout.RegsBase, testLayout.MemBase, r.lines.AllocateLine(testIRQ), append(base, opts...)...)
	if err != nil {
		t.Fatalf("new device: %v", err)
	}
	t.Cleanup(func() { dev.Close() })
	r.dev = dev

	builder := chipset.NewBuilder()
	if err := builder.RegisterDevice("stopwatch", dev); err != nil {
		t.Fatalf("register device: %v", err)
	}
	bus, err := builder.Build()
	if err != nil {
		t.Fatalf("build chipset: %v", err)
	}

	client, err := New(bus, testLayout)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	r.client = client

	if err := irqChip.RequestIRQ(testIRQ, client.IRQHandler()); err != nil {
		t.Fatalf("request irq: %v", err)
	}
	return r
}

func waitTimeout(t *testing.T, c *Client, limit time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), limit)
	defer cancel()
	if err := c.WaitTimeout(ctx); err != nil {
		t.Fatalf("wait timeout: %v", err)
	}
}

func TestClientRoundTrip(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	if err := r.client.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := r.client.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	r.clock.Advance(3 * time.Second)
	if err := r.client.Pause(ctx); err != nil {
		t.Fatalf("pause: %v", err)
	}

	text, err := r.client.ReadElapsed(ctx)
	if err != nil {
		t.Fatalf("read elapsed: %v", err)
	}
	if text != "3.00 seconds" {
		t.Fatalf("elapsed = %q", text)
	}

	if err := r.client.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if text, err = r.client.ReadElapsed(ctx); err != nil {
		t.Fatalf("read elapsed: %v", err)
	}
	if text != "0.00 seconds" {
		t.Fatalf("elapsed after reset = %q", text)
	}
}

func TestClientTimeoutRoundTrip(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	if err := r.client.ArmTimeout(ctx, 2); err != nil {
		t.Fatalf("arm timeout: %v", err)
	}
	if r.timers.Len() != 1 || r.timers.timers[0].after != 2*time.Second {
		t.Fatalf("expected one 2s timer")
	}
	if r.lines.Level(testIRQ) {
		t.Fatal("line asserted before expiry")
	}

	r.timers.Fire(t, 0)
	waitTimeout(t, r.client, 2*time.Second)

	if got := r.client.TimeoutCount(); got != 1 {
		t.Fatalf("timeout count = %d", got)
	}
	if r.lines.Level(testIRQ) {
		t.Fatal("line still asserted after acknowledgement")
	}
	if r.dev.Snapshot().TimeoutArmed {
		t.Fatal("device still armed after acknowledgement")
	}

	// A second acknowledgement with nothing armed is a violation.
	err := r.client.OnInterrupt()
	if !errors.Is(err, defs.ErrProtocolViolation) {
		t.Fatalf("expected protocol violation, got %v", err)
	}
	if !errors.Is(err, ErrClientFailed) {
		t.Fatalf("expected client failure, got %v", err)
	}
	if _, err := r.client.ReadElapsed(ctx); !errors.Is(err, ErrClientFailed) {
		t.Fatalf("failed client accepted a request: %v", err)
	}
	if r.client.Err() == nil {
		t.Fatal("Err() should report the failure")
	}
}

func TestClientRealTimeoutNotBeforeDuration(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a real timer")
	}
	irqChip := chipset.NewIRQChip(nil)
	defer irqChip.Close()
	lines := chipset.NewLineSet(irqChip)
	dev, err := stopwatch.New(testLayout.RegsBase, testLayout.MemBase, lines.AllocateLine(testIRQ), stopwatch.WithStartAtBoot(false))
	if err != nil {
		t.Fatalf("new device: %v", err)
	}
	defer dev.Close()
	client, err := New(dev, testLayout)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := irqChip.RequestIRQ(testIRQ, client.IRQHandler()); err != nil {
		t.Fatalf("request irq: %v", err)
	}
	armed := time.Now()
	if err := client.ArmTimeout(context.Background(), 2); err != nil {
		t.Fatalf("arm timeout: %v", err)
	}
	waitTimeout(t, client, 10*time.Second)
	if waited := time.Since(armed); waited < 2*time.Second {
		t.Fatalf("notified after %v, before the requested 2s", waited)
	}
	if lines.Level(testIRQ) {
		t.Fatal("line still asserted after acknowledgement")
	}
	if client.TimeoutCount() != 1 {
		t.Fatalf("timeout count = %d", client.TimeoutCount())
	}
}

func TestClientRefusesInvalidTimeouts(t *testing.T) {
	r := newRig(t)
	for _, seconds := range []uint64{0, defs.MaxTimeout + 1, 1 << 40} {
		err := r.client.ArmTimeout(context.Background(), seconds)
		if !errors.Is(err, ErrInvalidTimeout) {
			t.Fatalf("ArmTimeout(%d) = %v", seconds, err)
		}
	}
	if r.timers.Len() != 0 {
		t.Fatal("refused timeout reached the device")
	}
	if err := r.client.ArmTimeout(context.Background(), defs.MaxTimeout); err != nil {
		t.Fatalf("ArmTimeout(max): %v", err)
	}
}

func TestClientRefusesTransitionsLocally(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	if err := r.client.Pause(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pause from reset = %v", err)
	}
	if err := r.client.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := r.client.Start(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second start = %v", err)
	}
	if r.dev.Snapshot().Halted != nil {
		t.Fatal("locally refused commands must not reach the device")
	}

	// Repeated pause is passed through and is a no-op on the device.
	if err := r.client.Pause(ctx); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := r.client.Pause(ctx); err != nil {
		t.Fatalf("second pause: %v", err)
	}
}

func TestClientSyncsWithDeviceStartedAtBoot(t *testing.T) {
	r := newRig(t, stopwatch.WithStartAtBoot(true))

	if err := r.client.Start(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("start on running device = %v", err)
	}
	status, err := r.client.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status != defs.StatusRunning {
		t.Fatalf("status = %s", status)
	}
}

func TestClientSurfacesDeviceViolation(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	if err := r.client.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Someone else resets the device behind the client's back.
	if err := r.dev.Apply(uint64(defs.CommandReset)); err != nil {
		t.Fatalf("reset: %v", err)
	}

	err := r.client.Pause(ctx)
	if !errors.Is(err, defs.ErrProtocolViolation) || !errors.Is(err, ErrClientFailed) {
		t.Fatalf("pause with stale belief = %v", err)
	}
	if r.dev.Snapshot().Halted == nil {
		t.Fatal("device should have halted")
	}
	if err := r.client.Reset(ctx); !errors.Is(err, ErrClientFailed) {
		t.Fatalf("reset after failure = %v", err)
	}
}

func TestClientCommand(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	err := r.client.Command(ctx, uint64(defs.CommandLast))
	if !errors.Is(err, defs.ErrUnknownCommand) {
		t.Fatalf("command LAST = %v", err)
	}
	if r.client.Err() != nil {
		t.Fatal("unknown command must not fail the client")
	}

	if err := r.client.Command(ctx, uint64(defs.CommandStart)); err != nil {
		t.Fatalf("raw start: %v", err)
	}
	if got := r.dev.Snapshot().Status; got != defs.StatusRunning {
		t.Fatalf("device status = %s", got)
	}
	if err := r.client.Start(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("start after raw start = %v", err)
	}
}

func TestElapsedFile(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	if err := r.client.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	r.clock.Advance(12 * time.Second)

	f, err := r.client.Open(ctx)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	// The snapshot does not move with the clock.
	r.clock.Advance(30 * time.Second)

	var got []byte
	buf := make([]byte, 5)
	for {
		n, err := f.Read(buf)
		got = append(got, buf[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if n > len(buf) {
			t.Fatalf("read returned %d bytes into %d", n, len(buf))
		}
	}
	want := "12.00 seconds\x00"
	if string(got) != want {
		t.Fatalf("file contents = %q, want %q", got, want)
	}
	if f.Size() != len(want) {
		t.Fatalf("size = %d", f.Size())
	}
}

func TestClientClose(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	if err := r.client.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := r.client.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := r.dev.Snapshot().Status; got != defs.StatusReset {
		t.Fatalf("device status after close = %s", got)
	}
	if _, err := r.client.ReadElapsed(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("read after close = %v", err)
	}
	if err := r.client.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestClientHonoursContext(t *testing.T) {
	r := newRig(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := r.client.ReadElapsed(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("read with cancelled context = %v", err)
	}
	if err := r.client.WaitTimeout(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("wait with cancelled context = %v", err)
	}
}

// scriptedBus answers the length field and text with fixed bytes.
type scriptedBus struct {
	length uint64
	text   []byte
}

func (b *scriptedBus) ReadMMIO(addr uint64, data []byte) error {
	switch addr {
	case testLayout.LengthField():
		defs.ByteOrder.PutUint64(data, b.length)
	case testLayout.Text():
		copy(data, b.text)
	}
	return nil
}

func (b *scriptedBus) WriteMMIO(addr uint64, data []byte) error {
	return nil
}

func TestClientDistrustsLengthField(t *testing.T) {
	tests := []struct {
		name   string
		length uint64
		text   []byte
	}{
		{"TooLong", defs.MaxTextLen + 1, make([]byte, defs.MaxTextLen+1)},
		{"Zero", 0, nil},
		{"Unterminated", 4, []byte("abcd")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := New(&scriptedBus{length: tt.length, text: tt.text}, testLayout)
			if err != nil {
				t.Fatalf("new client: %v", err)
			}
			_, err = client.ReadElapsed(context.Background())
			if !errors.Is(err, defs.ErrProtocolViolation) {
				t.Fatalf("expected violation, got %v", err)
			}
		})
	}

	client, err := New(&scriptedBus{length: 3, text: []byte("ok\x00")}, testLayout)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	text, err := client.ReadElapsed(context.Background())
	if err != nil || text != "ok" {
		t.Fatalf("ReadElapsed = %q, %v", text, err)
	}
}

func TestNewRejectsBadLayout(t *testing.T) {
	if _, err := New(&scriptedBus{}, defs.Layout{RegsBase: 0x2000, MemBase: 0x2000}); err == nil {
		t.Fatal("expected overlapping layout to be rejected")
	}
	if _, err := New(nil, testLayout); err == nil {
		t.Fatal("expected nil bus to be rejected")
	}
}
