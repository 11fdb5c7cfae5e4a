package chipset

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tinyrange/stopwatch/internal/hv"
)

type fakeDevice struct {
	region hv.MMIORegion

	mu      sync.Mutex
	writes  []uint64
	resets  int
	started bool
}

func (f *fakeDevice) Init() error { return nil }

func (f *fakeDevice) Start() error {
	f.started = true
	return nil
}

func (f *fakeDevice) Stop() error {
	f.started = false
	return nil
}

func (f *fakeDevice) Reset() error {
	f.resets++
	return nil
}

func (f *fakeDevice) SupportsMmio() *MmioIntercept {
	return &MmioIntercept{Regions: []hv.MMIORegion{f.region}, Handler: f}
}

func (f *fakeDevice) ReadMMIO(addr uint64, data []byte) error {
	for i := range data {
		data[i] = byte(addr - f.region.Address)
	}
	return nil
}

func (f *fakeDevice) WriteMMIO(addr uint64, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, addr)
	return nil
}

func TestChipsetDispatchesByAddress(t *testing.T) {
	a := &fakeDevice{region: hv.MMIORegion{Address: 0x1000, Size: 0x10}}
	b := &fakeDevice{region: hv.MMIORegion{Address: 0x2000, Size: 0x10}}

	builder := NewBuilder()
	if err := builder.RegisterDevice("a", a); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if err := builder.RegisterDevice("b", b); err != nil {
		t.Fatalf("register b: %v", err)
	}
	cs, err := builder.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if err := cs.WriteMMIO(0x2008, make([]byte, 8)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(b.writes) != 1 || b.writes[0] != 0x2008 {
		t.Fatalf("expected write routed to b, got %v", b.writes)
	}
	if len(a.writes) != 0 {
		t.Fatalf("unexpected write on a: %v", a.writes)
	}

	buf := make([]byte, 1)
	if err := cs.ReadMMIO(0x1004, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if buf[0] != 4 {
		t.Fatalf("expected offset 4 from a, got %d", buf[0])
	}

	// An access starting inside a region belongs to its owner, which checks
	// the bounds itself.
	if err := cs.WriteMMIO(0x100c, make([]byte, 8)); err != nil {
		t.Fatalf("straddling write: %v", err)
	}
	if len(a.writes) != 1 || a.writes[0] != 0x100c {
		t.Fatalf("expected straddling write routed to a, got %v", a.writes)
	}
	if err := cs.ReadMMIO(0x3000, make([]byte, 8)); !errors.Is(err, hv.ErrNoHandler) {
		t.Fatalf("expected ErrNoHandler, got %v", err)
	}

	if err := cs.Start(); err != nil || !a.started || !b.started {
		t.Fatalf("start: %v", err)
	}
	if err := cs.Reset(); err != nil || a.resets != 1 || b.resets != 1 {
		t.Fatalf("reset: %v", err)
	}
	if dev, ok := cs.Device("a"); !ok || dev != a {
		t.Fatal("Device(a) lookup failed")
	}
}

func TestChipsetBuilderRejectsOverlap(t *testing.T) {
	builder := NewBuilder()
	if err := builder.RegisterDevice("a", &fakeDevice{region: hv.MMIORegion{Address: 0x1000, Size: 0x100}}); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if err := builder.RegisterDevice("b", &fakeDevice{region: hv.MMIORegion{Address: 0x10f8, Size: 0x10}}); err == nil {
		t.Fatal("expected overlapping region to be rejected")
	}
	if err := builder.RegisterDevice("a", &fakeDevice{region: hv.MMIORegion{Address: 0x3000, Size: 0x10}}); err == nil {
		t.Fatal("expected duplicate name to be rejected")
	}
	if err := builder.WithMmioRegion(0x4000, 0, &fakeDevice{}); err == nil {
		t.Fatal("expected zero-size region to be rejected")
	}
}

func TestLineSetForwardsLevelChanges(t *testing.T) {
	var mu sync.Mutex
	var events []bool
	lines := NewLineSet(IRQLineFunc(func(line uint8, level bool) {
		mu.Lock()
		defer mu.Unlock()
		if line != 5 {
			t.Errorf("unexpected line %d", line)
		}
		events = append(events, level)
	}))

	irq := lines.AllocateLine(5)
	if lines.Level(5) {
		t.Fatal("new line should be low")
	}
	irq.SetLevel(true)
	irq.SetLevel(true) // no change, no event
	if !lines.Level(5) {
		t.Fatal("line should be high")
	}
	irq.SetLevel(false)

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 || !events[0] || events[1] {
		t.Fatalf("unexpected events %v", events)
	}
}

func TestIRQChipDeliversRisingEdgeOnce(t *testing.T) {
	chip := NewIRQChip(nil)
	defer chip.Close()

	delivered := make(chan uint8, 4)
	if err := chip.RequestIRQ(3, func(line uint8) error {
		delivered <- line
		// Acknowledge from interrupt context, as a driver would.
		chip.SetIRQ(line, false)
		return nil
	}); err != nil {
		t.Fatalf("RequestIRQ: %v", err)
	}
	if err := chip.RequestIRQ(3, func(uint8) error { return nil }); err == nil {
		t.Fatal("expected duplicate RequestIRQ to fail")
	}

	chip.SetIRQ(3, true)

	select {
	case line := <-delivered:
		if line != 3 {
			t.Fatalf("delivered line %d", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("interrupt not delivered")
	}

	select {
	case <-delivered:
		t.Fatal("level without a new edge must not be delivered twice")
	case <-time.After(50 * time.Millisecond):
	}

	if chip.Level(3) {
		t.Fatal("handler should have lowered the line")
	}
}

func TestIRQChipDeliversLineRaisedBeforeRequest(t *testing.T) {
	chip := NewIRQChip(nil)
	defer chip.Close()

	chip.SetIRQ(9, true)

	delivered := make(chan struct{}, 1)
	if err := chip.RequestIRQ(9, func(uint8) error {
		delivered <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("RequestIRQ: %v", err)
	}

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("pending level not delivered after RequestIRQ")
	}
}

func TestIRQChipClose(t *testing.T) {
	chip := NewIRQChip(nil)
	if err := chip.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := chip.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	chip.SetIRQ(1, true) // must not panic after close
	if err := chip.RequestIRQ(1, func(uint8) error { return nil }); err == nil {
		t.Fatal("expected RequestIRQ after Close to fail")
	}
}

func TestIRQChipFreeIRQ(t *testing.T) {
	chip := NewIRQChip(nil)
	defer chip.Close()

	delivered := make(chan struct{}, 1)
	if err := chip.RequestIRQ(4, func(uint8) error {
		delivered <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("RequestIRQ: %v", err)
	}
	chip.FreeIRQ(4)

	chip.SetIRQ(4, true)
	select {
	case <-delivered:
		t.Fatal("freed line must not be delivered")
	case <-time.After(50 * time.Millisecond):
	}

	// The line can be requested again and its pending level is delivered.
	if err := chip.RequestIRQ(4, func(uint8) error {
		delivered <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("second RequestIRQ: %v", err)
	}
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("interrupt not delivered after re-request")
	}
}
