package trace

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/tinyrange/stopwatch/internal/chipset"
)

type memBus struct {
	mem [16]byte
}

func (b *memBus) ReadMMIO(addr uint64, data []byte) error {
	if addr+uint64(len(data)) > uint64(len(b.mem)) {
		return errors.New("out of range")
	}
	copy(data, b.mem[addr:])
	return nil
}

func (b *memBus) WriteMMIO(addr uint64, data []byte) error {
	if addr+uint64(len(data)) > uint64(len(b.mem)) {
		return errors.New("out of range")
	}
	copy(b.mem[addr:], data)
	return nil
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("disk full")
}

func TestRecorderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	stamp := time.Date(2024, 1, 2, 3, 4, 5, 6000, time.UTC)
	rec := NewRecorder(&memBus{}, &buf, WithRecorderClock(func() time.Time { return stamp }))

	if err := rec.WriteMMIO(8, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("write: %v", err)
	}
	out := make([]byte, 2)
	if err := rec.ReadMMIO(9, out); err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := rec.ReadMMIO(15, make([]byte, 4)); err == nil {
		t.Fatal("expected out of range read to fail")
	}

	var levels []bool
	sink := rec.Sink(chipset.IRQLineFunc(func(line uint8, level bool) {
		levels = append(levels, level)
	}))
	sink.SetIRQ(7, true)
	sink.SetIRQ(7, false)

	if len(levels) != 2 {
		t.Fatalf("sink forwarded %d changes", len(levels))
	}
	if rec.Count() != 5 {
		t.Fatalf("recorded %d events", rec.Count())
	}

	events, err := NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read trace: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("decoded %d events", len(events))
	}

	w := events[0]
	if w.Kind != KindWrite || w.Addr != 8 || !bytes.Equal(w.Data, []byte{1, 2, 3, 4}) || w.Width() != 4 {
		t.Fatalf("write event = %+v", w)
	}
	if !w.Timestamp.Equal(stamp) {
		t.Fatalf("timestamp = %v, want %v", w.Timestamp, stamp)
	}
	if r := events[1]; r.Kind != KindRead || !bytes.Equal(r.Data, []byte{2, 3}) {
		t.Fatalf("read event = %+v", r)
	}
	if events[2].Err == "" {
		t.Fatal("failed access should carry its error")
	}
	if irq := events[3]; irq.Kind != KindIRQ || irq.Line != 7 || !irq.Level {
		t.Fatalf("irq event = %+v", irq)
	}
	if !strings.Contains(events[3].String(), "line=7 high") {
		t.Fatalf("String() = %q", events[3].String())
	}
}

// ackBus lowers an interrupt line while serving a write, the way a device
// drops its line on acknowledge.
type ackBus struct {
	memBus
	sink chipset.InterruptSink
}

func (b *ackBus) WriteMMIO(addr uint64, data []byte) error {
	b.sink.SetIRQ(3, false)
	return b.memBus.WriteMMIO(addr, data)
}

func TestRecorderOrdersLineChangesAfterTheirAccess(t *testing.T) {
	var buf bytes.Buffer
	tick := time.Unix(0, 0)
	clock := func() time.Time {
		tick = tick.Add(time.Millisecond)
		return tick
	}
	bus := &ackBus{}
	rec := NewRecorder(bus, &buf, WithRecorderClock(clock))
	bus.sink = rec.Sink(nil)

	if err := rec.WriteMMIO(0, []byte{5}); err != nil {
		t.Fatalf("write: %v", err)
	}
	bus.sink.SetIRQ(3, true)

	events, err := NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read trace: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("decoded %d events", len(events))
	}
	if events[0].Kind != KindWrite || events[1].Kind != KindIRQ || events[1].Level {
		t.Fatalf("expected write then irq low, got %v, %v", events[0], events[1])
	}
	if !events[0].Timestamp.Before(events[1].Timestamp) {
		t.Fatalf("write stamped %v, not before the line change at %v",
			events[0].Timestamp, events[1].Timestamp)
	}
	if events[2].Kind != KindIRQ || !events[2].Level {
		t.Fatalf("line change outside an access = %v", events[2])
	}
}

func TestRecorderStopsAfterWriterFailure(t *testing.T) {
	bus := &memBus{}
	rec := NewRecorder(bus, failingWriter{})

	if err := rec.WriteMMIO(0, []byte{9}); err != nil {
		t.Fatalf("bus write must succeed even if tracing fails: %v", err)
	}
	if bus.mem[0] != 9 {
		t.Fatal("write did not reach the bus")
	}
	if rec.Err() == nil {
		t.Fatal("expected writer failure to be reported")
	}
	if rec.Count() != 0 {
		t.Fatalf("count = %d", rec.Count())
	}
}

func TestReaderEOFAndCorruption(t *testing.T) {
	if _, err := NewReader(bytes.NewReader(nil)).Next(); err != io.EOF {
		t.Fatalf("empty trace: %v", err)
	}

	data, err := EncodeEvent(Event{Kind: KindRead, Addr: 1, Data: []byte{1}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_, err = NewReader(bytes.NewReader(data[:len(data)-1])).Next()
	if err == nil || err == io.EOF {
		t.Fatalf("truncated trace: %v", err)
	}

	e, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.Addr != 1 || e.Kind != KindRead {
		t.Fatalf("decoded %+v", e)
	}
}
