package trace

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/tinyrange/stopwatch/internal/chipset"
)

// Recorder is a chipset.Bus that forwards every access to an underlying bus
// and appends an Event for it to w. It is safe for concurrent use, so the
// process and interrupt paths may share one Recorder.
//
// An access is stamped when it is issued. Line changes it causes are written
// after it, so a trace reads in cause and effect order.
type Recorder struct {
	bus chipset.Bus
	now func() time.Time
	log *slog.Logger

	mu       sync.Mutex
	enc      *cbor.Encoder
	count    int
	failed   error
	inFlight int
	held     []Event
}

// RecorderOption customises a Recorder.
type RecorderOption func(*Recorder)

// WithRecorderClock overrides the timestamp source.
func WithRecorderClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

// WithRecorderLogger sets the logger used to report a failed trace writer.
func WithRecorderLogger(log *slog.Logger) RecorderOption {
	return func(r *Recorder) {
		if log != nil {
			r.log = log
		}
	}
}

// NewRecorder wraps bus and records to w.
func NewRecorder(bus chipset.Bus, w io.Writer, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		bus: bus,
		now: time.Now,
		log: slog.Default(),
		enc: encMode.NewEncoder(w),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReadMMIO implements chipset.Bus.
func (r *Recorder) ReadMMIO(addr uint64, data []byte) error {
	return r.access(KindRead, addr, data, r.bus.ReadMMIO)
}

// WriteMMIO implements chipset.Bus.
func (r *Recorder) WriteMMIO(addr uint64, data []byte) error {
	return r.access(KindWrite, addr, data, r.bus.WriteMMIO)
}

func (r *Recorder) access(kind Kind, addr uint64, data []byte, fn func(uint64, []byte) error) error {
	e := Event{Timestamp: r.now(), Kind: kind, Addr: addr}
	r.mu.Lock()
	r.inFlight++
	r.mu.Unlock()

	err := fn(addr, data)

	e.Data = append([]byte(nil), data...)
	if err != nil {
		e.Err = err.Error()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.inFlight--
	r.writeLocked(e)
	if r.inFlight == 0 {
		for _, held := range r.held {
			r.writeLocked(held)
		}
		r.held = nil
	}
	return err
}

// Sink returns an InterruptSink that records line changes before passing
// them to next.
func (r *Recorder) Sink(next chipset.InterruptSink) chipset.InterruptSink {
	return chipset.IRQLineFunc(func(line uint8, level bool) {
		e := Event{Timestamp: r.now(), Kind: KindIRQ, Line: line, Level: level}
		r.mu.Lock()
		if r.inFlight > 0 {
			r.held = append(r.held, e)
		} else {
			r.writeLocked(e)
		}
		r.mu.Unlock()

		if next != nil {
			next.SetIRQ(line, level)
		}
	})
}

// Count returns the number of events written.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Err returns the first write error. Once the writer fails no further
// events are recorded; bus traffic is unaffected.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed
}

func (r *Recorder) writeLocked(e Event) {
	if r.failed != nil {
		return
	}
	if err := r.enc.Encode(e); err != nil {
		r.failed = err
		r.log.Warn("trace: writer failed, recording stopped", "err", err, "events", r.count)
		return
	}
	r.count++
}

var _ chipset.Bus = (*Recorder)(nil)
