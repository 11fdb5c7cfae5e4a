// Package stopwatch implements the stopwatch timer peripheral: a command and
// status register pair, a shared scratch buffer, and a level-triggered
// timeout interrupt.
package stopwatch

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyrange/stopwatch/internal/chipset"
	"github.com/tinyrange/stopwatch/internal/hv"
	"github.com/tinyrange/stopwatch/internal/stopwatch/defs"
)

// CompatibleString is the device-tree compatible string of the device.
const CompatibleString = "stopwatch"

// TimerHandle cancels a scheduled one-shot timer.
type TimerHandle interface {
	Stop()
}

// TimerFactory schedules cb to run once after d.
type TimerFactory func(d time.Duration, cb func()) TimerHandle

type timerHandleFunc func()

func (f timerHandleFunc) Stop() {
	if f != nil {
		f()
	}
}

func defaultTimerFactory(d time.Duration, cb func()) TimerHandle {
	t := time.AfterFunc(d, cb)
	return timerHandleFunc(func() { t.Stop() })
}

// Option customises a Device, mainly for tests.
type Option func(*Device)

// WithClock overrides the wall clock used for elapsed-time bookkeeping.
// Readings are truncated to whole seconds.
func WithClock(now func() time.Time) Option {
	return func(d *Device) {
		if now != nil {
			d.now = now
		}
	}
}

// WithTimerFactory overrides the one-shot timer facility used for TIMEOUT.
func WithTimerFactory(factory TimerFactory) Option {
	return func(d *Device) {
		if factory != nil {
			d.newTimer = factory
		}
	}
}

// WithStartAtBoot sets whether the stopwatch starts running on construction
// and after Reset. The default is true.
func WithStartAtBoot(start bool) Option {
	return func(d *Device) {
		d.startAtBoot = start
	}
}

// WithLogger sets the logger used for command tracing and violations.
func WithLogger(log *slog.Logger) Option {
	return func(d *Device) {
		if log != nil {
			d.log = log
		}
	}
}

// WithViolationHandler installs a hook that runs once, outside the device
// lock, when the device halts on a protocol violation.
func WithViolationHandler(fn func(*defs.ProtocolViolation)) Option {
	return func(d *Device) {
		d.onViolation = fn
	}
}

// State is a copy of the device's internal state.
type State struct {
	Status            defs.Status
	StartedAt         time.Time
	Accumulated       float64
	TimeoutArmed      bool
	TimerPending      bool
	InterruptAsserted bool
	Halted            *defs.ProtocolViolation
}

// Device is the stopwatch peripheral. Command processing and timer expiry
// are serialized by mu.
type Device struct {
	mu sync.Mutex

	regs hv.MMIORegion
	mem  hv.MMIORegion

	backing []byte
	release func() error
	scratch defs.Scratch

	irq         chipset.LineInterrupt
	now         func() time.Time
	newTimer    TimerFactory
	startAtBoot bool
	log         *slog.Logger
	onViolation func(*defs.ProtocolViolation)

	status       defs.Status
	startedAt    time.Time
	accumulated  float64
	timeoutArmed bool
	pending      TimerHandle
	timerGen     uint64
	asserted     bool
	halted       *defs.ProtocolViolation
	closed       bool
}

// New creates a stopwatch whose register region sits at regsBase and whose
// scratch buffer sits at memBase. The device comes up in RESET, then starts
// running unless WithStartAtBoot(false) is given.
func New(regsBase, memBase uint64, irqLine chipset.LineInterrupt, opts ...Option) (*Device, error) {
	if irqLine == nil {
		irqLine = chipset.LineInterruptDetached()
	}
	d := &Device{
		regs:        hv.MMIORegion{Address: regsBase, Size: defs.RegsSize},
		mem:         hv.MMIORegion{Address: memBase, Size: defs.MemSize},
		irq:         irqLine,
		now:         time.Now,
		newTimer:    defaultTimerFactory,
		startAtBoot: true,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}

	if regionsOverlap(d.regs, d.mem) {
		return nil, fmt.Errorf("stopwatch: register region %s overlaps scratch region %s", d.regs, d.mem)
	}

	backing, release, err := allocScratch(defs.MemSize)
	if err != nil {
		return nil, fmt.Errorf("stopwatch: allocate scratch memory: %w", err)
	}
	scratch, err := defs.NewScratch(backing)
	if err != nil {
		_ = release()
		return nil, fmt.Errorf("stopwatch: %w", err)
	}
	d.backing = backing
	d.release = release
	d.scratch = scratch

	d.mu.Lock()
	d.bootLocked()
	d.mu.Unlock()

	return d, nil
}

// bootLocked brings the state machine to its power-on state.
func (d *Device) bootLocked() {
	d.resetLocked()
	if d.startAtBoot {
		d.startLocked()
	}
}

// Init implements hv.Device.
func (d *Device) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("stopwatch: device closed")
	}
	return nil
}

// Start implements chipset.ChangeDeviceState.
func (d *Device) Start() error {
	return nil
}

// Stop implements chipset.ChangeDeviceState. It cancels any pending timeout
// and drops the interrupt line.
func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disarmLocked()
	return nil
}

// Reset implements chipset.ChangeDeviceState. It returns the device to its
// power-on state and clears a halt.
func (d *Device) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.disarmLocked()
	d.halted = nil
	for i := range d.scratch {
		d.scratch[i] = 0
	}
	d.bootLocked()
	return nil
}

// Close stops the device and releases the scratch memory.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.disarmLocked()
	d.closed = true
	d.scratch = nil
	d.backing = nil
	if d.release != nil {
		return d.release()
	}
	return nil
}

// SupportsMmio implements chipset.ChipsetDevice.
func (d *Device) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: []hv.MMIORegion{d.mem, d.regs},
		Handler: d,
	}
}

// RegsRegion returns the register window.
func (d *Device) RegsRegion() hv.MMIORegion {
	return d.regs
}

// MemRegion returns the scratch buffer window.
func (d *Device) MemRegion() hv.MMIORegion {
	return d.mem
}

// SetIRQLine configures the interrupt line.
func (d *Device) SetIRQLine(line chipset.LineInterrupt) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if line == nil {
		line = chipset.LineInterruptDetached()
	}
	d.irq = line
}

// Snapshot returns a copy of the current device state.
func (d *Device) Snapshot() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return State{
		Status:            d.status,
		StartedAt:         d.startedAt,
		Accumulated:       d.accumulated,
		TimeoutArmed:      d.timeoutArmed,
		TimerPending:      d.pending != nil,
		InterruptAsserted: d.asserted,
		Halted:            d.halted,
	}
}

// disarmLocked cancels a pending timer and drops the line without touching
// the stopwatch itself.
func (d *Device) disarmLocked() {
	d.cancelTimerLocked()
	d.timeoutArmed = false
	if d.asserted {
		d.asserted = false
		d.irq.SetLevel(false)
	}
}

// cancelTimerLocked stops the pending timer. A callback already in flight
// sees a stale generation and does nothing.
func (d *Device) cancelTimerLocked() {
	d.timerGen++
	if d.pending != nil {
		d.pending.Stop()
		d.pending = nil
	}
}

func regionsOverlap(a, b hv.MMIORegion) bool {
	return a.Address < b.Address+b.Size && b.Address < a.Address+a.Size
}

var (
	_ hv.Device                 = (*Device)(nil)
	_ chipset.ChipsetDevice     = (*Device)(nil)
	_ chipset.MmioHandler       = (*Device)(nil)
	_ chipset.ChangeDeviceState = (*Device)(nil)
)
