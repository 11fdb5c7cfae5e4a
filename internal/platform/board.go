// Package platform assembles a board: it places the stopwatch in the
// address space, puts it on a chipset bus, routes its interrupt line to the
// host interrupt controller and hands back a driver client for it.
package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/stopwatch/internal/chipset"
	"github.com/tinyrange/stopwatch/internal/config"
	"github.com/tinyrange/stopwatch/internal/devices/stopwatch"
	"github.com/tinyrange/stopwatch/internal/hv"
	"github.com/tinyrange/stopwatch/internal/stopwatch/defs"
	"github.com/tinyrange/stopwatch/internal/stopwatch/driver"
	"github.com/tinyrange/stopwatch/internal/trace"
)

const (
	deviceName = "stopwatch"
	regsName   = "stopwatch-regs"
	memName    = "stopwatch-mem"
)

// Option customises a Board.
type Option func(*options)

type options struct {
	log         *slog.Logger
	traceWriter io.Writer
	deviceOpts  []stopwatch.Option
	driverOpts  []driver.Option
}

// WithLogger sets the logger for the board and everything on it.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithTrace records all bus traffic and interrupt line changes to w.
func WithTrace(w io.Writer) Option {
	return func(o *options) {
		o.traceWriter = w
	}
}

// WithDeviceOptions passes extra options to the stopwatch device.
func WithDeviceOptions(opts ...stopwatch.Option) Option {
	return func(o *options) {
		o.deviceOpts = append(o.deviceOpts, opts...)
	}
}

// WithDriverOptions passes extra options to the driver client.
func WithDriverOptions(opts ...driver.Option) Option {
	return func(o *options) {
		o.driverOpts = append(o.driverOpts, opts...)
	}
}

// Board is one assembled stopwatch system.
type Board struct {
	cfg *config.Config
	log *slog.Logger

	space    *hv.AddressSpace
	layout   defs.Layout
	irq      uint8
	device   *stopwatch.Device
	chipset  *chipset.Chipset
	irqChip  *chipset.IRQChip
	lines    *chipset.LineSet
	recorder *trace.Recorder
	client   *driver.Client

	closed bool
}

// New builds a board from cfg. The stopwatch is powered on and, unless the
// configuration says otherwise, running when New returns.
func New(cfg *config.Config, opts ...Option) (*Board, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("platform: %w", err)
	}
	o := options{log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	b := &Board{
		cfg:   cfg,
		log:   o.log,
		space: hv.NewAddressSpace(cfg.Board.RAMBase, cfg.Board.RAMSize),
		irq:   cfg.Board.IRQ,
	}

	layout, err := b.placeDevice()
	if err != nil {
		return nil, err
	}
	b.layout = layout

	devOpts := append([]stopwatch.Option{
		stopwatch.WithLogger(o.log),
		stopwatch.WithStartAtBoot(cfg.StartsAtBoot()),
	}, o.deviceOpts...)
	// The line is attached once the interrupt path exists.
	dev, err := stopwatch.New(layout.RegsBase, layout.MemBase, nil, devOpts...)
	if err != nil {
		return nil, fmt.Errorf("platform: %w", err)
	}
	b.device = dev

	builder := chipset.NewBuilder()
	if err := builder.RegisterDevice(deviceName, dev); err != nil {
		dev.Close()
		return nil, fmt.Errorf("platform: register %s: %w", deviceName, err)
	}
	cs, err := builder.Build()
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("platform: build chipset: %w", err)
	}
	b.chipset = cs

	var bus chipset.Bus = cs
	b.irqChip = chipset.NewIRQChip(o.log)
	var sink chipset.InterruptSink = b.irqChip
	if o.traceWriter != nil {
		b.recorder = trace.NewRecorder(cs, o.traceWriter, trace.WithRecorderLogger(o.log))
		bus = b.recorder
		sink = b.recorder.Sink(b.irqChip)
	}
	b.lines = chipset.NewLineSet(sink)
	dev.SetIRQLine(b.lines.AllocateLine(b.irq))

	drvOpts := append([]driver.Option{driver.WithLogger(o.log)}, o.driverOpts...)
	client, err := driver.New(bus, layout, drvOpts...)
	if err != nil {
		b.shutdown()
		return nil, fmt.Errorf("platform: %w", err)
	}
	b.client = client

	if err := b.irqChip.RequestIRQ(b.irq, client.IRQHandler()); err != nil {
		b.shutdown()
		return nil, fmt.Errorf("platform: %w", err)
	}
	if err := cs.Start(); err != nil {
		b.shutdown()
		return nil, fmt.Errorf("platform: %w", err)
	}

	b.log.Debug("platform: board ready",
		"regs", fmt.Sprintf("0x%x", layout.RegsBase),
		"mem", fmt.Sprintf("0x%x", layout.MemBase),
		"irq", b.irq,
		"layout", b.LayoutHash().Short())
	return b, nil
}

// placeDevice reserves the two windows, at the configured addresses if any,
// otherwise allocated above RAM.
func (b *Board) placeDevice() (defs.Layout, error) {
	d := b.cfg.Device
	if d.RegsBase != nil && d.MemBase != nil {
		if err := b.space.RegisterFixed(memName, *d.MemBase, defs.MemSize); err != nil {
			return defs.Layout{}, fmt.Errorf("platform: %w", err)
		}
		if err := b.space.RegisterFixed(regsName, *d.RegsBase, defs.RegsSize); err != nil {
			return defs.Layout{}, fmt.Errorf("platform: %w", err)
		}
		return defs.Layout{RegsBase: *d.RegsBase, MemBase: *d.MemBase}, nil
	}

	mem, err := b.space.Allocate(hv.MMIOAllocationRequest{Name: memName, Size: defs.MemSize})
	if err != nil {
		return defs.Layout{}, fmt.Errorf("platform: %w", err)
	}
	regs, err := b.space.Allocate(hv.MMIOAllocationRequest{Name: regsName, Size: defs.RegsSize})
	if err != nil {
		return defs.Layout{}, fmt.Errorf("platform: %w", err)
	}
	return defs.Layout{RegsBase: regs.Base, MemBase: mem.Base}, nil
}

// Client returns the driver for the board's stopwatch.
func (b *Board) Client() *driver.Client { return b.client }

// Device returns the stopwatch device model.
func (b *Board) Device() *stopwatch.Device { return b.device }

// Layout returns where the device windows live.
func (b *Board) Layout() defs.Layout { return b.layout }

// IRQ returns the device's interrupt line.
func (b *Board) IRQ() uint8 { return b.irq }

// Recorder returns the trace recorder, or nil when tracing is off.
func (b *Board) Recorder() *trace.Recorder { return b.recorder }

// Lines exposes the device-side interrupt lines.
func (b *Board) Lines() *chipset.LineSet { return b.lines }

// LayoutHash identifies the address and interrupt layout of the board.
func (b *Board) LayoutHash() hv.LayoutHash {
	return hv.ComputeLayoutHash(b.cfg.Board.RAMBase, b.cfg.Board.RAMSize, []hv.RegionConfig{
		{Name: memName, Base: b.layout.MemBase, Size: defs.MemSize, IRQLine: uint32(b.irq)},
		{Name: regsName, Base: b.layout.RegsBase, Size: defs.RegsSize, IRQLine: uint32(b.irq)},
	})
}

// Reset power-cycles every device on the board. The client's view is
// resynchronised on its next state-dependent request.
func (b *Board) Reset() error {
	err := b.chipset.Reset()
	b.client.Resync()
	if err != nil {
		return fmt.Errorf("platform: %w", err)
	}
	return nil
}

// Close resets the stopwatch through the driver, stops interrupt delivery
// and releases the device.
func (b *Board) Close(ctx context.Context) error {
	if b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	if err := b.client.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, b.shutdown())
	if b.recorder != nil {
		errs = append(errs, b.recorder.Err())
	}
	return errors.Join(errs...)
}

func (b *Board) shutdown() error {
	var errs []error
	if b.irqChip != nil {
		b.irqChip.FreeIRQ(b.irq)
		errs = append(errs, b.irqChip.Close())
	}
	if b.chipset != nil {
		errs = append(errs, b.chipset.Stop())
	}
	errs = append(errs, b.device.Close())
	return errors.Join(errs...)
}
