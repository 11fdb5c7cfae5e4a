// Package driver is the host side of the stopwatch protocol. A Client turns
// requests such as "show elapsed time" or "arm a timeout" into register and
// scratch buffer accesses over a chipset bus, and consumes the timeout
// interrupt.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/stopwatch/internal/chipset"
	"github.com/tinyrange/stopwatch/internal/hv"
	"github.com/tinyrange/stopwatch/internal/stopwatch/defs"
)

var (
	// ErrInvalidTransition is returned when the client refuses a command its
	// view of the device state rules out. Nothing is written to the device.
	ErrInvalidTransition = errors.New("driver: invalid transition")

	// ErrInvalidTimeout is returned for timeout requests outside
	// (0, defs.MaxTimeout].
	ErrInvalidTimeout = errors.New("driver: invalid timeout")

	// ErrClientFailed is returned by every operation once the client has seen
	// a protocol violation. The client is not usable afterwards.
	ErrClientFailed = errors.New("driver: client failed")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("driver: client closed")
)

// Option customises a Client.
type Option func(*Client)

// WithLogger sets the logger used by the client.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// WithNotifyBuffer sets how many timeout notifications may queue on
// Timeouts() before further ones are dropped. The counter is always exact.
func WithNotifyBuffer(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.notifyBuffer = n
		}
	}
}

type failure struct {
	err error
}

// Client drives one stopwatch device.
//
// Process-context operations are serialized by mu. OnInterrupt runs in
// interrupt context and never takes mu.
type Client struct {
	bus    chipset.Bus
	layout defs.Layout
	log    *slog.Logger

	notifyBuffer int
	notify       chan struct{}
	timeouts     atomic.Uint64
	failed       atomic.Pointer[failure]

	mu     sync.Mutex
	status defs.Status
	known  bool
	closed bool
}

// New returns a client for the device at layout on bus. It performs no I/O.
func New(bus chipset.Bus, layout defs.Layout, opts ...Option) (*Client, error) {
	if bus == nil {
		return nil, fmt.Errorf("driver: nil bus")
	}
	if err := defs.ValidateLayout(layout); err != nil {
		return nil, fmt.Errorf("driver: %w", err)
	}
	c := &Client{
		bus:          bus,
		layout:       layout,
		log:          slog.Default(),
		notifyBuffer: 16,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.notify = make(chan struct{}, c.notifyBuffer)
	return c, nil
}

// Layout returns the bus addresses the client uses.
func (c *Client) Layout() defs.Layout {
	return c.layout
}

// Err returns the failure that stopped the client, or nil.
func (c *Client) Err() error {
	if f := c.failed.Load(); f != nil {
		return f.err
	}
	return nil
}

// ReadElapsed issues UPDATE and returns the rendered elapsed time.
func (c *Client) ReadElapsed(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, err := c.readElapsedLocked(ctx)
	if err != nil {
		return "", err
	}
	return string(raw[:len(raw)-1]), nil
}

// readElapsedLocked returns the text bytes including the terminator.
func (c *Client) readElapsedLocked(ctx context.Context) ([]byte, error) {
	if err := c.usableLocked(ctx); err != nil {
		return nil, err
	}
	if err := c.commandLocked(defs.CommandUpdate); err != nil {
		return nil, err
	}

	lenBuf := make([]byte, defs.RegWidth)
	if err := c.read(c.layout.LengthField(), lenBuf); err != nil {
		return nil, err
	}
	n := defs.DecodeU64(lenBuf)
	if n == 0 || n > defs.MaxTextLen {
		return nil, c.fail(defs.Violation("UPDATE", c.status,
			"length field %d outside (0, %d]", n, defs.MaxTextLen))
	}

	text := make([]byte, n)
	if err := c.read(c.layout.Text(), text); err != nil {
		return nil, err
	}
	if text[n-1] != 0 {
		return nil, c.fail(defs.Violation("UPDATE", c.status, "text of length %d is not NUL terminated", n))
	}
	return text, nil
}

// ArmTimeout requests a timeout interrupt after seconds. It returns as soon
// as the device has accepted the request; expiry is reported through
// OnInterrupt.
func (c *Client) ArmTimeout(ctx context.Context, seconds uint64) error {
	if seconds == 0 || seconds > defs.MaxTimeout {
		return fmt.Errorf("%w: %ds not in (0, %d]", ErrInvalidTimeout, seconds, defs.MaxTimeout)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usableLocked(ctx); err != nil {
		return err
	}
	if err := c.write(c.layout.LengthField(), defs.EncodeU64(seconds)); err != nil {
		return err
	}
	c.log.Debug("driver: arming timeout", "seconds", seconds)
	return c.commandLocked(defs.CommandTimeout)
}

// OnInterrupt acknowledges an expired timeout and notifies waiters. It is
// bounded, takes no client lock and never blocks on a channel.
func (c *Client) OnInterrupt() error {
	if f := c.failed.Load(); f != nil {
		return f.err
	}
	c.timeouts.Add(1)

	if err := c.write(c.layout.Command(), defs.EncodeU64(uint64(defs.CommandTimeoutAck))); err != nil {
		return err
	}

	select {
	case c.notify <- struct{}{}:
	default:
		c.log.Warn("driver: timeout notification dropped", "count", c.timeouts.Load())
	}
	return nil
}

// IRQHandler returns OnInterrupt as a chipset.IRQHandler.
func (c *Client) IRQHandler() chipset.IRQHandler {
	return func(uint8) error {
		return c.OnInterrupt()
	}
}

// TimeoutCount returns the number of timeouts observed so far.
func (c *Client) TimeoutCount() uint64 {
	return c.timeouts.Load()
}

// Timeouts receives one value per acknowledged timeout.
func (c *Client) Timeouts() <-chan struct{} {
	return c.notify
}

// WaitTimeout blocks until the next timeout notification or until ctx is done.
func (c *Client) WaitTimeout(ctx context.Context) error {
	select {
	case <-c.notify:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start starts the stopwatch. It is refused locally if the client believes
// the stopwatch is already running.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usableLocked(ctx); err != nil {
		return err
	}
	if err := c.syncLocked(); err != nil {
		return err
	}
	if c.status == defs.StatusRunning {
		return fmt.Errorf("%w: start while %s", ErrInvalidTransition, c.status)
	}
	return c.commandLocked(defs.CommandStart)
}

// Pause pauses the stopwatch. Pausing an already paused stopwatch is a
// no-op on the device and is passed through.
func (c *Client) Pause(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usableLocked(ctx); err != nil {
		return err
	}
	if err := c.syncLocked(); err != nil {
		return err
	}
	if c.status == defs.StatusReset {
		return fmt.Errorf("%w: pause while %s", ErrInvalidTransition, c.status)
	}
	return c.commandLocked(defs.CommandPause)
}

// Reset stops the stopwatch and clears the accumulated time.
func (c *Client) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usableLocked(ctx); err != nil {
		return err
	}
	return c.commandLocked(defs.CommandReset)
}

// Status reads the status register and resynchronises the client's view.
func (c *Client) Status(ctx context.Context) (defs.Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usableLocked(ctx); err != nil {
		return 0, err
	}
	if err := c.readStatusLocked(); err != nil {
		return 0, err
	}
	return c.status, nil
}

// Command writes a raw command value. Values at or above defs.CommandLast
// are rejected without touching the device.
func (c *Client) Command(ctx context.Context, cmd uint64) error {
	if !defs.Command(cmd).Valid() {
		return fmt.Errorf("driver: command 0x%x: %w", cmd, defs.ErrUnknownCommand)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usableLocked(ctx); err != nil {
		return err
	}
	if err := c.commandLocked(defs.Command(cmd)); err != nil {
		return err
	}
	// TIMEOUT_ACK and TIMEOUT do not move the stopwatch; the rest are
	// reflected by the next status read.
	switch defs.Command(cmd) {
	case defs.CommandTimeout, defs.CommandTimeoutAck, defs.CommandUpdate:
	default:
		c.known = false
	}
	return nil
}

// Resync drops the client's belief about the stopwatch status. The next
// state-dependent request reads the status register first. Call it after
// the device was reset behind the client's back.
func (c *Client) Resync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.known = false
}

// Close resets the device and releases the client.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	err := c.usableLocked(ctx)
	if err == nil {
		err = c.commandLocked(defs.CommandReset)
	}
	c.closed = true
	if errors.Is(err, ErrClientFailed) {
		// Nothing more can be done with a failed device.
		return nil
	}
	return err
}

func (c *Client) usableLocked(ctx context.Context) error {
	if c.closed {
		return ErrClosed
	}
	if f := c.failed.Load(); f != nil {
		return f.err
	}
	return ctx.Err()
}

// syncLocked reads the status register if the client has no belief yet.
func (c *Client) syncLocked() error {
	if c.known {
		return nil
	}
	return c.readStatusLocked()
}

func (c *Client) readStatusLocked() error {
	buf := make([]byte, defs.RegWidth)
	if err := c.read(c.layout.Status(), buf); err != nil {
		return err
	}
	status := defs.Status(defs.DecodeU64(buf))
	if !status.Valid() {
		return c.fail(defs.Violation("STATUS", status, "device reported unknown status"))
	}
	c.status = status
	c.known = true
	return nil
}

func (c *Client) commandLocked(cmd defs.Command) error {
	if err := c.write(c.layout.Command(), defs.EncodeU64(uint64(cmd))); err != nil {
		return err
	}
	switch cmd {
	case defs.CommandReset:
		c.status, c.known = defs.StatusReset, true
	case defs.CommandStart:
		c.status, c.known = defs.StatusRunning, true
	case defs.CommandPause:
		c.status, c.known = defs.StatusPaused, true
	}
	c.log.Debug("driver: command issued", "command", cmd.String(), "believed", c.status.String())
	return nil
}

func (c *Client) read(addr uint64, data []byte) error {
	if err := c.bus.ReadMMIO(addr, data); err != nil {
		return c.classify(fmt.Errorf("driver: read 0x%x: %w", addr, err))
	}
	return nil
}

func (c *Client) write(addr uint64, data []byte) error {
	if err := c.bus.WriteMMIO(addr, data); err != nil {
		return c.classify(fmt.Errorf("driver: write 0x%x: %w", addr, err))
	}
	return nil
}

// classify fails the client on protocol violations and halted devices.
// Other bus errors are returned as they are.
func (c *Client) classify(err error) error {
	if errors.Is(err, defs.ErrProtocolViolation) || errors.Is(err, hv.ErrDeviceHalted) {
		return c.fail(err)
	}
	return err
}

// fail records the first failure and returns it wrapped in ErrClientFailed.
func (c *Client) fail(cause error) error {
	f := &failure{err: fmt.Errorf("%w: %w", ErrClientFailed, cause)}
	if c.failed.CompareAndSwap(nil, f) {
		c.log.Error("driver: protocol violation, client stopped", "err", cause)
		return f.err
	}
	return c.failed.Load().err
}
