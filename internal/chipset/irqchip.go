package chipset

import (
	"fmt"
	"log/slog"
	"sync"
)

// IRQHandler is invoked in interrupt context when a line rises. It must be
// quick and must not block.
type IRQHandler func(line uint8) error

// IRQChip is the host-side interrupt controller. Devices drive it through
// InterruptSink; registered handlers run on a single delivery goroutine so
// a device that raises a line while holding its own lock never re-enters
// itself through the handler.
type IRQChip struct {
	mu sync.Mutex

	handlers map[uint8]IRQHandler
	levels   map[uint8]bool
	pending  map[uint8]bool
	closed   bool

	kick chan struct{}
	done chan struct{}

	log *slog.Logger
}

// NewIRQChip starts an interrupt controller. Close stops its delivery goroutine.
func NewIRQChip(log *slog.Logger) *IRQChip {
	if log == nil {
		log = slog.Default()
	}
	c := &IRQChip{
		handlers: make(map[uint8]IRQHandler),
		levels:   make(map[uint8]bool),
		pending:  make(map[uint8]bool),
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		log:      log,
	}
	go c.run()
	return c
}

// RequestIRQ installs the handler for a line.
func (c *IRQChip) RequestIRQ(line uint8, handler IRQHandler) error {
	if handler == nil {
		return fmt.Errorf("irqchip: nil handler for irq %d", line)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("irqchip: closed")
	}
	if _, exists := c.handlers[line]; exists {
		return fmt.Errorf("irqchip: irq %d already requested", line)
	}
	c.handlers[line] = handler
	// A line that is already high gets delivered now.
	if c.levels[line] {
		c.pending[line] = true
		c.signal()
	}
	return nil
}

// FreeIRQ removes the handler for a line.
func (c *IRQChip) FreeIRQ(line uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, line)
	delete(c.pending, line)
}

// Level reports the last level observed on a line.
func (c *IRQChip) Level(line uint8) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.levels[line]
}

// SetIRQ implements InterruptSink. It never blocks.
func (c *IRQChip) SetIRQ(line uint8, level bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rising := level && !c.levels[line]
	c.levels[line] = level
	if !level {
		delete(c.pending, line)
		return
	}
	if rising && !c.closed {
		c.pending[line] = true
		c.signal()
	}
}

// Close stops interrupt delivery and waits for the delivery goroutine.
func (c *IRQChip) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.kick)
	c.mu.Unlock()

	<-c.done
	return nil
}

// signal must be called with mu held.
func (c *IRQChip) signal() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *IRQChip) run() {
	defer close(c.done)
	for range c.kick {
		for {
			line, handler, ok := c.next()
			if !ok {
				break
			}
			if err := handler(line); err != nil {
				c.log.Error("irqchip: handler failed", "irq", line, "err", err)
			}
		}
	}
}

// next pops one pending line whose level is still high and which has a handler.
func (c *IRQChip) next() (uint8, IRQHandler, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for line := range c.pending {
		delete(c.pending, line)
		handler := c.handlers[line]
		if handler == nil || !c.levels[line] {
			continue
		}
		return line, handler, true
	}
	return 0, nil, false
}

var _ InterruptSink = (*IRQChip)(nil)
