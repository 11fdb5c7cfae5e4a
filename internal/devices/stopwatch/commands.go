package stopwatch

import (
	"fmt"
	"time"

	"github.com/tinyrange/stopwatch/internal/hv"
	"github.com/tinyrange/stopwatch/internal/stopwatch/defs"
)

// Apply runs one command to completion.
//
// Unknown command values return an error wrapping defs.ErrUnknownCommand
// and leave the device untouched. A command whose precondition does not
// hold halts the device and returns the *defs.ProtocolViolation.
func (d *Device) Apply(cmd uint64) error {
	d.mu.Lock()
	if err := d.usableLocked(); err != nil {
		d.mu.Unlock()
		return err
	}
	err := d.applyLocked(defs.Command(cmd))
	d.mu.Unlock()

	d.reportViolation(err)
	return err
}

func (d *Device) applyLocked(cmd defs.Command) error {
	switch cmd {
	case defs.CommandReset:
		d.log.Debug("stopwatch: command reset")
		d.resetLocked()
		return nil

	case defs.CommandStart:
		if d.status != defs.StatusReset && d.status != defs.StatusPaused {
			return d.violateLocked(defs.Violation(cmd.String(), d.status, "stopwatch isn't in reset/paused state"))
		}
		d.log.Debug("stopwatch: command start")
		d.startLocked()
		return nil

	case defs.CommandPause:
		if d.status == defs.StatusPaused {
			d.log.Debug("stopwatch: command pause: already paused")
			return nil
		}
		if d.status != defs.StatusRunning {
			return d.violateLocked(defs.Violation(cmd.String(), d.status, "stopwatch wasn't running"))
		}
		d.log.Debug("stopwatch: command pause")
		d.accumulated += d.runningSecondsLocked()
		d.status = defs.StatusPaused
		d.startedAt = time.Time{}
		return nil

	case defs.CommandUpdate:
		elapsed := d.accumulated
		if d.status == defs.StatusRunning {
			elapsed += d.runningSecondsLocked()
		}
		n := d.scratch.SetText(defs.FormatElapsed(elapsed))
		d.scratch.SetDataLen(n)
		d.log.Debug("stopwatch: command update", "text", d.scratch.String(), "len", n)
		return nil

	case defs.CommandTimeout:
		seconds := d.scratch.TimeoutSeconds()
		if seconds > defs.MaxTimeout {
			return d.violateLocked(defs.Violation(cmd.String(), d.status,
				"cannot wait more than %ds (%ds requested)", defs.MaxTimeout, seconds))
		}
		if d.timeoutArmed {
			d.log.Debug("stopwatch: command timeout: timer already armed")
			return nil
		}
		d.armLocked(time.Duration(seconds) * time.Second)
		d.log.Debug("stopwatch: command timeout: timer started", "seconds", seconds)
		return nil

	case defs.CommandTimeoutAck:
		if !d.timeoutArmed {
			return d.violateLocked(defs.Violation(cmd.String(), d.status, "no timeout armed"))
		}
		if d.pending != nil {
			return d.violateLocked(defs.Violation(cmd.String(), d.status, "timeout acknowledged before it fired"))
		}
		d.timeoutArmed = false
		d.asserted = false
		d.irq.SetLevel(false)
		d.log.Debug("stopwatch: command timeout ack: irq lowered")
		return nil

	default:
		d.log.Warn("stopwatch: invalid command", "value", fmt.Sprintf("0x%x", uint64(cmd)))
		return fmt.Errorf("stopwatch: command 0x%x: %w", uint64(cmd), defs.ErrUnknownCommand)
	}
}

func (d *Device) resetLocked() {
	d.status = defs.StatusReset
	d.accumulated = 0
	d.startedAt = time.Time{}
}

func (d *Device) startLocked() {
	d.status = defs.StatusRunning
	d.startedAt = d.wallClock()
}

// wallClock reads the coarse clock used for elapsed time. It is independent
// of the timer facility used for timeouts.
func (d *Device) wallClock() time.Time {
	return d.now().Truncate(time.Second)
}

func (d *Device) runningSecondsLocked() float64 {
	elapsed := d.wallClock().Sub(d.startedAt).Seconds()
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

func (d *Device) armLocked(after time.Duration) {
	d.timeoutArmed = true
	d.timerGen++
	gen := d.timerGen
	d.pending = d.newTimer(after, func() { d.expire(gen) })
}

// expire is the timer callback. It raises the interrupt and leaves the
// timeout armed until it is acknowledged.
func (d *Device) expire(gen uint64) {
	d.mu.Lock()
	if gen != d.timerGen || d.closed || d.halted != nil {
		// Cancelled by Stop/Reset, or the device is no longer serving.
		d.mu.Unlock()
		return
	}
	d.pending = nil

	var err error
	if !d.timeoutArmed {
		err = d.violateLocked(defs.Violation("TIMER", d.status, "timer fired with no timeout armed"))
	} else {
		d.log.Debug("stopwatch: timeout expired: raising irq")
		d.asserted = true
		d.irq.SetLevel(true)
	}
	d.mu.Unlock()

	d.reportViolation(err)
}

// violateLocked halts the device and cancels a pending timer. Stopwatch and
// timeout state are left exactly as they were before the offending access.
func (d *Device) violateLocked(v *defs.ProtocolViolation) error {
	d.halted = v
	d.cancelTimerLocked()
	d.log.Error("stopwatch: halting on protocol violation",
		"op", v.Op, "reason", v.Reason, "status", v.Status.String())
	return v
}

func (d *Device) reportViolation(err error) {
	if d.onViolation == nil || err == nil {
		return
	}
	if v, ok := err.(*defs.ProtocolViolation); ok {
		d.onViolation(v)
	}
}

func (d *Device) usableLocked() error {
	if d.closed {
		return fmt.Errorf("stopwatch: device closed")
	}
	if d.halted != nil {
		return fmt.Errorf("stopwatch: %w: %w", hv.ErrDeviceHalted, d.halted)
	}
	return nil
}
