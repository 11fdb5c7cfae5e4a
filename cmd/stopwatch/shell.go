package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/tinyrange/stopwatch/internal/platform"
	"github.com/tinyrange/stopwatch/internal/stopwatch/driver"
)

const shellHelp = `Commands:
  start            start the stopwatch
  pause            pause the stopwatch
  reset            reset the stopwatch
  elapsed          show elapsed time
  status           read the status register
  timeout <secs>   arm a timeout (asynchronous)
  wait             wait for the armed timeout to fire
  count            timeouts seen so far
  raw <n>          write a raw command value
  info             board layout
  help             this text
  quit             leave the shell
`

func runShell(ctx context.Context, board *platform.Board) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "stopwatch> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return fmt.Errorf("create readline: %w", err)
	}
	defer rl.Close()

	out := rl.Stdout()
	c := board.Client()

	// Report timeouts as they arrive.
	notifyCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		for {
			select {
			case <-notifyCtx.Done():
				return
			case <-c.Timeouts():
				fmt.Fprintf(out, "timeout fired (count %d)\n", c.TimeoutCount())
			}
		}
	}()

	sh := &shell{board: board, out: out}
	fmt.Fprint(out, shellHelp)
	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				return nil
			}
			return err
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "quit" || fields[0] == "exit" {
			return nil
		}
		if err := sh.command(ctx, fields); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			if errors.Is(err, driver.ErrClientFailed) {
				return err
			}
		}
	}
}

// shell holds the console's view of the timeout it armed last.
type shell struct {
	board *platform.Board
	out   io.Writer

	// armed is set by timeout and cleared once wait sees the count reach
	// target.
	armed  bool
	target uint64
}

func (sh *shell) command(ctx context.Context, fields []string) error {
	c := sh.board.Client()
	out := sh.out
	switch fields[0] {
	case "help":
		fmt.Fprint(out, shellHelp)
	case "start":
		return c.Start(ctx)
	case "pause":
		return c.Pause(ctx)
	case "reset":
		return c.Reset(ctx)
	case "elapsed":
		text, err := c.ReadElapsed(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, text)
	case "status":
		status, err := c.Status(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, status)
	case "timeout":
		if len(fields) != 2 {
			return fmt.Errorf("usage: timeout <seconds>")
		}
		seconds, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return err
		}
		count := c.TimeoutCount()
		if err := c.ArmTimeout(ctx, seconds); err != nil {
			return err
		}
		// A timeout that is still pending absorbs the request.
		if !sh.armed || count >= sh.target {
			sh.armed, sh.target = true, count+1
		}
	case "wait":
		if !sh.armed {
			return fmt.Errorf("no timeout armed")
		}
		// The notification channel is drained by the shell's reporter, so
		// watch the counter instead.
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for c.TimeoutCount() < sh.target {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
			if err := c.Err(); err != nil {
				return err
			}
		}
		sh.armed = false
		fmt.Fprintf(out, "timeout fired (count %d)\n", c.TimeoutCount())
	case "count":
		fmt.Fprintln(out, c.TimeoutCount())
	case "raw":
		if len(fields) != 2 {
			return fmt.Errorf("usage: raw <value>")
		}
		v, err := strconv.ParseUint(fields[1], 0, 64)
		if err != nil {
			return err
		}
		return c.Command(ctx, v)
	case "info":
		printInfo(out, sh.board)
	default:
		return fmt.Errorf("unknown command %q (try help)", fields[0])
	}
	return nil
}
