// Command stopwatch runs the stopwatch peripheral on an emulated board and
// drives it through the host-side driver.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/stopwatch/internal/config"
	"github.com/tinyrange/stopwatch/internal/devices/stopwatch"
	"github.com/tinyrange/stopwatch/internal/fdt"
	"github.com/tinyrange/stopwatch/internal/platform"
	"github.com/tinyrange/stopwatch/internal/stopwatch/defs"
	"github.com/tinyrange/stopwatch/internal/trace"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "stopwatch: %v\n", err)
		if errors.Is(err, defs.ErrProtocolViolation) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "YAML configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	tracePath := flag.String("trace", "", "Record bus traffic to this file")
	startAtBoot := flag.String("start-at-boot", "", "Override device.start_at_boot (true or false)")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <command> [args...]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  demo             run a scripted stopwatch and timeout session\n")
		fmt.Fprintf(os.Stderr, "  elapsed          print the elapsed time\n")
		fmt.Fprintf(os.Stderr, "  cat              copy the raw elapsed-time file to stdout\n")
		fmt.Fprintf(os.Stderr, "  timeout <secs>   arm a timeout and wait for its interrupt\n")
		fmt.Fprintf(os.Stderr, "  shell            interactive console\n")
		fmt.Fprintf(os.Stderr, "  dtb <file>       write the board device tree blob\n")
		fmt.Fprintf(os.Stderr, "  dts              print the board device tree as source\n")
		fmt.Fprintf(os.Stderr, "  trace <file>     print a recorded bus trace\n")
		fmt.Fprintf(os.Stderr, "  config           print the effective configuration\n")
		fmt.Fprintf(os.Stderr, "  info             print the board layout\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		return fmt.Errorf("command required")
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	if *startAtBoot != "" {
		v, err := strconv.ParseBool(*startAtBoot)
		if err != nil {
			return fmt.Errorf("-start-at-boot: %w", err)
		}
		cfg.Device.StartAtBoot = &v
	}
	if *tracePath != "" {
		cfg.Trace.Path = *tracePath
	}
	if *debug {
		cfg.Log.Level = "debug"
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(log)

	// Commands that do not need a board.
	switch args[0] {
	case "trace":
		if len(args) != 2 {
			return fmt.Errorf("usage: trace <file>")
		}
		return printTrace(args[1])
	case "config":
		return config.Write(os.Stdout, cfg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	// A violation means the device and its driver no longer agree. It ends
	// the command, and the deferred closes still flush the trace.
	ctx, halt := context.WithCancelCause(ctx)
	defer halt(nil)

	opts := boardOptions(log, halt)
	if cfg.Trace.Path != "" {
		f, err := os.Create(cfg.Trace.Path)
		if err != nil {
			return fmt.Errorf("create trace: %w", err)
		}
		defer f.Close()
		opts = append(opts, platform.WithTrace(f))
	}

	board, err := platform.New(cfg, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := board.Close(context.Background()); err != nil {
			log.Warn("close board", "err", err)
		}
	}()

	err = runCommand(ctx, log, board, args)
	if v, ok := defs.AsViolation(context.Cause(ctx)); ok && !errors.Is(err, defs.ErrProtocolViolation) {
		return fmt.Errorf("device halted: %w", v)
	}
	return err
}

// boardOptions wires the device's violation handler to halt.
func boardOptions(log *slog.Logger, halt context.CancelCauseFunc) []platform.Option {
	return []platform.Option{
		platform.WithLogger(log),
		platform.WithDeviceOptions(stopwatch.WithViolationHandler(func(v *defs.ProtocolViolation) {
			halt(v)
		})),
	}
}

func runCommand(ctx context.Context, log *slog.Logger, board *platform.Board, args []string) error {
	switch args[0] {
	case "demo":
		return runDemo(ctx, board)
	case "elapsed":
		text, err := board.Client().ReadElapsed(ctx)
		if err != nil {
			return err
		}
		fmt.Println(text)
		return nil
	case "cat":
		f, err := board.Client().Open(ctx)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(os.Stdout, f)
		return err
	case "timeout":
		if len(args) != 2 {
			return fmt.Errorf("usage: timeout <seconds>")
		}
		seconds, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("timeout: %w", err)
		}
		return runTimeout(ctx, board, seconds)
	case "shell":
		return runShell(ctx, board)
	case "dtb":
		if len(args) != 2 {
			return fmt.Errorf("usage: dtb <file>")
		}
		blob, err := board.DeviceTree()
		if err != nil {
			return err
		}
		if err := os.WriteFile(args[1], blob, 0o644); err != nil {
			return fmt.Errorf("write device tree: %w", err)
		}
		log.Info("wrote device tree", "path", args[1], "bytes", len(blob))
		return nil
	case "dts":
		blob, err := board.DeviceTree()
		if err != nil {
			return err
		}
		root, err := fdt.Parse(blob)
		if err != nil {
			return err
		}
		return fdt.Format(os.Stdout, root)
	case "info":
		printInfo(os.Stdout, board)
		return nil
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func runDemo(ctx context.Context, board *platform.Board) error {
	c := board.Client()

	if err := c.Reset(ctx); err != nil {
		return err
	}
	if err := c.Start(ctx); err != nil {
		return err
	}
	fmt.Println("started, waiting 3s")
	if err := sleep(ctx, 3*time.Second); err != nil {
		return err
	}
	if err := c.Pause(ctx); err != nil {
		return err
	}
	text, err := c.ReadElapsed(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("paused at %s\n", text)

	if err := c.Reset(ctx); err != nil {
		return err
	}
	if text, err = c.ReadElapsed(ctx); err != nil {
		return err
	}
	fmt.Printf("after reset: %s\n", text)

	return runTimeout(ctx, board, 2)
}

// runTimeout arms a timeout and waits for its interrupt, drawing a progress
// bar when stderr is a terminal.
func runTimeout(ctx context.Context, board *platform.Board, seconds uint64) error {
	c := board.Client()
	armed := time.Now()
	if err := c.ArmTimeout(ctx, seconds); err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, time.Duration(seconds)*time.Second+5*time.Second)
	defer cancel()

	var bar *progressbar.ProgressBar
	if term.IsTerminal(int(os.Stderr.Fd())) {
		bar = progressbar.NewOptions64(int64(seconds)*10,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription(fmt.Sprintf("timeout %ds", seconds)),
			progressbar.OptionClearOnFinish(),
		)
		defer bar.Close()
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.Timeouts():
			if bar != nil {
				bar.Finish()
			}
			fmt.Printf("timeout fired after %.1fs (count %d)\n", time.Since(armed).Seconds(), c.TimeoutCount())
			return nil
		case <-ticker.C:
			if bar != nil {
				bar.Set64(min(int64(time.Since(armed)/(100*time.Millisecond)), int64(seconds)*10))
			}
		case <-waitCtx.Done():
			if err := c.Err(); err != nil {
				return err
			}
			return fmt.Errorf("timeout: no interrupt: %w", waitCtx.Err())
		}
	}
}

func printTrace(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open trace: %w", err)
	}
	defer f.Close()

	r := trace.NewReader(f)
	n := 0
	for {
		e, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		fmt.Println(e)
		n++
	}
	fmt.Printf("%d events\n", n)
	return nil
}

func printInfo(w io.Writer, board *platform.Board) {
	l := board.Layout()
	fmt.Fprintf(w, "registers  0x%x-0x%x\n", l.RegsBase, l.RegsBase+defs.RegsSize-1)
	fmt.Fprintf(w, "scratch    0x%x-0x%x\n", l.MemBase, l.MemBase+defs.MemSize-1)
	fmt.Fprintf(w, "irq        %d\n", board.IRQ())
	fmt.Fprintf(w, "layout     %s\n", board.LayoutHash())
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
