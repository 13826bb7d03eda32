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
	"path/filepath"

	see "github.com/tinyrange/see"
	"github.com/tinyrange/see/internal/console"
	"github.com/tinyrange/see/internal/monitor"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// usageError distinguishes bad invocations from run failures for the
// exit code.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func main() {
	if err := run(); err != nil {
		code := 1
		var uerr *usageError
		if errors.As(err, &uerr) {
			code = 2
		}
		fmt.Fprintf(os.Stderr, "see: %v\n", err)
		os.Exit(code)
	}
}

// machineConfig mirrors the command line so a whole machine can be
// described in one file. Flags override what the file sets.
type machineConfig struct {
	Payload  string `yaml:"payload"`
	DTB      string `yaml:"dtb,omitempty"`
	Bootargs string `yaml:"bootargs,omitempty"`
	MemoryMB uint64 `yaml:"memoryMB,omitempty"`
	HartID   uint64 `yaml:"hartID,omitempty"`
	Headless bool   `yaml:"headless,omitempty"`
}

func loadMachineConfig(path string) (machineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return machineConfig{}, fmt.Errorf("read %s: %w", path, err)
	}

	var mc machineConfig
	if err := yaml.Unmarshal(data, &mc); err != nil {
		return machineConfig{}, fmt.Errorf("parse %s: %w", path, err)
	}
	mc.resolve(filepath.Dir(path))
	return mc, nil
}

// resolve anchors relative file references at the config file's
// directory.
func (mc *machineConfig) resolve(dir string) {
	if mc.Payload != "" && !filepath.IsAbs(mc.Payload) {
		mc.Payload = filepath.Join(dir, mc.Payload)
	}
	if mc.DTB != "" && !filepath.IsAbs(mc.DTB) {
		mc.DTB = filepath.Join(dir, mc.DTB)
	}
}

func run() error {
	configFlag := flag.String("config", "", "Machine config file (YAML)")
	memoryFlag := flag.Uint64("memory", 0, "Memory in MB (default 128)")
	dtbFlag := flag.String("dtb", "", "Device tree blob (default: generated)")
	bootargsFlag := flag.String("bootargs", "", "Kernel command line for the generated device tree")
	hartFlag := flag.Uint64("hart", 0, "Hart id reported to the payload")
	headlessFlag := flag.Bool("headless", false, "Run without a console; print the final screen on exit")
	timeoutFlag := flag.Duration("timeout", 0, "End the run after this long (0 runs forever)")
	debugFlag := flag.Bool("debug", false, "Enable debug logging")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <payload>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Boot a RISC-V supervisor payload on an emulated machine.\n\n")
		fmt.Fprintf(os.Stderr, "The payload runs in supervisor mode with its firmware interface served\n")
		fmt.Fprintf(os.Stderr, "from this process. When stdin is a terminal the serial console attaches\n")
		fmt.Fprintf(os.Stderr, "to it in raw mode; Ctrl-A x detaches and ends the run.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s Image.gz                         Boot a compressed kernel image\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -bootargs 'loglevel=7' Image     Boot with a kernel command line\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -headless -timeout 1m Image      Run unattended\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -config machine.yaml             Describe the machine in a file\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *debugFlag {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	var mc machineConfig
	if *configFlag != "" {
		var err error
		mc, err = loadMachineConfig(*configFlag)
		if err != nil {
			return err
		}
	}
	if flag.NArg() > 0 {
		mc.Payload = flag.Arg(0)
	}
	if *memoryFlag != 0 {
		mc.MemoryMB = *memoryFlag
	}
	if *dtbFlag != "" {
		mc.DTB = *dtbFlag
	}
	if *bootargsFlag != "" {
		mc.Bootargs = *bootargsFlag
	}
	if *hartFlag != 0 {
		mc.HartID = *hartFlag
	}
	if *headlessFlag {
		mc.Headless = true
	}

	if mc.Payload == "" {
		flag.Usage()
		return &usageError{"payload image required"}
	}

	payload, err := os.ReadFile(mc.Payload)
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	var dtb []byte
	if mc.DTB != "" {
		dtb, err = os.ReadFile(mc.DTB)
		if err != nil {
			return fmt.Errorf("read dtb: %w", err)
		}
	}

	cfg := see.Config{
		Payload:    payload,
		DTB:        dtb,
		Bootargs:   mc.Bootargs,
		MemorySize: mc.MemoryMB << 20,
		HartID:     mc.HartID,
		Diag:       os.Stderr,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if *timeoutFlag > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeoutFlag)
		defer cancel()
	}

	slog.Info("booting", "payload", mc.Payload, "bytes", len(payload))

	interactive := !mc.Headless && term.IsTerminal(int(os.Stdin.Fd()))

	var (
		ic  *console.Interactive
		rec *console.Recorder
	)
	if interactive {
		ic, err = console.NewInteractive(os.Stdin, os.Stdout)
		if err != nil {
			return err
		}
		defer ic.Restore()

		cols, rows, _ := ic.Size()
		rec = console.NewRecorder(cols, rows)
		defer rec.Close()

		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()

		cfg.Console = io.MultiWriter(ic, rec)
		cfg.Input = &escapeReader{r: ic, cancel: cancel}

		if winch, stopWinch := notifyResize(); winch != nil {
			defer stopWinch()
			go func() {
				for range winch {
					if cols, rows, err := ic.Size(); err == nil {
						rec.Resize(cols, rows)
					}
				}
			}()
		}
	} else {
		rec = console.NewRecorder(0, 0)
		defer rec.Close()
		cfg.Console = rec
	}

	res, err := see.Run(ctx, cfg)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Info("interrupted")
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("run timed out after %s", *timeoutFlag)
		}
		if errors.Is(err, monitor.ErrUnhandledTrap) {
			if ic != nil {
				ic.Restore()
			}
			fmt.Fprintf(os.Stderr, "last screen:\n%s\n", rec.Screen())
		}
		return err
	}

	slog.Info("supervisor ended", "reason", res.Reason, "sessions", res.Sessions)

	if !interactive {
		if s := rec.Screen(); s != "" {
			fmt.Println(s)
		}
	}
	return nil
}

// escByte is Ctrl-A, the console escape prefix.
const escByte = 0x01

// escapeReader filters the console escape out of the interactive byte
// stream: Ctrl-A x ends the run, a doubled Ctrl-A sends one literal
// Ctrl-A through, anything else is passed along with the prefix
// swallowed.
type escapeReader struct {
	r      io.Reader
	cancel context.CancelFunc
	esc    bool
}

func (e *escapeReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)

	out := 0
	for _, b := range p[:n] {
		if e.esc {
			e.esc = false
			if b == 'x' {
				e.cancel()
				continue
			}
			if b != escByte {
				p[out] = b
				out++
				continue
			}
			// doubled prefix: one literal Ctrl-A goes through
		} else if b == escByte {
			e.esc = true
			continue
		}
		p[out] = b
		out++
	}
	return out, err
}
