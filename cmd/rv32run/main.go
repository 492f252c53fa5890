// Command rv32run boots a single configuration file describing an RV32IMAC
// machine: hart count, RAM size, and a flat boot image to load at RAMBase.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/x/ansi"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/rv32core/internal/config"
	"github.com/tinyrange/rv32core/internal/riscv/rv32"
)

// sanitizedConsole strips ANSI control sequences from guest UART output
// before it reaches the host terminal. Guest firmware is untrusted input as
// far as the host shell is concerned; a stray cursor-save or screen-clear
// escape shouldn't be able to scribble over the operator's terminal state.
type sanitizedConsole struct {
	w io.Writer
}

func (c sanitizedConsole) Write(p []byte) (int, error) {
	if _, err := io.WriteString(c.w, ansi.Strip(string(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}

func run(args []string) error {
	fs := flag.NewFlagSet("rv32run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to a YAML machine config (defaults to a single-hart, 128 MiB machine)")
	bootImage := fs.String("boot", "", "path to a flat boot image loaded at the machine's RAM base (overrides the config file's boot_image)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}

	var cfg config.Config
	if *configPath != "" {
		cfg = config.Load(*configPath)
	} else {
		cfg = config.Default()
	}
	if *bootImage != "" {
		cfg.BootImage = *bootImage
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	console := sanitizedConsole{w: os.Stdout}
	mmio := rv32.MMIOLayout{
		CLINTBase: cfg.MMIO.CLINTBase,
		PLICBase:  cfg.MMIO.PLICBase,
		UARTBase:  cfg.MMIO.UARTBase,
	}
	m, err := rv32.NewMachineWithMMIO(cfg.Harts, uint32(cfg.RAMSizeMB)<<20, console, os.Stdin, mmio)
	if err != nil {
		return fmt.Errorf("create machine: %w", err)
	}
	defer m.Close()

	if cfg.BootImage != "" {
		if err := loadBootImage(m, cfg.BootImage); err != nil {
			return fmt.Errorf("load boot image: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	restoreTerm := makeRawIfTTY(os.Stdin)
	defer restoreTerm()

	if err := m.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("machine halted: %w", err)
	}
	return nil
}

// makeRawIfTTY puts an interactive stdin into raw mode so keystrokes reach
// the guest UART one at a time instead of being line-buffered by the host
// terminal driver; it is a no-op (and returns a no-op restore) when stdin
// isn't a terminal, e.g. when it's a pipe feeding a scripted test.
func makeRawIfTTY(f *os.File) func() {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return func() {}
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return func() {}
	}
	return func() { _ = term.Restore(fd, state) }
}

// loadBootImage streams a boot image file into guest RAM at RAMBase,
// reporting progress the same way the teacher's kernel-image downloader
// reports bytes received over HTTP.
func loadBootImage(m *rv32.Machine, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	bar := progressbar.DefaultBytes(info.Size(), "loading boot image")
	defer bar.Close()

	data, err := io.ReadAll(io.TeeReader(f, bar))
	if err != nil {
		return err
	}
	return m.LoadBytes(rv32.RAMBase, data)
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
