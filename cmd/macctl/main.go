// Command macctl controls a MicroAlign MAC fiber-alignment controller.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/microalign/go-mac/device"
	"github.com/microalign/go-mac/internal/config"
	"github.com/microalign/go-mac/logger"
)

var errUsage = errors.New("usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	switch {
	case err == nil:
	case errors.Is(err, errUsage):
		if err != errUsage {
			fmt.Fprintf(os.Stderr, "macctl: %v\n", err)
		}
		os.Exit(2)
	default:
		fmt.Fprintf(os.Stderr, "macctl: %v\n", err)
		os.Exit(1)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `macctl - MicroAlign MAC fiber-alignment controller

Usage: macctl [flags] <command> [arguments]

Commands:
  discover               Find the controller and print its identity
  bias F L R             Set the bias pair of fiber F
  read F [samples]       Read the coupling of fiber F
  move F X Y             Move fiber F to position (X, Y)
  scan F [step]          Sweep the left bias of fiber F and print the coupling
  watch [-count N] [samples]
                         Center all fibers and print their coupling in dBm
  align [-note text]     Run the firmware alignment and print a summary
  runs [id]              List stored runs, or summarize one

Flags:
`)
}

// run executes one macctl invocation. extra device options are applied last.
func run(ctx context.Context, args []string, stdout, stderr io.Writer, extra ...device.Option) error {
	fs := flag.NewFlagSet("macctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "YAML configuration file")
	logLevel := fs.String("log-level", "", "log level: debug, info, warn or error (overrides the configuration)")
	port := fs.String("port", "", "serial port of the controller (overrides the configuration; empty discovers)")
	fs.Usage = func() {
		printUsage(fs.Output())
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return errUsage
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return errUsage
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *port != "" {
		cfg.Device.Port = *port
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	var l logger.Logger
	if os.Getenv("ENV") == "development" {
		l = logger.NewConsole(stderr, cfg.LogLevel())
	} else {
		l = logger.NewSlogWriter(stderr, cfg.LogLevel(), false)
	}
	logger.SetLogger(l)

	a := &app{
		cfg:     cfg,
		out:     stdout,
		logger:  l,
		devOpts: append(append(cfg.Device.Options(), device.WithLogger(l)), extra...),
	}

	err := a.dispatch(ctx, fs.Arg(0), fs.Args()[1:])
	if errors.Is(err, errUsage) {
		fs.Usage()
	}

	return err
}

func (a *app) dispatch(ctx context.Context, command string, cmdArgs []string) error {
	switch command {
	case "discover":
		return a.discover(ctx, cmdArgs)
	case "bias":
		return a.bias(ctx, cmdArgs)
	case "read":
		return a.read(ctx, cmdArgs)
	case "move":
		return a.move(ctx, cmdArgs)
	case "scan":
		return a.scan(ctx, cmdArgs)
	case "watch":
		return a.watch(ctx, cmdArgs)
	case "align":
		return a.align(ctx, cmdArgs)
	case "runs":
		return a.runs(ctx, cmdArgs)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, command)
	}
}
