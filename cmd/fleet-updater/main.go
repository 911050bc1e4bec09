// ABOUTME: Entry point for fleet-updater, the out-of-process binary swap helper
// ABOUTME: Launched by the agent after it drains; logs to the backup dir and stderr

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/2389/fleet-gateway/internal/updater"
)

type options struct {
	level slog.Level
	// quiet sends logs only to the file in the backup dir.
	quiet bool
	args  updater.Args
}

// parseFlags reads optional flags, then the positional helper contract.
// Flag parsing stops at the first positional argument.
func parseFlags(argv []string, stderr io.Writer) (options, error) {
	fs := pflag.NewFlagSet("fleet-updater", pflag.ContinueOnError)
	fs.SetInterspersed(false)
	fs.SetOutput(stderr)
	level := fs.String("log-level", "debug", "log level (debug, info, warn, error)")
	quiet := fs.Bool("quiet", false, "log only to fleet-updater.log in the backup dir")
	fs.Usage = func() {
		fmt.Fprintln(stderr, updater.ErrUsage)
		fs.PrintDefaults()
	}

	if err := fs.Parse(argv); err != nil {
		return options{}, fmt.Errorf("%w: %w", updater.ErrUsage, err)
	}

	opts := options{quiet: *quiet}
	if err := opts.level.UnmarshalText([]byte(*level)); err != nil {
		return options{}, fmt.Errorf("%w: invalid --log-level %q", updater.ErrUsage, *level)
	}
	args, err := updater.ParseArgs(fs.Args())
	if err != nil {
		return options{}, err
	}
	opts.args = args
	return opts, nil
}

func main() {
	os.Exit(run())
}

func run() int {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return updater.ExitSuccess
		}
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, updater.ErrUsage) {
			return updater.ExitUsage
		}
		return updater.ExitFailure
	}
	args := opts.args

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var out io.Writer = os.Stderr
	if opts.quiet {
		out = io.Discard
	}
	if err := os.MkdirAll(args.BackupDir, 0o755); err == nil {
		f, err := os.OpenFile(filepath.Join(args.BackupDir, "fleet-updater.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err == nil {
			defer f.Close()
			out = io.MultiWriter(out, f)
		}
	}
	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: opts.level})).
		With("component", "updater", "pid", os.Getpid())

	u := &updater.Updater{Logger: logger}
	return u.Run(ctx, args)
}
