// Command adcring-extract attaches to an adcring segment and writes every
// sample it drains as "timestamp_ns<TAB>value" lines.
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
	"syscall"
	"time"

	"github.com/M-Vaittinen/rpi4-adc-stuff/internal/config"
	"github.com/M-Vaittinen/rpi4-adc-stuff/internal/export"
	"github.com/M-Vaittinen/rpi4-adc-stuff/internal/shm"
)

// exitInconsistent is the status for a corrupted ring.
const exitInconsistent = 2

func main() {
	err := run()
	switch {
	case err == nil:
	case errors.Is(err, shm.ErrInconsistent):
		fmt.Fprintf(os.Stderr, "adcring-extract: %v\n", err)
		os.Exit(exitInconsistent)
	default:
		fmt.Fprintf(os.Stderr, "adcring-extract: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "YAML configuration file")
		outPath    = flag.String("o", "", "output file, - for stdout (overrides export.path)")
		compress   = flag.Bool("z", false, "zstd-compress the output")
		wait       = flag.Duration("wait", 10*time.Second, "how long to wait for the producer to initialize the ring")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *outPath != "" {
		cfg.Export.Path = *outPath
	}
	if *compress {
		cfg.Export.Compress = true
	}

	log := cfg.NewLogger(os.Stderr)
	shm.SetLogger(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	seg, ring, err := attach(ctx, log, cfg, *wait)
	if err != nil {
		return err
	}
	defer seg.Close()

	out, closeOut, err := openOutput(cfg.Export.Path)
	if err != nil {
		return err
	}

	var idle time.Duration
	if cfg.Export.IdleTimeoutS > 0 {
		idle = time.Duration(cfg.Export.IdleTimeoutS) * time.Second
	}
	e, err := export.New(export.Config{
		Ring:         ring,
		Out:          out,
		Compress:     cfg.Export.Compress,
		BatchRecords: cfg.Export.BatchRecords,
		IdleTimeout:  idle,
		Logger:       log,
	})
	if err != nil {
		closeOut()
		return err
	}

	st, runErr := e.Run(ctx)
	if err := closeOut(); err != nil && runErr == nil {
		runErr = err
	}
	if runErr != nil {
		return runErr
	}
	fmt.Fprintf(os.Stderr, "%d records, %d samples, step %d ns, dropped by producer %d (%s)\n",
		st.Records, st.Samples, st.StepNs, ring.Dropped(), st.Reason)
	return nil
}

// attach waits for the segment to exist and hold an initialized ring. The
// producer may still be between CreateSegment and Init when we first look,
// so every failure is retried until the deadline.
func attach(ctx context.Context, log *slog.Logger, cfg *config.Config, wait time.Duration) (*shm.Segment, *shm.Ring, error) {
	deadline := time.Now().Add(wait)
	for {
		seg, err := shm.OpenSegment(cfg.Segment, 0, shm.ReadWrite)
		if err == nil {
			if err = shm.ValidateRingHeader(seg.Mem); err == nil {
				ring, aerr := seg.AttachRing(shm.WithRetryBudget(cfg.Ring.RetryBudget))
				if aerr != nil {
					seg.Close()
					return nil, nil, aerr
				}
				log.Info("extract: attached", "segment", cfg.Segment, "capacity", ring.Capacity())
				return seg, ring, nil
			}
			seg.Close()
		}

		if time.Now().After(deadline) {
			return nil, nil, fmt.Errorf("segment %s not ready after %v: %w", cfg.Segment, wait, err)
		}
		log.Debug("extract: waiting for producer", "segment", cfg.Segment, "reason", err)
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func openOutput(path string) (io.Writer, func() error, error) {
	if path == "-" {
		return os.Stdout, func() error { return nil }, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}
