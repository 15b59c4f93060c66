// Command adcring-sim creates an adcring segment and feeds it synthetic
// capture blocks until interrupted or a record limit is reached.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/M-Vaittinen/rpi4-adc-stuff/internal/capture"
	"github.com/M-Vaittinen/rpi4-adc-stuff/internal/config"
	"github.com/M-Vaittinen/rpi4-adc-stuff/internal/shm"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "adcring-sim: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "YAML configuration file")
		records    = flag.Int("records", -1, "stop after this many records (overrides producer.records)")
		rate       = flag.Float64("rate", 0, "records per second (overrides producer.rate_hz)")
		unpaced    = flag.Bool("unpaced", false, "append as fast as possible, ignoring the rate")
		pattern    = flag.String("pattern", "", "waveform: sawtooth, sine or constant")
		force      = flag.Bool("force", false, "remove a stale segment with the same name first")
		keep       = flag.Bool("keep", false, "leave the segment in place on exit")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *records >= 0 {
		cfg.Producer.Records = *records
	}
	if *rate > 0 {
		cfg.Producer.RateHz = *rate
	}
	if *unpaced {
		cfg.Producer.Unpaced = true
	}
	if *pattern != "" {
		cfg.Producer.Pattern = *pattern
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	log := cfg.NewLogger(os.Stderr)
	shm.SetLogger(log)

	pat, err := capture.ParsePattern(cfg.Producer.Pattern)
	if err != nil {
		return err
	}

	if *force && shm.SegmentExists(cfg.Segment) {
		log.Warn("sim: removing stale segment", "segment", cfg.Segment)
		if err := shm.RemoveSegment(cfg.Segment); err != nil {
			return err
		}
	}

	seg, err := shm.CreateSegment(cfg.Segment, shm.RegionSize(cfg.Ring.Capacity))
	if err != nil {
		return err
	}
	defer func() {
		if *keep {
			seg.Close()
			return
		}
		if err := seg.Destroy(); err != nil {
			log.Error("sim: destroy segment", "segment", cfg.Segment, "err", err)
		}
	}()

	ring, err := seg.InitRing(cfg.Ring.Capacity)
	if err != nil {
		return err
	}
	log.Info("sim: ring ready", "segment", cfg.Segment, "capacity", cfg.Ring.Capacity,
		"bytes", seg.Size(), "policy", cfg.Policy())

	rateHz := cfg.Producer.RateHz
	if cfg.Producer.Unpaced {
		rateHz = 0
	}
	p, err := capture.New(capture.Config{
		Ring:      ring,
		Generator: capture.NewGenerator(pat, cfg.Producer.Amplitude, cfg.Producer.BlockUs),
		Policy:    cfg.Policy(),
		RateHz:    rateHz,
		Records:   cfg.Producer.Records,
		Logger:    log,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	fmt.Println(ring.State())
	return nil
}
