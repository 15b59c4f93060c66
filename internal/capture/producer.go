/*
 * Copyright 2025 rpi4-adc-stuff authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package capture is the producer side of an adcring segment: it generates
// capture blocks and appends them to the ring at a fixed record rate.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/M-Vaittinen/rpi4-adc-stuff/internal/shm"
)

// MaxRateHz is the fastest paced rate; a faster tick would be shorter than
// a nanosecond.
const MaxRateHz = 1e9

// dropLogEvery limits overflow warnings to one per this many drops.
const dropLogEvery = 1000

// Appender is the producer's view of a ring.
type Appender interface {
	Append(rec *shm.Record, policy shm.OverflowPolicy) error
	Dropped() uint64
	MarkClosed() error
}

// Config holds producer parameters.
type Config struct {
	Ring      Appender
	Generator *Generator
	Policy    shm.OverflowPolicy
	RateHz    float64 // records per second, 0 appends as fast as possible
	Records   int     // stop after this many records, 0 runs until the context ends
	Meter     metric.Meter
	Logger    *slog.Logger
}

// Stats summarizes a producer run.
type Stats struct {
	Appended uint64 // records stored in the ring
	Dropped  uint64 // records lost to overflow, either policy
}

// Producer appends generated records to a ring.
type Producer struct {
	cfg      Config
	log      *slog.Logger
	appended metric.Int64Counter
	dropped  metric.Int64Counter

	nAppended atomic.Uint64
	nDropped  atomic.Uint64
}

// New validates cfg and returns a producer.
func New(cfg Config) (*Producer, error) {
	if cfg.Ring == nil || cfg.Generator == nil {
		return nil, fmt.Errorf("capture: ring and generator are required")
	}
	if cfg.RateHz < 0 || cfg.Records < 0 {
		return nil, fmt.Errorf("capture: negative rate or record count")
	}
	if math.IsNaN(cfg.RateHz) || cfg.RateHz > MaxRateHz {
		return nil, fmt.Errorf("capture: rate %v outside [0, %g]", cfg.RateHz, MaxRateHz)
	}
	if cfg.Meter == nil {
		cfg.Meter = noop.NewMeterProvider().Meter("adcring/capture")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	p := &Producer{cfg: cfg, log: cfg.Logger}

	var err error
	p.appended, err = cfg.Meter.Int64Counter("adcring.appended",
		metric.WithDescription("Records appended to the ring"),
		metric.WithUnit("{record}"))
	if err != nil {
		return nil, fmt.Errorf("capture: appended counter: %w", err)
	}
	p.dropped, err = cfg.Meter.Int64Counter("adcring.dropped",
		metric.WithDescription("Records lost to ring overflow"),
		metric.WithUnit("{record}"))
	if err != nil {
		return nil, fmt.Errorf("capture: dropped counter: %w", err)
	}
	return p, nil
}

// Stats returns the counts so far. Safe to call while Run is active.
func (p *Producer) Stats() Stats {
	return Stats{Appended: p.nAppended.Load(), Dropped: p.nDropped.Load()}
}

// Run appends records until the context ends or the configured number of
// records has been produced, then marks the ring closed. Overflow is not an
// error; any other append failure stops the run and is returned.
func (p *Producer) Run(ctx context.Context) error {
	cfg := p.cfg

	var tick <-chan time.Time
	if cfg.RateHz > 0 {
		ticker := time.NewTicker(time.Duration(float64(time.Second) / cfg.RateHz))
		defer ticker.Stop()
		tick = ticker.C
	}

	p.log.Info("capture: producer started",
		"policy", cfg.Policy, "rate_hz", cfg.RateHz, "records", cfg.Records)

	var (
		rec      shm.Record
		lastDrop = cfg.Ring.Dropped()
		runErr   error
	)

loop:
	for cfg.Records == 0 || cfg.Generator.Seq() < uint32(cfg.Records) {
		if tick != nil {
			select {
			case <-ctx.Done():
				break loop
			case <-tick:
			}
		} else if ctx.Err() != nil {
			break loop
		}

		cfg.Generator.Next(&rec)
		err := cfg.Ring.Append(&rec, cfg.Policy)
		if err != nil && !errors.Is(err, shm.ErrOverflow) {
			runErr = fmt.Errorf("capture: append record %d: %w", cfg.Generator.Seq()-1, err)
			break loop
		}
		if err == nil {
			p.nAppended.Add(1)
			p.appended.Add(ctx, 1)
		}

		// Evictions only show up in the shared counter.
		if d := cfg.Ring.Dropped(); d != lastDrop {
			delta := d - lastDrop
			lastDrop = d
			total := p.nDropped.Add(delta)
			p.dropped.Add(ctx, int64(delta))
			if total == delta || total/dropLogEvery != (total-delta)/dropLogEvery {
				p.log.Warn("capture: ring overflow, consumer is not keeping up",
					"dropped", total, "policy", cfg.Policy)
			}
		}
	}

	if err := cfg.Ring.MarkClosed(); err != nil && runErr == nil {
		runErr = fmt.Errorf("capture: mark closed: %w", err)
	}

	st := p.Stats()
	if runErr != nil {
		p.log.Error("capture: producer failed", "err", runErr, "appended", st.Appended, "dropped", st.Dropped)
		return runErr
	}
	p.log.Info("capture: producer stopped", "appended", st.Appended, "dropped", st.Dropped)
	return nil
}
