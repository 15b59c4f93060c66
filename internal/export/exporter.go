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

// Package export is the consumer side of an adcring segment. It drains
// capture blocks and writes one "timestamp_ns<TAB>value" line per sample.
package export

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/bits"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/M-Vaittinen/rpi4-adc-stuff/internal/shm"
)

// ValueMask keeps the converter bits of a decoded sample.
const ValueMask = 0xFFFF

// Header is the first line of every export.
const Header = "# timestamp(ns)\tadc_value\n"

// DefaultPollInterval is how long Run sleeps after an empty drain.
const DefaultPollInterval = time.Millisecond

// DecodeSample undoes the byte order of a raw sample word.
func DecodeSample(raw uint32) uint16 {
	return bits.ReverseBytes16(uint16(raw)) & ValueMask
}

// Drainer is the consumer's view of a ring.
type Drainer interface {
	Drain(dst []shm.Record) (int, error)
	Closed() bool
	IsEmpty() bool
}

// Config holds exporter parameters.
type Config struct {
	Ring         Drainer
	Out          io.Writer
	Compress     bool          // zstd-compress everything written to Out
	BatchRecords int           // records per drain, defaults to 10
	IdleTimeout  time.Duration // stop after this long without data, 0 waits forever
	PollInterval time.Duration // sleep after an empty drain, defaults to DefaultPollInterval
	SessionID    string        // tags the trace span, generated if empty
	Meter        metric.Meter
	Tracer       trace.Tracer
	Logger       *slog.Logger
}

// Stats summarizes an export session.
type Stats struct {
	Records        uint64 // records drained and written
	Samples        uint64 // lines written
	TransientEmpty uint64 // drains that returned no data
	StepNs         uint64 // estimated nanoseconds between samples
	Reason         string // why the session ended
}

// Reasons a session ends without error.
const (
	ReasonClosed    = "producer closed"
	ReasonIdle      = "idle timeout"
	ReasonCancelled = "cancelled"
)

// Exporter drains a ring into a writer.
type Exporter struct {
	cfg            Config
	log            *slog.Logger
	tracer         trace.Tracer
	drained        metric.Int64Counter
	transientEmpty metric.Int64Counter
}

// New validates cfg and returns an exporter.
func New(cfg Config) (*Exporter, error) {
	if cfg.Ring == nil || cfg.Out == nil {
		return nil, fmt.Errorf("export: ring and output are required")
	}
	if cfg.BatchRecords < 0 || cfg.IdleTimeout < 0 || cfg.PollInterval < 0 {
		return nil, fmt.Errorf("export: negative batch size or interval")
	}
	if cfg.BatchRecords == 0 {
		cfg.BatchRecords = 10
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.Meter == nil {
		cfg.Meter = metricnoop.NewMeterProvider().Meter("adcring/export")
	}
	if cfg.Tracer == nil {
		cfg.Tracer = tracenoop.NewTracerProvider().Tracer("adcring/export")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	e := &Exporter{cfg: cfg, log: cfg.Logger, tracer: cfg.Tracer}

	var err error
	e.drained, err = cfg.Meter.Int64Counter("adcring.drained",
		metric.WithDescription("Records drained from the ring"),
		metric.WithUnit("{record}"))
	if err != nil {
		return nil, fmt.Errorf("export: drained counter: %w", err)
	}
	e.transientEmpty, err = cfg.Meter.Int64Counter("adcring.transient_empty",
		metric.WithDescription("Drains that found no consistent data"),
		metric.WithUnit("{drain}"))
	if err != nil {
		return nil, fmt.Errorf("export: transient empty counter: %w", err)
	}
	return e, nil
}

// SessionID returns the id tagging this exporter's span.
func (e *Exporter) SessionID() string {
	return e.cfg.SessionID
}

// session is the state of one Run.
type session struct {
	*Exporter
	w       *bufio.Writer
	stats   Stats
	line    []byte
	lastHit time.Time
}

// Run drains the ring until the producer closes it and it is empty, the
// idle timeout expires or ctx ends. The first two records fix the sample
// step. A ring inconsistency is returned as shm.ErrInconsistent.
func (e *Exporter) Run(ctx context.Context) (st Stats, err error) {
	ctx, span := e.tracer.Start(ctx, "adcring.export",
		trace.WithAttributes(attribute.String("adcring.session", e.cfg.SessionID)))
	defer func() {
		span.SetAttributes(
			attribute.Int64("adcring.records", int64(st.Records)),
			attribute.Int64("adcring.step_ns", int64(st.StepNs)),
			attribute.String("adcring.reason", st.Reason))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	out := e.cfg.Out
	var enc *zstd.Encoder
	if e.cfg.Compress {
		enc, err = zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return st, fmt.Errorf("export: zstd encoder: %w", err)
		}
		out = enc
	}

	s := &session{Exporter: e, w: bufio.NewWriterSize(out, 64<<10), lastHit: time.Now()}
	e.log.Info("export: session started", "session", e.cfg.SessionID, "compress", e.cfg.Compress)

	runErr := s.run(ctx)

	if ferr := s.w.Flush(); ferr != nil && runErr == nil {
		runErr = fmt.Errorf("export: flush: %w", ferr)
	}
	if enc != nil {
		if cerr := enc.Close(); cerr != nil && runErr == nil {
			runErr = fmt.Errorf("export: zstd close: %w", cerr)
		}
	}

	st = s.stats
	if runErr != nil {
		e.log.Error("export: session failed", "session", e.cfg.SessionID, "err", runErr, "records", st.Records)
		return st, runErr
	}
	e.log.Info("export: session finished", "session", e.cfg.SessionID,
		"reason", st.Reason, "records", st.Records, "samples", st.Samples, "step_ns", st.StepNs)
	return st, nil
}

func (s *session) run(ctx context.Context) error {
	if _, err := s.w.WriteString(Header); err != nil {
		return fmt.Errorf("export: write header: %w", err)
	}

	// The step estimate needs two records.
	var start [2]shm.Record
	have := 0
	for have < len(start) {
		n, done, err := s.drain(ctx, start[have:])
		if err != nil {
			return err
		}
		have += n
		if done {
			break
		}
	}
	if have == 2 {
		s.stats.StepNs = StepNs(&start[0], &start[1])
	}
	if err := s.write(start[:have]); err != nil {
		return err
	}
	if have < 2 {
		return nil
	}

	buf := make([]shm.Record, s.cfg.BatchRecords)
	for {
		n, done, err := s.drain(ctx, buf)
		if err != nil {
			return err
		}
		if err := s.write(buf[:n]); err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// drain makes one Drain call, waiting out an empty ring. done reports the
// end of the session, with stats.Reason set.
func (s *session) drain(ctx context.Context, dst []shm.Record) (int, bool, error) {
	for {
		// checked before every drain, a busy ring never empties
		if ctx.Err() != nil {
			s.stats.Reason = ReasonCancelled
			return 0, true, nil
		}
		n, err := s.cfg.Ring.Drain(dst)
		switch {
		case err == nil:
			s.lastHit = time.Now()
			s.stats.Records += uint64(n)
			s.drained.Add(ctx, int64(n))
			return n, false, nil
		case !errors.Is(err, shm.ErrTransientlyEmpty):
			// ErrInconsistent and friends pass through unchanged.
			return 0, true, err
		}

		s.stats.TransientEmpty++
		s.transientEmpty.Add(ctx, 1)

		if s.cfg.Ring.Closed() && s.cfg.Ring.IsEmpty() {
			s.stats.Reason = ReasonClosed
			return 0, true, nil
		}
		if s.cfg.IdleTimeout > 0 && time.Since(s.lastHit) >= s.cfg.IdleTimeout {
			s.stats.Reason = ReasonIdle
			s.log.Warn("export: no data from producer", "idle", s.cfg.IdleTimeout)
			return 0, true, nil
		}

		select {
		case <-ctx.Done():
			s.stats.Reason = ReasonCancelled
			return 0, true, nil
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

// write formats every sample of recs.
func (s *session) write(recs []shm.Record) error {
	for i := range recs {
		rec := &recs[i]
		base := uint64(rec.Usecs) * 1000
		for j, raw := range rec.Samples {
			s.line = strconv.AppendUint(s.line[:0], base+uint64(j)*s.stats.StepNs, 10)
			s.line = append(s.line, '\t')
			s.line = strconv.AppendUint(s.line, uint64(DecodeSample(raw)), 10)
			s.line = append(s.line, '\n')
			if _, err := s.w.Write(s.line); err != nil {
				return fmt.Errorf("export: write: %w", err)
			}
		}
		s.stats.Samples += shm.SamplesPerRecord
	}
	return nil
}

// StepNs estimates the time between samples from two consecutive records.
// A non-increasing time field yields zero.
func StepNs(first, second *shm.Record) uint64 {
	if second.Usecs <= first.Usecs {
		return 0
	}
	return uint64(second.Usecs-first.Usecs) * 1000 / shm.SamplesPerRecord
}
