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

package capture

import (
	"fmt"
	"math"
	"math/bits"
	"strings"

	"github.com/M-Vaittinen/rpi4-adc-stuff/internal/shm"
)

// Pattern selects the waveform a Generator synthesizes.
type Pattern int

const (
	Sawtooth Pattern = iota
	Sine
	Constant
)

// sinePeriod is the sine period in samples (four records per cycle).
const sinePeriod = 4 * shm.SamplesPerRecord

func (p Pattern) String() string {
	switch p {
	case Sawtooth:
		return "sawtooth"
	case Sine:
		return "sine"
	case Constant:
		return "constant"
	default:
		return fmt.Sprintf("Pattern(%d)", int(p))
	}
}

// ParsePattern accepts the names printed by Pattern.String.
func ParsePattern(s string) (Pattern, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sawtooth":
		return Sawtooth, nil
	case "sine":
		return Sine, nil
	case "constant":
		return Constant, nil
	default:
		return 0, fmt.Errorf("capture: unknown pattern %q", s)
	}
}

// EncodeSample stores a converter value the way the SPI transfer leaves it
// in a sample word: the two bytes of the 16-bit value swapped.
func EncodeSample(v uint16) uint32 {
	return uint32(bits.ReverseBytes16(v))
}

// Generator synthesizes capture blocks. Record n carries Usecs = n*blockUs,
// the elapsed capture time since the stream started.
type Generator struct {
	pattern   Pattern
	amplitude uint16
	blockUs   uint32
	seq       uint32
}

// NewGenerator returns a generator for the given waveform. amplitude is the
// peak sample value and blockUs the simulated capture time of one record.
func NewGenerator(pattern Pattern, amplitude uint16, blockUs uint32) *Generator {
	return &Generator{pattern: pattern, amplitude: amplitude, blockUs: blockUs}
}

// Seq returns the number of records generated so far.
func (g *Generator) Seq() uint32 {
	return g.seq
}

// Next fills rec with the next block.
func (g *Generator) Next(rec *shm.Record) {
	rec.Usecs = g.seq * g.blockUs
	base := uint64(g.seq) * shm.SamplesPerRecord
	for i := range rec.Samples {
		rec.Samples[i] = EncodeSample(g.Value(base + uint64(i)))
	}
	g.seq++
}

// Value returns the waveform value of sample n counted from the start of
// the stream.
func (g *Generator) Value(n uint64) uint16 {
	switch g.pattern {
	case Sine:
		half := float64(g.amplitude) / 2
		return uint16(math.Round(half + half*math.Sin(2*math.Pi*float64(n%sinePeriod)/sinePeriod)))
	case Constant:
		return g.amplitude
	default:
		return uint16(n % (uint64(g.amplitude) + 1))
	}
}
