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

package config

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/M-Vaittinen/rpi4-adc-stuff/internal/capture"
	"github.com/M-Vaittinen/rpi4-adc-stuff/internal/shm"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

var patterns = map[string]bool{"sawtooth": true, "sine": true, "constant": true}

// applyDefaults fills in zero fields.
func applyDefaults(cfg *Config) {
	if cfg.Segment == "" {
		cfg.Segment = DefaultSegment
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.Ring.Capacity == 0 {
		cfg.Ring.Capacity = shm.DefaultCapacity
	}
	if cfg.Ring.Policy == "" {
		cfg.Ring.Policy = DefaultPolicy
	}
	if cfg.Ring.RetryBudget == 0 {
		cfg.Ring.RetryBudget = shm.DefaultRetryBudget
	}
	if cfg.Producer.RateHz == 0 {
		cfg.Producer.RateHz = DefaultRecordRateHz
	}
	if cfg.Producer.Pattern == "" {
		cfg.Producer.Pattern = DefaultPattern
	}
	if cfg.Producer.BlockUs == 0 {
		cfg.Producer.BlockUs = DefaultBlockUs
	}
	if cfg.Producer.Amplitude == 0 {
		cfg.Producer.Amplitude = DefaultAmplitude
	}
	if cfg.Export.Path == "" {
		cfg.Export.Path = DefaultExportPath
	}
	if cfg.Export.BatchRecords == 0 {
		cfg.Export.BatchRecords = DefaultBatchRecords
	}
	if cfg.Export.IdleTimeoutS == 0 {
		cfg.Export.IdleTimeoutS = DefaultIdleTimeoutS
	}
}

// Validate fills in defaults and checks if the configuration is valid
func Validate(cfg *Config) error {
	applyDefaults(cfg)

	// Segment name in the form shm_open expects
	if !strings.HasPrefix(cfg.Segment, "/") || len(cfg.Segment) < 2 || strings.Contains(cfg.Segment[1:], "/") {
		return fmt.Errorf("%w: segment %q must look like /name", ErrInvalid, cfg.Segment)
	}

	if _, err := parseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	// Validate ring config
	if cfg.Ring.Capacity < shm.MinCapacity || !shm.IsPowerOfTwo(cfg.Ring.Capacity) {
		return fmt.Errorf("%w: ring.capacity %d must be a power of two >= %d", ErrInvalid, cfg.Ring.Capacity, shm.MinCapacity)
	}
	if _, err := shm.ParseOverflowPolicy(cfg.Ring.Policy); err != nil {
		return fmt.Errorf("%w: ring.policy: %v", ErrInvalid, err)
	}
	if cfg.Ring.RetryBudget < 0 {
		return fmt.Errorf("%w: ring.retry_budget must be >= 0", ErrInvalid)
	}

	// Validate producer config
	if math.IsNaN(cfg.Producer.RateHz) || cfg.Producer.RateHz < 0 || cfg.Producer.RateHz > capture.MaxRateHz {
		return fmt.Errorf("%w: producer.rate_hz %v must be in [0, %g]", ErrInvalid, cfg.Producer.RateHz, capture.MaxRateHz)
	}
	if !patterns[strings.ToLower(cfg.Producer.Pattern)] {
		return fmt.Errorf("%w: producer.pattern %q (want sawtooth, sine or constant)", ErrInvalid, cfg.Producer.Pattern)
	}
	if cfg.Producer.Records < 0 {
		return fmt.Errorf("%w: producer.records must be >= 0", ErrInvalid)
	}

	// Validate export config
	if cfg.Export.BatchRecords < 0 {
		return fmt.Errorf("%w: export.batch_records must be >= 0", ErrInvalid)
	}

	return nil
}
