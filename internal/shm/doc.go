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

// Package shm provides the shared memory sample ring used to move ADC
// capture blocks from the capture process to slower consumers.
//
// A segment holds a fixed 64-byte RingHeader followed by a power-of-two
// array of Records. Exactly one process appends (the producer) and exactly
// one process drains (the consumer). Both cursors grow monotonically and are
// masked to slot indices, so empty and full are never ambiguous.
//
// The writer brackets every append with two increments of an activity
// counter. A reader samples the counter before and after copying records;
// an odd value or a changed value means the copy may be torn and is retried
// a bounded number of times. Neither side ever blocks the other.
package shm
