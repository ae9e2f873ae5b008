// Copyright 2024 The KernelBoot authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package boot selects and verifies a kernel image from flash before any
// kernel code runs.
//
// It runs single-threaded, before any multitasking exists, and the hot
// paths use only fixed-capacity storage: no allocation is required to scan,
// rank and verify candidates.
package boot

import (
	"github.com/coreos/go-semver/semver"
)

// Config carries the board parameters the boot path consumes. It is a plain
// value struct so tests and host harnesses can substitute their own.
type Config struct {
	// FlashStart and FlashEnd bound the scanned region, end exclusive.
	FlashStart uint32
	FlashEnd   uint32
	// PublicKey is the board's boot verification key: an uncompressed
	// P-256 point as X‖Y, 32 bytes each.
	PublicKey [64]byte
	// MinVersion is the lowest kernel version the board accepts.
	// Candidates below it are dropped, not merely deprioritized.
	MinVersion semver.Version
}

// IO is the board I/O surface the boot path drives. The boot logic calls
// these but never implements them; boards back the signals with LEDs or
// GPIOs and Debugf with a serial console.
type IO interface {
	SignalSuccess()
	SignalFailure()
	Debugf(format string, args ...any)
}

// NopIO discards all output. Useful in tests.
type NopIO struct{}

func (NopIO) SignalSuccess()        {}
func (NopIO) SignalFailure()        {}
func (NopIO) Debugf(string, ...any) {}
