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

package boot

import (
	"errors"
	"fmt"
	"io"

	"github.com/coreos/go-semver/semver"

	"github.com/firmware-trust/kernelboot/tlv"
)

var (
	// ErrNoValidKernel is terminal: nothing in flash scanned, survived
	// version filtering and verified. There is no fallback kernel.
	ErrNoValidKernel = errors.New("no valid kernel")
	// ErrSignatureMissing marks a candidate without a usable signature
	// attribute. Fatal for that candidate only.
	ErrSignatureMissing = errors.New("signature attribute missing")
	// ErrVersionTooOld marks a candidate below the board minimum.
	ErrVersionTooOld = errors.New("kernel version below board minimum")
)

// Target identifies the image selected for boot. Entry always equals Start
// in the current design.
type Target struct {
	Entry         uint32
	Start         uint32
	AttributesEnd uint32
	Version       semver.Version
}

type candidate struct {
	kernel  PotentialKernel
	version semver.Version
}

type candidateList struct {
	n     int
	items [MaxCandidates]candidate
}

// Run scans flash for kernel images, drops those that declare no version or
// one below cfg.MinVersion, and attempts verification highest version
// first. The first candidate whose signature verifies is the boot target;
// per-candidate failures are reported through board.Debugf and skipped.
func Run(flash io.ReaderAt, cfg Config, board IO) (Target, error) {
	pub, err := publicKey(cfg.PublicKey)
	if err != nil {
		board.SignalFailure()
		return Target{}, err
	}

	var found scanList
	if err := scan(flash, cfg, &found, board); err != nil {
		board.SignalFailure()
		return Target{}, err
	}
	if found.n == 0 {
		board.SignalFailure()
		return Target{}, fmt.Errorf("%w: no kernel images found in [%#x, %#x)", ErrNoValidKernel, cfg.FlashStart, cfg.FlashEnd)
	}
	board.Debugf("boot: %d potential kernel(s) found", found.n)

	var cands candidateList
	extractVersions(flash, cfg, &found, &cands, board)
	sortCandidates(&cands)

	for i := 0; i < cands.n; i++ {
		c := &cands.items[i]
		board.Debugf("boot: verifying kernel at %#x (version %s)", c.kernel.Start, c.version)
		if err := verifyCandidate(flash, pub, c.kernel); err != nil {
			board.Debugf("boot: kernel at %#x rejected: %v", c.kernel.Start, err)
			continue
		}
		board.SignalSuccess()
		return Target{
			Entry:         c.kernel.Start,
			Start:         c.kernel.Start,
			AttributesEnd: c.kernel.AttributesEnd,
			Version:       c.version,
		}, nil
	}

	board.SignalFailure()
	return Target{}, fmt.Errorf("%w: all %d candidate(s) failed verification", ErrNoValidKernel, cands.n)
}

// extractVersions parses each candidate's attribute chain and keeps the
// ones declaring a version at or above the board minimum. Parse failures
// and missing versions drop the candidate, not the scan.
func extractVersions(flash io.ReaderAt, cfg Config, in *scanList, out *candidateList, board IO) {
	var buf [MaxAttributesSize]byte

	for i := 0; i < in.n; i++ {
		k := in.items[i]

		region, err := attrRegion(flash, k, &buf)
		if err != nil {
			board.Debugf("boot: dropping kernel at %#x: %v", k.Start, err)
			continue
		}
		attrs, err := tlv.Parse(region)
		if err != nil {
			board.Debugf("boot: dropping kernel at %#x: %v", k.Start, err)
			continue
		}
		if attrs.Version == nil {
			board.Debugf("boot: dropping kernel at %#x: no version attribute", k.Start)
			continue
		}
		if attrs.Version.LessThan(cfg.MinVersion) {
			board.Debugf("boot: dropping kernel at %#x: %v (%s < %s)", k.Start, ErrVersionTooOld, attrs.Version, cfg.MinVersion)
			continue
		}

		out.items[out.n] = candidate{kernel: k, version: *attrs.Version}
		out.n++
	}
}

// sortCandidates orders by version, highest first. Insertion sort with
// adjacent swaps keeps it stable: equal versions preserve scan order, so
// the candidate at the lower flash address wins a tie.
func sortCandidates(l *candidateList) {
	for i := 1; i < l.n; i++ {
		for j := i; j > 0 && l.items[j-1].version.LessThan(l.items[j].version); j-- {
			l.items[j-1], l.items[j] = l.items[j], l.items[j-1]
		}
	}
}
