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
	"bytes"
	"fmt"
	"io"

	"github.com/firmware-trust/kernelboot/tlv"
)

const (
	// MaxCandidates bounds how many kernel images one scan considers.
	// Further sentinel hits are ignored.
	MaxCandidates = 8

	// MaxAttributesSize bounds how far below its sentinel an attribute
	// chain may extend. Chains larger than this are rejected.
	MaxAttributesSize = 1024

	scanChunk = 512
)

// PotentialKernel is a candidate image's byte-range coordinates in flash.
// It never owns the underlying bytes; they stay in place.
type PotentialKernel struct {
	Start           uint32
	AttributesStart uint32
	AttributesEnd   uint32
}

type scanList struct {
	n     int
	items [MaxCandidates]PotentialKernel
}

// scan finds potential kernel images by locating attribute sentinels in
// [cfg.FlashStart, cfg.FlashEnd). Candidates are not deduplicated and may
// overlap; flash layout, not this scan, is responsible for keeping images
// apart. Unresolvable hits are logged and skipped.
func scan(flash io.ReaderAt, cfg Config, out *scanList, board IO) error {
	if cfg.FlashEnd <= cfg.FlashStart {
		return fmt.Errorf("invalid flash region [%#x, %#x)", cfg.FlashStart, cfg.FlashEnd)
	}

	var buf [scanChunk]byte
	sentinel := []byte(tlv.Sentinel)

	// Chunks overlap by SentinelSize-1 bytes so a sentinel crossing a chunk
	// boundary is still seen, exactly once: a straddling hit starts inside
	// the carried overlap, past everything the previous chunk could match.
	pos := uint64(cfg.FlashStart)
	end := uint64(cfg.FlashEnd)

	for pos+tlv.SentinelSize <= end && out.n < MaxCandidates {
		n := min(uint64(scanChunk), end-pos)
		if _, err := flash.ReadAt(buf[:n], int64(pos)); err != nil {
			return fmt.Errorf("flash read at %#x: %w", pos, err)
		}

		chunk := buf[:n]
		for off := 0; out.n < MaxCandidates; {
			i := bytes.Index(chunk[off:], sentinel)
			if i < 0 {
				break
			}
			hit := uint32(pos) + uint32(off+i)
			if k, err := resolve(flash, cfg, hit+tlv.SentinelSize); err != nil {
				board.Debugf("boot: ignoring sentinel at %#x: %v", hit, err)
			} else {
				out.items[out.n] = k
				out.n++
			}
			off += i + 1
		}

		if n < scanChunk {
			break
		}
		pos += scanChunk - (tlv.SentinelSize - 1)
	}

	return nil
}

// resolve turns a sentinel hit into a candidate by locating its
// Kernel-Flash record through a bounded window below the sentinel.
func resolve(flash io.ReaderAt, cfg Config, attrsEnd uint32) (PotentialKernel, error) {
	var none PotentialKernel
	var buf [MaxAttributesSize]byte

	winLo := uint64(cfg.FlashStart)
	if lo := uint64(attrsEnd) - min(uint64(attrsEnd), MaxAttributesSize); lo > winLo {
		winLo = lo
	}
	region := buf[:uint64(attrsEnd)-winLo]
	if _, err := flash.ReadAt(region, int64(winLo)); err != nil {
		return none, fmt.Errorf("flash read at %#x: %w", winLo, err)
	}

	off, n, err := tlv.Find(region, tlv.TagKernelFlash)
	if err != nil {
		return none, err
	}
	kf, err := tlv.DecodeKernelFlash(region[off : off+n])
	if err != nil {
		return none, err
	}

	attrsStart := uint64(kf.Start) + uint64(kf.Len)
	switch {
	case kf.Start < cfg.FlashStart || uint64(attrsEnd) > uint64(cfg.FlashEnd):
		return none, fmt.Errorf("%w: image [%#x, %#x) outside flash", tlv.ErrMalformed, kf.Start, attrsEnd)
	case attrsStart+tlv.SentinelSize > uint64(attrsEnd):
		return none, fmt.Errorf("%w: attributes start %#x beyond region end %#x", tlv.ErrMalformed, attrsStart, attrsEnd)
	case uint64(attrsEnd)-attrsStart > MaxAttributesSize:
		return none, fmt.Errorf("%w: attributes region of %d bytes", tlv.ErrMalformed, uint64(attrsEnd)-attrsStart)
	}

	return PotentialKernel{
		Start:           kf.Start,
		AttributesStart: uint32(attrsStart),
		AttributesEnd:   attrsEnd,
	}, nil
}

// attrRegion reads the exactly-delimited attributes region of k into buf.
func attrRegion(flash io.ReaderAt, k PotentialKernel, buf *[MaxAttributesSize]byte) ([]byte, error) {
	if k.AttributesEnd <= k.AttributesStart {
		return nil, fmt.Errorf("%w: empty attributes region", tlv.ErrMalformed)
	}
	n := uint64(k.AttributesEnd) - uint64(k.AttributesStart)
	if n > MaxAttributesSize {
		return nil, fmt.Errorf("%w: attributes region of %d bytes", tlv.ErrMalformed, n)
	}
	b := buf[:n]
	if _, err := flash.ReadAt(b, int64(k.AttributesStart)); err != nil {
		return nil, fmt.Errorf("flash read at %#x: %w", k.AttributesStart, err)
	}
	return b, nil
}
