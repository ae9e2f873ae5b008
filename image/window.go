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

// Package image computes the boot-verification digest of a kernel image.
//
// The digest is SHA-256 over the half-open physical-address range
// [Window.Start, Window.End), where every byte inside the 68-byte signature
// slot hashes as zero, as does every byte not backed by content (segment
// zero-fill tails and inter-segment gaps on the host side). The host-side
// ELF walker and the device-side flash walker are two renditions of that
// single rule and must produce bit-identical digests for the same image.
package image

import (
	"crypto/sha256"
	"fmt"
	"hash"
	"io"

	"github.com/firmware-trust/kernelboot/tlv"
)

// Window is the byte range a kernel digest is computed over.
type Window struct {
	// Start is the first physical address covered; End is one past the last.
	Start, End uint64
	// SigStart is the physical address of the 68-byte signature slot. The
	// slot always hashes as zeros so the digest is a pure function of the
	// image content, not of whatever currently occupies the slot.
	SigStart uint64
}

func (w Window) validate() error {
	if w.Start >= w.End {
		return fmt.Errorf("empty hash window [%#x, %#x)", w.Start, w.End)
	}
	if w.SigStart < w.Start || w.SigStart+tlv.SignatureSlotSize > w.End {
		return fmt.Errorf("signature slot at %#x falls outside hash window [%#x, %#x)", w.SigStart, w.Start, w.End)
	}
	return nil
}

var zeros [512]byte

// digester hashes window bytes in ascending physical-address order,
// substituting zeros for anything inside the signature slot.
type digester struct {
	h   hash.Hash
	win Window
	pos uint64
}

func newDigester(win Window) *digester {
	return &digester{h: sha256.New(), win: win, pos: win.Start}
}

// content hashes b as the image bytes at [d.pos, d.pos+len(b)).
func (d *digester) content(b []byte) {
	start := d.pos
	end := start + uint64(len(b))
	ss := d.win.SigStart
	se := ss + tlv.SignatureSlotSize

	if end <= ss || start >= se {
		d.h.Write(b)
	} else {
		lo := max(start, ss)
		hi := min(end, se)
		d.h.Write(b[:lo-start])
		d.h.Write(zeros[:hi-lo])
		d.h.Write(b[hi-start:])
	}

	d.pos = end
}

// zero hashes n zero bytes. Slot masking is a no-op here since the masked
// value is zero anyway.
func (d *digester) zero(n uint64) {
	d.pos += n
	for n > 0 {
		c := min(n, uint64(len(zeros)))
		d.h.Write(zeros[:c])
		n -= c
	}
}

func (d *digester) sum() [sha256.Size]byte {
	var out [sha256.Size]byte
	d.h.Sum(out[:0])
	return out
}

// OffsetReaderAt exposes r shifted up by a base address, so physical
// addresses can be used directly against in-memory or on-disk copies of
// flash.
type OffsetReaderAt struct {
	r    io.ReaderAt
	base uint64
}

// NewOffsetReaderAt returns a reader whose offset 0 corresponds to r's
// offset -base, i.e. r holds the bytes of [base, base+len).
func NewOffsetReaderAt(r io.ReaderAt, base uint64) *OffsetReaderAt {
	return &OffsetReaderAt{r: r, base: base}
}

func (o *OffsetReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off) < o.base {
		return 0, fmt.Errorf("read at %#x below base address %#x", off, o.base)
	}
	return o.r.ReadAt(p, off-int64(o.base))
}
