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

package image

import (
	"crypto/sha256"
	"debug/elf"
	"fmt"
	"io"
	"sort"

	"github.com/firmware-trust/kernelboot/tlv"
)

// Layout describes where the pieces of a kernel ELF image sit, both in
// physical address space and in the file itself.
type Layout struct {
	// Window is the digest range: [kernel start, attributes end).
	Window Window
	// AttributesStart is the physical address of the attributes region.
	AttributesStart uint64
	// SigFileOffset is the file offset of the 68-byte signature slot.
	SigFileOffset int64
	// Attributes are the records parsed from the image.
	Attributes *tlv.Attributes
}

// loadSegments returns the PT_LOAD program headers that occupy memory, in
// ascending physical-address order.
func loadSegments(f *elf.File) []*elf.Prog {
	var progs []*elf.Prog
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD && p.Memsz > 0 {
			progs = append(progs, p)
		}
	}
	sort.SliceStable(progs, func(i, j int) bool { return progs[i].Paddr < progs[j].Paddr })
	return progs
}

// readFull reads exactly len(b) file-backed bytes of p at off.
func readFull(p *elf.Prog, b []byte, off int64) error {
	n, err := p.ReadAt(b, off)
	if err == io.EOF && n == len(b) {
		err = nil
	}
	if err != nil {
		return fmt.Errorf("segment read at %#x: %w", off, err)
	}
	return nil
}

// FindLayout locates the attribute chain of a kernel ELF image.
//
// The chain lives at the file-backed tail of the loadable segment with the
// highest physical address, ending in the sentinel. A missing sentinel, or
// an attributes region outside every loadable segment, is a structural
// error: the image cannot be hashed or signed.
func FindLayout(f *elf.File) (*Layout, error) {
	progs := loadSegments(f)

	var seg *elf.Prog
	for _, p := range progs {
		if p.Filesz == 0 {
			continue
		}
		if seg == nil || p.Paddr+p.Filesz > seg.Paddr+seg.Filesz {
			seg = p
		}
	}
	if seg == nil {
		return nil, fmt.Errorf("no file-backed loadable segments in image")
	}

	data := make([]byte, seg.Filesz)
	if err := readFull(seg, data, 0); err != nil {
		return nil, err
	}

	attrsEnd := seg.Paddr + seg.Filesz
	if len(data) < tlv.SentinelSize || string(data[len(data)-tlv.SentinelSize:]) != tlv.Sentinel {
		return nil, fmt.Errorf("image does not end in the %q attributes sentinel", tlv.Sentinel)
	}

	// The region start is unknown until the Kernel-Flash record is read, so
	// first walk the chain bounded by the segment itself.
	off, n, err := tlv.Find(data, tlv.TagKernelFlash)
	if err != nil {
		return nil, fmt.Errorf("locating kernel-flash attribute: %w", err)
	}
	kf, err := tlv.DecodeKernelFlash(data[off : off+n])
	if err != nil {
		return nil, err
	}

	attrsStart := uint64(kf.Start) + uint64(kf.Len)
	if attrsStart < seg.Paddr || attrsStart+tlv.SentinelSize > attrsEnd {
		return nil, fmt.Errorf("attributes region %#x lies outside the image's loadable segments", attrsStart)
	}

	attrs, err := tlv.Parse(data[attrsStart-seg.Paddr:])
	if err != nil {
		return nil, err
	}
	if attrs.Signature == nil {
		return nil, fmt.Errorf("image has no signature attribute")
	}

	sigAddr := attrsStart + uint64(attrs.Signature.Offset)
	layout := &Layout{
		Window: Window{
			Start:    uint64(kf.Start),
			End:      attrsEnd,
			SigStart: sigAddr,
		},
		AttributesStart: attrsStart,
		SigFileOffset:   int64(seg.Off) + int64(sigAddr-seg.Paddr),
		Attributes:      attrs,
	}
	if err := layout.Window.validate(); err != nil {
		return nil, err
	}

	return layout, nil
}

// ELFDigest computes the digest of win by reconstructing the physical byte
// layout from the image's program headers: each loadable segment
// contributes its file bytes, the tail of a segment whose memory size
// exceeds its file size contributes zeros, and so does any physical gap
// between consecutive segments. The walk fails if the window is not
// covered through its end.
func ELFDigest(f *elf.File, win Window) ([sha256.Size]byte, error) {
	var none [sha256.Size]byte

	if err := win.validate(); err != nil {
		return none, err
	}

	d := newDigester(win)
	pos := win.Start

	for _, p := range loadSegments(f) {
		segStart, segEnd := p.Paddr, p.Paddr+p.Memsz
		if segEnd <= pos {
			continue
		}
		if pos >= win.End {
			break
		}

		if segStart > pos {
			d.zero(min(segStart, win.End) - pos)
			pos = d.pos
			if pos >= win.End {
				break
			}
		}

		if fileEnd := p.Paddr + p.Filesz; pos < fileEnd {
			n := min(fileEnd, win.End) - pos
			b := make([]byte, n)
			if err := readFull(p, b, int64(pos-segStart)); err != nil {
				return none, err
			}
			d.content(b)
			pos = d.pos
		}

		if pos < segEnd && pos < win.End {
			d.zero(min(segEnd, win.End) - pos)
			pos = d.pos
		}
	}

	if pos < win.End {
		return none, fmt.Errorf("hash window [%#x, %#x) extends past the loadable segments (covered to %#x)", win.Start, win.End, pos)
	}

	return d.sum(), nil
}
