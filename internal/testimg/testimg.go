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

// Package testimg builds synthetic kernel images, flash contents and ELF
// binaries for tests.
package testimg

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/coreos/go-semver/semver"

	"github.com/firmware-trust/kernelboot/image"
	"github.com/firmware-trust/kernelboot/tlv"
)

// Image is a synthetic kernel image laid out in memory: the kernel binary
// followed by its attribute chain.
type Image struct {
	Base  uint32 // physical address of Bytes[0]; also the kernel start
	Bytes []byte

	KernelLen  uint32
	AttrsStart uint32
	AttrsEnd   uint32
	SigAddr    uint32 // physical address of the 68-byte signature slot
}

// New lays out a kernel image at base. The signature slot starts zeroed;
// ver may be nil for an image without a version attribute.
func New(base uint32, kernel []byte, ver *semver.Version) *Image {
	records := []tlv.Record{
		{Tag: tlv.TagSignature, Value: tlv.EncodeSignature([tlv.SignatureSize]byte{}, tlv.AlgECDSAP256)},
	}
	if ver != nil {
		records = append(records, tlv.Record{Tag: tlv.TagKernelVersion, Value: tlv.EncodeVersion(*ver)})
	}
	records = append(records, tlv.Record{
		Tag:   tlv.TagKernelFlash,
		Value: tlv.EncodeKernelFlash(tlv.KernelFlash{Start: base, Len: uint32(len(kernel))}),
	})

	chain := tlv.Build(records)
	sigOff, _, err := tlv.Find(chain, tlv.TagSignature)
	if err != nil {
		panic(fmt.Sprintf("testimg: %v", err))
	}

	im := &Image{
		Base:       base,
		Bytes:      append(append([]byte{}, kernel...), chain...),
		KernelLen:  uint32(len(kernel)),
		AttrsStart: base + uint32(len(kernel)),
		AttrsEnd:   base + uint32(len(kernel)) + uint32(len(chain)),
	}
	im.SigAddr = im.AttrsStart + uint32(sigOff)
	return im
}

// SetSignature patches raw r‖s signature bytes into the slot.
func (im *Image) SetSignature(sig [tlv.SignatureSize]byte) {
	copy(im.Bytes[im.SigAddr-im.Base:], sig[:])
}

// Window is the image's digest range.
func (im *Image) Window() image.Window {
	return image.Window{
		Start:    uint64(im.Base),
		End:      uint64(im.AttrsEnd),
		SigStart: uint64(im.SigAddr),
	}
}

// Reader exposes the image bytes addressed by physical address.
func (im *Image) Reader() io.ReaderAt {
	return image.NewOffsetReaderAt(bytes.NewReader(im.Bytes), uint64(im.Base))
}

// ELF emits the image as a single-segment ELF binary.
func (im *Image) ELF() []byte {
	return ELF(im.Base, Seg{Paddr: im.Base, Data: im.Bytes})
}

// Flash lays images out in a zero-filled flash region starting at
// flashStart and returns a physical-address reader plus the region end.
func Flash(flashStart uint32, images ...*Image) (io.ReaderAt, uint32) {
	end := flashStart + 64
	for _, im := range images {
		if im.AttrsEnd > end {
			end = im.AttrsEnd
		}
	}

	buf := make([]byte, end-flashStart)
	for _, im := range images {
		copy(buf[im.Base-flashStart:], im.Bytes)
	}

	return image.NewOffsetReaderAt(bytes.NewReader(buf), uint64(flashStart)), end
}

// Seg is one loadable segment of a synthetic ELF binary.
type Seg struct {
	Paddr uint32
	Data  []byte
	Memsz uint32 // zero means len(Data)
}

const (
	ehsize    = 52
	phentsize = 32
)

// ELF emits a minimal ELF32 little-endian ARM executable holding only the
// given loadable segments; no section headers.
func ELF(entry uint32, segs ...Seg) []byte {
	le := binary.LittleEndian

	off := uint32(ehsize + phentsize*len(segs))
	offs := make([]uint32, len(segs))
	for i, s := range segs {
		off = (off + 3) &^ 3
		offs[i] = off
		off += uint32(len(s.Data))
	}

	buf := make([]byte, off)
	copy(buf, "\x7fELF")
	buf[4] = 1 // ELFCLASS32
	buf[5] = 1 // ELFDATA2LSB
	buf[6] = 1 // EV_CURRENT
	le.PutUint16(buf[16:], 2)  // ET_EXEC
	le.PutUint16(buf[18:], 40) // EM_ARM
	le.PutUint32(buf[20:], 1)
	le.PutUint32(buf[24:], entry)
	le.PutUint32(buf[28:], ehsize) // e_phoff
	le.PutUint16(buf[40:], ehsize)
	le.PutUint16(buf[42:], phentsize)
	le.PutUint16(buf[44:], uint16(len(segs)))

	for i, s := range segs {
		memsz := s.Memsz
		if memsz == 0 {
			memsz = uint32(len(s.Data))
		}
		p := ehsize + phentsize*i
		le.PutUint32(buf[p:], 1) // PT_LOAD
		le.PutUint32(buf[p+4:], offs[i])
		le.PutUint32(buf[p+8:], s.Paddr) // vaddr mirrors paddr
		le.PutUint32(buf[p+12:], s.Paddr)
		le.PutUint32(buf[p+16:], uint32(len(s.Data)))
		le.PutUint32(buf[p+20:], memsz)
		le.PutUint32(buf[p+24:], 5) // R+X
		le.PutUint32(buf[p+28:], 4)
		copy(buf[offs[i]:], s.Data)
	}

	return buf
}
