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

// Package tlv implements the attribute chain embedded at the end of a
// kernel image.
//
// The chain is stored backward: the last four bytes of the attributes
// region are the ASCII sentinel "TOCK", and each record's 4-byte header
// (type then length, both little-endian) sits immediately above its value.
// Parsing therefore walks from high to low addresses, header first.
package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Tag identifies the kind of an attribute record.
type Tag uint16

const (
	// TagKernelFlash describes where the kernel binary sits in flash.
	TagKernelFlash Tag = 0x0102
	// TagKernelVersion carries the image's declared version.
	TagKernelVersion Tag = 0x0103
	// TagSignature holds the boot signature slot.
	TagSignature Tag = 0x0104
)

const (
	// Sentinel terminates every attribute chain at its highest address.
	Sentinel = "TOCK"
	// SentinelSize is the size of Sentinel in bytes.
	SentinelSize = 4

	headerSize = 4

	// MaxRecords bounds the number of records walked in a single chain,
	// making non-termination on corrupted input structurally impossible.
	MaxRecords = 16

	// KernelFlashSize is the value size of a Kernel-Flash record.
	KernelFlashSize = 8
	// VersionSize is the value size of a Kernel-Version record.
	VersionSize = 12
	// SignatureSize is the size of a raw r‖s ECDSA signature.
	SignatureSize = 64
	// SignatureSlotSize is the full signature slot: r‖s plus the 4-byte
	// little-endian algorithm identifier.
	SignatureSlotSize = SignatureSize + 4
)

// AlgECDSAP256 is the algorithm identifier for ECDSA-P256 over SHA-256.
const AlgECDSAP256 uint32 = 1

var (
	// ErrNotFound reports that a chain holds no record of the requested tag.
	ErrNotFound = errors.New("attribute not found")
	// ErrMalformed reports a structurally invalid attribute chain.
	ErrMalformed = errors.New("malformed attribute chain")
)

// cursor walks an attribute chain backward from its sentinel. All offset
// arithmetic is bounds-checked before use so corrupted chains can never
// cause an out-of-range access.
type cursor struct {
	region []byte
	pos    int // start of the most recently consumed element
	hops   int
}

func newCursor(region []byte) (*cursor, error) {
	if len(region) < SentinelSize || string(region[len(region)-SentinelSize:]) != Sentinel {
		return nil, fmt.Errorf("%w: missing %q sentinel", ErrMalformed, Sentinel)
	}
	return &cursor{region: region, pos: len(region) - SentinelSize}, nil
}

func (c *cursor) done() bool { return c.pos == 0 }

// next consumes the record directly below the cursor and returns its tag
// and value.
func (c *cursor) next() (Tag, []byte, error) {
	if c.hops >= MaxRecords {
		return 0, nil, fmt.Errorf("%w: more than %d records", ErrMalformed, MaxRecords)
	}
	c.hops++

	if c.pos < headerSize {
		return 0, nil, fmt.Errorf("%w: record header crosses the region start", ErrMalformed)
	}

	tag := Tag(binary.LittleEndian.Uint16(c.region[c.pos-headerSize:]))
	n := int(binary.LittleEndian.Uint16(c.region[c.pos-2:]))

	start := c.pos - headerSize - n
	if start < 0 {
		return 0, nil, fmt.Errorf("%w: value of %d bytes crosses the region start", ErrMalformed, n)
	}

	v := c.region[start : c.pos-headerSize]
	c.pos = start

	return tag, v, nil
}

// Find returns the offset and length, within region, of the value of the
// first record carrying tag when walking backward from the sentinel.
//
// The region must end with the sentinel but may extend below the start of
// the chain; the walk is bounded by MaxRecords, and a record whose declared
// length would cross the region start is ErrMalformed rather than a read
// past the slice.
func Find(region []byte, tag Tag) (off, n int, err error) {
	cur, err := newCursor(region)
	if err != nil {
		return 0, 0, err
	}

	for !cur.done() {
		t, v, err := cur.next()
		if err != nil {
			return 0, 0, err
		}
		if t == tag {
			return cur.pos, len(v), nil
		}
	}

	return 0, 0, fmt.Errorf("%w: tag %#04x", ErrNotFound, uint16(tag))
}

// Record is one attribute to be laid out in a chain.
type Record struct {
	Tag   Tag
	Value []byte
}

// Build lays out records as a backward chain terminated by the sentinel.
// The first record in the slice ends up nearest the sentinel, so it is the
// first one a backward walk visits.
func Build(records []Record) []byte {
	size := SentinelSize
	for _, r := range records {
		size += headerSize + len(r.Value)
	}

	out := make([]byte, size)
	pos := size - SentinelSize
	copy(out[pos:], Sentinel)

	for _, r := range records {
		binary.LittleEndian.PutUint16(out[pos-headerSize:], uint16(r.Tag))
		binary.LittleEndian.PutUint16(out[pos-2:], uint16(len(r.Value)))
		pos -= headerSize + len(r.Value)
		copy(out[pos:], r.Value)
	}

	return out
}
