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

package tlv

import (
	"encoding/binary"
	"fmt"

	"github.com/coreos/go-semver/semver"
)

// KernelFlash describes where a candidate's kernel binary sits in flash.
// The attributes region starts immediately after the binary, at Start+Len.
type KernelFlash struct {
	Start uint32
	Len   uint32
}

// SignatureRef is a signature record located inside an attributes region.
type SignatureRef struct {
	// Offset of the 68-byte slot relative to the start of the parsed region.
	Offset int
	// Sig is the raw r‖s signature currently stored in the slot.
	Sig [SignatureSize]byte
	// Alg is the slot's algorithm identifier.
	Alg uint32
}

// Attributes aggregates the recognized records of one attribute chain. Any
// field may be nil when the corresponding record is absent.
type Attributes struct {
	KernelFlash *KernelFlash
	Version     *semver.Version
	Signature   *SignatureRef
}

// Parse extracts all recognized records of the chain in one backward pass,
// stopping at the region start. The region must be exactly the attributes
// region, sentinel included. Unknown tags are skipped, not errors.
func Parse(region []byte) (*Attributes, error) {
	cur, err := newCursor(region)
	if err != nil {
		return nil, err
	}

	attrs := &Attributes{}

	for !cur.done() {
		tag, v, err := cur.next()
		if err != nil {
			return nil, err
		}

		switch tag {
		case TagKernelFlash:
			if attrs.KernelFlash, err = DecodeKernelFlash(v); err != nil {
				return nil, err
			}
		case TagKernelVersion:
			if attrs.Version, err = DecodeVersion(v); err != nil {
				return nil, err
			}
		case TagSignature:
			sig, alg, err := DecodeSignature(v)
			if err != nil {
				return nil, err
			}
			attrs.Signature = &SignatureRef{Offset: cur.pos, Sig: sig, Alg: alg}
		}
	}

	return attrs, nil
}

// DecodeKernelFlash decodes the 8-byte {start, len} value of a Kernel-Flash
// record.
func DecodeKernelFlash(v []byte) (*KernelFlash, error) {
	if len(v) != KernelFlashSize {
		return nil, fmt.Errorf("%w: kernel-flash value is %d bytes, want %d", ErrMalformed, len(v), KernelFlashSize)
	}
	return &KernelFlash{
		Start: binary.LittleEndian.Uint32(v[0:]),
		Len:   binary.LittleEndian.Uint32(v[4:]),
	}, nil
}

// EncodeKernelFlash is the encode mirror of DecodeKernelFlash.
func EncodeKernelFlash(kf KernelFlash) []byte {
	v := make([]byte, KernelFlashSize)
	binary.LittleEndian.PutUint32(v[0:], kf.Start)
	binary.LittleEndian.PutUint32(v[4:], kf.Len)
	return v
}

// DecodeVersion decodes the 12-byte {major, minor, patch} value of a
// Kernel-Version record.
func DecodeVersion(v []byte) (*semver.Version, error) {
	if len(v) != VersionSize {
		return nil, fmt.Errorf("%w: version value is %d bytes, want %d", ErrMalformed, len(v), VersionSize)
	}
	return &semver.Version{
		Major: int64(binary.LittleEndian.Uint32(v[0:])),
		Minor: int64(binary.LittleEndian.Uint32(v[4:])),
		Patch: int64(binary.LittleEndian.Uint32(v[8:])),
	}, nil
}

// EncodeVersion is the encode mirror of DecodeVersion.
func EncodeVersion(v semver.Version) []byte {
	out := make([]byte, VersionSize)
	binary.LittleEndian.PutUint32(out[0:], uint32(v.Major))
	binary.LittleEndian.PutUint32(out[4:], uint32(v.Minor))
	binary.LittleEndian.PutUint32(out[8:], uint32(v.Patch))
	return out
}

// DecodeSignature splits a 68-byte signature slot into the raw r‖s value
// and the algorithm identifier.
func DecodeSignature(v []byte) ([SignatureSize]byte, uint32, error) {
	var sig [SignatureSize]byte
	if len(v) != SignatureSlotSize {
		return sig, 0, fmt.Errorf("%w: signature value is %d bytes, want %d", ErrMalformed, len(v), SignatureSlotSize)
	}
	copy(sig[:], v[:SignatureSize])
	return sig, binary.LittleEndian.Uint32(v[SignatureSize:]), nil
}

// EncodeSignature is the encode mirror of DecodeSignature.
func EncodeSignature(sig [SignatureSize]byte, alg uint32) []byte {
	v := make([]byte, SignatureSlotSize)
	copy(v, sig[:])
	binary.LittleEndian.PutUint32(v[SignatureSize:], alg)
	return v
}
