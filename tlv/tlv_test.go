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
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/coreos/go-semver/semver"
	"github.com/google/go-cmp/cmp"
)

func chain(t *testing.T) []byte {
	t.Helper()
	var sig [SignatureSize]byte
	for i := range sig {
		sig[i] = byte(i)
	}
	return Build([]Record{
		{Tag: TagSignature, Value: EncodeSignature(sig, AlgECDSAP256)},
		{Tag: 0x7777, Value: []byte("vendor")},
		{Tag: TagKernelVersion, Value: EncodeVersion(semver.Version{Major: 2, Minor: 4, Patch: 1})},
		{Tag: TagKernelFlash, Value: EncodeKernelFlash(KernelFlash{Start: 0x40000, Len: 0x1f000})},
	})
}

func TestParse(t *testing.T) {
	region := chain(t)

	got, err := Parse(region)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if diff := cmp.Diff(&KernelFlash{Start: 0x40000, Len: 0x1f000}, got.KernelFlash); diff != "" {
		t.Errorf("KernelFlash diff: %s", diff)
	}
	if diff := cmp.Diff(&semver.Version{Major: 2, Minor: 4, Patch: 1}, got.Version); diff != "" {
		t.Errorf("Version diff: %s", diff)
	}
	if got.Signature == nil {
		t.Fatal("Signature not parsed")
	}
	if got.Signature.Alg != AlgECDSAP256 {
		t.Errorf("Alg = %d, want %d", got.Signature.Alg, AlgECDSAP256)
	}

	// The recorded offset must point at the slot's r‖s bytes.
	off := got.Signature.Offset
	if !bytes.Equal(region[off:off+SignatureSize], got.Signature.Sig[:]) {
		t.Errorf("Signature offset %d does not point at the signature value", off)
	}
}

func TestFind(t *testing.T) {
	region := chain(t)

	for _, test := range []struct {
		tag     Tag
		wantLen int
	}{
		{TagSignature, SignatureSlotSize},
		{TagKernelVersion, VersionSize},
		{TagKernelFlash, KernelFlashSize},
		{0x7777, 6},
	} {
		off, n, err := Find(region, test.tag)
		if err != nil {
			t.Fatalf("Find(%#04x): %v", uint16(test.tag), err)
		}
		if n != test.wantLen {
			t.Errorf("Find(%#04x) len = %d, want %d", uint16(test.tag), n, test.wantLen)
		}
		if off < 0 || off+n > len(region) {
			t.Errorf("Find(%#04x) = [%d, %d) out of region", uint16(test.tag), off, off+n)
		}
	}

	if _, _, err := Find(region, 0x0666); !errors.Is(err, ErrNotFound) {
		t.Errorf("Find(absent) = %v, want ErrNotFound", err)
	}
}

// TestDeclaredLengthNeverEscapes drives a single-record chain through every
// possible declared length; anything that would cross the region start must
// come back as a typed error, never a panic or out-of-range read.
func TestDeclaredLengthNeverEscapes(t *testing.T) {
	for l := 0; l <= 0xFFFF; l++ {
		region := make([]byte, 8)
		binary.LittleEndian.PutUint16(region[0:], 0x9999)
		binary.LittleEndian.PutUint16(region[2:], uint16(l))
		copy(region[4:], Sentinel)

		_, err := Parse(region)
		if l == 0 {
			if err != nil {
				t.Fatalf("length 0: Parse = %v, want nil", err)
			}
			continue
		}
		if !errors.Is(err, ErrMalformed) {
			t.Fatalf("length %d: Parse = %v, want ErrMalformed", l, err)
		}
	}
}

func TestMissingSentinel(t *testing.T) {
	for _, region := range [][]byte{nil, []byte("TOC"), []byte("KCOT"), []byte("no sentinel here")} {
		if _, err := Parse(region); !errors.Is(err, ErrMalformed) {
			t.Errorf("Parse(%q) = %v, want ErrMalformed", region, err)
		}
		if _, _, err := Find(region, TagSignature); !errors.Is(err, ErrMalformed) {
			t.Errorf("Find(%q) = %v, want ErrMalformed", region, err)
		}
	}
}

func TestRecordBound(t *testing.T) {
	empty := func(n int) []byte {
		records := make([]Record, n)
		for i := range records {
			records[i] = Record{Tag: 0x9000 + Tag(i)}
		}
		return Build(records)
	}

	if _, err := Parse(empty(MaxRecords)); err != nil {
		t.Fatalf("Parse(%d records) = %v, want nil", MaxRecords, err)
	}
	if _, err := Parse(empty(MaxRecords + 1)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("Parse(%d records) = %v, want ErrMalformed", MaxRecords+1, err)
	}
}

func TestCodecSizeChecks(t *testing.T) {
	if _, err := DecodeKernelFlash(make([]byte, KernelFlashSize-1)); !errors.Is(err, ErrMalformed) {
		t.Errorf("DecodeKernelFlash(short) = %v, want ErrMalformed", err)
	}
	if _, err := DecodeVersion(make([]byte, VersionSize+1)); !errors.Is(err, ErrMalformed) {
		t.Errorf("DecodeVersion(long) = %v, want ErrMalformed", err)
	}
	if _, _, err := DecodeSignature(make([]byte, SignatureSize)); !errors.Is(err, ErrMalformed) {
		t.Errorf("DecodeSignature(no alg id) = %v, want ErrMalformed", err)
	}
}

func TestVersionRoundTrip(t *testing.T) {
	want := semver.Version{Major: 1, Minor: 22, Patch: 333}
	got, err := DecodeVersion(EncodeVersion(want))
	if err != nil {
		t.Fatalf("DecodeVersion: %v", err)
	}
	if diff := cmp.Diff(&want, got); diff != "" {
		t.Errorf("version diff: %s", diff)
	}
}

// TestParseBadRecognizedRecord ensures a recognized tag with a wrong value
// size fails the whole chain rather than being silently ignored.
func TestParseBadRecognizedRecord(t *testing.T) {
	region := Build([]Record{
		{Tag: TagKernelFlash, Value: []byte{1, 2, 3}},
	})
	if _, err := Parse(region); !errors.Is(err, ErrMalformed) {
		t.Errorf("Parse = %v, want ErrMalformed", err)
	}
}
