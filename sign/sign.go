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

// Package sign embeds a boot signature into a kernel ELF image.
//
// It mirrors the device verifier: the content digest is computed over the
// physical byte layout reconstructed from the image's program headers, with
// the signature slot hashed as zeros, and the resulting SHA-256 output is
// signed directly (prehash - the signer never hashes again).
package sign

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"debug/elf"
	_ "embed"
	"encoding/pem"
	"fmt"
	"io/fs"

	"github.com/spf13/afero"

	"github.com/firmware-trust/kernelboot/image"
	"github.com/firmware-trust/kernelboot/tlv"
)

// DemoKeyPEM is the compiled-in fallback signing key: the fixed P-256 key
// published as a test vector in RFC 6979. It is public knowledge and
// provides no security whatsoever; it exists so development images can be
// signed and booted without provisioning. Production signing must supply
// its own key.
//
//go:embed demo_key.pem
var DemoKeyPEM []byte

// LoadKey parses a PEM-encoded EC private key, rejecting anything not on
// P-256.
func LoadKey(pemBytes []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "EC PRIVATE KEY" {
		return nil, fmt.Errorf("no EC private key found in PEM input")
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing EC private key: %w", err)
	}
	if key.Curve != elliptic.P256() {
		return nil, fmt.Errorf("signing key must be on P-256, got %s", key.Params().Name)
	}
	return key, nil
}

// PublicKeyBytes returns key's public half in the board configuration
// format: an uncompressed point as X‖Y, 32 bytes each.
func PublicKeyBytes(key *ecdsa.PrivateKey) [64]byte {
	var out [64]byte
	key.X.FillBytes(out[:32])
	key.Y.FillBytes(out[32:])
	return out
}

// Result describes a completed signing run.
type Result struct {
	Digest [sha256.Size]byte
	Layout *image.Layout
}

// Digest computes the content digest of the kernel ELF at path without
// modifying anything.
func Digest(fsys afero.Fs, path string) (*image.Layout, [sha256.Size]byte, error) {
	var none [sha256.Size]byte
	raw, err := afero.ReadFile(fsys, path)
	if err != nil {
		return nil, none, err
	}
	return digestELF(raw)
}

// Image signs the kernel ELF at path with key and writes the patched
// binary to outPath; outPath equal to path signs in place. Nothing is
// written unless the whole run succeeds.
func Image(fsys afero.Fs, path, outPath string, key *ecdsa.PrivateKey) (*Result, error) {
	raw, err := afero.ReadFile(fsys, path)
	if err != nil {
		return nil, err
	}

	layout, digest, err := digestELF(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	sig, err := signDigest(key, digest)
	if err != nil {
		return nil, fmt.Errorf("signing %s: %w", path, err)
	}

	slot := tlv.EncodeSignature(sig, tlv.AlgECDSAP256)
	off := layout.SigFileOffset
	if off < 0 || off+int64(len(slot)) > int64(len(raw)) {
		return nil, fmt.Errorf("%s: signature slot at file offset %#x outside file", path, off)
	}

	out := make([]byte, len(raw))
	copy(out, raw)
	copy(out[off:], slot)

	mode := fs.FileMode(0o755)
	if info, err := fsys.Stat(path); err == nil {
		mode = info.Mode()
	}
	if err := afero.WriteFile(fsys, outPath, out, mode); err != nil {
		return nil, fmt.Errorf("writing %s: %w", outPath, err)
	}

	return &Result{Digest: digest, Layout: layout}, nil
}

func digestELF(raw []byte) (*image.Layout, [sha256.Size]byte, error) {
	var none [sha256.Size]byte

	f, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, none, fmt.Errorf("parsing ELF: %w", err)
	}

	layout, err := image.FindLayout(f)
	if err != nil {
		return nil, none, err
	}

	digest, err := image.ELFDigest(f, layout.Window)
	if err != nil {
		return nil, none, err
	}

	return layout, digest, nil
}

// signDigest signs the already-computed digest directly and returns the
// signature as fixed-width r‖s.
func signDigest(key *ecdsa.PrivateKey, digest [sha256.Size]byte) ([tlv.SignatureSize]byte, error) {
	var out [tlv.SignatureSize]byte

	r, s, err := ecdsa.Sign(rand.Reader, key, digest[:])
	if err != nil {
		return out, err
	}

	r.FillBytes(out[:32])
	s.FillBytes(out[32:])
	return out, nil
}
