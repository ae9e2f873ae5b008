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

package sign_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"math/big"
	"testing"

	"github.com/coreos/go-semver/semver"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firmware-trust/kernelboot/boot"
	"github.com/firmware-trust/kernelboot/internal/testimg"
	"github.com/firmware-trust/kernelboot/sign"
	"github.com/firmware-trust/kernelboot/tlv"
)

func testKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func testELF(t *testing.T) (*testimg.Image, afero.Fs) {
	t.Helper()
	kernel := make([]byte, 0x200)
	for i := range kernel {
		kernel[i] = byte(i * 3)
	}
	im := testimg.New(0x40000, kernel, &semver.Version{Major: 1, Minor: 2})

	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "kernel.elf", im.ELF(), 0o755))
	return im, fsys
}

func TestSignThenBoot(t *testing.T) {
	key := testKey(t)
	im, fsys := testELF(t)

	res, err := sign.Image(fsys, "kernel.elf", "kernel.signed.elf", key)
	require.NoError(t, err)

	signed, err := afero.ReadFile(fsys, "kernel.signed.elf")
	require.NoError(t, err)

	// The embedded slot must verify against the reported digest...
	off := res.Layout.SigFileOffset
	sig, alg, err := tlv.DecodeSignature(signed[off : off+tlv.SignatureSlotSize])
	require.NoError(t, err)
	assert.Equal(t, tlv.AlgECDSAP256, alg)

	pub := key.Public().(*ecdsa.PublicKey)
	require.True(t, verifyRaw(pub, res.Digest[:], sig), "signature does not verify against digest")

	// ...and the flashed image must pass the device boot path.
	im.SetSignature(sig)
	flash, end := testimg.Flash(im.Base, im)

	target, err := boot.Run(flash, boot.Config{
		FlashStart: im.Base,
		FlashEnd:   end,
		PublicKey:  sign.PublicKeyBytes(key),
	}, boot.NopIO{})
	require.NoError(t, err)
	assert.Equal(t, im.Base, target.Start)
}

func TestSignInPlace(t *testing.T) {
	key := testKey(t)
	_, fsys := testELF(t)

	res, err := sign.Image(fsys, "kernel.elf", "kernel.elf", key)
	require.NoError(t, err)

	// Re-signing must see the same content digest: the slot is hashed as
	// zeros, so the embedded signature cannot perturb it.
	_, digest, err := sign.Digest(fsys, "kernel.elf")
	require.NoError(t, err)
	assert.Equal(t, res.Digest, digest)
}

func TestSignRejectsImageWithoutAttributes(t *testing.T) {
	fsys := afero.NewMemMapFs()
	bare := testimg.ELF(0x40000, testimg.Seg{Paddr: 0x40000, Data: make([]byte, 0x100)})
	require.NoError(t, afero.WriteFile(fsys, "bare.elf", bare, 0o755))

	_, err := sign.Image(fsys, "bare.elf", "bare.signed.elf", testKey(t))
	require.Error(t, err)

	exists, err := afero.Exists(fsys, "bare.signed.elf")
	require.NoError(t, err)
	assert.False(t, exists, "failed run must not write an output file")
}

func TestDigestDoesNotModify(t *testing.T) {
	im, fsys := testELF(t)

	layout, _, err := sign.Digest(fsys, "kernel.elf")
	require.NoError(t, err)
	require.NotNil(t, layout.Attributes.Version)
	assert.Equal(t, "1.2.0", layout.Attributes.Version.String())

	raw, err := afero.ReadFile(fsys, "kernel.elf")
	require.NoError(t, err)
	assert.Equal(t, im.ELF(), raw)
}

func TestLoadKey(t *testing.T) {
	key, err := sign.LoadKey(sign.DemoKeyPEM)
	require.NoError(t, err)
	assert.Equal(t, elliptic.P256(), key.Curve)

	_, err = sign.LoadKey([]byte("not a key"))
	assert.Error(t, err)
}

func verifyRaw(pub *ecdsa.PublicKey, digest []byte, sig [tlv.SignatureSize]byte) bool {
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	return ecdsa.Verify(pub, digest, r, s)
}
