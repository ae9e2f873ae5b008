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
	"crypto/ecdsa"
	"crypto/elliptic"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/firmware-trust/kernelboot/image"
	"github.com/firmware-trust/kernelboot/tlv"
)

// publicKey lifts the board's raw X‖Y key material onto the curve.
func publicKey(raw [64]byte) (*ecdsa.PublicKey, error) {
	x := new(big.Int).SetBytes(raw[:32])
	y := new(big.Int).SetBytes(raw[32:])
	if !elliptic.P256().IsOnCurve(x, y) {
		return nil, errors.New("board public key is not a point on P-256")
	}
	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
}

// verifyCandidate recomputes the candidate's content digest from flash and
// checks the signature stored in its attribute chain. A bad signature is an
// ordinary error return, fatal only for this candidate.
func verifyCandidate(flash io.ReaderAt, pub *ecdsa.PublicKey, k PotentialKernel) error {
	var buf [MaxAttributesSize]byte
	region, err := attrRegion(flash, k, &buf)
	if err != nil {
		return err
	}

	attrs, err := tlv.Parse(region)
	if err != nil {
		return err
	}
	sig := attrs.Signature
	if sig == nil {
		return ErrSignatureMissing
	}
	if sig.Alg != tlv.AlgECDSAP256 {
		return fmt.Errorf("%w: unsupported algorithm %d", ErrSignatureMissing, sig.Alg)
	}

	digest, err := image.FlashDigest(flash, image.Window{
		Start:    uint64(k.Start),
		End:      uint64(k.AttributesEnd),
		SigStart: uint64(k.AttributesStart) + uint64(sig.Offset),
	})
	if err != nil {
		return err
	}

	r := new(big.Int).SetBytes(sig.Sig[:32])
	s := new(big.Int).SetBytes(sig.Sig[32:])
	if !ecdsa.Verify(pub, digest[:], r, s) {
		return errors.New("signature verification failed")
	}

	return nil
}
