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

//go:build tamago

// trusted_loader wires the kernel verification path to a USB armory Mk II:
// the kernel area is read from MMC, scanned and verified, and the outcome
// is signalled on the board LEDs. Jumping to the selected kernel is owned
// by the platform loader, not by this program.
package main

import (
	"bytes"
	"encoding/hex"
	"log"
	"os"
	"runtime"

	usbarmory "github.com/usbarmory/tamago/board/usbarmory/mk2"
	"github.com/usbarmory/tamago/soc/nxp/imx6ul"

	"github.com/coreos/go-semver/semver"

	"github.com/firmware-trust/kernelboot/boot"
	"github.com/firmware-trust/kernelboot/image"
)

// initialized at compile time (see Makefile)
var (
	Build    string
	Revision string

	// PublicKey is the hex-encoded 64-byte boot verification key.
	PublicKey string

	// MinVersion is the lowest kernel version this board accepts,
	// e.g. "1.2.0". Empty accepts anything.
	MinVersion string
)

const (
	blockSize = 512

	// kernelAreaBlock is the first MMC block of the kernel area.
	kernelAreaBlock = 0x5000
	// kernelAreaSize is how much of the card is scanned for kernels.
	kernelAreaSize = 14 * 1024 * 1024

	// kernelBase is the physical address the kernel area is linked
	// against; attribute addresses in flash are relative to it.
	kernelBase = 0x80000000
)

// ledIO signals the boot outcome on the board LEDs and routes debug output
// to the serial console.
type ledIO struct{}

func (ledIO) SignalSuccess() {
	usbarmory.LED("blue", false)
	usbarmory.LED("white", true)
}

func (ledIO) SignalFailure() {
	usbarmory.LED("white", false)
	usbarmory.LED("blue", true)
}

func (ledIO) Debugf(format string, args ...any) {
	log.Printf(format, args...)
}

func init() {
	log.SetFlags(log.Ltime)
	log.SetOutput(os.Stdout)

	if len(PublicKey) == 0 {
		log.Fatal("boot: verification key is missing")
	}

	if imx6ul.Native {
		imx6ul.SetARMFreq(imx6ul.Freq792)
	}

	log.Printf("%s/%s (%s) • kernel boot verifier • %s %s",
		runtime.GOOS, runtime.GOARCH, runtime.Version(),
		Revision, Build)
}

func config() (cfg boot.Config) {
	pk, err := hex.DecodeString(PublicKey)
	if err != nil || len(pk) != len(cfg.PublicKey) {
		log.Fatalf("boot: invalid verification key, %v", err)
	}
	copy(cfg.PublicKey[:], pk)

	cfg.FlashStart = kernelBase
	cfg.FlashEnd = kernelBase + kernelAreaSize

	if len(MinVersion) > 0 {
		v, err := semver.NewVersion(MinVersion)
		if err != nil {
			log.Fatalf("boot: invalid minimum version %q, %v", MinVersion, err)
		}
		cfg.MinVersion = *v
	}

	return
}

func main() {
	usbarmory.LED("blue", false)
	usbarmory.LED("white", false)

	if err := usbarmory.MMC.Detect(); err != nil {
		log.Fatalf("boot: failed to detect storage, %v", err)
	}

	buf, err := usbarmory.MMC.Read(kernelAreaBlock*blockSize, kernelAreaSize)
	if err != nil {
		log.Fatalf("boot: failed to read kernel area, %v", err)
	}

	flash := image.NewOffsetReaderAt(bytes.NewReader(buf), kernelBase)

	target, err := boot.Run(flash, config(), ledIO{})
	if err != nil {
		log.Fatalf("boot: %v", err)
	}

	log.Printf("boot: verified kernel at %#x (version %s) entry %#x",
		target.Start, target.Version, target.Entry)
}
