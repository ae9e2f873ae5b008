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

// kernel-verify runs the device-side kernel selection and verification
// logic against a raw flash dump, as a development and CI harness for the
// boot path.
package main

import (
	"bytes"
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"github.com/coreos/go-semver/semver"
	"k8s.io/klog"

	"github.com/firmware-trust/kernelboot/boot"
	"github.com/firmware-trust/kernelboot/image"
	"github.com/firmware-trust/kernelboot/sign"
)

var (
	base       = flag.Uint64("base", 0, "Physical address the start of the dump corresponds to")
	pubKeyHex  = flag.String("pubkey", "", "Board public key as 128 hex chars (X‖Y) (default: demo key's public half)")
	minVersion = flag.String("min-version", "0.0.0", "Minimum accepted kernel version")
)

// consoleIO stands in for the board's LEDs and debug console.
type consoleIO struct{}

func (consoleIO) SignalSuccess() { klog.Info("boot: signal SUCCESS") }
func (consoleIO) SignalFailure() { klog.Info("boot: signal FAILURE") }
func (consoleIO) Debugf(format string, args ...any) { klog.Infof(format, args...) }

func publicKey() ([64]byte, error) {
	var pk [64]byte

	if *pubKeyHex == "" {
		key, err := sign.LoadKey(sign.DemoKeyPEM)
		if err != nil {
			return pk, err
		}
		klog.Warning("No --pubkey given; verifying against the built-in demo key.")
		return sign.PublicKeyBytes(key), nil
	}

	raw, err := hex.DecodeString(*pubKeyHex)
	if err != nil {
		return pk, fmt.Errorf("decoding --pubkey: %w", err)
	}
	if len(raw) != len(pk) {
		return pk, fmt.Errorf("--pubkey is %d bytes, want %d", len(raw), len(pk))
	}
	copy(pk[:], raw)
	return pk, nil
}

func main() {
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <flash.bin>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}
	path := flag.Arg(0)

	dump, err := os.ReadFile(path)
	if err != nil {
		klog.Exitf("Failed to read flash dump %q: %v", path, err)
	}

	pk, err := publicKey()
	if err != nil {
		klog.Exitf("Invalid public key: %v", err)
	}

	minVer, err := semver.NewVersion(*minVersion)
	if err != nil {
		klog.Exitf("Invalid --min-version %q: %v", *minVersion, err)
	}

	cfg := boot.Config{
		FlashStart: uint32(*base),
		FlashEnd:   uint32(*base) + uint32(len(dump)),
		PublicKey:  pk,
		MinVersion: *minVer,
	}
	flash := image.NewOffsetReaderAt(bytes.NewReader(dump), *base)

	target, err := boot.Run(flash, cfg, consoleIO{})
	if err != nil {
		klog.Exitf("No bootable kernel in %q: %v", path, err)
	}

	fmt.Printf("selected kernel at %#x (version %s), attributes end %#x\n",
		target.Start, target.Version, target.AttributesEnd)
}
