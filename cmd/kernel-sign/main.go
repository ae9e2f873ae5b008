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

// kernel-sign computes the content digest of a kernel ELF image and embeds
// an ECDSA-P256 signature over it into the image's attribute chain.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/spf13/afero"
	"k8s.io/klog"

	"github.com/firmware-trust/kernelboot/sign"
)

var (
	keyFile = flag.String("key", "", "PEM EC private key to sign with (default: built-in demo key, NOT fit for production)")
	outFile = flag.String("out", "", "Output path (default: sign in place)")
	dump    = flag.Bool("dump", false, "Print the image's attributes and content digest, write nothing")
)

func main() {
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <kernel.elf>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}
	path := flag.Arg(0)
	fsys := afero.NewOsFs()

	if *dump {
		layout, digest, err := sign.Digest(fsys, path)
		if err != nil {
			klog.Exitf("Failed to inspect %q: %v", path, err)
		}
		version := "(none)"
		if layout.Attributes.Version != nil {
			version = layout.Attributes.Version.String()
		}
		fmt.Printf("kernel:     [%#x, %#x)\n", layout.Window.Start, layout.AttributesStart)
		fmt.Printf("attributes: [%#x, %#x)\n", layout.AttributesStart, layout.Window.End)
		fmt.Printf("sig slot:   %#x (file offset %#x)\n", layout.Window.SigStart, layout.SigFileOffset)
		fmt.Printf("version:    %s\n", version)
		fmt.Printf("digest:     %x\n", digest)
		return
	}

	keyPEM := sign.DemoKeyPEM
	if *keyFile != "" {
		var err error
		if keyPEM, err = afero.ReadFile(fsys, *keyFile); err != nil {
			klog.Exitf("Failed to read key %q: %v", *keyFile, err)
		}
	} else {
		klog.Warning("No --key given; signing with the built-in demo key. The result is NOT secure.")
	}

	key, err := sign.LoadKey(keyPEM)
	if err != nil {
		klog.Exitf("Failed to load signing key: %v", err)
	}

	out := *outFile
	if out == "" {
		out = path
	}

	res, err := sign.Image(fsys, path, out, key)
	if err != nil {
		klog.Exitf("Failed to sign %q: %v", path, err)
	}
	klog.Infof("Signed %q (digest %x) -> %q", path, res.Digest, out)
}
