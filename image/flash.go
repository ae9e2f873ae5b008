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

package image

import (
	"crypto/sha256"
	"fmt"
	"io"
)

const flashChunk = 512

// FlashDigest computes the digest of win by reading it linearly from r,
// which must be addressed by physical address. Flash already reflects the
// final physical layout, so unlike the ELF walker no segment reconstruction
// is needed and there is no unbacked-region failure mode.
//
// Reads go through a fixed chunk buffer; the device boot path runs without
// an allocator.
func FlashDigest(r io.ReaderAt, win Window) ([sha256.Size]byte, error) {
	var none [sha256.Size]byte

	if err := win.validate(); err != nil {
		return none, err
	}

	d := newDigester(win)
	var buf [flashChunk]byte

	for pos := win.Start; pos < win.End; {
		n := min(uint64(flashChunk), win.End-pos)
		if _, err := r.ReadAt(buf[:n], int64(pos)); err != nil {
			return none, fmt.Errorf("flash read at %#x: %w", pos, err)
		}
		d.content(buf[:n])
		pos += n
	}

	return d.sum(), nil
}
