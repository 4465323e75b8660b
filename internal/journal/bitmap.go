/*
 * This file is part of the LiveRAID storage engine ("liveraid")
 * Copyright (C) 2025 Andreas Signer <asigner@gmail.com>
 *
 * liveraid is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * liveraid is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with liveraid.  If not, see <https://www.gnu.org/licenses/>.
 */

package journal

import (
	"fmt"

	"github.com/asig/liveraid/internal/util"
)

// bitmapMagic identifies an on-disk dirty bitmap.
var bitmapMagic = [4]byte{'L', 'R', 'B', 'M'}

// maxWordCount caps a loaded bitmap at 64M positions, rejecting
// corruption.
const maxWordCount = 1 << 20

// dirtyBitmap is a dynamic bit-per-position bitmap that monotonically
// grows to cover the highest ever-set position. It embeds util.BitSet's
// fixed-size word array, generalized here to grow on demand instead of
// being sized once at construction.
type dirtyBitmap struct {
	words util.BitSet
}

func newDirtyBitmap() *dirtyBitmap {
	return &dirtyBitmap{}
}

// markRange sets bits [start, start+count), expanding the word array as
// needed.
func (b *dirtyBitmap) markRange(start, count uint32) {
	if count == 0 {
		return
	}
	end := start + count // position namespaces are capped at 2^32 positions, so this does not wrap in practice
	b.ensureBits(end)
	for p := start; p < end; p++ {
		b.words.Set(p)
	}
}

func (b *dirtyBitmap) ensureBits(n uint32) {
	needWords := int((n + 63) / 64)
	for len(b.words) < needWords {
		b.words = append(b.words, 0)
	}
}

func (b *dirtyBitmap) test(bit uint32) bool {
	if int(bit/64) >= len(b.words) {
		return false
	}
	return b.words.Test(bit)
}

func (b *dirtyBitmap) isEmpty() bool {
	for _, w := range b.words {
		if w != 0 {
			return false
		}
	}
	return true
}

// collectSet returns every set bit position, ascending.
func (b *dirtyBitmap) collectSet() []uint32 {
	var out []uint32
	for wi, w := range b.words {
		if w == 0 {
			continue
		}
		for bit := 0; bit < 64; bit++ {
			if w&(1<<uint(bit)) != 0 {
				out = append(out, uint32(wi*64+bit))
			}
		}
	}
	return out
}

// encode serializes the bitmap in the on-disk "LRBM" format: magic, little-endian u32 word count, then word_count u64
// words, each written little-endian.
func (b *dirtyBitmap) encode() []byte {
	buf := make([]byte, 8+len(b.words)*8)
	copy(buf[0:4], bitmapMagic[:])
	util.WriteLEUint32(buf, 4, uint32(len(b.words)))
	for i, w := range b.words {
		off := 8 + i*8
		for j := 0; j < 8; j++ {
			buf[off+j] = byte(w >> (8 * uint(j)))
		}
	}
	return buf
}

// decodeBitmap parses the on-disk "LRBM" format, rejecting corruption by
// capping word_count at maxWordCount.
func decodeBitmap(data []byte) (*dirtyBitmap, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("journal: bitmap file too short (%d bytes)", len(data))
	}
	if string(data[0:4]) != string(bitmapMagic[:]) {
		return nil, fmt.Errorf("journal: bad bitmap magic %q", data[0:4])
	}
	wordCount := util.ReadLEUint32(data, 4)
	if wordCount > maxWordCount {
		return nil, fmt.Errorf("journal: bitmap word_count %d exceeds cap %d, rejecting as corrupt", wordCount, maxWordCount)
	}
	need := 8 + int(wordCount)*8
	if len(data) < need {
		return nil, fmt.Errorf("journal: bitmap file truncated: need %d bytes, have %d", need, len(data))
	}
	b := &dirtyBitmap{words: make(util.BitSet, wordCount)}
	for i := uint32(0); i < wordCount; i++ {
		off := 8 + int(i)*8
		var w uint64
		for j := 0; j < 8; j++ {
			w |= uint64(data[off+j]) << (8 * uint(j))
		}
		b.words[i] = w
	}
	return b, nil
}

// or merges the bits of other into b, growing b as needed. Used on mount
// to OR a recovered on-disk bitmap into the live one.
func (b *dirtyBitmap) or(other *dirtyBitmap) {
	if other == nil {
		return
	}
	for len(b.words) < len(other.words) {
		b.words = append(b.words, 0)
	}
	for i, w := range other.words {
		b.words[i] |= w
	}
}
