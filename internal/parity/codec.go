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

// Package parity implements the Cauchy GF(2⁸) erasure-coding path: encode,
// multi-failure decode, and the block-level scrub primitives built on top
// of it. The matrix construction and byte-wise GF arithmetic are delegated
// to github.com/klauspost/reedsolomon, configured with
// reedsolomon.WithCauchyMatrix() so row i, col j of the generator matrix
// follows the standard Cauchy construction.
package parity

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/klauspost/reedsolomon"
)

// ErrTooManyFailures is returned when more than np shards are missing.
var ErrTooManyFailures = errors.New("parity: too many failed drives to decode")

// Codec encodes and decodes one "stripe" (one position's worth of blocks
// across all drives) using a Cauchy matrix over GF(2⁸).
type Codec struct {
	nd, np    int
	blockSize uint32
	enc       reedsolomon.Encoder
}

// New builds a codec for nd data drives and np parity levels. Requires
// nd+np <= 256 for GF(2⁸) row-index distinctness.
func New(nd, np int, blockSize uint32) (*Codec, error) {
	if nd <= 0 {
		return nil, fmt.Errorf("parity: nd must be positive, got %d", nd)
	}
	if np < 0 || np > 6 {
		return nil, fmt.Errorf("parity: np must be 0..6, got %d", np)
	}
	if nd+np > 256 {
		return nil, fmt.Errorf("parity: nd+np=%d exceeds GF(2^8) row limit of 256", nd+np)
	}
	if blockSize == 0 || blockSize%64 != 0 {
		return nil, fmt.Errorf("parity: blockSize must be a positive multiple of 64, got %d", blockSize)
	}

	c := &Codec{nd: nd, np: np, blockSize: blockSize}
	if np > 0 {
		enc, err := reedsolomon.New(nd, np, reedsolomon.WithCauchyMatrix())
		if err != nil {
			return nil, fmt.Errorf("parity: building Cauchy encoder: %w", err)
		}
		c.enc = enc
	}
	return c, nil
}

// NumData returns nd.
func (c *Codec) NumData() int { return c.nd }

// NumParity returns np.
func (c *Codec) NumParity() int { return c.np }

// BlockSize returns the configured block size in bytes.
func (c *Codec) BlockSize() uint32 { return c.blockSize }

// NewStripe allocates nd+np 64-byte-aligned block buffers.
func (c *Codec) NewStripe() [][]byte {
	shards := make([][]byte, c.nd+c.np)
	for i := range shards {
		shards[i] = newAlignedBlock(c.blockSize)
	}
	return shards
}

// newAlignedBlock returns a zeroed, 64-byte-aligned block of size bytes.
func newAlignedBlock(size uint32) []byte {
	const align = 64
	buf := make([]byte, size+align)
	off := 0
	if rem := int(uintptr(unsafe.Pointer(&buf[0])) % align); rem != 0 {
		off = align - rem
	}
	return buf[off : off+int(size) : off+int(size)]
}

// Encode computes the np parity blocks for a stripe of nd data blocks.
// data must have exactly nd elements, each blockSize bytes. The returned
// slice has np elements.
func (c *Codec) Encode(data [][]byte) ([][]byte, error) {
	if len(data) != c.nd {
		return nil, fmt.Errorf("parity: Encode needs %d data blocks, got %d", c.nd, len(data))
	}
	if c.np == 0 {
		return nil, nil
	}
	shards := make([][]byte, c.nd+c.np)
	copy(shards, data)
	for i := 0; i < c.np; i++ {
		shards[c.nd+i] = make([]byte, c.blockSize)
	}
	if err := c.enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("parity: encode: %w", err)
	}
	return shards[c.nd:], nil
}

// Decode reconstructs every block belonging to a failed drive in the
// given stripe. shards must have nd+np elements; entries for drives in
// failed must be nil (or will be overwritten), all others must hold valid
// data. On return, every entry is populated, including the reconstructed
// ones for indices in failed that are < nd.
//
// Uses the surviving data rows (identity) plus the first len(failed)
// parity rows, inverts that nd x nd submatrix, and solves for every
// failed row in one pass -- exactly what reedsolomon.Reconstruct does
// internally for a Cauchy matrix.
func (c *Codec) Decode(shards [][]byte, failed []int) error {
	if len(shards) != c.nd+c.np {
		return fmt.Errorf("parity: Decode needs %d shards, got %d", c.nd+c.np, len(shards))
	}
	if len(failed) > c.np {
		return ErrTooManyFailures
	}
	if len(failed) == 0 {
		return nil
	}
	if c.np == 0 {
		return ErrTooManyFailures
	}

	work := make([][]byte, len(shards))
	copy(work, shards)
	for _, f := range failed {
		if f < 0 || f >= len(shards) {
			return fmt.Errorf("parity: failed index %d out of range", f)
		}
		work[f] = nil
	}

	if err := c.enc.Reconstruct(work); err != nil {
		if errors.Is(err, reedsolomon.ErrTooFewShards) {
			return ErrTooManyFailures
		}
		return fmt.Errorf("parity: reconstruct: %w", err)
	}
	for _, f := range failed {
		shards[f] = work[f]
	}
	return nil
}

// Verify reports whether the parity blocks in a fully-present stripe are
// consistent with the data blocks (used by scrub).
func (c *Codec) Verify(shards [][]byte) (bool, error) {
	if c.np == 0 {
		return true, nil
	}
	if len(shards) != c.nd+c.np {
		return false, fmt.Errorf("parity: Verify needs %d shards, got %d", c.nd+c.np, len(shards))
	}
	ok, err := c.enc.Verify(shards)
	if err != nil {
		return false, fmt.Errorf("parity: verify: %w", err)
	}
	return ok, nil
}
