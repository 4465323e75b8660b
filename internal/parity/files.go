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

package parity

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
)

// ParityFile is one erasure-code level's file, block-indexed by position.
// Block p lies at byte offset p*blockSize. Files are never truncated;
// reads past end-of-file return zeroed blocks rather than an error,
// because positions are shared across all levels and not every position
// is occupied yet.
type ParityFile struct {
	f         *os.File
	blockSize uint32
}

// OpenParityFile opens (creating if necessary) a parity level file.
func OpenParityFile(path string, blockSize uint32) (*ParityFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("parity: opening %s: %w", path, err)
	}
	return &ParityFile{f: f, blockSize: blockSize}, nil
}

// Close closes the underlying file.
func (p *ParityFile) Close() error {
	return p.f.Close()
}

// ReadBlock reads the block at position pos, zero-filling any portion
// past the current end of file (short reads are zero-padded).
func (p *ParityFile) ReadBlock(pos uint32) ([]byte, error) {
	buf := make([]byte, p.blockSize)
	off := int64(pos) * int64(p.blockSize)
	n, err := p.f.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("parity: reading block %d: %w", pos, err)
	}
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return buf, nil
}

// WriteBlock writes the block at position pos, extending the file as
// needed. block must be exactly blockSize bytes.
func (p *ParityFile) WriteBlock(pos uint32, block []byte) error {
	if uint32(len(block)) != p.blockSize {
		return fmt.Errorf("parity: WriteBlock got %d bytes, want %d", len(block), p.blockSize)
	}
	off := int64(pos) * int64(p.blockSize)
	if _, err := p.f.WriteAt(block, off); err != nil {
		return fmt.Errorf("parity: writing block %d: %w", pos, err)
	}
	return nil
}

// Sync fsyncs the underlying file.
func (p *ParityFile) Sync() error {
	return p.f.Sync()
}

// Handle groups the np parity level files plus the Codec that operates on
// them.
type Handle struct {
	Codec *Codec
	files []*ParityFile // index 0 == level 1
}

// OpenHandle opens every configured parity level and builds the Cauchy
// codec for nd data drives.
func OpenHandle(paths []string, nd int, blockSize uint32) (*Handle, error) {
	np := len(paths)
	codec, err := New(nd, np, blockSize)
	if err != nil {
		return nil, err
	}
	h := &Handle{Codec: codec}
	for i, path := range paths {
		pf, err := OpenParityFile(path, blockSize)
		if err != nil {
			h.Close()
			return nil, fmt.Errorf("parity: opening level %d: %w", i+1, err)
		}
		h.files = append(h.files, pf)
	}
	return h, nil
}

// Close closes every level file.
func (h *Handle) Close() error {
	var firstErr error
	for _, f := range h.files {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NumParity returns np.
func (h *Handle) NumParity() int { return len(h.files) }

// ReadParityBlock reads the block at pos from parity level (1-indexed).
func (h *Handle) ReadParityBlock(level int, pos uint32) ([]byte, error) {
	if level < 1 || level > len(h.files) {
		return nil, fmt.Errorf("parity: level %d out of range (1..%d)", level, len(h.files))
	}
	return h.files[level-1].ReadBlock(pos)
}

// WriteParityBlock writes the block at pos to parity level (1-indexed).
func (h *Handle) WriteParityBlock(level int, pos uint32, block []byte) error {
	if level < 1 || level > len(h.files) {
		return fmt.Errorf("parity: level %d out of range (1..%d)", level, len(h.files))
	}
	return h.files[level-1].WriteBlock(pos, block)
}

// EncodeAndWrite computes the np parity blocks for the nd data blocks of
// one stripe and writes them to the level files at pos. Used by the
// journal drainer.
func (h *Handle) EncodeAndWrite(pos uint32, data [][]byte) error {
	parityBlocks, err := h.Codec.Encode(data)
	if err != nil {
		return err
	}
	for i, block := range parityBlocks {
		if err := h.WriteParityBlock(i+1, pos, block); err != nil {
			log.Warn().Err(err).Uint32("pos", pos).Int("level", i+1).Msg("parity write failed, position remains inconsistent until scrub repair")
			return err
		}
	}
	return nil
}
