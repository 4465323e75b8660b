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

// ReconstructBlock reconstructs the data block for driveIndex at pos, the
// shared primitive behind both the filesystem shim's dead-drive read path
// and rebuild. readData is called for every other data drive; it returns
// (block, false) if that drive's block can't be read, which is itself
// folded into the failure set passed to Decode.
func (h *Handle) ReconstructBlock(pos uint32, driveIndex int, readData func(drive int) ([]byte, bool)) ([]byte, error) {
	nd := h.Codec.NumData()
	np := h.NumParity()
	shards := make([][]byte, nd+np)
	var failed []int

	for d := 0; d < nd; d++ {
		if d == driveIndex {
			failed = append(failed, d)
			continue
		}
		block, ok := readData(d)
		if !ok {
			failed = append(failed, d)
			continue
		}
		shards[d] = block
	}
	for l := 1; l <= np; l++ {
		block, err := h.ReadParityBlock(l, pos)
		if err != nil {
			failed = append(failed, nd+l-1)
			continue
		}
		shards[nd+l-1] = block
	}

	if err := h.Codec.Decode(shards, failed); err != nil {
		return nil, err
	}
	return shards[driveIndex], nil
}
