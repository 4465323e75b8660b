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

package state

import "sort"

// posEntry is one entry of a per-drive position index.
type posEntry struct {
	posStart   uint32
	blockCount uint32
	file       *FileRecord
}

// PositionIndex is a per-drive sorted array answering "which file has
// data at position P?" in O(log n). Plain-array representation, rebuilt
// wholesale after any mutation that changes a file's position range on
// the drive.
type PositionIndex struct {
	entries []posEntry
}

// Rebuild rescans files, keeping only those on driveIndex, and sorts by
// pos_start.
func (pi *PositionIndex) Rebuild(files []*FileRecord, driveIndex int) {
	pi.entries = pi.entries[:0]
	for _, f := range files {
		if f.DriveIndex != driveIndex || f.BlockCount == 0 {
			continue
		}
		pi.entries = append(pi.entries, posEntry{f.ParityPosStart, f.BlockCount, f})
	}
	sort.Slice(pi.entries, func(i, j int) bool { return pi.entries[i].posStart < pi.entries[j].posStart })
}

// Find returns the file occupying position pos on this drive, and the
// block index within that file, or (nil, 0) if no file occupies it.
func (pi *PositionIndex) Find(pos uint32) (*FileRecord, uint32) {
	// Binary search for the last entry with posStart <= pos.
	i := sort.Search(len(pi.entries), func(i int) bool { return pi.entries[i].posStart > pos })
	if i == 0 {
		return nil, 0
	}
	e := pi.entries[i-1]
	if pos < e.posStart+e.blockCount {
		return e.file, pos - e.posStart
	}
	return nil, 0
}

// MaxPos returns one past the highest position occupied on this drive,
// i.e. the value next_free would have if it exactly tracked file extents.
func (pi *PositionIndex) MaxPos() uint32 {
	if len(pi.entries) == 0 {
		return 0
	}
	last := pi.entries[len(pi.entries)-1]
	return last.posStart + last.blockCount
}
