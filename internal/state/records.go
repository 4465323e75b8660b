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

// Package state holds the engine's single source of truth: drives, the
// file/dir/symlink tables, the per-drive position allocator and index,
// and the rwlock that guards all of it.
package state

import (
	"github.com/asig/liveraid/internal/alloc"
)

// FileRecord is the metadata for one regular file.
type FileRecord struct {
	VPath          string
	DriveIndex     int
	Size           int64
	ParityPosStart uint32
	BlockCount     uint32
	MtimeSec       int64
	MtimeNsec      int64
	Mode           uint32
	Uid            uint32
	Gid            uint32
	OpenCount      int
}

// DirRecord is the metadata for one explicitly-created directory.
// Synthetic ancestor directories are never stored here.
type DirRecord struct {
	VPath     string
	Mode      uint32
	Uid       uint32
	Gid       uint32
	MtimeSec  int64
	MtimeNsec int64
}

// SymlinkRecord is the metadata for one symbolic link. The
// target is stored verbatim, never resolved.
type SymlinkRecord struct {
	VPath     string
	Target    string
	Uid       uint32
	Gid       uint32
	MtimeSec  int64
	MtimeNsec int64
}

// Drive is one registered data drive.
type Drive struct {
	Name      string
	Dir       string // absolute path, trailing separator
	Index     int
	Allocator *alloc.Allocator
}
