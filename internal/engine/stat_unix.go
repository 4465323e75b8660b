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

package engine

import (
	"os"
	"syscall"
)

// statTimes extracts mtime seconds/nanoseconds from an os.FileInfo via
// its underlying syscall.Stat_t. FUSE is Linux-only (bazil.org/fuse),
// so this is not behind a build tag.
func statTimes(st os.FileInfo) (sec, nsec int64) {
	raw, ok := st.Sys().(*syscall.Stat_t)
	if !ok {
		return st.ModTime().Unix(), int64(st.ModTime().Nanosecond())
	}
	return raw.Mtim.Sec, raw.Mtim.Nsec
}

// statOwner extracts uid/gid from an os.FileInfo.
func statOwner(st os.FileInfo) (uid, gid uint32) {
	raw, ok := st.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0
	}
	return raw.Uid, raw.Gid
}
