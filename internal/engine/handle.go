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

import "os"

// Handle is a per-open file handle: either a live real-file descriptor or
// a tagged dead-drive sentinel that forwards every read through parity
// reconstruction and rejects writes.
type Handle struct {
	VPath      string
	DriveIndex int

	file *os.File // nil when Dead
	Dead bool
}

// Close releases the real file descriptor, if any. It does not touch
// open_count; callers decrement that under the state write lock
// themselves (Engine.Release).
func (h *Handle) Close() error {
	if h.file == nil {
		return nil
	}
	return h.file.Close()
}
