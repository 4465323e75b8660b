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
	"fmt"
	"os"
	"strings"

	"github.com/asig/liveraid/internal/state"
)

// ensureDirChain creates dirVPath and every ancestor on driveIndex that
// doesn't already exist, inheriting permission bits from a sibling drive
// that already has the same directory, falling back to 0755.
// Caller must hold the state write lock.
func (e *Engine) ensureDirChain(driveIndex int, dirVPath string) error {
	if dirVPath == "/" {
		return nil
	}
	drive := e.core.Drives[driveIndex]
	parts := strings.Split(strings.TrimPrefix(dirVPath, "/"), "/")
	cur := "/"
	for _, part := range parts {
		if part == "" {
			continue
		}
		cur = vjoin(cur, part)
		real := state.RealPath(drive, cur)
		if st, err := os.Stat(real); err == nil {
			if !st.IsDir() {
				return fmt.Errorf("%w: %s exists and is not a directory", ErrInvalid, cur)
			}
			continue
		}

		mode := os.FileMode(0755)
		for _, sibling := range e.core.Drives {
			if sibling.Index == driveIndex {
				continue
			}
			if st, err := os.Stat(state.RealPath(sibling, cur)); err == nil && st.IsDir() {
				mode = st.Mode().Perm()
				break
			}
		}
		if err := os.Mkdir(real, mode); err != nil && !os.IsExist(err) {
			return fmt.Errorf("%w: mkdir %s: %v", ErrIoError, real, err)
		}
	}
	return nil
}
