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

import "strings"

// vparent returns the parent of an absolute virtual path ("/" for
// top-level entries).
func vparent(vpath string) string {
	i := strings.LastIndexByte(vpath, '/')
	if i <= 0 {
		return "/"
	}
	return vpath[:i]
}

// vbase returns the final path component of an absolute virtual path.
func vbase(vpath string) string {
	i := strings.LastIndexByte(vpath, '/')
	return vpath[i+1:]
}

// vjoin joins a parent vpath and a child name into an absolute vpath.
func vjoin(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

// isUnder reports whether vpath is prefix+"/"+anything, or equal to prefix.
// Every absolute vpath is under "/".
func isUnder(vpath, prefix string) bool {
	if prefix == "/" {
		return strings.HasPrefix(vpath, "/")
	}
	return vpath == prefix || strings.HasPrefix(vpath, prefix+"/")
}

// rekeyPrefix rewrites a vpath that begins with from into one beginning
// with to.
func rekeyPrefix(vpath, from, to string) string {
	if vpath == from {
		return to
	}
	return to + vpath[len(from):]
}
