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

// Package engine wires the position allocator, parity codec, state core,
// and journal into one storage engine, exposing the virtual-path
// operations the filesystem shim and control channel call into.
package engine

import (
	"errors"
	"syscall"
)

// Abstract error kinds, independent of any particular transport's error
// type. Shim and control-channel code map these to
// syscall.Errno / protocol reply strings at their own boundary.
var (
	ErrNotFound           = errors.New("engine: no such vpath")
	ErrNotEmpty           = errors.New("engine: directory not empty")
	ErrExists             = errors.New("engine: already exists")
	ErrIoError            = errors.New("engine: underlying storage failure")
	ErrTooManyFailures    = errors.New("engine: too many failed drives to decode")
	ErrNamespaceExhausted = errors.New("engine: parity position namespace exhausted")
	ErrInvalid            = errors.New("engine: invalid argument")
	ErrOutOfMemory        = errors.New("engine: out of memory")
)

// ToErrno maps an abstract error kind to the nearest POSIX errno, for the
// FUSE boundary.
func ToErrno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, ErrNotEmpty):
		return syscall.ENOTEMPTY
	case errors.Is(err, ErrExists):
		return syscall.EEXIST
	case errors.Is(err, ErrTooManyFailures):
		return syscall.EIO
	case errors.Is(err, ErrIoError):
		return syscall.EIO
	case errors.Is(err, ErrNamespaceExhausted):
		return syscall.ENOSPC
	case errors.Is(err, ErrInvalid):
		return syscall.EINVAL
	case errors.Is(err, ErrOutOfMemory):
		return syscall.ENOMEM
	default:
		return syscall.EIO
	}
}
