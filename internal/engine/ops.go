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
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/asig/liveraid/internal/state"
)

// Rename flags, matching Linux's renameat2 bit values.
const (
	RenameNoReplace uint32 = 1 << 0
	RenameExchange  uint32 = 1 << 1
)

func blockCountFor(size int64, blockSize uint32) uint32 {
	if size <= 0 {
		return 0
	}
	return uint32((size + int64(blockSize) - 1) / int64(blockSize))
}

// Create handles the not-already-existing case; the shim handles the
// existing-file O_TRUNC path via Open + Truncate.
func (e *Engine) Create(vpath string, mode, uid, gid uint32) (*Handle, error) {
	e.core.Lock()
	defer e.core.Unlock()

	if _, ok := e.core.FindFile(vpath); ok {
		return nil, ErrExists
	}
	if _, ok := e.core.FindDir(vpath); ok {
		return nil, ErrExists
	}

	driveIdx := e.core.PickDrive()
	if driveIdx == state.NoDrive {
		return nil, fmt.Errorf("%w: no drives configured", ErrInvalid)
	}
	if err := e.ensureDirChain(driveIdx, vparent(vpath)); err != nil {
		return nil, err
	}

	drive := e.core.Drives[driveIdx]
	real := state.RealPath(drive, vpath)
	f, err := os.OpenFile(real, os.O_CREATE|os.O_RDWR, os.FileMode(mode&0777))
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrIoError, real, err)
	}

	sec, nsec := mtimeNow()
	if st, err := f.Stat(); err == nil {
		sec, nsec = statTimes(st)
	}
	rec := &state.FileRecord{
		VPath: vpath, DriveIndex: driveIdx, Size: 0,
		MtimeSec: sec, MtimeNsec: nsec, Mode: mode, Uid: uid, Gid: gid, OpenCount: 1,
	}
	e.core.InsertFile(rec)
	e.core.RebuildPosIndex(driveIdx)

	return &Handle{VPath: vpath, DriveIndex: driveIdx, file: f}, nil
}

// Open resolves a virtual path to a handle, including the dead-drive fallback.
func (e *Engine) Open(vpath string, writable bool) (*Handle, error) {
	e.core.Lock()
	defer e.core.Unlock()

	f, ok := e.core.FindFile(vpath)
	if !ok {
		return nil, ErrNotFound
	}

	drive := e.core.Drives[f.DriveIndex]
	real := state.RealPath(drive, vpath)
	flags := os.O_RDONLY
	if writable {
		flags = os.O_RDWR
	}
	file, err := os.OpenFile(real, flags, 0)
	if err != nil {
		if !writable && e.parity.NumParity() > 0 && isDeadDriveErr(err) {
			f.OpenCount++
			return &Handle{VPath: vpath, DriveIndex: f.DriveIndex, Dead: true}, nil
		}
		return nil, fmt.Errorf("%w: open %s: %v", ErrIoError, real, err)
	}
	f.OpenCount++
	return &Handle{VPath: vpath, DriveIndex: f.DriveIndex, file: file}, nil
}

// Release decrements open_count and closes the real descriptor, if any.
func (e *Engine) Release(h *Handle) error {
	e.core.Lock()
	if f, ok := e.core.FindFile(h.VPath); ok && f.OpenCount > 0 {
		f.OpenCount--
	}
	e.core.Unlock()
	return h.Close()
}

// Read serves a read, including the parity fallback on EIO or a dead-drive
// handle.
func (e *Engine) Read(h *Handle, offset int64, size int) ([]byte, error) {
	if h.Dead {
		return e.readThroughParity(h, offset, size)
	}

	buf := make([]byte, size)
	n, err := h.file.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		if isEIO(err) && e.parity.NumParity() > 0 {
			return e.readThroughParity(h, offset, size)
		}
		if n == 0 {
			return nil, fmt.Errorf("%w: %v", ErrIoError, err)
		}
	}
	return buf[:n], nil
}

// readThroughParity reconstructs data block-by-block via the parity
// codec for a dead-drive handle or an EIO on the real file. Partial
// success is returned.
func (e *Engine) readThroughParity(h *Handle, offset int64, size int) ([]byte, error) {
	if e.parity.NumParity() == 0 {
		return nil, ErrIoError
	}
	e.core.RLock()
	f, ok := e.core.FindFile(h.VPath)
	e.core.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	blockSize := int64(e.cfg.BlockSize)
	out := make([]byte, 0, size)
	pos := offset
	remaining := size

	for remaining > 0 {
		blockIdx := uint32(pos / blockSize)
		blockOff := pos % blockSize
		parityPos := f.ParityPosStart + blockIdx

		block, err := e.parity.ReconstructBlock(parityPos, h.DriveIndex, func(d int) ([]byte, bool) {
			e.core.RLock()
			b, readErr := e.core.ReadDataBlock(d, parityPos)
			e.core.RUnlock()
			return b, !readErr
		})
		if err != nil {
			if len(out) == 0 {
				return nil, fmt.Errorf("%w: parity decode at pos %d: %v", ErrIoError, parityPos, err)
			}
			break
		}

		take := blockSize - blockOff
		if take > int64(remaining) {
			take = int64(remaining)
		}
		out = append(out, block[blockOff:blockOff+take]...)
		pos += take
		remaining -= int(take)
	}
	return out, nil
}

// Write performs a pwrite, then grows/allocates/marks dirty under the write
// lock.
func (e *Engine) Write(h *Handle, offset int64, data []byte) (int, error) {
	if h.Dead {
		return 0, fmt.Errorf("%w: write to dead-drive handle", ErrIoError)
	}

	n, err := h.file.WriteAt(data, offset)
	if err != nil {
		return n, fmt.Errorf("%w: %v", ErrIoError, err)
	}

	e.core.Lock()
	defer e.core.Unlock()
	f, ok := e.core.FindFile(h.VPath)
	if !ok {
		return n, nil
	}

	newSize := offset + int64(n)
	if newSize > f.Size {
		f.Size = newSize
	}
	blockSize := e.cfg.BlockSize
	newBlockCount := blockCountFor(f.Size, blockSize)
	if newBlockCount > f.BlockCount {
		e.growAllocation(f, newBlockCount)
	}

	sec, nsec := mtimeNow()
	f.MtimeSec, f.MtimeNsec = sec, nsec

	startBlock := uint32(offset) / blockSize
	endBlock := blockCountFor(offset+int64(n), blockSize)
	if endBlock > startBlock {
		e.journal.MarkDirtyRange(f.ParityPosStart+startBlock, endBlock-startBlock)
	}
	return n, nil
}

// growAllocation extends f's position range to newBlockCount blocks,
// preferring the cheap in-place grow, then fresh allocation, then
// free-and-reallocate. Caller must hold
// the write lock.
func (e *Engine) growAllocation(f *state.FileRecord, newBlockCount uint32) {
	drive := e.core.Drives[f.DriveIndex]
	oldCount := f.BlockCount
	needed := newBlockCount - oldCount

	switch {
	case oldCount == 0:
		start, err := drive.Allocator.Alloc(newBlockCount)
		if err != nil {
			log.Error().Err(err).Str("vpath", f.VPath).Msg("position allocation failed")
			return
		}
		f.ParityPosStart = start
		f.BlockCount = newBlockCount
		e.journal.MarkDirtyRange(start, newBlockCount)

	case drive.Allocator.GrowInPlace(f.ParityPosStart, oldCount, needed):
		f.BlockCount = newBlockCount
		e.journal.MarkDirtyRange(f.ParityPosStart+oldCount, needed)

	default:
		drive.Allocator.Free(f.ParityPosStart, oldCount)
		start, err := drive.Allocator.Alloc(newBlockCount)
		if err != nil {
			log.Error().Err(err).Str("vpath", f.VPath).Msg("position allocation failed after free")
			return
		}
		f.ParityPosStart = start
		f.BlockCount = newBlockCount
		e.journal.MarkDirtyRange(start, newBlockCount)
	}
	e.core.RebuildPosIndex(f.DriveIndex)
}

// Unlink removes a file and frees its allocated positions.
func (e *Engine) Unlink(vpath string) error {
	e.core.Lock()
	defer e.core.Unlock()

	if f, ok := e.core.FindFile(vpath); ok {
		drive := e.core.Drives[f.DriveIndex]
		real := state.RealPath(drive, vpath)
		e.core.RemoveFile(vpath)
		if f.BlockCount > 0 {
			e.journal.MarkDirtyRange(f.ParityPosStart, f.BlockCount)
			drive.Allocator.Free(f.ParityPosStart, f.BlockCount)
			e.core.RebuildPosIndex(f.DriveIndex)
		}
		if err := os.Remove(real); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("vpath", vpath).Msg("unlink: real file removal failed, table entry already dropped")
		}
		return nil
	}
	if _, ok := e.core.FindSymlink(vpath); ok {
		e.core.RemoveSymlink(vpath)
		return nil
	}
	return ErrNotFound
}

// Rename moves or renames a file, directory, or symlink.
func (e *Engine) Rename(from, to string, flags uint32) error {
	if flags&RenameExchange != 0 {
		return fmt.Errorf("%w: RENAME_EXCHANGE is unsupported", ErrInvalid)
	}

	e.core.Lock()
	defer e.core.Unlock()

	if f, ok := e.core.FindFile(from); ok {
		return e.renameFile(f, to, flags)
	}
	if s, ok := e.core.FindSymlink(from); ok {
		if flags&RenameNoReplace != 0 {
			if _, exists := e.core.FindSymlink(to); exists {
				return ErrExists
			}
		}
		e.core.RemoveSymlink(from)
		s.VPath = to
		e.core.InsertSymlink(s)
		return nil
	}
	if d, ok := e.core.FindDir(from); ok {
		return e.renameDir(d, from, to)
	}
	return ErrNotFound
}

func (e *Engine) renameFile(f *state.FileRecord, to string, flags uint32) error {
	if flags&RenameNoReplace != 0 {
		if _, exists := e.core.FindFile(to); exists {
			return ErrExists
		}
		if _, exists := e.core.FindDir(to); exists {
			return ErrExists
		}
	}

	if old, ok := e.core.FindFile(to); ok {
		oldDrive := e.core.Drives[old.DriveIndex]
		e.core.RemoveFile(to)
		if old.BlockCount > 0 {
			e.journal.MarkDirtyRange(old.ParityPosStart, old.BlockCount)
			oldDrive.Allocator.Free(old.ParityPosStart, old.BlockCount)
			e.core.RebuildPosIndex(old.DriveIndex)
		}
		_ = os.Remove(state.RealPath(oldDrive, to))
	}

	drive := e.core.Drives[f.DriveIndex]
	if err := e.ensureDirChain(f.DriveIndex, vparent(to)); err != nil {
		return err
	}
	oldReal := state.RealPath(drive, f.VPath)
	newReal := state.RealPath(drive, to)
	if err := os.Rename(oldReal, newReal); err != nil {
		return fmt.Errorf("%w: rename %s -> %s: %v", ErrIoError, oldReal, newReal, err)
	}

	from := f.VPath
	e.core.RemoveFile(from)
	f.VPath = to
	e.core.InsertFile(f)
	return nil
}

func (e *Engine) renameDir(d *state.DirRecord, from, to string) error {
	for _, dr := range e.core.Drives {
		oldReal := state.RealPath(dr, from)
		if _, err := os.Stat(oldReal); err != nil {
			continue
		}
		if err := e.ensureDirChain(dr.Index, vparent(to)); err != nil {
			return err
		}
		newReal := state.RealPath(dr, to)
		if err := os.Rename(oldReal, newReal); err != nil {
			return fmt.Errorf("%w: rename dir %s -> %s: %v", ErrIoError, oldReal, newReal, err)
		}
	}

	e.core.RemoveDir(from)
	d.VPath = to
	e.core.InsertDir(d)

	for _, f := range append([]*state.FileRecord(nil), e.core.Files()...) {
		if isUnder(f.VPath, from) && f.VPath != from {
			newVPath := rekeyPrefix(f.VPath, from, to)
			e.core.RemoveFile(f.VPath)
			f.VPath = newVPath
			e.core.InsertFile(f)
		}
	}
	for _, sub := range append([]*state.DirRecord(nil), e.core.Dirs()...) {
		if isUnder(sub.VPath, from) && sub.VPath != from {
			newVPath := rekeyPrefix(sub.VPath, from, to)
			e.core.RemoveDir(sub.VPath)
			sub.VPath = newVPath
			e.core.InsertDir(sub)
		}
	}
	for _, s := range append([]*state.SymlinkRecord(nil), e.core.Symlinks()...) {
		if isUnder(s.VPath, from) && s.VPath != from {
			newVPath := rekeyPrefix(s.VPath, from, to)
			e.core.RemoveSymlink(s.VPath)
			s.VPath = newVPath
			e.core.InsertSymlink(s)
		}
	}
	return nil
}

// Mkdir creates a directory.
func (e *Engine) Mkdir(vpath string, mode, uid, gid uint32) error {
	e.core.Lock()
	defer e.core.Unlock()

	if _, ok := e.core.FindDir(vpath); ok {
		return ErrExists
	}
	if _, ok := e.core.FindFile(vpath); ok {
		return ErrExists
	}

	driveIdx := e.core.PickDrive()
	if driveIdx == state.NoDrive {
		return fmt.Errorf("%w: no drives configured", ErrInvalid)
	}
	if err := e.ensureDirChain(driveIdx, vpath); err != nil {
		return err
	}

	sec, nsec := mtimeNow()
	e.core.InsertDir(&state.DirRecord{VPath: vpath, Mode: mode, Uid: uid, Gid: gid, MtimeSec: sec, MtimeNsec: nsec})
	return nil
}

// Rmdir removes an empty directory.
func (e *Engine) Rmdir(vpath string) error {
	e.core.Lock()
	defer e.core.Unlock()

	if _, ok := e.core.FindDir(vpath); !ok {
		return ErrNotFound
	}

	for _, dr := range e.core.Drives {
		real := state.RealPath(dr, vpath)
		if err := os.Remove(real); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			if errors.Is(err, syscall.ENOTEMPTY) {
				return ErrNotEmpty
			}
			log.Warn().Err(err).Str("vpath", vpath).Str("drive", dr.Name).Msg("rmdir: real removal failed on this drive, continuing")
		}
	}
	e.core.RemoveDir(vpath)
	return nil
}

// Symlink creates a symbolic link.
func (e *Engine) Symlink(target, link string, uid, gid uint32) error {
	e.core.Lock()
	defer e.core.Unlock()

	if _, ok := e.core.FindSymlink(link); ok {
		return ErrExists
	}
	if _, ok := e.core.FindFile(link); ok {
		return ErrExists
	}
	sec, nsec := mtimeNow()
	e.core.InsertSymlink(&state.SymlinkRecord{VPath: link, Target: target, Uid: uid, Gid: gid, MtimeSec: sec, MtimeNsec: nsec})
	return nil
}

// Readlink returns a symbolic link's target.
func (e *Engine) Readlink(vpath string) (string, error) {
	e.core.RLock()
	defer e.core.RUnlock()
	s, ok := e.core.FindSymlink(vpath)
	if !ok {
		return "", ErrNotFound
	}
	return s.Target, nil
}

// Chmod changes a path's permission bits.
func (e *Engine) Chmod(vpath string, mode uint32) error {
	e.core.Lock()
	defer e.core.Unlock()

	if f, ok := e.core.FindFile(vpath); ok {
		real := state.RealPath(e.core.Drives[f.DriveIndex], vpath)
		_ = os.Chmod(real, os.FileMode(mode&0777))
		f.Mode = (f.Mode &^ 0777) | (mode & 0777)
		return nil
	}
	if d, ok := e.core.FindDir(vpath); ok {
		for _, dr := range e.core.Drives {
			_ = os.Chmod(state.RealPath(dr, vpath), os.FileMode(mode&0777))
		}
		d.Mode = (d.Mode &^ 0777) | (mode & 0777)
		return nil
	}
	if _, ok := e.core.FindSymlink(vpath); ok {
		return nil // symlinks report a fixed synthesized mode
	}
	return ErrNotFound
}

// Chown changes a path's owning uid/gid.
func (e *Engine) Chown(vpath string, uid, gid uint32) error {
	e.core.Lock()
	defer e.core.Unlock()

	if f, ok := e.core.FindFile(vpath); ok {
		real := state.RealPath(e.core.Drives[f.DriveIndex], vpath)
		_ = os.Chown(real, int(uid), int(gid))
		f.Uid, f.Gid = uid, gid
		return nil
	}
	if d, ok := e.core.FindDir(vpath); ok {
		for _, dr := range e.core.Drives {
			_ = os.Chown(state.RealPath(dr, vpath), int(uid), int(gid))
		}
		d.Uid, d.Gid = uid, gid
		return nil
	}
	if s, ok := e.core.FindSymlink(vpath); ok {
		s.Uid, s.Gid = uid, gid
		return nil
	}
	return ErrNotFound
}

// Utimens changes a path's access/modification times.
func (e *Engine) Utimens(vpath string, sec, nsec int64) error {
	e.core.Lock()
	defer e.core.Unlock()

	if f, ok := e.core.FindFile(vpath); ok {
		real := state.RealPath(e.core.Drives[f.DriveIndex], vpath)
		ts := unix.NsecToTimespec(sec*1e9 + nsec)
		_ = unix.UtimesNanoAt(unix.AT_FDCWD, real, []unix.Timespec{ts, ts}, 0)
		f.MtimeSec, f.MtimeNsec = sec, nsec
		return nil
	}
	if d, ok := e.core.FindDir(vpath); ok {
		for _, dr := range e.core.Drives {
			real := state.RealPath(dr, vpath)
			ts := unix.NsecToTimespec(sec*1e9 + nsec)
			_ = unix.UtimesNanoAt(unix.AT_FDCWD, real, []unix.Timespec{ts, ts}, 0)
		}
		d.MtimeSec, d.MtimeNsec = sec, nsec
		return nil
	}
	if s, ok := e.core.FindSymlink(vpath); ok {
		s.MtimeSec, s.MtimeNsec = sec, nsec
		return nil
	}
	return ErrNotFound
}

// Truncate resizes a file, freeing or allocating positions as needed.
func (e *Engine) Truncate(vpath string, size int64) error {
	e.core.Lock()
	defer e.core.Unlock()

	f, ok := e.core.FindFile(vpath)
	if !ok {
		return ErrNotFound
	}
	drive := e.core.Drives[f.DriveIndex]
	real := state.RealPath(drive, vpath)
	if err := os.Truncate(real, size); err != nil {
		return fmt.Errorf("%w: truncate %s: %v", ErrIoError, real, err)
	}

	newBlockCount := blockCountFor(size, e.cfg.BlockSize)
	oldBlockCount := f.BlockCount
	f.Size = size
	sec, nsec := mtimeNow()
	f.MtimeSec, f.MtimeNsec = sec, nsec

	switch {
	case newBlockCount < oldBlockCount:
		freedStart := f.ParityPosStart + newBlockCount
		freedCount := oldBlockCount - newBlockCount
		e.journal.MarkDirtyRange(freedStart, freedCount)
		drive.Allocator.Free(freedStart, freedCount)
		f.BlockCount = newBlockCount
		e.core.RebuildPosIndex(f.DriveIndex)
	case newBlockCount > oldBlockCount:
		e.growAllocation(f, newBlockCount)
	}
	return nil
}

// Fsync fdatasyncs the real file, marks this file's positions dirty, and
// blocks until the journal drains them.
func (e *Engine) Fsync(h *Handle) error {
	if h.Dead {
		return nil
	}
	if err := unix.Fdatasync(int(h.file.Fd())); err != nil {
		return fmt.Errorf("%w: fdatasync: %v", ErrIoError, err)
	}

	e.core.RLock()
	f, ok := e.core.FindFile(h.VPath)
	e.core.RUnlock()
	if ok && f.BlockCount > 0 {
		e.journal.MarkDirtyRange(f.ParityPosStart, f.BlockCount)
	}
	e.journal.Flush()
	return nil
}

// Statfs aggregates available bytes across drives, normalizing to a
// single 4096-byte block size.
func (e *Engine) Statfs() (*StatfsResult, error) {
	const blockSize = 4096

	e.core.RLock()
	defer e.core.RUnlock()

	var totalBlocks, freeBlocks uint64
	for _, d := range e.core.Drives {
		var st unix.Statfs_t
		if err := unix.Statfs(d.Dir, &st); err != nil {
			continue
		}
		bs := uint64(st.Bsize)
		totalBlocks += st.Blocks * bs / blockSize
		freeBlocks += st.Bavail * bs / blockSize
	}
	return &StatfsResult{BlockSize: blockSize, Blocks: totalBlocks, BlocksFree: freeBlocks}, nil
}

func isEIO(err error) bool {
	return errors.Is(err, syscall.EIO)
}

// isDeadDriveErr reports whether err from opening a real file indicates
// the backing drive is unreachable.
func isDeadDriveErr(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.EIO) || errors.Is(err, syscall.ENODEV) || errors.Is(err, syscall.ENXIO)
}
