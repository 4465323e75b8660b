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

// Package rebuild reconstructs a drive's files from parity: it walks the
// file records on the dead drive and, for every block of each file,
// writes the reconstructed block to a fresh backing file on the
// replacement. It shares the decode primitive in
// internal/parity/decode.go with the filesystem shim's dead-drive read
// path, and follows the same walk-and-report shape as the journal's Scrub
// (internal/journal/journal.go), retargeted at a single drive instead of
// every stripe.
package rebuild

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/asig/liveraid/internal/parity"
	"github.com/asig/liveraid/internal/state"
)

// Report summarizes one rebuild run.
type Report struct {
	FilesTotal     int
	FilesRebuilt   int
	FilesSkipped   int // open_count > 0 at the time they were visited
	FilesFailed    int
	PositionsTotal uint64
}

// Progress is called after each file is processed, for the control
// channel to stream "progress"/"skip"/"fail" lines.
type Progress func(vpath string, status string, err error)

// Drive reconstructs every file recorded on driveIndex into dir, the
// replacement drive's backing directory, skipping files that are
// currently open. Caller must NOT
// hold core's lock; Drive takes only short RLock sections internally
// (file listing, open-count checks, per-block data reads), so filesystem
// operations on other drives continue concurrently.
func Drive(core *state.Core, par *parity.Handle, driveIndex int, dir string, onProgress Progress) (Report, error) {
	if par.NumParity() == 0 {
		return Report{}, fmt.Errorf("rebuild: no parity levels configured, cannot reconstruct")
	}

	core.RLock()
	var files []*state.FileRecord
	for _, f := range core.Files() {
		if f.DriveIndex == driveIndex {
			files = append(files, f)
		}
	}
	drive := core.Drives[driveIndex]
	core.RUnlock()

	var rep Report
	rep.FilesTotal = len(files)

	for _, f := range files {
		core.RLock()
		openCount := f.OpenCount
		core.RUnlock()
		if openCount > 0 {
			rep.FilesSkipped++
			if onProgress != nil {
				onProgress(f.VPath, "skip busy", nil)
			}
			continue
		}

		if err := rebuildFile(core, par, driveIndex, drive, dir, f); err != nil {
			rep.FilesFailed++
			log.Warn().Err(err).Str("vpath", f.VPath).Msg("rebuild: file reconstruction failed")
			if onProgress != nil {
				onProgress(f.VPath, "fail", err)
			}
			continue
		}

		rep.FilesRebuilt++
		rep.PositionsTotal += uint64(f.BlockCount)
		if onProgress != nil {
			onProgress(f.VPath, "ok", nil)
		}
	}
	return rep, nil
}

// rebuildFile reconstructs every block of f and writes it to a fresh
// file at dir+f.VPath, then restores mode, ownership, and mtime.
func rebuildFile(core *state.Core, par *parity.Handle, driveIndex int, drive *state.Drive, dir string, f *state.FileRecord) error {
	target := dir
	if len(target) == 0 || target[len(target)-1] != '/' {
		target += "/"
	}
	real := target + trimLeadingSlash(f.VPath)

	if err := os.MkdirAll(parentOf(real), 0755); err != nil {
		return fmt.Errorf("rebuild: mkdir %s: %w", parentOf(real), err)
	}
	out, err := os.OpenFile(real, os.O_CREATE|os.O_RDWR|os.O_TRUNC, os.FileMode(f.Mode&0777))
	if err != nil {
		return fmt.Errorf("rebuild: create %s: %w", real, err)
	}
	defer out.Close()

	blockSize := int64(core.BlockSize)
	for i := uint32(0); i < f.BlockCount; i++ {
		pos := f.ParityPosStart + i
		block, err := par.ReconstructBlock(pos, driveIndex, func(d int) ([]byte, bool) {
			core.RLock()
			b, readErr := core.ReadDataBlock(d, pos)
			core.RUnlock()
			return b, !readErr
		})
		if err != nil {
			return fmt.Errorf("rebuild: decode position %d: %w", pos, err)
		}
		if _, err := out.WriteAt(block, int64(i)*blockSize); err != nil {
			return fmt.Errorf("rebuild: write %s at block %d: %w", real, i, err)
		}
	}
	if err := out.Truncate(f.Size); err != nil {
		return fmt.Errorf("rebuild: truncate %s to %d: %w", real, f.Size, err)
	}
	if err := out.Chown(int(f.Uid), int(f.Gid)); err != nil {
		log.Warn().Err(err).Str("path", real).Msg("rebuild: chown failed, continuing")
	}
	mtime := time.Unix(f.MtimeSec, f.MtimeNsec)
	if err := os.Chtimes(real, mtime, mtime); err != nil {
		log.Warn().Err(err).Str("path", real).Msg("rebuild: restoring mtime failed, continuing")
	}
	return nil
}

func trimLeadingSlash(vpath string) string {
	if len(vpath) > 0 && vpath[0] == '/' {
		return vpath[1:]
	}
	return vpath
}

func parentOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
