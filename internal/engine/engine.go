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
	"sort"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/asig/liveraid/internal/config"
	"github.com/asig/liveraid/internal/journal"
	"github.com/asig/liveraid/internal/parity"
	"github.com/asig/liveraid/internal/state"
)

// Attr is the engine's transport-agnostic stat result. Mode carries both the file-type bits and permission bits,
// mirroring the content file's octal mode field.
type Attr struct {
	Mode      uint32
	Size      int64
	Uid       uint32
	Gid       uint32
	MtimeSec  int64
	MtimeNsec int64
}

// DirEntry is one entry returned by ReadDir.
type DirEntry struct {
	Name  string
	IsDir bool
}

// StatfsResult is the engine's aggregated statfs answer.
type StatfsResult struct {
	BlockSize  uint32
	Blocks     uint64
	BlocksFree uint64
}

// Engine ties the state core, parity handle, and journal together and
// implements every virtual-path operation the filesystem shim needs.
type Engine struct {
	cfg     *config.Config
	core    *state.Core
	parity  *parity.Handle // NumParity() == 0 when no parity levels are configured
	journal *journal.Journal
}

// New builds an engine from already-open components. Use Open for the
// usual from-config construction.
func New(cfg *config.Config, core *state.Core, par *parity.Handle, j *journal.Journal) *Engine {
	return &Engine{cfg: cfg, core: core, parity: par, journal: j}
}

// Open loads configuration, content, and parity files and returns a
// ready-to-mount engine.
func Open(cfg *config.Config) (*Engine, error) {
	core := state.New(cfg)
	snap, err := state.Load(cfg.ContentPaths)
	if err != nil {
		return nil, fmt.Errorf("engine: loading content: %w", err)
	}
	if snap != nil {
		core.LoadSnapshot(snap)
	}

	par, err := parity.OpenHandle(cfg.ParityPaths, len(cfg.Drives), cfg.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("engine: opening parity: %w", err)
	}

	j := journal.New(core, par, journal.Config{
		ContentPaths:  cfg.ContentPaths,
		BitmapPath:    cfg.ContentPaths[0] + ".bitmap",
		SaveIntervalS: cfg.BitmapInterval,
		ParityThreads: cfg.ParityThreads,
	})
	if _, err := j.RecoverCrashJournal(); err != nil {
		log.Warn().Err(err).Msg("crash journal recovery failed, continuing without it")
	}

	return New(cfg, core, par, j), nil
}

// Start launches the journal drainer. Call once, after Open.
func (e *Engine) Start() { e.journal.Start() }

// Core exposes the state core for components that need direct access
// (the control channel's rebuild dispatch, the FUSE shim's uid/gid
// defaults).
func (e *Engine) Core() *state.Core { return e.core }

// Parity exposes the parity handle; its NumParity() is 0 if no parity
// levels are configured.
func (e *Engine) Parity() *parity.Handle { return e.parity }

// Journal exposes the journal, for the control channel's scrub dispatch.
func (e *Engine) Journal() *journal.Journal { return e.journal }

// Config exposes the loaded configuration.
func (e *Engine) Config() *config.Config { return e.cfg }

// Shutdown performs a clean unmount: flush the journal, save content one
// final time, unlink the crash bitmap, and close file handles.
func (e *Engine) Shutdown() {
	e.journal.Flush()
	e.journal.Stop()

	e.core.RLock()
	snap := e.core.Snapshot()
	e.core.RUnlock()
	if err := state.Save(snap, e.cfg.ContentPaths); err != nil {
		log.Error().Err(err).Msg("final content save failed during shutdown")
	}
	e.journal.UnlinkCrashJournal()

	if err := e.parity.Close(); err != nil {
		log.Warn().Err(err).Msg("error closing parity files during shutdown")
	}
}

func mtimeNow() (int64, int64) {
	now := time.Now()
	return now.Unix(), int64(now.Nanosecond())
}

// Getattr resolves a virtual path's attributes, including synthetic
// ancestor directories that have no table entry of their own.
func (e *Engine) Getattr(vpath string) (*Attr, error) {
	if vpath == "/" {
		return &Attr{Mode: syscall.S_IFDIR | 0755}, nil
	}

	e.core.RLock()
	defer e.core.RUnlock()

	if f, ok := e.core.FindFile(vpath); ok {
		d := e.core.Drives[f.DriveIndex]
		real := state.RealPath(d, f.VPath)
		if st, err := os.Stat(real); err == nil {
			return attrFromFileInfo(st, f), nil
		}
		return attrFromFileRecord(f), nil
	}

	if s, ok := e.core.FindSymlink(vpath); ok {
		return &Attr{
			Mode: syscall.S_IFLNK | 0777, Size: int64(len(s.Target)),
			Uid: s.Uid, Gid: s.Gid, MtimeSec: s.MtimeSec, MtimeNsec: s.MtimeNsec,
		}, nil
	}

	if d, ok := e.core.FindDir(vpath); ok {
		return attrFromDirRecord(d), nil
	}

	if e.anyUnderLocked(vpath) {
		return &Attr{Mode: syscall.S_IFDIR | 0755}, nil
	}

	return nil, ErrNotFound
}

// anyUnderLocked reports whether vpath is a synthetic ancestor of any
// known file, dir, or symlink. Caller must hold RLock.
func (e *Engine) anyUnderLocked(vpath string) bool {
	for _, f := range e.core.Files() {
		if isUnder(f.VPath, vpath) && f.VPath != vpath {
			return true
		}
	}
	for _, d := range e.core.Dirs() {
		if isUnder(d.VPath, vpath) && d.VPath != vpath {
			return true
		}
	}
	for _, s := range e.core.Symlinks() {
		if isUnder(s.VPath, vpath) && s.VPath != vpath {
			return true
		}
	}
	return false
}

// ReadDir lists the immediate children of vpath.
func (e *Engine) ReadDir(vpath string) ([]DirEntry, error) {
	e.core.RLock()
	defer e.core.RUnlock()

	seen := map[string]bool{}
	var out []DirEntry
	add := func(name string, isDir bool) {
		if seen[name] {
			return
		}
		seen[name] = true
		out = append(out, DirEntry{Name: name, IsDir: isDir})
	}

	for _, f := range e.core.Files() {
		if vparent(f.VPath) == vpath {
			add(vbase(f.VPath), false)
		}
	}
	for _, s := range e.core.Symlinks() {
		if vparent(s.VPath) == vpath {
			add(vbase(s.VPath), false)
		}
	}
	for _, d := range e.core.Dirs() {
		if vparent(d.VPath) == vpath {
			add(vbase(d.VPath), true)
		}
	}
	// Synthetic children: any path strictly under vpath whose next
	// component isn't already covered above.
	for _, f := range e.core.Files() {
		if child, ok := syntheticChild(f.VPath, vpath); ok {
			add(child, true)
		}
	}
	for _, d := range e.core.Dirs() {
		if child, ok := syntheticChild(d.VPath, vpath); ok {
			add(child, true)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// syntheticChild returns the immediate path component of vpath below
// prefix, if vpath lies strictly deeper than one level under prefix.
func syntheticChild(vpath, prefix string) (string, bool) {
	if !isUnder(vpath, prefix) || vpath == prefix {
		return "", false
	}
	rest := vpath[len(prefix):]
	if prefix != "/" {
		rest = rest[1:] // drop leading '/'
	} else if len(rest) > 0 && rest[0] == '/' {
		rest = rest[1:]
	}
	if i := indexByte(rest, '/'); i >= 0 {
		return rest[:i], true
	}
	return "", false
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func attrFromFileInfo(st os.FileInfo, f *state.FileRecord) *Attr {
	sec, nsec := statTimes(st)
	return &Attr{Mode: f.Mode, Size: st.Size(), Uid: f.Uid, Gid: f.Gid, MtimeSec: sec, MtimeNsec: nsec}
}

func attrFromFileRecord(f *state.FileRecord) *Attr {
	return &Attr{Mode: f.Mode, Size: f.Size, Uid: f.Uid, Gid: f.Gid, MtimeSec: f.MtimeSec, MtimeNsec: f.MtimeNsec}
}

func attrFromDirRecord(d *state.DirRecord) *Attr {
	return &Attr{Mode: d.Mode, Uid: d.Uid, Gid: d.Gid, MtimeSec: d.MtimeSec, MtimeNsec: d.MtimeNsec}
}
