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

import (
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/asig/liveraid/internal/alloc"
	"github.com/asig/liveraid/internal/config"
)

// NoDrive is returned by PickDrive when there are no drives configured.
const NoDrive = -1

// Core is the state core: the single writer-preferring
// rwlock and every table it guards. External code (the FUSE shim, the
// journal drainer, the rebuild/control subsystems) takes Lock/RLock in
// the appropriate mode before touching any field reachable from Core.
type Core struct {
	sync.RWMutex

	BlockSize uint32
	Placement config.Placement

	Drives   []*Drive
	PosIndex []*PositionIndex // one per drive, same indexing as Drives

	files    map[string]*FileRecord
	fileList []*FileRecord // stable order, mirrors teacher's dirEntry list, used for content Save
	dirs     map[string]*DirRecord
	symlinks map[string]*SymlinkRecord

	rrCounter uint64
	rng       *rand.Rand
	rngMu     sync.Mutex
}

// New builds a fresh, empty Core from validated configuration (no content
// file present -- first-run state).
func New(cfg *config.Config) *Core {
	c := &Core{
		BlockSize: cfg.BlockSize,
		Placement: cfg.Placement,
		files:     map[string]*FileRecord{},
		dirs:      map[string]*DirRecord{},
		symlinks:  map[string]*SymlinkRecord{},
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for i, d := range cfg.Drives {
		c.Drives = append(c.Drives, &Drive{Name: d.Name, Dir: d.Dir, Index: i, Allocator: &alloc.Allocator{}})
		c.PosIndex = append(c.PosIndex, &PositionIndex{})
	}
	return c
}

// LoadSnapshot populates a freshly-constructed Core from a loaded content
// snapshot. Drive indices in the snapshot are
// resolved by name against cfg.Drives; a drive named in the snapshot but
// no longer configured is dropped with a warning (best-effort recovery,
// not a spec-mandated behavior but the only sane default).
func (c *Core) LoadSnapshot(snap *Snapshot) {
	nameToIdx := map[string]int{}
	for _, d := range c.Drives {
		nameToIdx[d.Name] = d.Index
	}

	snapNameToIdx := map[string]int{}
	for i, name := range snap.DriveOrder {
		snapNameToIdx[name] = i
	}

	for _, f := range snap.Files {
		name := ""
		for n, idx := range snapNameToIdx {
			if idx == f.DriveIndex {
				name = n
				break
			}
		}
		idx, ok := nameToIdx[name]
		if !ok {
			log.Warn().Str("drive", name).Str("vpath", f.VPath).Msg("content file references a drive that is no longer configured, dropping file")
			continue
		}
		cp := *f
		cp.DriveIndex = idx
		c.files[cp.VPath] = &cp
		c.fileList = append(c.fileList, &cp)
	}
	for _, d := range snap.Dirs {
		cp := *d
		c.dirs[cp.VPath] = &cp
	}
	for _, s := range snap.Symlinks {
		cp := *s
		c.symlinks[cp.VPath] = &cp
	}

	for _, d := range c.Drives {
		if nf, ok := snap.DriveNextFree[d.Name]; ok {
			var extents []struct{ Start, Count uint32 }
			for _, e := range snap.DriveFreeExtents[d.Name] {
				extents = append(extents, struct{ Start, Count uint32 }{e.Start, e.Count})
			}
			d.Allocator = alloc.Restore(nf, extents)
		}
	}
	for i, d := range c.Drives {
		c.PosIndex[i].Rebuild(c.fileList, d.Index)
	}
}

// Snapshot captures the current state for Save. Caller
// must hold at least RLock.
func (c *Core) Snapshot() *Snapshot {
	snap := &Snapshot{
		BlockSize:        c.BlockSize,
		DriveNextFree:    map[string]uint32{},
		DriveFreeExtents: map[string][]Extent{},
	}
	for _, d := range c.Drives {
		snap.DriveOrder = append(snap.DriveOrder, d.Name)
		snap.DriveNextFree[d.Name] = d.Allocator.NextFree()
		for _, e := range d.Allocator.Extents() {
			snap.DriveFreeExtents[d.Name] = append(snap.DriveFreeExtents[d.Name], Extent{e.Start, e.Count})
		}
	}
	snap.Files = append(snap.Files, c.fileList...)
	for _, d := range c.dirs {
		snap.Dirs = append(snap.Dirs, d)
	}
	for _, s := range c.symlinks {
		snap.Symlinks = append(snap.Symlinks, s)
	}
	return snap
}

// PickDrive implements the configured placement policy. Caller must hold
// at least RLock (RoundRobin still mutates an atomic counter, which is
// safe under a read lock).
func (c *Core) PickDrive() int {
	n := len(c.Drives)
	if n == 0 {
		return NoDrive
	}

	switch c.Placement {
	case config.RoundRobin:
		i := atomic.AddUint64(&c.rrCounter, 1) - 1
		return int(i % uint64(n))

	case config.LeastFree:
		best := -1
		var bestFree uint64
		for i, d := range c.Drives {
			free, err := availableBytes(d.Dir)
			if err != nil {
				continue
			}
			if free == 0 {
				continue
			}
			if best == -1 || free < bestFree {
				best = i
				bestFree = free
			}
		}
		if best == -1 {
			return 0
		}
		return best

	case config.ProportionalRandom:
		frees := make([]uint64, n)
		var total uint64
		for i, d := range c.Drives {
			free, err := availableBytes(d.Dir)
			if err != nil {
				free = 0
			}
			frees[i] = free
			total += free
		}
		if total == 0 {
			return 0
		}
		c.rngMu.Lock()
		r := uint64(c.rng.Int63n(int64(total)))
		c.rngMu.Unlock()
		var acc uint64
		for i, f := range frees {
			acc += f
			if r < acc {
				return i
			}
		}
		return n - 1

	case config.MostFree:
		fallthrough
	default:
		best := 0
		var bestFree uint64
		for i, d := range c.Drives {
			free, err := availableBytes(d.Dir)
			if err != nil {
				continue
			}
			if free > bestFree {
				best = i
				bestFree = free
			}
		}
		return best
	}
}

func availableBytes(dir string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, fmt.Errorf("state: statfs %s: %w", dir, err)
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// InsertFile registers f in the file table.
func (c *Core) InsertFile(f *FileRecord) {
	c.files[f.VPath] = f
	c.fileList = append(c.fileList, f)
}

// FindFile is an exact-match lookup.
func (c *Core) FindFile(vpath string) (*FileRecord, bool) {
	f, ok := c.files[vpath]
	return f, ok
}

// RemoveFile detaches vpath from the table and file list, returning
// ownership to the caller.
func (c *Core) RemoveFile(vpath string) (*FileRecord, bool) {
	f, ok := c.files[vpath]
	if !ok {
		return nil, false
	}
	delete(c.files, vpath)
	for i, e := range c.fileList {
		if e == f {
			c.fileList = append(c.fileList[:i], c.fileList[i+1:]...)
			break
		}
	}
	return f, true
}

// Files returns the live file list (caller must hold at least RLock, and
// must not retain the slice beyond the lock's scope).
func (c *Core) Files() []*FileRecord { return c.fileList }

// Dirs returns every explicitly-created directory record (caller must
// hold at least RLock).
func (c *Core) Dirs() []*DirRecord {
	out := make([]*DirRecord, 0, len(c.dirs))
	for _, d := range c.dirs {
		out = append(out, d)
	}
	return out
}

// Symlinks returns every symlink record (caller must hold at least
// RLock).
func (c *Core) Symlinks() []*SymlinkRecord {
	out := make([]*SymlinkRecord, 0, len(c.symlinks))
	for _, s := range c.symlinks {
		out = append(out, s)
	}
	return out
}

// FindDir is an exact-match lookup in the dir table.
func (c *Core) FindDir(vpath string) (*DirRecord, bool) {
	d, ok := c.dirs[vpath]
	return d, ok
}

// InsertDir registers d in the dir table.
func (c *Core) InsertDir(d *DirRecord) { c.dirs[d.VPath] = d }

// RemoveDir removes vpath from the dir table.
func (c *Core) RemoveDir(vpath string) { delete(c.dirs, vpath) }

// FindSymlink is an exact-match lookup in the symlink table.
func (c *Core) FindSymlink(vpath string) (*SymlinkRecord, bool) {
	s, ok := c.symlinks[vpath]
	return s, ok
}

// InsertSymlink registers s in the symlink table.
func (c *Core) InsertSymlink(s *SymlinkRecord) { c.symlinks[s.VPath] = s }

// RemoveSymlink removes vpath from the symlink table.
func (c *Core) RemoveSymlink(vpath string) { delete(c.symlinks, vpath) }

// FindFileAtPos is a binary search through the per-drive position index.
func (c *Core) FindFileAtPos(driveIndex int, pos uint32) (*FileRecord, uint32) {
	return c.PosIndex[driveIndex].Find(pos)
}

// RebuildPosIndex rescans the file list for driveIndex and rebuilds its
// position index.
func (c *Core) RebuildPosIndex(driveIndex int) {
	c.PosIndex[driveIndex].Rebuild(c.fileList, driveIndex)
}

// RealPath returns the backing path of vpath on drive d.
func RealPath(d *Drive, vpath string) string {
	if len(vpath) > 0 && vpath[0] == '/' {
		vpath = vpath[1:]
	}
	return d.Dir + vpath
}

// ReadDataBlock reads block blockIdx of the file occupying position pos
// on drive driveIndex, for the parity codec's encode input. If no file
// occupies pos, or the drive's backing file can't be read, the block is
// zero-filled and readErr reports whether that zero-fill was due to an
// actual I/O failure (vs. a legitimately sparse position): zero-fill a
// position no file occupies, but count a read error for an unreachable
// drive.
//
// Caller must hold at least RLock.
func (c *Core) ReadDataBlock(driveIndex int, pos uint32) (block []byte, readErr bool) {
	block = make([]byte, c.BlockSize)
	if driveIndex < 0 || driveIndex >= len(c.Drives) {
		return block, true
	}
	f, blockIdx := c.FindFileAtPos(driveIndex, pos)
	if f == nil {
		return block, false
	}
	d := c.Drives[driveIndex]
	path := RealPath(d, f.VPath)
	file, err := os.Open(path)
	if err != nil {
		return block, true
	}
	defer file.Close()
	n, err := file.ReadAt(block, int64(blockIdx)*int64(c.BlockSize))
	if err != nil && n == 0 {
		return block, true
	}
	// short reads are zero-padded (sparse-file semantics): block is
	// already zeroed past n by make().
	return block, false
}
