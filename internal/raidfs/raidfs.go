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

// Package raidfs is the bazil.org/fuse binding for the storage engine: it
// translates kernel filesystem callbacks into Engine calls and maps the
// engine's abstract error kinds to errno. Same Node/Handle split and the
// same log.Debug().Msgf call-tracing idiom used throughout the engine,
// dispatching into an Engine instead of a single on-disk filesystem.
package raidfs

import (
	"context"
	"os"
	"path"
	"syscall"
	"time"

	fuse "bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
	"github.com/rs/zerolog/log"

	"github.com/asig/liveraid/internal/engine"
)

// FS is the root of the mounted filesystem.
type FS struct {
	eng *engine.Engine
	uid uint32
	gid uint32
}

// NewFS builds the FUSE filesystem implementation over eng.
func NewFS(eng *engine.Engine) fusefs.FS {
	return &FS{eng: eng, uid: uint32(os.Getuid()), gid: uint32(os.Getgid())}
}

func (f *FS) Root() (fusefs.Node, error) {
	return &node{fs: f, vpath: "/"}, nil
}

// node is a single FUSE node, valid for files, directories, and
// symlinks alike; the engine disambiguates by vpath on each call.
type node struct {
	fs    *FS
	vpath string
}

func (f *FS) node(vpath string) *node { return &node{fs: f, vpath: vpath} }

func toErrno(err error) error {
	if err == nil {
		return nil
	}
	return engine.ToErrno(err)
}

func (n *node) Attr(ctx context.Context, a *fuse.Attr) error {
	attr, err := n.fs.eng.Getattr(n.vpath)
	if err != nil {
		return toErrno(err)
	}
	applyAttr(a, attr)
	return nil
}

func applyAttr(a *fuse.Attr, src *engine.Attr) {
	a.Mode = os.FileMode(src.Mode)
	a.Size = uint64(src.Size)
	a.Uid = src.Uid
	a.Gid = src.Gid
	mtime := time.Unix(src.MtimeSec, src.MtimeNsec)
	a.Mtime = mtime
	a.Ctime = mtime
	a.Atime = mtime
}

func (n *node) Lookup(ctx context.Context, name string) (fusefs.Node, error) {
	log.Debug().Msgf("raidfs Lookup %s in %s", name, n.vpath)
	child := path.Join(n.vpath, name)
	if _, err := n.fs.eng.Getattr(child); err != nil {
		return nil, toErrno(err)
	}
	return n.fs.node(child), nil
}

func (n *node) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	log.Debug().Msgf("raidfs ReadDirAll %s", n.vpath)
	entries, err := n.fs.eng.ReadDir(n.vpath)
	if err != nil {
		return nil, toErrno(err)
	}
	out := make([]fuse.Dirent, 0, len(entries))
	for _, e := range entries {
		t := fuse.DT_File
		if e.IsDir {
			t = fuse.DT_Dir
		}
		out = append(out, fuse.Dirent{Name: e.Name, Type: t})
	}
	return out, nil
}

func (n *node) Create(ctx context.Context, req *fuse.CreateRequest, resp *fuse.CreateResponse) (fusefs.Node, fusefs.Handle, error) {
	log.Debug().Msgf("raidfs Create %s in %s", req.Name, n.vpath)
	child := path.Join(n.vpath, req.Name)

	if _, err := n.fs.eng.Getattr(child); err == nil {
		if req.Flags&fuse.OpenExclusive != 0 {
			return nil, nil, syscall.EEXIST
		}
		h, err := n.fs.eng.Open(child, true)
		if err != nil {
			return nil, nil, toErrno(err)
		}
		if req.Flags&fuse.OpenTruncate != 0 {
			_ = n.fs.eng.Truncate(child, 0)
		}
		cn := n.fs.node(child)
		return cn, &handle{fs: n.fs, h: h}, nil
	}

	h, err := n.fs.eng.Create(child, uint32(syscall.S_IFREG)|uint32(req.Mode.Perm()), n.fs.uid, n.fs.gid)
	if err != nil {
		return nil, nil, toErrno(err)
	}
	return n.fs.node(child), &handle{fs: n.fs, h: h}, nil
}

func (n *node) Remove(ctx context.Context, req *fuse.RemoveRequest) error {
	log.Debug().Msgf("raidfs Remove %s in %s (dir=%v)", req.Name, n.vpath, req.Dir)
	child := path.Join(n.vpath, req.Name)
	var err error
	if req.Dir {
		err = n.fs.eng.Rmdir(child)
	} else {
		err = n.fs.eng.Unlink(child)
	}
	return toErrno(err)
}

func (n *node) Mkdir(ctx context.Context, req *fuse.MkdirRequest) (fusefs.Node, error) {
	log.Debug().Msgf("raidfs Mkdir %s in %s", req.Name, n.vpath)
	child := path.Join(n.vpath, req.Name)
	mode := uint32(syscall.S_IFDIR) | uint32(req.Mode.Perm())
	if err := n.fs.eng.Mkdir(child, mode, n.fs.uid, n.fs.gid); err != nil {
		return nil, toErrno(err)
	}
	return n.fs.node(child), nil
}

func (n *node) Rename(ctx context.Context, req *fuse.RenameRequest, newDir fusefs.Node) error {
	destParent, ok := newDir.(*node)
	if !ok {
		return syscall.EINVAL
	}
	from := path.Join(n.vpath, req.OldName)
	to := path.Join(destParent.vpath, req.NewName)
	log.Debug().Msgf("raidfs Rename %s -> %s", from, to)
	return toErrno(n.fs.eng.Rename(from, to, 0))
}

func (n *node) Symlink(ctx context.Context, req *fuse.SymlinkRequest) (fusefs.Node, error) {
	link := path.Join(n.vpath, req.NewName)
	log.Debug().Msgf("raidfs Symlink %s -> %s", link, req.Target)
	if err := n.fs.eng.Symlink(req.Target, link, n.fs.uid, n.fs.gid); err != nil {
		return nil, toErrno(err)
	}
	return n.fs.node(link), nil
}

func (n *node) Readlink(ctx context.Context, req *fuse.ReadlinkRequest) (string, error) {
	target, err := n.fs.eng.Readlink(n.vpath)
	if err != nil {
		return "", toErrno(err)
	}
	return target, nil
}

func (n *node) Setattr(ctx context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	log.Debug().Msgf("raidfs Setattr %s valid=%v", n.vpath, req.Valid)
	if req.Valid.Size() {
		if err := n.fs.eng.Truncate(n.vpath, int64(req.Size)); err != nil {
			return toErrno(err)
		}
	}
	if req.Valid.Mode() {
		if err := n.fs.eng.Chmod(n.vpath, uint32(req.Mode.Perm())); err != nil {
			return toErrno(err)
		}
	}
	if req.Valid.Uid() || req.Valid.Gid() {
		attr, err := n.fs.eng.Getattr(n.vpath)
		if err != nil {
			return toErrno(err)
		}
		uid, gid := attr.Uid, attr.Gid
		if req.Valid.Uid() {
			uid = req.Uid
		}
		if req.Valid.Gid() {
			gid = req.Gid
		}
		if err := n.fs.eng.Chown(n.vpath, uid, gid); err != nil {
			return toErrno(err)
		}
	}
	if req.Valid.Mtime() || req.Valid.MtimeNow() {
		mtime := req.Mtime
		if req.Valid.MtimeNow() {
			mtime = time.Now()
		}
		if err := n.fs.eng.Utimens(n.vpath, mtime.Unix(), int64(mtime.Nanosecond())); err != nil {
			return toErrno(err)
		}
	}

	attr, err := n.fs.eng.Getattr(n.vpath)
	if err != nil {
		return toErrno(err)
	}
	applyAttr(&resp.Attr, attr)
	return nil
}

func (n *node) Open(ctx context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fusefs.Handle, error) {
	log.Debug().Msgf("raidfs Open %s flags=%v", n.vpath, req.Flags)
	writable := req.Flags.IsReadWrite() || req.Flags.IsWriteOnly()
	h, err := n.fs.eng.Open(n.vpath, writable)
	if err != nil {
		return nil, toErrno(err)
	}
	return &handle{fs: n.fs, h: h}, nil
}

func (n *node) Fsync(ctx context.Context, req *fuse.FsyncRequest) error {
	h, err := n.fs.eng.Open(n.vpath, false)
	if err != nil {
		return toErrno(err)
	}
	defer n.fs.eng.Release(h)
	return toErrno(n.fs.eng.Fsync(h))
}

// handle is a per-open file handle.
type handle struct {
	fs *FS
	h  *engine.Handle
}

func (hd *handle) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	data, err := hd.fs.eng.Read(hd.h, req.Offset, req.Size)
	if err != nil {
		return toErrno(err)
	}
	resp.Data = data
	return nil
}

func (hd *handle) Write(ctx context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	n, err := hd.fs.eng.Write(hd.h, req.Offset, req.Data)
	if err != nil {
		return toErrno(err)
	}
	resp.Size = n
	return nil
}

func (hd *handle) Flush(ctx context.Context, req *fuse.FlushRequest) error {
	return nil
}

func (hd *handle) Fsync(ctx context.Context, req *fuse.FsyncRequest) error {
	return toErrno(hd.fs.eng.Fsync(hd.h))
}

func (hd *handle) Release(ctx context.Context, req *fuse.ReleaseRequest) error {
	return toErrno(hd.fs.eng.Release(hd.h))
}

// Statfs implements fs.FSStatfser at the FS level.
func (f *FS) Statfs(ctx context.Context, req *fuse.StatfsRequest, resp *fuse.StatfsResponse) error {
	res, err := f.eng.Statfs()
	if err != nil {
		return toErrno(err)
	}
	resp.Blocks = res.Blocks
	resp.Bfree = res.BlocksFree
	resp.Bavail = res.BlocksFree
	resp.Bsize = res.BlockSize
	resp.Frsize = res.BlockSize
	return nil
}
