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
	"path/filepath"
	"testing"

	"github.com/asig/liveraid/internal/config"
	"github.com/asig/liveraid/internal/journal"
	"github.com/asig/liveraid/internal/parity"
	"github.com/asig/liveraid/internal/state"
)

const testBlockSize = 64

func newTestEngine(t *testing.T, ndrives, nparity int) *Engine {
	t.Helper()
	cfg := &config.Config{BlockSize: testBlockSize, Placement: config.RoundRobin}
	for i := 0; i < ndrives; i++ {
		dir := t.TempDir()
		cfg.Drives = append(cfg.Drives, config.Drive{Name: string(rune('a' + i)), Dir: dir + string(os.PathSeparator)})
	}
	cfg.ContentPaths = []string{filepath.Join(t.TempDir(), "content")}
	for i := 0; i < nparity; i++ {
		cfg.ParityPaths = append(cfg.ParityPaths, filepath.Join(t.TempDir(), "p"+string(rune('1'+i))))
	}

	core := state.New(cfg)
	par, err := parity.OpenHandle(cfg.ParityPaths, ndrives, cfg.BlockSize)
	if err != nil {
		t.Fatal(err)
	}
	j := journal.New(core, par, journal.Config{
		ContentPaths: cfg.ContentPaths,
		BitmapPath:   cfg.ContentPaths[0] + ".bitmap",
	})
	e := New(cfg, core, par, j)
	e.Start()
	t.Cleanup(func() { e.Shutdown() })
	return e
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	e := newTestEngine(t, 2, 1)

	h, err := e.Create("/a.txt", 0100644, 1000, 1000)
	if err != nil {
		t.Fatal(err)
	}
	n, err := e.Write(h, 0, []byte("hello world"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 11 {
		t.Fatalf("expected 11 bytes written, got %d", n)
	}
	if err := e.Release(h); err != nil {
		t.Fatal(err)
	}

	h2, err := e.Open("/a.txt", false)
	if err != nil {
		t.Fatal(err)
	}
	defer e.Release(h2)
	data, err := e.Read(h2, 0, 11)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello world" {
		t.Fatalf("got %q, want %q", data, "hello world")
	}
}

func TestGetattrReportsSizeAndMode(t *testing.T) {
	e := newTestEngine(t, 2, 0)

	h, err := e.Create("/f", 0100600, 42, 42)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Write(h, 0, []byte("1234567890")); err != nil {
		t.Fatal(err)
	}
	e.Release(h)

	attr, err := e.Getattr("/f")
	if err != nil {
		t.Fatal(err)
	}
	if attr.Size != 10 {
		t.Errorf("expected size 10, got %d", attr.Size)
	}
	if attr.Mode != 0100600 {
		t.Errorf("expected mode 0100600, got %o", attr.Mode)
	}
	if attr.Uid != 42 || attr.Gid != 42 {
		t.Errorf("unexpected owner: %+v", attr)
	}
}

func TestGetattrSyntheticAncestor(t *testing.T) {
	e := newTestEngine(t, 1, 0)
	h, err := e.Create("/dir/sub/f", 0100644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	e.Release(h)

	if _, err := e.Getattr("/dir"); err != nil {
		t.Fatalf("expected synthetic ancestor /dir to resolve, got %v", err)
	}
	if _, err := e.Getattr("/dir/sub"); err != nil {
		t.Fatalf("expected synthetic ancestor /dir/sub to resolve, got %v", err)
	}
	if _, err := e.Getattr("/nonexistent"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReadDirListsChildrenAndSyntheticDirs(t *testing.T) {
	e := newTestEngine(t, 1, 0)
	for _, p := range []string{"/a", "/dir/b", "/dir/sub/c"} {
		h, err := e.Create(p, 0100644, 0, 0)
		if err != nil {
			t.Fatal(err)
		}
		e.Release(h)
	}

	entries, err := e.ReadDir("/")
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for _, en := range entries {
		names[en.Name] = en.IsDir
	}
	if isDir, ok := names["a"]; !ok || isDir {
		t.Errorf("expected file entry 'a', got %v", names)
	}
	if isDir, ok := names["dir"]; !ok || !isDir {
		t.Errorf("expected synthetic dir entry 'dir', got %v", names)
	}

	sub, err := e.ReadDir("/dir")
	if err != nil {
		t.Fatal(err)
	}
	subNames := map[string]bool{}
	for _, en := range sub {
		subNames[en.Name] = en.IsDir
	}
	if isDir, ok := subNames["b"]; !ok || isDir {
		t.Errorf("expected file entry 'b' under /dir, got %v", subNames)
	}
	if isDir, ok := subNames["sub"]; !ok || !isDir {
		t.Errorf("expected synthetic dir entry 'sub' under /dir, got %v", subNames)
	}
}

func TestWriteGrowsAllocationInPlace(t *testing.T) {
	e := newTestEngine(t, 1, 0)
	h, err := e.Create("/f", 0100644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer e.Release(h)

	if _, err := e.Write(h, 0, make([]byte, testBlockSize)); err != nil {
		t.Fatal(err)
	}
	e.core.RLock()
	f, _ := e.core.FindFile("/f")
	firstStart, firstCount := f.ParityPosStart, f.BlockCount
	e.core.RUnlock()
	if firstCount != 1 {
		t.Fatalf("expected 1 block after first write, got %d", firstCount)
	}

	if _, err := e.Write(h, testBlockSize, make([]byte, testBlockSize)); err != nil {
		t.Fatal(err)
	}
	e.core.RLock()
	f, _ = e.core.FindFile("/f")
	secondStart, secondCount := f.ParityPosStart, f.BlockCount
	e.core.RUnlock()
	if secondCount != 2 {
		t.Fatalf("expected 2 blocks after second write, got %d", secondCount)
	}
	if secondStart != firstStart {
		t.Fatalf("expected in-place grow to preserve start position, got %d -> %d", firstStart, secondStart)
	}
}

func TestUnlinkFreesPositions(t *testing.T) {
	e := newTestEngine(t, 1, 0)
	h, err := e.Create("/f", 0100644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Write(h, 0, make([]byte, testBlockSize)); err != nil {
		t.Fatal(err)
	}
	e.Release(h)

	if err := e.Unlink("/f"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Getattr("/f"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after unlink, got %v", err)
	}

	drive := e.core.Drives[0]
	if drive.Allocator.NextFree() != 0 {
		t.Errorf("expected freed position to absorb into next_free, got %d", drive.Allocator.NextFree())
	}
}

func TestRenameFileMovesTableEntryAndRealFile(t *testing.T) {
	e := newTestEngine(t, 1, 0)
	h, err := e.Create("/old", 0100644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	e.Release(h)

	if err := e.Rename("/old", "/new", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Getattr("/old"); err != ErrNotFound {
		t.Fatalf("expected /old to be gone, got %v", err)
	}
	if _, err := e.Getattr("/new"); err != nil {
		t.Fatalf("expected /new to exist, got %v", err)
	}
}

func TestRenameNoReplaceRejectsExistingTarget(t *testing.T) {
	e := newTestEngine(t, 1, 0)
	h1, _ := e.Create("/a", 0100644, 0, 0)
	e.Release(h1)
	h2, _ := e.Create("/b", 0100644, 0, 0)
	e.Release(h2)

	if err := e.Rename("/a", "/b", RenameNoReplace); err != ErrExists {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestRenameExchangeIsRejected(t *testing.T) {
	e := newTestEngine(t, 1, 0)
	h1, _ := e.Create("/a", 0100644, 0, 0)
	e.Release(h1)
	h2, _ := e.Create("/b", 0100644, 0, 0)
	e.Release(h2)

	if err := e.Rename("/a", "/b", RenameExchange); err == nil {
		t.Fatal("expected RENAME_EXCHANGE to be rejected")
	}
}

func TestMkdirRmdirRoundTrip(t *testing.T) {
	e := newTestEngine(t, 1, 0)
	if err := e.Mkdir("/d", 040755, 0, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Getattr("/d"); err != nil {
		t.Fatal(err)
	}
	if err := e.Rmdir("/d"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Getattr("/d"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after rmdir, got %v", err)
	}
}

func TestRmdirNonEmptyFails(t *testing.T) {
	e := newTestEngine(t, 1, 0)
	if err := e.Mkdir("/d", 040755, 0, 0); err != nil {
		t.Fatal(err)
	}
	h, err := e.Create("/d/f", 0100644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	e.Release(h)

	if err := e.Rmdir("/d"); err != ErrNotEmpty {
		t.Fatalf("expected ErrNotEmpty, got %v", err)
	}
}

func TestSymlinkReadlink(t *testing.T) {
	e := newTestEngine(t, 1, 0)
	if err := e.Symlink("/target", "/link", 0, 0); err != nil {
		t.Fatal(err)
	}
	target, err := e.Readlink("/link")
	if err != nil {
		t.Fatal(err)
	}
	if target != "/target" {
		t.Fatalf("got %q, want /target", target)
	}
}

func TestTruncateShrinksAndFreesPositions(t *testing.T) {
	e := newTestEngine(t, 1, 0)
	h, err := e.Create("/f", 0100644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Write(h, 0, make([]byte, 3*testBlockSize)); err != nil {
		t.Fatal(err)
	}
	e.Release(h)

	if err := e.Truncate("/f", testBlockSize); err != nil {
		t.Fatal(err)
	}
	attr, err := e.Getattr("/f")
	if err != nil {
		t.Fatal(err)
	}
	if attr.Size != testBlockSize {
		t.Fatalf("expected size %d, got %d", testBlockSize, attr.Size)
	}
	// Blocks [1,3) are freed and absorbed, leaving next_free just past block 0.
	if nf := e.core.Drives[0].Allocator.NextFree(); nf != 1 {
		t.Fatalf("expected next_free 1 after truncate, got %d", nf)
	}
}

func TestReadThroughParityOnDeadDrive(t *testing.T) {
	e := newTestEngine(t, 2, 1)
	h, err := e.Create("/f", 0100644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	payload := make([]byte, testBlockSize)
	for i := range payload {
		payload[i] = byte(i)
	}
	if _, err := e.Write(h, 0, payload); err != nil {
		t.Fatal(err)
	}
	e.Release(h)
	e.journal.Flush()

	e.core.RLock()
	f, _ := e.core.FindFile("/f")
	driveIndex := f.DriveIndex
	e.core.RUnlock()

	dead := &Handle{VPath: "/f", DriveIndex: driveIndex, Dead: true}
	data, err := e.Read(dead, 0, testBlockSize)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != string(payload) {
		t.Fatalf("reconstructed data does not match original")
	}
}
