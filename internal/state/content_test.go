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
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func sampleSnapshot() *Snapshot {
	return &Snapshot{
		BlockSize:  256 * 1024,
		DriveOrder: []string{"d0", "d1"},
		DriveNextFree: map[string]uint32{
			"d0": 100,
			"d1": 50,
		},
		DriveFreeExtents: map[string][]Extent{
			"d0": {{Start: 10, Count: 5}, {Start: 40, Count: 2}},
			"d1": {},
		},
		Files: []*FileRecord{
			{VPath: "/a/b.txt", DriveIndex: 0, Size: 1234, ParityPosStart: 0, BlockCount: 1,
				MtimeSec: 1000, MtimeNsec: 5, Mode: 0100644, Uid: 1000, Gid: 1000},
			{VPath: "/c.bin", DriveIndex: 1, Size: 99, ParityPosStart: 3, BlockCount: 1,
				MtimeSec: 2000, MtimeNsec: 0, Mode: 0100600, Uid: 0, Gid: 0},
		},
		Dirs: []*DirRecord{
			{VPath: "/a", Mode: 040755, Uid: 0, Gid: 0, MtimeSec: 500, MtimeNsec: 0},
		},
		Symlinks: []*SymlinkRecord{
			{VPath: "/l", Target: "/a/b.txt", Uid: 0, Gid: 0, MtimeSec: 10, MtimeNsec: 0},
		},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "content")
	snap := sampleSnapshot()

	if err := Save(snap, []string{path}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load([]string{path})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded == nil {
		t.Fatal("Load returned nil snapshot")
	}

	if loaded.BlockSize != snap.BlockSize {
		t.Errorf("BlockSize = %d, want %d", loaded.BlockSize, snap.BlockSize)
	}
	if len(loaded.Files) != len(snap.Files) {
		t.Fatalf("got %d files, want %d", len(loaded.Files), len(snap.Files))
	}
	for i, f := range snap.Files {
		lf := loaded.Files[i]
		if lf.VPath != f.VPath || lf.Size != f.Size || lf.ParityPosStart != f.ParityPosStart ||
			lf.BlockCount != f.BlockCount || lf.Mode != f.Mode || lf.Uid != f.Uid || lf.Gid != f.Gid {
			t.Errorf("file %d round-trip mismatch: got %+v, want %+v", i, lf, f)
		}
	}
	if len(loaded.Dirs) != 1 || loaded.Dirs[0].VPath != "/a" {
		t.Errorf("dirs round-trip mismatch: %+v", loaded.Dirs)
	}
	if len(loaded.Symlinks) != 1 || loaded.Symlinks[0].Target != "/a/b.txt" {
		t.Errorf("symlinks round-trip mismatch: %+v", loaded.Symlinks)
	}

	for _, name := range snap.DriveOrder {
		if loaded.DriveNextFree[name] != snap.DriveNextFree[name] {
			t.Errorf("drive %s next_free = %d, want %d", name, loaded.DriveNextFree[name], snap.DriveNextFree[name])
		}
		wantExtents := snap.DriveFreeExtents[name]
		gotExtents := loaded.DriveFreeExtents[name]
		if len(wantExtents) != len(gotExtents) {
			t.Errorf("drive %s extents = %+v, want %+v", name, gotExtents, wantExtents)
			continue
		}
		for i := range wantExtents {
			if wantExtents[i] != gotExtents[i] {
				t.Errorf("drive %s extent %d = %+v, want %+v", name, i, gotExtents[i], wantExtents[i])
			}
		}
	}
}

func TestLoadBackwardCompatEightFieldFileRecord(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "content")
	body := "# liveraid content\n# version: 1\n# blocksize: 262144\n" +
		"# drive_next_free: d0 1\n" +
		"file|d0|/old.txt|5|0|1|100|0\n"
	data := []byte(body)
	full := append(data, []byte("# crc32: 00000000\n")...)
	if err := os.WriteFile(path, full, 0644); err != nil {
		t.Fatal(err)
	}

	snap, err := Load([]string{path})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(snap.Files) != 1 {
		t.Fatalf("got %d files, want 1", len(snap.Files))
	}
	f := snap.Files[0]
	if f.Mode != 0100644 || f.Uid != 0 || f.Gid != 0 {
		t.Errorf("backward-compat defaults wrong: %+v", f)
	}
}

func TestLoadToleratesBadCRC(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "content")
	snap := sampleSnapshot()
	if err := Save(snap, []string{path}); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	corrupted := strings.Replace(string(data), "\n# crc32: ", "\nXXXXXXXXXXXXXXXXXXXXXX\n# crc32: ", 1)
	// Corrupt the crc value itself instead, to keep line structure intact.
	idx := strings.Index(string(data), "# crc32: ")
	corruptedCRC := string(data[:idx]) + "# crc32: FFFFFFFF\n"
	if err := os.WriteFile(path, []byte(corruptedCRC), 0644); err != nil {
		t.Fatal(err)
	}
	_ = corrupted

	loaded, err := Load([]string{path})
	if err != nil {
		t.Fatalf("Load with bad CRC should still succeed, got error: %v", err)
	}
	if len(loaded.Files) != len(snap.Files) {
		t.Errorf("parsing continued incorrectly after bad CRC: got %d files, want %d", len(loaded.Files), len(snap.Files))
	}
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	snap, err := Load([]string{"/nonexistent/path/to/content"})
	if err != nil {
		t.Fatalf("missing content file should not be an error, got %v", err)
	}
	if snap != nil {
		t.Fatalf("expected nil snapshot for missing content file, got %+v", snap)
	}
}
