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

package rebuild

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/asig/liveraid/internal/config"
	"github.com/asig/liveraid/internal/parity"
	"github.com/asig/liveraid/internal/state"
)

const testBlockSize = 64

func newTestCoreAndDirs(t *testing.T, ndrives int) (*state.Core, []string) {
	t.Helper()
	cfg := &config.Config{BlockSize: testBlockSize, Placement: config.MostFree}
	var dirs []string
	for i := 0; i < ndrives; i++ {
		dir := t.TempDir()
		dirs = append(dirs, dir)
		cfg.Drives = append(cfg.Drives, config.Drive{Name: string(rune('a' + i)), Dir: dir + string(os.PathSeparator)})
	}
	return state.New(cfg), dirs
}

func bytesOf(n int, b byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

func TestDriveReconstructsFileFromParity(t *testing.T) {
	core, dirs := newTestCoreAndDirs(t, 2)

	data := [][]byte{bytesOf(testBlockSize, 0x11), bytesOf(testBlockSize, 0x22)}
	for i, dir := range dirs {
		path := filepath.Join(dir, "f.bin")
		if err := os.WriteFile(path, data[i], 0644); err != nil {
			t.Fatal(err)
		}
	}

	parityDir := t.TempDir()
	handle, err := parity.OpenHandle([]string{filepath.Join(parityDir, "p1")}, 2, testBlockSize)
	if err != nil {
		t.Fatal(err)
	}
	defer handle.Close()

	parityBlocks, err := handle.Codec.Encode(data)
	if err != nil {
		t.Fatal(err)
	}
	if err := handle.WriteParityBlock(1, 0, parityBlocks[0]); err != nil {
		t.Fatal(err)
	}

	const wantMtimeSec, wantMtimeNsec = 1609459200, 123000000 // 2021-01-01T00:00:00.123Z
	for d := 0; d < 2; d++ {
		core.InsertFile(&state.FileRecord{
			VPath: "/f.bin", DriveIndex: d, Size: testBlockSize,
			ParityPosStart: 0, BlockCount: 1, Mode: 0100644,
			MtimeSec: wantMtimeSec, MtimeNsec: wantMtimeNsec,
		})
		core.RebuildPosIndex(d)
	}

	// Drive 0 is "dead" -- its directory is wiped and rebuilt fresh.
	replacement := t.TempDir()
	var progressed []string
	report, err := Drive(core, handle, 0, replacement+string(os.PathSeparator), func(vpath, status string, err error) {
		progressed = append(progressed, status)
	})
	if err != nil {
		t.Fatal(err)
	}
	if report.FilesRebuilt != 1 || report.FilesFailed != 0 || report.FilesSkipped != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(progressed) != 1 || progressed[0] != "ok" {
		t.Fatalf("unexpected progress callbacks: %v", progressed)
	}

	rebuiltPath := filepath.Join(replacement, "f.bin")
	got, err := os.ReadFile(rebuiltPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(data[0]) {
		t.Fatalf("reconstructed file does not match original data")
	}

	st, err := os.Stat(rebuiltPath)
	if err != nil {
		t.Fatal(err)
	}
	wantMtime := time.Unix(wantMtimeSec, wantMtimeNsec)
	if !st.ModTime().Equal(wantMtime) {
		t.Fatalf("rebuilt file mtime = %v, want %v", st.ModTime(), wantMtime)
	}
}

func TestDriveSkipsBusyFiles(t *testing.T) {
	core, dirs := newTestCoreAndDirs(t, 2)
	for d, dir := range dirs {
		if err := os.WriteFile(filepath.Join(dir, "f.bin"), bytesOf(testBlockSize, byte(d)), 0644); err != nil {
			t.Fatal(err)
		}
		core.InsertFile(&state.FileRecord{
			VPath: "/f.bin", DriveIndex: d, Size: testBlockSize,
			ParityPosStart: 0, BlockCount: 1, Mode: 0100644, OpenCount: 1,
		})
		core.RebuildPosIndex(d)
	}

	parityDir := t.TempDir()
	handle, err := parity.OpenHandle([]string{filepath.Join(parityDir, "p1")}, 2, testBlockSize)
	if err != nil {
		t.Fatal(err)
	}
	defer handle.Close()

	report, err := Drive(core, handle, 0, t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if report.FilesSkipped != 1 || report.FilesRebuilt != 0 {
		t.Fatalf("expected the open file to be skipped, got %+v", report)
	}
}

func TestDriveRejectsNoParityConfigured(t *testing.T) {
	core, _ := newTestCoreAndDirs(t, 2)
	handle, err := parity.OpenHandle(nil, 2, testBlockSize)
	if err != nil {
		t.Fatal(err)
	}
	defer handle.Close()

	if _, err := Drive(core, handle, 0, t.TempDir(), nil); err == nil {
		t.Fatal("expected an error when no parity levels are configured")
	}
}
