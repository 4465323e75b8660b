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

package journal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/asig/liveraid/internal/config"
	"github.com/asig/liveraid/internal/parity"
	"github.com/asig/liveraid/internal/state"
)

const testBlockSize = 64

func newTestCore(t *testing.T, ndrives int) (*state.Core, []string) {
	t.Helper()
	cfg := &config.Config{BlockSize: testBlockSize, Placement: config.MostFree}
	var dirs []string
	for i := 0; i < ndrives; i++ {
		dir := t.TempDir()
		dirs = append(dirs, dir)
		cfg.Drives = append(cfg.Drives, config.Drive{Name: dirName(i), Dir: dir + string(os.PathSeparator)})
	}
	return state.New(cfg), dirs
}

func dirName(i int) string {
	return string(rune('a' + i))
}

func writeStripe(t *testing.T, dirs []string, pos uint32, data [][]byte) {
	t.Helper()
	for i, dir := range dirs {
		path := filepath.Join(dir, "f.bin")
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := f.WriteAt(data[i], int64(pos)*int64(testBlockSize)); err != nil {
			t.Fatal(err)
		}
		f.Close()
	}
}

func registerFile(core *state.Core, driveIndex int, pos, blockCount uint32) {
	core.InsertFile(&state.FileRecord{
		VPath:          "/f.bin",
		DriveIndex:     driveIndex,
		Size:           int64(blockCount) * int64(testBlockSize),
		ParityPosStart: pos,
		BlockCount:     blockCount,
		Mode:           0100644,
	})
	// Reserve [0, pos+blockCount) so the drive's next_free covers the file.
	core.Drives[driveIndex].Allocator.Alloc(pos + blockCount)
	core.RebuildPosIndex(driveIndex)
}

func TestScrubDetectsAndRepairsMismatch(t *testing.T) {
	core, dirs := newTestCore(t, 2)
	for d := range dirs {
		registerFile(core, d, 0, 1)
	}

	data := [][]byte{
		bytes(testBlockSize, 0xAA),
		bytes(testBlockSize, 0xBB),
	}
	writeStripe(t, dirs, 0, data)

	parityDir := t.TempDir()
	handle, err := parity.OpenHandle([]string{filepath.Join(parityDir, "p1")}, 2, testBlockSize)
	if err != nil {
		t.Fatal(err)
	}
	defer handle.Close()

	computed, err := handle.Codec.Encode(data)
	if err != nil {
		t.Fatal(err)
	}
	if err := handle.WriteParityBlock(1, 0, computed[0]); err != nil {
		t.Fatal(err)
	}

	j := New(core, handle, Config{
		ContentPaths: []string{filepath.Join(t.TempDir(), "content")},
		BitmapPath:   filepath.Join(t.TempDir(), "bitmap"),
	})

	report := j.Scrub(false)
	if report.PositionsChecked != 1 || report.Mismatches != 0 {
		t.Fatalf("expected clean scrub, got %+v", report)
	}

	// Corrupt the parity block directly, simulating bitrot.
	if err := handle.WriteParityBlock(1, 0, bytes(testBlockSize, 0xFF)); err != nil {
		t.Fatal(err)
	}

	report = j.Scrub(false)
	if report.Mismatches != 1 || report.Fixed != 0 {
		t.Fatalf("expected one unrepaired mismatch, got %+v", report)
	}

	report = j.Scrub(true)
	if report.Mismatches != 1 || report.Fixed != 1 {
		t.Fatalf("expected one repaired mismatch, got %+v", report)
	}

	report = j.Scrub(false)
	if report.Mismatches != 0 {
		t.Fatalf("expected scrub to be clean after repair, got %+v", report)
	}
}

func TestMarkDirtyRangeAndFlushDrainsStripe(t *testing.T) {
	core, dirs := newTestCore(t, 2)
	for d := range dirs {
		registerFile(core, d, 0, 1)
	}
	writeStripe(t, dirs, 0, [][]byte{bytes(testBlockSize, 1), bytes(testBlockSize, 2)})

	parityDir := t.TempDir()
	handle, err := parity.OpenHandle([]string{filepath.Join(parityDir, "p1")}, 2, testBlockSize)
	if err != nil {
		t.Fatal(err)
	}
	defer handle.Close()

	j := New(core, handle, Config{
		ContentPaths: []string{filepath.Join(t.TempDir(), "content")},
		BitmapPath:   filepath.Join(t.TempDir(), "bitmap"),
		IntervalMs:   10,
	})
	j.Start()
	defer j.Stop()

	j.MarkDirtyRange(0, 1)
	j.Flush()

	got, err := handle.ReadParityBlock(1, 0)
	if err != nil {
		t.Fatal(err)
	}
	want, err := handle.Codec.Encode([][]byte{bytes(testBlockSize, 1), bytes(testBlockSize, 2)})
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(want[0]) {
		t.Fatalf("drained parity block does not match expected encode result")
	}
}

func TestRecoverCrashJournalMergesBitmap(t *testing.T) {
	core, _ := newTestCore(t, 1)
	handle, err := parity.OpenHandle(nil, 1, testBlockSize)
	if err != nil {
		t.Fatal(err)
	}
	defer handle.Close()

	bitmapPath := filepath.Join(t.TempDir(), "bitmap")
	bm := newDirtyBitmap()
	bm.markRange(5, 3)
	if err := os.WriteFile(bitmapPath, bm.encode(), 0644); err != nil {
		t.Fatal(err)
	}

	j := New(core, handle, Config{
		ContentPaths: []string{filepath.Join(t.TempDir(), "content")},
		BitmapPath:   bitmapPath,
	})
	recovered, err := j.RecoverCrashJournal()
	if err != nil {
		t.Fatal(err)
	}
	if !recovered {
		t.Fatal("expected RecoverCrashJournal to report a recovered bitmap")
	}
	for p := uint32(5); p < 8; p++ {
		if !j.bitmap.test(p) {
			t.Errorf("position %d should be dirty after recovery", p)
		}
	}
}

func bytes(n int, b byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = b
	}
	return buf
}
