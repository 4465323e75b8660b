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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const minimalValidConfig = `
data d0 /mnt/d0
data d1 /mnt/d1
content /mnt/d0/liveraid.content
mountpoint /mnt/liveraid
`

func TestParseMinimalConfigFillsDefaults(t *testing.T) {
	cfg, err := Parse(strings.NewReader(minimalValidConfig))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Drives) != 2 {
		t.Fatalf("expected 2 drives, got %d", len(cfg.Drives))
	}
	if cfg.Drives[0].Name != "d0" || cfg.Drives[0].Dir != "/mnt/d0/" {
		t.Errorf("unexpected drive 0: %+v", cfg.Drives[0])
	}
	if cfg.BlockSize != 256*1024 {
		t.Errorf("expected default blocksize 256KiB, got %d", cfg.BlockSize)
	}
	if cfg.Placement != MostFree {
		t.Errorf("expected default placement MostFree, got %v", cfg.Placement)
	}
	if cfg.ParityThreads != 1 {
		t.Errorf("expected default parity_threads 1, got %d", cfg.ParityThreads)
	}
	if cfg.BitmapInterval != 300 {
		t.Errorf("expected default bitmap_interval 300, got %d", cfg.BitmapInterval)
	}
	if len(cfg.ParityPaths) != 0 {
		t.Errorf("expected no parity paths configured, got %v", cfg.ParityPaths)
	}
}

func TestParseFullConfig(t *testing.T) {
	src := minimalValidConfig + `
parity 1 /mnt/p1/liveraid.parity
parity 2 /mnt/p2/liveraid.parity
blocksize 64
placement roundrobin
parity_threads 4
bitmap_interval 10
`
	cfg, err := Parse(strings.NewReader(src))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.ParityPaths) != 2 {
		t.Fatalf("expected 2 parity paths, got %d", len(cfg.ParityPaths))
	}
	if cfg.ParityPaths[0] != "/mnt/p1/liveraid.parity" || cfg.ParityPaths[1] != "/mnt/p2/liveraid.parity" {
		t.Errorf("unexpected parity paths order: %v", cfg.ParityPaths)
	}
	if cfg.BlockSize != 64*1024 {
		t.Errorf("expected blocksize 64KiB, got %d", cfg.BlockSize)
	}
	if cfg.Placement != RoundRobin {
		t.Errorf("expected placement RoundRobin, got %v", cfg.Placement)
	}
	if cfg.ParityThreads != 4 {
		t.Errorf("expected parity_threads 4, got %d", cfg.ParityThreads)
	}
	if cfg.BitmapInterval != 10 {
		t.Errorf("expected bitmap_interval 10, got %d", cfg.BitmapInterval)
	}
}

func TestParseIgnoresCommentsAndBlankLines(t *testing.T) {
	src := `
# this is a full-line comment
data d0 /mnt/d0   # trailing comment

content /mnt/d0/liveraid.content
mountpoint /mnt/liveraid
`
	cfg, err := Parse(strings.NewReader(src))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Drives) != 1 || cfg.Drives[0].Name != "d0" {
		t.Fatalf("unexpected drives: %+v", cfg.Drives)
	}
}

func TestParseUnknownDirectiveIsIgnoredNotFatal(t *testing.T) {
	src := minimalValidConfig + "\nfrobnicate true\n"
	if _, err := Parse(strings.NewReader(src)); err != nil {
		t.Fatalf("unknown directive should only warn, got error: %v", err)
	}
}

func TestParseRejectsMissingDrives(t *testing.T) {
	src := `
content /mnt/d0/liveraid.content
mountpoint /mnt/liveraid
`
	if _, err := Parse(strings.NewReader(src)); err == nil {
		t.Fatal("expected error for missing 'data' directive")
	}
}

func TestParseRejectsMissingContent(t *testing.T) {
	src := `
data d0 /mnt/d0
mountpoint /mnt/liveraid
`
	if _, err := Parse(strings.NewReader(src)); err == nil {
		t.Fatal("expected error for missing 'content' directive")
	}
}

func TestParseRejectsMissingMountpoint(t *testing.T) {
	src := `
data d0 /mnt/d0
content /mnt/d0/liveraid.content
`
	if _, err := Parse(strings.NewReader(src)); err == nil {
		t.Fatal("expected error for missing 'mountpoint' directive")
	}
}

func TestParseRejectsNonContiguousParityLevels(t *testing.T) {
	src := minimalValidConfig + `
parity 1 /mnt/p1/liveraid.parity
parity 3 /mnt/p3/liveraid.parity
`
	if _, err := Parse(strings.NewReader(src)); err == nil {
		t.Fatal("expected error for non-contiguous parity levels (1, 3 with no 2)")
	}
}

func TestParseRejectsParityLevelOutOfRange(t *testing.T) {
	src := minimalValidConfig + "\nparity 7 /mnt/p7/liveraid.parity\n"
	if _, err := Parse(strings.NewReader(src)); err == nil {
		t.Fatal("expected error for parity level above MaxParity")
	}
}

func TestParseRejectsNonNumericBlocksize(t *testing.T) {
	src := minimalValidConfig + "\nblocksize not-a-number\n"
	if _, err := Parse(strings.NewReader(src)); err == nil {
		t.Fatal("expected error for non-numeric blocksize")
	}
}

func TestParseRejectsUnknownPlacementPolicy(t *testing.T) {
	src := minimalValidConfig + "\nplacement bogus\n"
	if _, err := Parse(strings.NewReader(src)); err == nil {
		t.Fatal("expected error for unknown placement policy")
	}
}

func TestParseRejectsParityThreadsOutOfRange(t *testing.T) {
	src := minimalValidConfig + "\nparity_threads 0\n"
	if _, err := Parse(strings.NewReader(src)); err == nil {
		t.Fatal("expected error for parity_threads below 1")
	}
}

func TestDriveDirGetsTrailingSeparator(t *testing.T) {
	cfg, err := Parse(strings.NewReader(minimalValidConfig))
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range cfg.Drives {
		if !strings.HasSuffix(d.Dir, string(filepath.Separator)) {
			t.Errorf("drive %s dir %q missing trailing separator", d.Name, d.Dir)
		}
	}
}

func TestLoadReadsFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "liveraid.conf")
	if err := os.WriteFile(path, []byte(minimalValidConfig), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Drives) != 2 {
		t.Fatalf("expected 2 drives, got %d", len(cfg.Drives))
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "does-not-exist.conf")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestPlacementString(t *testing.T) {
	cases := map[Placement]string{
		MostFree:           "mostfree",
		RoundRobin:         "roundrobin",
		LeastFree:          "lfs",
		ProportionalRandom: "pfrd",
		Placement(99):      "unknown",
	}
	for p, want := range cases {
		if got := p.String(); got != want {
			t.Errorf("Placement(%d).String() = %q, want %q", p, got, want)
		}
	}
}
