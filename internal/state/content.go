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
	"bufio"
	"bytes"
	"fmt"
	"hash/crc32"
	"os"
	"strconv"
	"strings"

	"github.com/google/renameio"
	"github.com/rs/zerolog/log"
)

// Extent mirrors alloc's (Start, Count) pair for persistence, kept
// independent of the alloc package so content.go has no import-cycle risk
// with whatever owns Allocator construction.
type Extent struct {
	Start uint32
	Count uint32
}

// Snapshot is everything the content file captures.
type Snapshot struct {
	BlockSize        uint32
	Files            []*FileRecord
	Dirs             []*DirRecord
	Symlinks         []*SymlinkRecord
	DriveNextFree    map[string]uint32
	DriveFreeExtents map[string][]Extent
	// DriveOrder preserves the order drives were registered in, so a
	// fresh Save() after Load() produces output drives appear in the
	// same order as the live configuration.
	DriveOrder []string
}

const contentVersion = 1

// Save builds the content-file body, appends the CRC32 footer, and
// writes it atomically (tmp file -> fsync -> rename) to every path. It
// uses renameio for the atomic-rename idiom.
func Save(snap *Snapshot, paths []string) error {
	body := buildBody(snap)
	crc := crc32.ChecksumIEEE(body)
	full := append(body, []byte(fmt.Sprintf("# crc32: %08X\n", crc))...)

	var firstErr error
	for _, path := range paths {
		if err := renameio.WriteFile(path, full, 0644); err != nil {
			log.Error().Err(err).Str("path", path).Msg("failed to write content file")
			if firstErr == nil {
				firstErr = fmt.Errorf("state: writing content file %s: %w", path, err)
			}
		}
	}
	return firstErr
}

func buildBody(snap *Snapshot) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# liveraid content\n")
	fmt.Fprintf(&buf, "# version: %d\n", contentVersion)
	fmt.Fprintf(&buf, "# blocksize: %d\n", snap.BlockSize)
	for _, name := range snap.DriveOrder {
		fmt.Fprintf(&buf, "# drive_next_free: %s %d\n", name, snap.DriveNextFree[name])
		for _, e := range snap.DriveFreeExtents[name] {
			fmt.Fprintf(&buf, "# drive_free_extent: %s %d %d\n", name, e.Start, e.Count)
		}
	}
	for _, f := range snap.Files {
		fmt.Fprintf(&buf, "file|%s|%s|%d|%d|%d|%d|%d|%o|%d|%d\n",
			driveNameForIndex(snap, f.DriveIndex), f.VPath, f.Size, f.ParityPosStart, f.BlockCount,
			f.MtimeSec, f.MtimeNsec, f.Mode, f.Uid, f.Gid)
	}
	for _, d := range snap.Dirs {
		fmt.Fprintf(&buf, "dir|%s|%o|%d|%d|%d|%d\n", d.VPath, d.Mode, d.Uid, d.Gid, d.MtimeSec, d.MtimeNsec)
	}
	for _, s := range snap.Symlinks {
		fmt.Fprintf(&buf, "symlink|%s|%s|%d|%d|%d|%d\n", s.VPath, s.Target, s.MtimeSec, s.MtimeNsec, s.Uid, s.Gid)
	}
	return buf.Bytes()
}

// driveNameForIndex is a Save-time helper; the caller (state core) is
// expected to have already resolved file.DriveIndex into drive names via
// DriveOrder, but we keep a defensive fallback here for direct callers
// (e.g. tests) that only set DriveIndex.
func driveNameForIndex(snap *Snapshot, idx int) string {
	if idx >= 0 && idx < len(snap.DriveOrder) {
		return snap.DriveOrder[idx]
	}
	return fmt.Sprintf("drive%d", idx)
}

// Load reads and parses the first openable content path. A missing file is a normal
// first-run state, not an error: Load returns (nil, nil) if none of the
// paths exist.
func Load(paths []string) (*Snapshot, error) {
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			log.Warn().Err(err).Str("path", path).Msg("content file exists but can't be read, trying next")
			continue
		}
		snap, err := parse(data, path)
		if err != nil {
			return nil, err
		}
		return snap, nil
	}
	return nil, nil
}

func parse(data []byte, path string) (*Snapshot, error) {
	lines := strings.Split(string(data), "\n")
	// Strip a single trailing empty line from the final "\n".
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	var crcLineIdx = -1
	for i, l := range lines {
		if strings.HasPrefix(l, "# crc32: ") {
			crcLineIdx = i
			break
		}
	}

	bodyLines := lines
	var storedCRC uint32
	haveCRC := false
	if crcLineIdx >= 0 {
		bodyLines = lines[:crcLineIdx]
		hexVal := strings.TrimSpace(strings.TrimPrefix(lines[crcLineIdx], "# crc32: "))
		if v, err := strconv.ParseUint(hexVal, 16, 32); err == nil {
			storedCRC = uint32(v)
			haveCRC = true
		}
	}

	bodyStr := strings.Join(bodyLines, "\n")
	if len(bodyLines) > 0 {
		bodyStr += "\n"
	}
	if haveCRC {
		actual := crc32.ChecksumIEEE([]byte(bodyStr))
		if actual != storedCRC {
			log.Warn().Str("path", path).Uint32("expected", storedCRC).Uint32("actual", actual).
				Msg("content file CRC mismatch, continuing to parse anyway")
		}
	}

	snap := &Snapshot{
		BlockSize:        256 * 1024,
		DriveNextFree:    map[string]uint32{},
		DriveFreeExtents: map[string][]Extent{},
	}
	driveIndexByName := map[string]int{}

	scanner := bufio.NewScanner(strings.NewReader(bodyStr))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "# version:"):
			// informational only
		case strings.HasPrefix(line, "# blocksize:"):
			v := strings.TrimSpace(strings.TrimPrefix(line, "# blocksize:"))
			if n, err := strconv.ParseUint(v, 10, 32); err == nil {
				snap.BlockSize = uint32(n)
			}
		case strings.HasPrefix(line, "# drive_next_free:"):
			fields := strings.Fields(strings.TrimPrefix(line, "# drive_next_free:"))
			if len(fields) == 2 {
				n, err := strconv.ParseUint(fields[1], 10, 32)
				if err == nil {
					snap.DriveNextFree[fields[0]] = uint32(n)
					if _, ok := driveIndexByName[fields[0]]; !ok {
						driveIndexByName[fields[0]] = len(snap.DriveOrder)
						snap.DriveOrder = append(snap.DriveOrder, fields[0])
					}
				}
			}
		case strings.HasPrefix(line, "# drive_free_extent:"):
			fields := strings.Fields(strings.TrimPrefix(line, "# drive_free_extent:"))
			if len(fields) == 3 {
				start, err1 := strconv.ParseUint(fields[1], 10, 32)
				count, err2 := strconv.ParseUint(fields[2], 10, 32)
				if err1 == nil && err2 == nil {
					snap.DriveFreeExtents[fields[0]] = append(snap.DriveFreeExtents[fields[0]], Extent{uint32(start), uint32(count)})
				}
			}
		case strings.HasPrefix(line, "# next_free_pos:"), strings.HasPrefix(line, "# free_extent:"):
			// Obsolete global headers from older content-file formats, ignored.
		case strings.HasPrefix(line, "#"):
			// Unrecognized comment, ignored.
		case strings.HasPrefix(line, "file|"):
			f, driveName, err := parseFileLine(line)
			if err != nil {
				return nil, fmt.Errorf("state: parsing content file %s: %w", path, err)
			}
			idx, ok := driveIndexByName[driveName]
			if !ok {
				idx = len(snap.DriveOrder)
				driveIndexByName[driveName] = idx
				snap.DriveOrder = append(snap.DriveOrder, driveName)
			}
			f.DriveIndex = idx
			snap.Files = append(snap.Files, f)
		case strings.HasPrefix(line, "dir|"):
			d, err := parseDirLine(line)
			if err != nil {
				return nil, fmt.Errorf("state: parsing content file %s: %w", path, err)
			}
			snap.Dirs = append(snap.Dirs, d)
		case strings.HasPrefix(line, "symlink|"):
			s, err := parseSymlinkLine(line)
			if err != nil {
				return nil, fmt.Errorf("state: parsing content file %s: %w", path, err)
			}
			snap.Symlinks = append(snap.Symlinks, s)
		default:
			log.Warn().Str("path", path).Str("line", line).Msg("unrecognized content file line, skipping")
		}
	}
	return snap, nil
}

func parseFileLine(line string) (*FileRecord, string, error) {
	fields := strings.Split(strings.TrimPrefix(line, "file|"), "|")
	if len(fields) != 7 && len(fields) != 10 {
		return nil, "", fmt.Errorf("malformed file record (got %d fields): %q", len(fields), line)
	}
	driveName := fields[0]
	vpath := fields[1]
	size, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return nil, "", err
	}
	posStart, err := strconv.ParseUint(fields[3], 10, 32)
	if err != nil {
		return nil, "", err
	}
	blockCount, err := strconv.ParseUint(fields[4], 10, 32)
	if err != nil {
		return nil, "", err
	}
	mtimeSec, err := strconv.ParseInt(fields[5], 10, 64)
	if err != nil {
		return nil, "", err
	}
	mtimeNsec, err := strconv.ParseInt(fields[6], 10, 64)
	if err != nil {
		return nil, "", err
	}

	f := &FileRecord{
		VPath:          vpath,
		Size:           size,
		ParityPosStart: uint32(posStart),
		BlockCount:     uint32(blockCount),
		MtimeSec:       mtimeSec,
		MtimeNsec:      mtimeNsec,
		Mode:           0100644,
		Uid:            0,
		Gid:            0,
	}
	if len(fields) == 10 {
		mode, err := strconv.ParseUint(fields[7], 8, 32)
		if err != nil {
			return nil, "", err
		}
		uid, err := strconv.ParseUint(fields[8], 10, 32)
		if err != nil {
			return nil, "", err
		}
		gid, err := strconv.ParseUint(fields[9], 10, 32)
		if err != nil {
			return nil, "", err
		}
		f.Mode = uint32(mode)
		f.Uid = uint32(uid)
		f.Gid = uint32(gid)
	}
	return f, driveName, nil
}

func parseDirLine(line string) (*DirRecord, error) {
	fields := strings.Split(strings.TrimPrefix(line, "dir|"), "|")
	if len(fields) != 6 {
		return nil, fmt.Errorf("malformed dir record: %q", line)
	}
	mode, err := strconv.ParseUint(fields[1], 8, 32)
	if err != nil {
		return nil, err
	}
	uid, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return nil, err
	}
	gid, err := strconv.ParseUint(fields[3], 10, 32)
	if err != nil {
		return nil, err
	}
	mtimeSec, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return nil, err
	}
	mtimeNsec, err := strconv.ParseInt(fields[5], 10, 64)
	if err != nil {
		return nil, err
	}
	return &DirRecord{
		VPath:     fields[0],
		Mode:      uint32(mode),
		Uid:       uint32(uid),
		Gid:       uint32(gid),
		MtimeSec:  mtimeSec,
		MtimeNsec: mtimeNsec,
	}, nil
}

func parseSymlinkLine(line string) (*SymlinkRecord, error) {
	fields := strings.Split(strings.TrimPrefix(line, "symlink|"), "|")
	if len(fields) != 6 {
		return nil, fmt.Errorf("malformed symlink record: %q", line)
	}
	mtimeSec, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return nil, err
	}
	mtimeNsec, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return nil, err
	}
	uid, err := strconv.ParseUint(fields[4], 10, 32)
	if err != nil {
		return nil, err
	}
	gid, err := strconv.ParseUint(fields[5], 10, 32)
	if err != nil {
		return nil, err
	}
	return &SymlinkRecord{
		VPath:     fields[0],
		Target:    fields[1],
		MtimeSec:  mtimeSec,
		MtimeNsec: mtimeNsec,
		Uid:       uint32(uid),
		Gid:       uint32(gid),
	}, nil
}
