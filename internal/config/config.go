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

// Package config parses the LiveRAID configuration file: a line-oriented,
// whitespace-separated directive format.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// Placement selects the drive-placement policy for new files.
type Placement int

const (
	MostFree Placement = iota
	RoundRobin
	LeastFree
	ProportionalRandom
)

func (p Placement) String() string {
	switch p {
	case MostFree:
		return "mostfree"
	case RoundRobin:
		return "roundrobin"
	case LeastFree:
		return "lfs"
	case ProportionalRandom:
		return "pfrd"
	default:
		return "unknown"
	}
}

// MaxParity is the ceiling on erasure-coding levels.
const MaxParity = 6

// Drive is a registered data drive.
type Drive struct {
	Name string
	Dir  string // absolute path, trailing separator guaranteed
}

// Config holds a validated configuration.
type Config struct {
	Drives         []Drive
	ParityPaths    []string // index 0 == level 1, ..., index np-1 == level np
	ContentPaths   []string
	Mountpoint     string
	BlockSize      uint32 // bytes
	Placement      Placement
	ParityThreads  int
	BitmapInterval int // seconds
}

func defaults() *Config {
	return &Config{
		BlockSize:      256 * 1024,
		Placement:      MostFree,
		ParityThreads:  1,
		BitmapInterval: 300,
	}
}

// Load reads and validates a configuration file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: can't open %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads and validates a configuration stream.
func Parse(r io.Reader) (*Config, error) {
	cfg := defaults()

	parityByLevel := map[int]string{}
	maxLevel := 0

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		directive := fields[0]
		args := fields[1:]

		switch directive {
		case "data":
			if len(args) != 2 {
				return nil, fmt.Errorf("config:%d: 'data' needs <name> <dir>", lineNo)
			}
			cfg.Drives = append(cfg.Drives, Drive{Name: args[0], Dir: ensureTrailingSep(args[1])})
		case "parity":
			if len(args) != 2 {
				return nil, fmt.Errorf("config:%d: 'parity' needs <level> <path>", lineNo)
			}
			level, err := strconv.Atoi(args[0])
			if err != nil || level < 1 || level > MaxParity {
				return nil, fmt.Errorf("config:%d: invalid parity level %q (must be 1..%d)", lineNo, args[0], MaxParity)
			}
			parityByLevel[level] = args[1]
			if level > maxLevel {
				maxLevel = level
			}
		case "content":
			if len(args) != 1 {
				return nil, fmt.Errorf("config:%d: 'content' needs <path>", lineNo)
			}
			cfg.ContentPaths = append(cfg.ContentPaths, args[0])
		case "mountpoint":
			if len(args) != 1 {
				return nil, fmt.Errorf("config:%d: 'mountpoint' needs <path>", lineNo)
			}
			cfg.Mountpoint = args[0]
		case "blocksize":
			if len(args) != 1 {
				return nil, fmt.Errorf("config:%d: 'blocksize' needs <KiB>", lineNo)
			}
			kib, err := strconv.Atoi(args[0])
			if err != nil || kib <= 0 || uint64(kib) > (uint64(^uint32(0))/1024) {
				return nil, fmt.Errorf("config:%d: invalid blocksize %q", lineNo, args[0])
			}
			bytes := uint32(kib) * 1024
			if bytes%64 != 0 {
				return nil, fmt.Errorf("config:%d: blocksize in bytes (%d) must be a multiple of 64", lineNo, bytes)
			}
			cfg.BlockSize = bytes
		case "placement":
			if len(args) != 1 {
				return nil, fmt.Errorf("config:%d: 'placement' needs a policy name", lineNo)
			}
			switch args[0] {
			case "mostfree":
				cfg.Placement = MostFree
			case "roundrobin":
				cfg.Placement = RoundRobin
			case "lfs":
				cfg.Placement = LeastFree
			case "pfrd":
				cfg.Placement = ProportionalRandom
			default:
				return nil, fmt.Errorf("config:%d: unknown placement policy %q", lineNo, args[0])
			}
		case "parity_threads":
			if len(args) != 1 {
				return nil, fmt.Errorf("config:%d: 'parity_threads' needs <N>", lineNo)
			}
			n, err := strconv.Atoi(args[0])
			if err != nil || n < 1 || n > 64 {
				return nil, fmt.Errorf("config:%d: parity_threads must be 1..64, got %q", lineNo, args[0])
			}
			cfg.ParityThreads = n
		case "bitmap_interval":
			if len(args) != 1 {
				return nil, fmt.Errorf("config:%d: 'bitmap_interval' needs <sec>", lineNo)
			}
			n, err := strconv.Atoi(args[0])
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("config:%d: invalid bitmap_interval %q", lineNo, args[0])
			}
			cfg.BitmapInterval = n
		default:
			log.Warn().Msgf("config:%d: unknown directive %q, ignoring", lineNo, directive)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: read error: %w", err)
	}

	if len(cfg.Drives) == 0 {
		return nil, fmt.Errorf("config: at least one 'data' drive is required")
	}
	if len(cfg.ContentPaths) == 0 {
		return nil, fmt.Errorf("config: at least one 'content' path is required")
	}
	if cfg.Mountpoint == "" {
		return nil, fmt.Errorf("config: 'mountpoint' is required")
	}
	for l := 1; l <= maxLevel; l++ {
		path, ok := parityByLevel[l]
		if !ok {
			return nil, fmt.Errorf("config: parity levels must be contiguous from 1, missing level %d", l)
		}
		cfg.ParityPaths = append(cfg.ParityPaths, path)
	}

	return cfg, nil
}

func ensureTrailingSep(dir string) string {
	if strings.HasSuffix(dir, string(filepath.Separator)) {
		return dir
	}
	return dir + string(filepath.Separator)
}
