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

// liveraid-rebuild reconstructs one drive's files in place. It first tries
// a live rebuild through the running engine's control socket; if that
// socket is unreachable it rebuilds offline, loading configuration,
// content, and parity files standalone.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/asig/liveraid/internal/config"
	"github.com/asig/liveraid/internal/control"
	"github.com/asig/liveraid/internal/parity"
	"github.com/asig/liveraid/internal/rebuild"
	"github.com/asig/liveraid/internal/state"
)

var (
	flagConfig   = flag.String("config", "", "Configuration file")
	flagDrive    = flag.String("drive", "", "Name of the drive to rebuild")
	flagLogLevel = newLogLevelFlag(zerolog.InfoLevel, "log-level", "Log level (trace, debug, info, warn, error, fatal, panic)")
)

func newLogLevelFlag(value zerolog.Level, name string, usage string) *logLevelFlag {
	p := &logLevelFlag{level: value}
	flag.Var(p, name, usage)
	return p
}

type logLevelFlag struct{ level zerolog.Level }

func (f *logLevelFlag) String() string { return f.level.String() }
func (f *logLevelFlag) Set(value string) error {
	level, err := zerolog.ParseLevel(strings.ToLower(value))
	if err != nil {
		return err
	}
	f.level = level
	return nil
}
func (f *logLevelFlag) Get() zerolog.Level { return f.level }

func initLogging(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = zerolog.
		New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "2006-01-02T15:04:05.000Z07:00"}).
		With().Timestamp().Caller().
		Logger()
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s -config <config-file> -drive <name>\n", os.Args[0])
	os.Exit(1)
}

// tryLiveRebuild attempts the live path: connect to the running engine's
// control socket and stream the rebuild through it.
// Returns false if the connection fails, so the caller falls through to
// the offline path.
func tryLiveRebuild(cfg *config.Config, drive string) bool {
	sockPath := control.SocketPath(cfg.ContentPaths[0])
	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		return false
	}
	defer conn.Close()

	fmt.Fprintf(conn, "rebuild %s\n", drive)
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			os.Stdout.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}
	return true
}

func main() {
	flag.Usage = usage
	flag.Parse()
	initLogging(flagLogLevel.Get())

	if *flagConfig == "" || *flagDrive == "" {
		usage()
	}

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		log.Error().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}

	if tryLiveRebuild(cfg, *flagDrive) {
		return
	}
	log.Info().Msg("control socket unreachable, rebuilding offline")

	core := state.New(cfg)
	snap, err := state.Load(cfg.ContentPaths)
	if err != nil {
		log.Error().Err(err).Msg("failed to load content file")
		os.Exit(1)
	}
	if snap != nil {
		core.LoadSnapshot(snap)
	}

	par, err := parity.OpenHandle(cfg.ParityPaths, len(cfg.Drives), cfg.BlockSize)
	if err != nil {
		log.Error().Err(err).Msg("failed to open parity files")
		os.Exit(1)
	}
	defer par.Close()

	driveIndex := -1
	for _, d := range core.Drives {
		if d.Name == *flagDrive {
			driveIndex = d.Index
			break
		}
	}
	if driveIndex < 0 {
		log.Error().Str("drive", *flagDrive).Msg("no such drive in configuration")
		os.Exit(1)
	}

	report, err := rebuild.Drive(core, par, driveIndex, core.Drives[driveIndex].Dir, func(vpath, status string, ferr error) {
		switch status {
		case "ok":
			fmt.Printf("ok %s\n", vpath)
		case "skip busy":
			fmt.Printf("skip %s busy\n", vpath)
		case "fail":
			fmt.Printf("fail %s %v\n", vpath, ferr)
		}
	})
	if err != nil {
		log.Error().Err(err).Msg("rebuild failed")
		os.Exit(1)
	}

	fmt.Printf("done %d %d skipped=%d\n", report.FilesRebuilt, report.FilesFailed, report.FilesSkipped)
	if report.FilesFailed > 0 {
		os.Exit(1)
	}
}
