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

package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/asig/liveraid/internal/config"
	"github.com/asig/liveraid/internal/control"
	"github.com/asig/liveraid/internal/engine"
	"github.com/asig/liveraid/internal/raidfs"
)

const version = "v0.1"

var (
	flagConfig   = flag.String("config", "", "Configuration file")
	flagLogLevel = newLogLevelFlag(zerolog.InfoLevel, "log-level", "Log level (trace, debug, info, warn, error, fatal, panic)")
)

func newLogLevelFlag(value zerolog.Level, name string, usage string) *logLevelFlag {
	p := &logLevelFlag{level: value}
	flag.Var(p, name, usage)
	return p
}

// logLevelFlag implements flag.Value for zerolog.Level
type logLevelFlag struct {
	level zerolog.Level
}

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
		New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "2006-01-02T15:04:05.000Z07:00",
			NoColor:    false,
		}).
		With().Timestamp().Caller().
		Logger()
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s -config <config-file>\n", os.Args[0])
	os.Exit(1)
}

func main() {
	fmt.Printf("LiveRAID filesystem %s\n", version)
	fmt.Printf("Copyright (c) 2025 Andreas Signer <asigner@gmail.com>\n")

	flag.Usage = usage
	flag.Parse()
	initLogging(flagLogLevel.Get())

	if *flagConfig == "" {
		usage()
	}

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		log.Error().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}

	eng, err := engine.Open(cfg)
	if err != nil {
		log.Error().Err(err).Msg("failed to open engine")
		os.Exit(1)
	}
	eng.Start()

	ctrl, err := control.New(eng)
	if err != nil {
		log.Error().Err(err).Msg("failed to start control channel")
		os.Exit(1)
	}
	go ctrl.Serve()

	conn, err := fuse.Mount(
		cfg.Mountpoint,
		fuse.FSName("liveraid"),
		fuse.Subtype("liveraidfs"),
	)
	if err != nil {
		log.Error().Err(err).Msg("failed to mount")
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("shutdown signal received, unmounting")
		fuse.Unmount(cfg.Mountpoint)
	}()

	serveErr := fusefs.Serve(conn, raidfs.NewFS(eng))

	ctrl.Close()
	eng.Shutdown()
	conn.Close()

	if serveErr != nil {
		log.Error().Err(serveErr).Msg("fuse serve exited with an error")
		os.Exit(1)
	}
}
