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

// Package control implements the live rebuild/scrub socket: a
// Unix-domain stream listener at "<first_content_path>.ctrl" accepting
// one command per connection. The server shape (bind, unlink stale
// socket, accept loop, one goroutine per connection) is the standard
// net.Listener pattern for a local control plane, with the same
// zerolog call-tracing idiom used throughout the engine.
package control

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/asig/liveraid/internal/engine"
	"github.com/asig/liveraid/internal/rebuild"
	"github.com/asig/liveraid/internal/state"
)

// Server is the control-channel acceptor.
type Server struct {
	eng      *engine.Engine
	path     string
	listener net.Listener
	wg       sync.WaitGroup
}

// SocketPath derives the control-socket path from the first configured
// content path.
func SocketPath(firstContentPath string) string {
	return firstContentPath + ".ctrl"
}

// New binds the control socket, unlinking any stale one first.
func New(eng *engine.Engine) (*Server, error) {
	path := SocketPath(eng.Config().ContentPaths[0])
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", path).Msg("control: failed to unlink stale socket, continuing")
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("control: listen on %s: %w", path, err)
	}
	return &Server{eng: eng, path: path, listener: l}, nil
}

// Serve runs the accept loop until Close is called. Call in its own
// goroutine.
func (s *Server) Serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return // listener closed, normal shutdown path
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

// Close stops accepting connections, waits for in-flight handlers, and
// unlinks the socket file.
func (s *Server) Close() {
	s.listener.Close()
	s.wg.Wait()
	os.Remove(s.path)
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		return
	}
	line := strings.TrimSpace(scanner.Text())
	w := bufio.NewWriter(conn)
	defer w.Flush()

	fields := strings.Fields(line)
	if len(fields) == 0 {
		fmt.Fprintf(w, "error unknown command\n")
		return
	}

	switch fields[0] {
	case "rebuild":
		if len(fields) != 2 {
			fmt.Fprintf(w, "error unknown command\n")
			return
		}
		s.handleRebuild(w, fields[1])
	case "scrub":
		repair := len(fields) == 2 && fields[1] == "repair"
		if len(fields) > 1 && !repair {
			fmt.Fprintf(w, "error unknown command\n")
			return
		}
		s.handleScrub(w, repair)
	default:
		fmt.Fprintf(w, "error unknown command\n")
	}
}

func (s *Server) handleRebuild(w *bufio.Writer, driveName string) {
	core := s.eng.Core()
	core.RLock()
	driveIndex := -1
	for _, d := range core.Drives {
		if d.Name == driveName {
			driveIndex = d.Index
			break
		}
	}
	var dir string
	if driveIndex >= 0 {
		dir = core.Drives[driveIndex].Dir
	}
	core.RUnlock()

	if driveIndex < 0 {
		fmt.Fprintf(w, "error unknown drive %s\n", driveName)
		return
	}

	n := 0
	report, err := rebuild.Drive(core, s.eng.Parity(), driveIndex, dir, func(vpath, status string, ferr error) {
		n++
		fmt.Fprintf(w, "progress %d %d %s\n", n, countFiles(core, driveIndex), vpath)
		w.Flush()
		switch status {
		case "ok":
			fmt.Fprintf(w, "ok %s\n", vpath)
		case "skip busy":
			fmt.Fprintf(w, "skip %s busy\n", vpath)
		case "fail":
			fmt.Fprintf(w, "fail %s %v\n", vpath, ferr)
		}
		w.Flush()
	})
	if err != nil {
		fmt.Fprintf(w, "error %v\n", err)
		return
	}
	fmt.Fprintf(w, "done %d %d skipped=%d\n", report.FilesRebuilt, report.FilesFailed, report.FilesSkipped)
}

func countFiles(core *state.Core, driveIndex int) int {
	core.RLock()
	defer core.RUnlock()
	n := 0
	for _, f := range core.Files() {
		if f.DriveIndex == driveIndex {
			n++
		}
	}
	return n
}

func (s *Server) handleScrub(w *bufio.Writer, repair bool) {
	report := s.eng.Journal().Scrub(repair)
	if repair {
		fmt.Fprintf(w, "done %d %d fixed=%d errors=%d\n", report.PositionsChecked, report.Mismatches, report.Fixed, report.ReadErrors)
	} else {
		fmt.Fprintf(w, "done %d %d errors=%d\n", report.PositionsChecked, report.Mismatches, report.ReadErrors)
	}
}
