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

// liveraidctl is a thin client for the engine's control socket: it
// connects, sends one command line, and streams back whatever the engine
// replies with.
package main

import (
	"fmt"
	"io"
	"net"
	"os"

	"github.com/asig/liveraid/internal/control"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: %s <content-path> <command...>

Commands:
  rebuild <drive>
  scrub
  scrub repair
`, os.Args[0])
	os.Exit(1)
}

func main() {
	if len(os.Args) < 3 {
		usage()
	}
	contentPath := os.Args[1]
	cmdLine := ""
	for i, arg := range os.Args[2:] {
		if i > 0 {
			cmdLine += " "
		}
		cmdLine += arg
	}

	conn, err := net.Dial("unix", control.SocketPath(contentPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	if _, err := fmt.Fprintf(conn, "%s\n", cmdLine); err != nil {
		fmt.Fprintf(os.Stderr, "write: %v\n", err)
		os.Exit(1)
	}

	if _, err := io.Copy(os.Stdout, conn); err != nil {
		fmt.Fprintf(os.Stderr, "read: %v\n", err)
		os.Exit(1)
	}
}
