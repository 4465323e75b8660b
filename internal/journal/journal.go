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

// Package journal implements the write-back parity journal: the
// dirty-position bitmap, the background drainer, scrub/repair hooks, and
// the on-disk crash journal. It is the single hardest subsystem in the
// engine.
package journal

import (
	"bytes"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/asig/liveraid/internal/parity"
	"github.com/asig/liveraid/internal/state"
	"github.com/asig/liveraid/internal/util"
)

// Report summarizes one scrub or scrub-repair pass.
type Report struct {
	PositionsChecked uint64
	Mismatches       uint64
	Fixed            uint64
	ReadErrors       uint64
}

// Journal is the per-engine write-back parity journal.
type Journal struct {
	mu            sync.Mutex
	wake          *sync.Cond
	drainComplete *sync.Cond
	bitmap        *dirtyBitmap
	processing    bool
	running       bool
	doneCh        chan struct{}

	core  *state.Core
	par   *parity.Handle
	drives int

	contentPaths  []string
	bitmapPath    string
	intervalMs    int
	saveIntervalS int
	parityThreads int
	lastSave      time.Time

	scrubRequested       atomic.Bool
	scrubRepairRequested atomic.Bool
}

// Config bundles the journal's tunables.
type Config struct {
	ContentPaths  []string
	BitmapPath    string
	IntervalMs    int // default 5000
	SaveIntervalS int // default 300
	ParityThreads int // default 1
}

// New builds a journal. It does not start the drainer goroutine; call
// Start for that.
func New(core *state.Core, par *parity.Handle, cfg Config) *Journal {
	if cfg.IntervalMs == 0 {
		cfg.IntervalMs = 5000
	}
	if cfg.SaveIntervalS == 0 {
		cfg.SaveIntervalS = 300
	}
	if cfg.ParityThreads == 0 {
		cfg.ParityThreads = 1
	}
	j := &Journal{
		bitmap:        newDirtyBitmap(),
		core:          core,
		par:           par,
		drives:        len(core.Drives),
		contentPaths:  cfg.ContentPaths,
		bitmapPath:    cfg.BitmapPath,
		intervalMs:    cfg.IntervalMs,
		saveIntervalS: cfg.SaveIntervalS,
		parityThreads: cfg.ParityThreads,
		doneCh:        make(chan struct{}),
	}
	j.wake = sync.NewCond(&j.mu)
	j.drainComplete = sync.NewCond(&j.mu)
	return j
}

// RecoverCrashJournal loads an on-disk dirty bitmap left by an unclean
// shutdown, if any, ORs it into the live bitmap, and returns whether one
// was found. Call before Start.
func (j *Journal) RecoverCrashJournal() (recovered bool, err error) {
	data, err := os.ReadFile(j.bitmapPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("journal: reading crash bitmap: %w", err)
	}
	bm, err := decodeBitmap(data)
	if err != nil {
		log.Warn().Err(err).Msg("crash bitmap is corrupt, ignoring it")
		return false, nil
	}
	j.mu.Lock()
	j.bitmap.or(bm)
	j.mu.Unlock()
	log.Info().Int("positions", len(bm.collectSet())).Msg("recovered dirty positions from crash journal")
	return true, nil
}

// MarkDirtyRange sets bits [start, start+count) dirty. Does not wake the drainer: the drain is
// timer-driven so the periodic save sees the dirty set before it is
// drained (crash consistency).
func (j *Journal) MarkDirtyRange(start, count uint32) {
	j.mu.Lock()
	j.bitmap.markRange(start, count)
	j.mu.Unlock()
}

// Start launches the background drainer goroutine.
func (j *Journal) Start() {
	j.mu.Lock()
	j.running = true
	j.lastSave = time.Now()
	j.mu.Unlock()
	go j.run()
}

// Stop signals the drainer to exit and waits for it to do so. Joining is
// mandatory to avoid losing in-flight writes.
func (j *Journal) Stop() {
	j.mu.Lock()
	j.running = false
	j.wake.Broadcast()
	j.mu.Unlock()
	<-j.doneCh
}

// Flush blocks until the current dirty set has been fully drained: signal
// wake, then wait until processing is false AND the bitmap is empty. Both
// conditions are required because there is a window where the bitmap has
// already been swapped out but parity writes for it are still in flight.
func (j *Journal) Flush() {
	j.mu.Lock()
	j.wake.Broadcast()
	for j.processing || !j.bitmap.isEmpty() {
		j.drainComplete.Wait()
	}
	j.mu.Unlock()
}

// RequestScrub asks the drainer to run a scrub (or scrub-repair) pass
// after its next drain cycle. For a reply that
// needs the resulting counts immediately (the control channel), call
// Scrub directly instead.
func (j *Journal) RequestScrub(repair bool) {
	if repair {
		j.scrubRepairRequested.Store(true)
	} else {
		j.scrubRequested.Store(true)
	}
	j.mu.Lock()
	j.wake.Broadcast()
	j.mu.Unlock()
}

func (j *Journal) run() {
	defer close(j.doneCh)
	for {
		j.mu.Lock()
		if !j.running {
			j.mu.Unlock()
			return
		}
		timeout := j.waitTimeout()
		timer := time.AfterFunc(timeout, func() {
			j.mu.Lock()
			j.wake.Broadcast()
			j.mu.Unlock()
		})
		j.wake.Wait()
		timer.Stop()
		running := j.running
		j.mu.Unlock()
		if !running {
			return
		}
		j.tick()
	}
}

func (j *Journal) waitTimeout() time.Duration {
	saveMs := j.saveIntervalS * 1000
	ms := j.intervalMs
	if saveMs < ms {
		ms = saveMs
	}
	return time.Duration(ms) * time.Millisecond
}

// tick runs one full drainer cycle.
func (j *Journal) tick() {
	j.mu.Lock()
	dueForSave := time.Since(j.lastSave) >= time.Duration(j.saveIntervalS)*time.Second
	j.mu.Unlock()

	// Step 1: periodic persistence, before the swap, so the on-disk
	// bitmap still contains the positions about to be drained.
	if dueForSave {
		j.persist()
		j.mu.Lock()
		j.lastSave = time.Now()
		j.mu.Unlock()
	}

	// Step 2: swap.
	j.mu.Lock()
	detached := j.bitmap
	empty := detached.isEmpty()
	if !empty {
		j.bitmap = newDirtyBitmap()
		j.processing = true
	}
	j.mu.Unlock()

	if !empty {
		// Step 3: drain.
		j.drain(detached)

		// Step 4: done.
		j.mu.Lock()
		j.processing = false
		j.drainComplete.Broadcast()
		j.mu.Unlock()
	}

	// Step 5: scrub/repair, if requested.
	if j.scrubRepairRequested.CompareAndSwap(true, false) {
		j.Scrub(true)
	} else if j.scrubRequested.CompareAndSwap(true, false) {
		j.Scrub(false)
	}
}

func (j *Journal) persist() {
	j.core.RLock()
	snap := j.core.Snapshot()
	j.core.RUnlock()

	if err := state.Save(snap, j.contentPaths); err != nil {
		log.Error().Err(err).Msg("periodic content save failed")
	}

	j.mu.Lock()
	data := j.bitmap.encode()
	j.mu.Unlock()
	if err := os.WriteFile(j.bitmapPath, data, 0644); err != nil {
		log.Error().Err(err).Str("path", j.bitmapPath).Msg("failed to persist crash bitmap")
	}
}

// UnlinkCrashJournal removes the on-disk bitmap after a clean shutdown's
// final flush.
func (j *Journal) UnlinkCrashJournal() {
	if err := os.Remove(j.bitmapPath); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", j.bitmapPath).Msg("failed to unlink crash bitmap on clean shutdown")
	}
}

func (j *Journal) drain(bm *dirtyBitmap) {
	positions := bm.collectSet()
	if len(positions) == 0 {
		return
	}

	if j.parityThreads <= 1 {
		for _, p := range positions {
			j.drainOne(p)
		}
		return
	}

	chunks := splitInto(positions, j.parityThreads)
	var g errgroup.Group
	for _, chunk := range chunks {
		chunk := chunk
		g.Go(func() error {
			for _, p := range chunk {
				j.drainOne(p)
			}
			return nil
		})
	}
	_ = g.Wait() // drainOne never returns an error; failures are logged and skipped
}

func splitInto(positions []uint32, t int) [][]uint32 {
	if t > len(positions) {
		t = len(positions)
	}
	if t <= 0 {
		return nil
	}
	chunks := make([][]uint32, 0, t)
	n := len(positions)
	base := n / t
	rem := n % t
	start := 0
	for i := 0; i < t; i++ {
		size := base
		if i < rem {
			size++
		}
		chunks = append(chunks, positions[start:start+size])
		start += size
	}
	return chunks
}

func (j *Journal) drainOne(pos uint32) {
	nd := j.par.Codec.NumData()
	data := make([][]byte, nd)
	j.core.RLock()
	for d := 0; d < nd; d++ {
		block, _ := j.core.ReadDataBlock(d, pos)
		data[d] = block
	}
	j.core.RUnlock()

	if err := j.par.EncodeAndWrite(pos, data); err != nil {
		log.Warn().Err(err).Uint32("pos", pos).Msg("drain: parity write failed, scrub repair will restore consistency")
	}
}

// Scrub runs a read-only verification pass (repair=false) or a
// verify-and-rewrite pass (repair=true) over every position up to the
// highest next_free across all drives.
func (j *Journal) Scrub(repair bool) Report {
	var report Report

	j.core.RLock()
	nd := len(j.core.Drives)
	var maxPos uint32
	for _, d := range j.core.Drives {
		if nf := d.Allocator.NextFree(); nf > maxPos {
			maxPos = nf
		}
	}
	j.core.RUnlock()

	for p := uint32(0); p < maxPos; p++ {
		data := make([][]byte, nd)
		anyReadErr := false

		j.core.RLock()
		for d := 0; d < nd; d++ {
			block, readErr := j.core.ReadDataBlock(d, p)
			data[d] = block
			if readErr {
				anyReadErr = true
			}
		}
		j.core.RUnlock()
		if anyReadErr {
			report.ReadErrors++
		}

		computed, err := j.par.Codec.Encode(data)
		if err != nil {
			report.ReadErrors++
			continue
		}

		mismatchHere := false
		for level := 1; level <= j.par.NumParity(); level++ {
			stored, err := j.par.ReadParityBlock(level, p)
			if err != nil {
				report.ReadErrors++
				continue
			}
			if !bytes.Equal(stored, computed[level-1]) {
				mismatchHere = true
				log.Trace().Uint32("pos", p).Int("level", level).Msgf(
					"parity mismatch, stored vs computed:\n%s--\n%s",
					util.HexDump(stored, 0, len(stored)), util.HexDump(computed[level-1], 0, len(computed[level-1])))
				if repair {
					if err := j.par.WriteParityBlock(level, p, computed[level-1]); err != nil {
						log.Error().Err(err).Uint32("pos", p).Int("level", level).Msg("scrub repair write failed")
					} else {
						report.Fixed++
					}
				}
			}
		}
		if mismatchHere {
			report.Mismatches++
		}
		report.PositionsChecked++

		if p > 0 && p%10000 == 0 {
			log.Info().Uint32("checked", p).Uint32("of", maxPos).Msg("scrub progress")
		}
	}

	log.Info().Bool("repair", repair).Uint64("checked", report.PositionsChecked).
		Uint64("mismatches", report.Mismatches).Uint64("fixed", report.Fixed).
		Uint64("read_errors", report.ReadErrors).Msg("scrub complete")
	return report
}
