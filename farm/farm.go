// Copyright (c) 2020-2021 The ethminer developers
//
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package farm runs the device workers as a group: it clones published work
// into disjoint nonce segments per worker, collects their candidate
// solutions, re-verifies each one at full precision and keeps the share
// accounting and hashrate reporting.
package farm

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gometrics "github.com/rcrowley/go-metrics"

	"github.com/molllyn1/ethminer/common"
	"github.com/molllyn1/ethminer/core"
	"github.com/molllyn1/ethminer/cuda"
	"github.com/molllyn1/ethminer/ethash"
	"github.com/molllyn1/ethminer/metrics"
)

// Config carries the farm-level knobs.
type Config struct {
	// StatusInterval is how often the accounting and hashrate summary is
	// logged.
	StatusInterval time.Duration
}

// Farm owns one worker per configured device.  It is the work source each
// worker polls and the sink their solutions come back through; the two-stage
// filter's authoritative full-precision check lives here.
type Farm struct {
	started  int32
	shutdown int32

	coord  *cuda.Coordinator
	epochs *ethash.Provider
	cfg    Config

	miners  []*cuda.Miner
	segment uint64 // nonce-space width assigned to each worker

	workMtx sync.RWMutex
	work    *core.Work

	accepted uint64
	rejected uint64
	stale    uint64

	acceptedCtr gometrics.Counter
	rejectedCtr gometrics.Counter
	staleCtr    gometrics.Counter

	deadOnce sync.Once
	dead     chan struct{}

	wg   sync.WaitGroup
	quit chan struct{}
}

// New builds a farm with one worker per entry of the configured device list,
// or one per discovered device when the list is empty.
func New(coord *cuda.Coordinator, epochs *ethash.Provider, cfg Config) (*Farm, error) {
	workers := len(coord.Config().Devices)
	if workers == 0 {
		workers = coord.Runtime().DeviceCount()
	}
	if workers == 0 {
		return nil, errors.New("no usable mining devices found")
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = 20 * time.Second
	}

	f := &Farm{
		coord:       coord,
		epochs:      epochs,
		cfg:         cfg,
		segment:     math.MaxUint64 / uint64(workers),
		acceptedCtr: metrics.NewCounter("farm/accepted"),
		rejectedCtr: metrics.NewCounter("farm/rejected"),
		staleCtr:    metrics.NewCounter("farm/stale"),
		dead:        make(chan struct{}),
		quit:        make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		f.miners = append(f.miners, cuda.NewMiner(i, coord, epochs, &segmentSource{farm: f, index: i}, f))
	}
	log.Info("Farm assembled", "workers", workers, "runtime", coord.Runtime().Name())
	return f, nil
}

// Workers returns how many device workers the farm owns.
func (f *Farm) Workers() int {
	return len(f.miners)
}

// Start launches every worker and the status loop.
func (f *Farm) Start() {
	if atomic.AddInt32(&f.started, 1) != 1 {
		return
	}
	log.Info("Starting farm", "workers", len(f.miners))

	for _, m := range f.miners {
		m.Start()
	}
	f.wg.Add(1)
	go f.statusLoop()
}

// Stop shuts down the workers and waits for them to drain.  Workers finish
// their in-flight device waits before honoring the stop.
func (f *Farm) Stop() {
	if atomic.AddInt32(&f.shutdown, 1) != 1 {
		log.Warn("Farm is already in the process of shutting down")
		return
	}
	log.Info("Stopping farm")

	close(f.quit)
	for _, m := range f.miners {
		m.Stop()
	}
	f.wg.Wait()

	accepted, rejected, stale := f.Shares()
	log.Info("Farm stopped", "accepted", accepted, "rejected", rejected, "stale", stale)

	// On a clean shutdown every worker reset its device; anything still
	// registered marks an error-path exit that skipped the reset.
	if dirty := f.coord.Lights(); len(dirty) > 0 {
		log.Warn("Devices left unreleased by failed workers", "devices", dirty)
	}
}

// Dead is closed once every worker has stopped, cleanly or not.  It lets the
// process exit instead of idling over a farm that can no longer mine.
func (f *Farm) Dead() <-chan struct{} {
	return f.dead
}

// Pause suspends every worker after its current search round.
func (f *Farm) Pause() {
	for _, m := range f.miners {
		m.Pause()
	}
}

// Resume lifts a farm-wide pause.
func (f *Farm) Resume() {
	for _, m := range f.miners {
		m.Resume()
	}
}

// SetWork publishes a fresh job.  Each worker observes its own clone offset
// into a disjoint nonce segment; the kicks make searching workers finish
// their round and pick the new job up.
func (f *Farm) SetWork(w *core.Work) {
	f.workMtx.Lock()
	f.work = w
	f.workMtx.Unlock()

	log.Debug("Work published", "job", w.JobID, "epoch", w.Epoch,
		"header", w.HeaderHash.TerminalString(), "difficulty", w.Difficulty())
	for _, m := range f.miners {
		m.Kick()
	}
}

// currentJobID returns the identifier of the freshest published job.
func (f *Farm) currentJobID() string {
	f.workMtx.RLock()
	defer f.workMtx.RUnlock()
	if f.work == nil {
		return ""
	}
	return f.work.JobID
}

// workFor clones the current job for one worker, moving the start nonce to
// the worker's segment.  Segments are maxUint64/workers wide, so two workers
// never search overlapping ranges of one job.
func (f *Farm) workFor(index int) *core.Work {
	f.workMtx.RLock()
	w := f.work
	f.workMtx.RUnlock()
	if w == nil {
		return nil
	}
	clone := *w
	clone.StartNonce = w.StartNonce + f.segment*uint64(index)
	return &clone
}

// segmentSource is the per-worker view of the farm's current job.
type segmentSource struct {
	farm  *Farm
	index int
}

// CurrentWork implements the core.WorkSource interface.
func (s *segmentSource) CurrentWork() *core.Work {
	return s.farm.workFor(s.index)
}

// SubmitSolution implements the core.SolutionSink interface.  The candidate
// passed the device's upper-64-bit filter; here it is re-verified against
// the full 256-bit boundary of the job it was found for.  A candidate that
// fails is counted and logged, never an error: the handoff itself succeeded.
func (f *Farm) SubmitSolution(sol *core.Solution) error {
	ctx, err := f.epochs.Context(sol.Work.Epoch)
	if err != nil {
		return fmt.Errorf("no epoch context to verify %s: %w", sol, err)
	}
	if !ctx.Verify(sol.Work.HeaderHash, sol.Nonce, sol.MixDigest, sol.Work.Boundary) {
		atomic.AddUint64(&f.rejected, 1)
		f.rejectedCtr.Inc(1)
		log.Warn("Rejected solution failing full verification", "miner", sol.Miner,
			"job", sol.Work.JobID, "nonce", hexutil.Uint64(sol.Nonce).String())
		return nil
	}

	stale := sol.Work.JobID != f.currentJobID()
	if stale {
		atomic.AddUint64(&f.stale, 1)
		f.staleCtr.Inc(1)
	} else {
		atomic.AddUint64(&f.accepted, 1)
		f.acceptedCtr.Inc(1)
	}
	log.Info("Accepted solution", "miner", sol.Miner, "job", sol.Work.JobID,
		"nonce", hexutil.Uint64(sol.Nonce).String(), "stale", stale,
		"latency", time.Since(sol.FoundAt))
	return nil
}

// Shares returns the accepted, rejected and stale counts so far.
func (f *Farm) Shares() (accepted, rejected, stale uint64) {
	return atomic.LoadUint64(&f.accepted), atomic.LoadUint64(&f.rejected), atomic.LoadUint64(&f.stale)
}

// HashRate sums the recent throughput of every live worker.
func (f *Farm) HashRate() float64 {
	var total float64
	for _, m := range f.miners {
		if m.Running() {
			total += m.HashRate()
		}
	}
	return total
}

// statusLoop logs per-worker and aggregate throughput with the share
// accounting on a ticker, and trips the dead channel once no worker is left
// running.  It must be run as a goroutine.
func (f *Farm) statusLoop() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.cfg.StatusInterval)
	defer ticker.Stop()

	reported := mapset.NewSet()
	for {
		select {
		case <-f.quit:
			log.Debug("Farm status service exit")
			return

		case <-ticker.C:
			// A tick racing Stop must not mistake stopping workers for
			// casualties.
			if atomic.LoadInt32(&f.shutdown) != 0 {
				continue
			}

			var total float64
			alive := 0
			for _, m := range f.miners {
				if !m.Running() {
					// Log each casualty once; the rest of the farm
					// carries on.
					if reported.Add(m.Index()) {
						log.Warn("Worker is down", "miner", m.Index(), "err", m.Err())
					}
					continue
				}
				alive++
				rate := m.HashRate()
				total += rate
				log.Debug("Worker status", "miner", m.Index(),
					"hashrate", common.FormatHashRate(rate, "H/s"), "hashes", m.Hashes())
			}

			accepted, rejected, stale := f.Shares()
			log.Info("Mining status", "workers", alive,
				"hashrate", common.FormatHashRate(total, "H/s"),
				"accepted", accepted, "rejected", rejected, "stale", stale)

			if alive == 0 {
				log.Error("Every worker has stopped, farm is dead")
				f.deadOnce.Do(func() { close(f.dead) })
				return
			}
		}
	}
}
