// Copyright (c) 2020-2021 The ethminer developers
//
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cuda

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rcrowley/go-metrics"

	"github.com/molllyn1/ethminer/core"
	"github.com/molllyn1/ethminer/ethash"
)

const (
	// workWaitTime bounds one idle sleep while no work is available, so
	// shutdown and late work publication are both observed promptly.
	workWaitTime = time.Second * 3

	// submitQueueSize is the dispatcher's solution backlog.  The search
	// loop only blocks on a handoff once this many solutions are already
	// in flight.
	submitQueueSize = 64
)

// streamSlot pairs one device command stream with its pinned result buffer
// and the start nonce of the batch currently in flight on it.  Keeping the
// issued range on the slot means draining never has to reconstruct it from
// loop arithmetic.
type streamSlot struct {
	stream  Stream
	results *SearchResults
	base    uint64
}

// Miner drives one device: it waits for work, rebuilds the dataset on epoch
// changes, keeps the device's command streams fed with search batches, and
// hands candidate solutions to the sink without stalling the pipeline.
//
// A Miner owns its device exclusively.  The only state it shares with other
// workers lives in the Coordinator.
type Miner struct {
	started  int32
	shutdown int32
	running  int32
	newWork  int32 // single-use flag, consumed once per search round
	pause    int32

	index  int
	coord  *Coordinator
	epochs *ethash.Provider
	source core.WorkSource
	sink   core.SolutionSink

	device Device
	res    *resources
	slots  []*streamSlot
	target uint64 // last target written to the device

	hashrate metrics.Meter

	wake     chan struct{} // shortens the idle wait when work arrives
	submitCh chan *core.Solution

	errMtx   sync.Mutex
	err      error
	failOnce sync.Once

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewMiner creates the worker for one device slot.  index is the worker's
// position across the farm; the coordinator maps it to a concrete device
// when the first epoch is initialized.
func NewMiner(index int, coord *Coordinator, epochs *ethash.Provider, source core.WorkSource, sink core.SolutionSink) *Miner {
	return &Miner{
		index:    index,
		coord:    coord,
		epochs:   epochs,
		source:   source,
		sink:     sink,
		hashrate: metrics.NewMeter(),
		wake:     make(chan struct{}, 1),
		submitCh: make(chan *core.Solution, submitQueueSize),
		quit:     make(chan struct{}),
	}
}

// Index returns the worker's index.
func (m *Miner) Index() int {
	return m.index
}

// Start launches the worker loop and its solution dispatcher.
func (m *Miner) Start() {
	if atomic.AddInt32(&m.started, 1) != 1 {
		return
	}
	log.Debug("Starting device worker", "miner", m.index)

	atomic.StoreInt32(&m.running, 1)
	m.wg.Add(2)
	go m.workLoop()
	go m.dispatchLoop()
}

// Stop signals shutdown and waits for the worker to drain.  An in-flight
// device wait is allowed to complete before the stop is honored.
func (m *Miner) Stop() {
	if atomic.AddInt32(&m.shutdown, 1) != 1 {
		log.Warn("Device worker is already in the process of shutting down", "miner", m.index)
		return
	}
	log.Debug("Stopping device worker", "miner", m.index)
	m.failOnce.Do(func() { close(m.quit) })
	m.wg.Wait()
}

// Kick wakes the worker: an idle worker re-polls for work immediately, and
// a searching worker finishes its current round and picks up the freshest
// job.
func (m *Miner) Kick() {
	atomic.StoreInt32(&m.newWork, 1)
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Pause makes the search loop treat fresh work as unavailable; the worker
// idles after the current round until Resume.
func (m *Miner) Pause() {
	atomic.StoreInt32(&m.pause, 1)
	m.Kick()
}

// Resume lifts a pause.
func (m *Miner) Resume() {
	atomic.StoreInt32(&m.pause, 0)
	m.Kick()
}

// Paused reports whether the worker is paused.
func (m *Miner) Paused() bool {
	return atomic.LoadInt32(&m.pause) != 0
}

// Running reports whether the worker loop is still alive.  A worker that
// hit a fatal error stops running while the rest of the farm continues.
func (m *Miner) Running() bool {
	return atomic.LoadInt32(&m.running) != 0
}

// HashRate returns the worker's recent throughput in hashes per second.
func (m *Miner) HashRate() float64 {
	return m.hashrate.Rate1()
}

// Hashes returns the total number of nonces attempted since start.
func (m *Miner) Hashes() int64 {
	return m.hashrate.Count()
}

// Err returns the error that terminated the worker, if any.
func (m *Miner) Err() error {
	m.errMtx.Lock()
	defer m.errMtx.Unlock()
	return m.err
}

// fail records the first fatal error and releases everything blocked on
// quit.  Safe to call from any goroutine; later calls are no-ops.
func (m *Miner) fail(err error) {
	m.failOnce.Do(func() {
		m.errMtx.Lock()
		m.err = err
		m.errMtx.Unlock()
		close(m.quit)
	})
}

// stopping reports whether shutdown has been requested.
func (m *Miner) stopping() bool {
	select {
	case <-m.quit:
		return true
	default:
		return false
	}
}

// workLoop is the top-level worker state machine.  It must be run as a
// goroutine.
//
// On a clean exit the device is reset so every allocation is released; an
// error exit leaves the device as-is, and a supervisor reusing it must
// force a reset before reinitializing.
func (m *Miner) workLoop() {
	defer m.wg.Done()
	defer close(m.submitCh)
	defer atomic.StoreInt32(&m.running, 0)
	defer m.hashrate.Stop()

	if err := m.run(); err != nil {
		log.Error("Device worker failed", "miner", m.index, "err", err)
		m.fail(err)
		return
	}

	if m.device != nil {
		if err := m.res.release(); err != nil {
			log.Warn("Device reset at exit failed", "miner", m.index, "err", err)
		}
	}
	log.Debug("Device worker done", "miner", m.index)
}

// run pulls jobs and alternates between epoch initialization and searching
// until shutdown or a fatal error.
func (m *Miner) run() error {
	lastEpoch := -1

	for !m.stopping() {
		w := m.source.CurrentWork()
		if w == nil || m.Paused() {
			select {
			case <-m.wake:
			case <-time.After(workWaitTime):
			case <-m.quit:
			}
			continue
		}

		if w.Epoch != lastEpoch {
			if err := m.initEpoch(w.Epoch); err != nil {
				if errors.Is(err, errShutdown) {
					return nil
				}
				return err
			}
			lastEpoch = w.Epoch

			// Dataset generation can take long enough for a newer
			// job to have superseded this one; re-poll before
			// searching.
			continue
		}

		if err := m.search(w); err != nil {
			return err
		}
	}
	return nil
}

// initEpoch brings the device into a state where it holds the dataset for
// the epoch: it takes the worker's turn at the sequential-load barrier,
// opens the device on first use, sizes and copies the epoch context through
// the resource manager, and regenerates the dataset when the allocation was
// rebuilt.
func (m *Miner) initEpoch(epoch int) error {
	if !m.coord.WaitTurn(m.index, m.quit) {
		log.Debug("Exiting before dataset load", "miner", m.index)
		return errShutdown
	}

	if m.device == nil {
		index, err := m.coord.ResolveDevice(m.index)
		if err != nil {
			return err
		}
		device, err := m.coord.Runtime().Open(index)
		if err != nil {
			return deviceErr(index, "open", err)
		}
		m.device = device
		m.res = newResources(device, m.coord)

		props := device.Properties()
		log.Info("Using device", "miner", m.index, "device", index,
			"name", props.Name, "compute", props.ComputeVersion())
	}

	ctx, err := m.epochs.Context(epoch)
	if err != nil {
		return err
	}

	light, dag, rebuilt, err := m.res.ensure(ctx)
	if err != nil {
		return err
	}
	if err := m.device.BindDataset(dag, ctx.DatasetItems, light, ctx.LightItems); err != nil {
		return deviceErr(m.device.Index(), "bind dataset", err)
	}

	if rebuilt {
		if err := m.createSlots(); err != nil {
			return err
		}
		m.target = 0

		cfg := m.coord.Config()
		var headroom uint64
		if total := m.device.Properties().TotalMemory; total > ctx.DatasetBytes()+ctx.CacheBytes() {
			headroom = total - ctx.DatasetBytes() - ctx.CacheBytes()
		}
		log.Info("Generating dataset", "miner", m.index, "device", m.device.Index(),
			"epoch", epoch, "size", common.StorageSize(ctx.DatasetBytes()),
			"headroom", common.StorageSize(headroom))
		start := time.Now()

		if err := m.device.GenerateDataset(cfg.GridSize, cfg.BlockSize, m.slots[0].stream); err != nil {
			return deviceErr(m.device.Index(), "generate dataset", err)
		}
		m.res.commit(ctx.DatasetItems)

		log.Info("Generated dataset", "miner", m.index, "device", m.device.Index(),
			"epoch", epoch, "elapsed", common.PrettyDuration(time.Since(start)))
	} else {
		log.Debug("Reusing dataset buffers", "miner", m.index, "epoch", epoch)
	}

	m.coord.FinishLoad(m.index)
	return nil
}

// createSlots builds the stream slot set: one command stream and one pinned
// result buffer each.  Only called after a device reset, which discarded
// the previous generation of slots.
func (m *Miner) createSlots() error {
	cfg := m.coord.Config()
	slots := make([]*streamSlot, cfg.Streams)
	for i := range slots {
		results, err := m.device.MallocResults()
		if err != nil {
			return deviceErr(m.device.Index(), "allocate result buffer", err)
		}
		stream, err := m.device.CreateStream()
		if err != nil {
			return deviceErr(m.device.Index(), "create stream", err)
		}
		slots[i] = &streamSlot{stream: stream, results: results}
	}
	m.slots = slots
	return nil
}

// search keeps every stream slot fed with batches for the job until fresher
// work arrives, the worker is paused, or shutdown is requested.  The stream
// synchronize is the only true suspension point: while one slot drains and
// reissues, the others keep computing.
func (m *Miner) search(w *core.Work) error {
	cfg := m.coord.Config()
	device := m.device.Index()
	batchSize := cfg.BatchSize()
	roundSize := batchSize * uint64(len(m.slots))

	if err := m.device.SetHeader(w.HeaderHash); err != nil {
		return deviceErr(device, "set header", err)
	}
	// The boundary's upper 64 bits are the whole of the device-side
	// filter; an unchanged value is not rewritten.
	if target := w.UpperBoundary(); target != m.target {
		if err := m.device.SetTarget(target); err != nil {
			return deviceErr(device, "set target", err)
		}
		m.target = target
	}

	// Prime every slot with consecutive batches from the job's start
	// nonce, result counts cleared.
	startNonce := w.StartNonce
	for _, slot := range m.slots {
		slot.results.Count = 0
		if err := m.device.Search(slot.stream, slot.results, startNonce,
			cfg.GridSize, cfg.BlockSize, cfg.ParallelHash); err != nil {
			return deviceErr(device, "search", err)
		}
		slot.base = startNonce
		startNonce += batchSize
	}

	done := false
	for !done {
		// One evaluation per round decides whether this round drains
		// without reissuing.  The new-work flag is consumed at most
		// once here, so a pending job switch is never missed and a
		// stale flag cannot end a later search early.
		done = atomic.CompareAndSwapInt32(&m.newWork, 1, 0)
		if !done {
			done = m.Paused()
		}

		for _, slot := range m.slots {
			if err := slot.stream.Synchronize(); err != nil {
				return deviceErr(device, "synchronize", err)
			}

			// A stop observed mid-wait joins the drain path; the
			// new-work flag is voided so it is not dropped
			// silently.
			if m.stopping() {
				atomic.StoreInt32(&m.newWork, 0)
				done = true
			}

			count := slot.results.Count
			if count > 0 {
				if count > MaxSearchResults {
					count = MaxSearchResults
				}
				// Snapshot the entries before the slot is
				// reissued; the device owns the buffer again
				// once a new batch is in flight.
				found := slot.results.Results
				base := slot.base
				slot.results.Count = 0

				now := time.Now()
				for i := uint32(0); i < count; i++ {
					m.submit(&core.Solution{
						Nonce:     base + uint64(found[i].GID),
						MixDigest: found[i].Mix,
						Work:      *w,
						FoundAt:   now,
						Miner:     m.index,
					})
				}
			}

			if !done {
				if err := m.device.Search(slot.stream, slot.results, startNonce,
					cfg.GridSize, cfg.BlockSize, cfg.ParallelHash); err != nil {
					return deviceErr(device, "search", err)
				}
				slot.base = startNonce
				startNonce += batchSize
			}
		}

		m.hashrate.Mark(int64(roundSize))

		if m.stopping() {
			atomic.StoreInt32(&m.newWork, 0)
			done = true
		}
	}
	return nil
}

// submit hands one candidate to the dispatcher.  It only blocks when the
// dispatcher's backlog is full, and a shutdown releases the wait; a
// candidate given up that way is logged, never silently lost.
func (m *Miner) submit(sol *core.Solution) {
	log.Info("Found candidate", "miner", m.index, "job", sol.Work.JobID,
		"nonce", hexutil.Uint64(sol.Nonce).String())

	select {
	case m.submitCh <- sol:
		return
	default:
	}
	select {
	case m.submitCh <- sol:
	case <-m.quit:
		log.Warn("Candidate abandoned during shutdown", "miner", m.index,
			"job", sol.Work.JobID, "nonce", hexutil.Uint64(sol.Nonce).String())
	}
}

// dispatchLoop delivers candidates to the sink in discovery order, off the
// search loop's critical path.  A failed handoff is fatal for the worker;
// anything still queued behind it is logged as abandoned rather than
// silently lost.  It must be run as a goroutine.
func (m *Miner) dispatchLoop() {
	defer m.wg.Done()

	failed := false
	for sol := range m.submitCh {
		if failed {
			log.Warn("Candidate abandoned after handoff failure", "miner", m.index,
				"job", sol.Work.JobID, "nonce", hexutil.Uint64(sol.Nonce).String())
			continue
		}
		log.Trace("Dispatching solution", "miner", m.index,
			"detail", newLogClosure(sol.String))
		if err := m.sink.SubmitSolution(sol); err != nil {
			m.fail(fmt.Errorf("submit solution %s: %w", sol, err))
			failed = true
		}
	}
}
