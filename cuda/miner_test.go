// Copyright (c) 2020-2021 The ethminer developers
//
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cuda

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/molllyn1/ethminer/core"
	"github.com/molllyn1/ethminer/ethash"
)

const (
	waitFor = 10 * time.Second
	tick    = 5 * time.Millisecond
)

// pipelineConfig returns small tunables so tests can count batches by hand.
func pipelineConfig(streams int) Config {
	return Config{
		Streams:        streams,
		GridSize:       16,
		BlockSize:      8, // 128 nonces per batch
		ParallelHash:   4,
		Schedule:       ScheduleSync,
		SequentialLoad: true,
	}
}

func newTestMiner(t *testing.T, rt Runtime, cfg Config) (*Miner, *scriptSource, *recordSink, *Coordinator) {
	t.Helper()
	coord := NewCoordinator(rt, cfg)
	src := &scriptSource{}
	sink := &recordSink{}
	return NewMiner(0, coord, ethash.NewTestProvider(), src, sink), src, sink, coord
}

func testWork(job string, epoch int, header byte, difficulty, startNonce uint64) *core.Work {
	return &core.Work{
		JobID:      job,
		Epoch:      epoch,
		HeaderHash: common.Hash{header},
		Boundary:   core.BoundaryFromDifficulty(difficulty),
		StartNonce: startNonce,
	}
}

// drainSubmissions empties the dispatcher queue without running the
// dispatcher, for tests that call search directly.
func drainSubmissions(m *Miner) []*core.Solution {
	var sols []*core.Solution
	for {
		select {
		case sol := <-m.submitCh:
			sols = append(sols, sol)
		default:
			return sols
		}
	}
}

// Batches must tile the worker's segment: consecutive, non-overlapping and
// gap-free from the job's start nonce, spread round-robin across the
// streams, with the throughput meter advancing by whole rounds.
func TestSearchNoncePartition(t *testing.T) {
	rt := newStubRuntime(1, 16<<30)
	cfg := pipelineConfig(3)
	m, _, _, _ := newTestMiner(t, rt, cfg)

	require.NoError(t, m.initEpoch(0))

	const start = uint64(1) << 20
	w := testWork("job-a", 0, 0xa1, 1<<32, start)

	// Ask for fresher work during the last synchronize of round three, so
	// the fourth round drains without reissuing.
	dev := rt.devices[0]
	dev.onSync = func(syncs int) {
		if syncs == 3*cfg.Streams {
			m.Kick()
		}
	}

	require.NoError(t, m.search(w))

	batch := cfg.BatchSize()
	issued := dev.issuedBatches()
	require.Len(t, issued, 4*cfg.Streams)
	for i, b := range issued {
		assert.Equal(t, start+uint64(i)*batch, b.base, "batch %d base", i)
		assert.Equal(t, batch, b.batch, "batch %d size", i)
		assert.Equal(t, i%cfg.Streams+1, b.stream, "batch %d stream", i)
	}

	// Four rounds of three batches each were marked.
	assert.Equal(t, int64(4*cfg.Streams)*int64(batch), m.Hashes())

	// One header write, one target write, and the new-work flag consumed.
	assert.Equal(t, []common.Hash{w.HeaderHash}, dev.headerWrites())
	assert.Equal(t, []uint64{w.UpperBoundary()}, dev.targetWrites())
	assert.Zero(t, atomic.LoadInt32(&m.newWork))
}

// A pending new-work flag ends the round without reissuing, is consumed
// exactly once, and the next search never touches nonces from the stale job.
// An unchanged boundary is not rewritten to the device.
func TestSearchPreemption(t *testing.T) {
	rt := newStubRuntime(1, 16<<30)
	cfg := pipelineConfig(2)
	m, _, _, _ := newTestMiner(t, rt, cfg)

	require.NoError(t, m.initEpoch(0))

	dev := rt.devices[0]
	w1 := testWork("job-a", 0, 0xa1, 1<<32, 0)

	// Fresher work arrived before the search even started: the primed
	// round completes, drains, and nothing is reissued.
	atomic.StoreInt32(&m.newWork, 1)
	require.NoError(t, m.search(w1))
	assert.Equal(t, cfg.Streams, dev.issueCount())
	assert.Zero(t, atomic.LoadInt32(&m.newWork), "flag must be consumed")

	// Same boundary, new header and segment.
	const start2 = uint64(1) << 32
	w2 := testWork("job-b", 0, 0xb2, 1<<32, start2)
	dev.onSync = func(syncs int) {
		if syncs == 2*cfg.Streams {
			m.Kick()
		}
	}
	require.NoError(t, m.search(w2))

	issued := dev.issuedBatches()
	require.Len(t, issued, 3*cfg.Streams)
	for _, b := range issued[cfg.Streams:] {
		if b.base < start2 {
			t.Fatalf("batch at %#x issued from the superseded job's segment", b.base)
		}
	}

	// The header is republished per job, the unchanged target is not.
	assert.Equal(t, []common.Hash{w1.HeaderHash, w2.HeaderHash}, dev.headerWrites())
	assert.Equal(t, []uint64{w1.UpperBoundary()}, dev.targetWrites())
}

// Every reported candidate must surface as a solution with the batch-start
// nonce offset applied, capped at the buffer capacity, and the result count
// must be cleared before the slot is handed back to the device.
func TestSearchLosslessExtraction(t *testing.T) {
	rt := newStubRuntime(1, 16<<30)
	cfg := pipelineConfig(2)
	m, _, _, _ := newTestMiner(t, rt, cfg)

	require.NoError(t, m.initEpoch(0))

	const start = uint64(4096)
	batch := cfg.BatchSize()
	w := testWork("job-a", 0, 0xa1, 1<<32, start)

	dev := rt.devices[0]
	dev.plantAt(start, 3,
		SearchResult{GID: 0, Mix: common.Hash{0xaa}},
		SearchResult{GID: 17, Mix: common.Hash{0xbb}},
		SearchResult{GID: 127, Mix: common.Hash{0xcc}},
	)
	// The second slot's kernel kept counting past the buffer capacity;
	// only the first four entries carry data.
	dev.plantAt(start+batch, 7,
		SearchResult{GID: 1, Mix: common.Hash{0x01}},
		SearchResult{GID: 2, Mix: common.Hash{0x02}},
		SearchResult{GID: 3, Mix: common.Hash{0x03}},
		SearchResult{GID: 4, Mix: common.Hash{0x04}},
	)

	atomic.StoreInt32(&m.newWork, 1) // single drain round
	require.NoError(t, m.search(w))

	sols := drainSubmissions(m)
	require.Len(t, sols, 3+MaxSearchResults)

	wantNonces := []uint64{
		start, start + 17, start + 127,
		start + batch + 1, start + batch + 2, start + batch + 3, start + batch + 4,
	}
	wantMixes := []common.Hash{
		{0xaa}, {0xbb}, {0xcc},
		{0x01}, {0x02}, {0x03}, {0x04},
	}
	for i, sol := range sols {
		assert.Equal(t, wantNonces[i], sol.Nonce, "solution %d nonce", i)
		assert.Equal(t, wantMixes[i], sol.MixDigest, "solution %d mix", i)
		assert.Equal(t, *w, sol.Work, "solution %d work", i)
		assert.Equal(t, 0, sol.Miner)
		assert.False(t, sol.FoundAt.IsZero())
	}

	// Both buffers were handed back cleared.
	for i, slot := range m.slots {
		assert.Zero(t, slot.results.Count, "slot %d count", i)
	}
}

// A full worker lifecycle across job and epoch changes: the dataset is
// generated once, a same-epoch job switch republishes only the header, an
// epoch switch with unchanged buffer sizes refreshes the light cache without
// a rebuild, and a clean stop resets the device and unregisters its light
// cache.
func TestWorkerEpochTransitions(t *testing.T) {
	rt := newStubRuntime(1, 16<<30)
	m, src, _, coord := newTestMiner(t, rt, pipelineConfig(2))
	dev := rt.devices[0]

	src.set(testWork("job-a", 0, 0xa1, 1<<32, 0))
	m.Start()
	defer m.Stop()

	require.True(t, m.Running())
	assert.Eventually(t, func() bool {
		return dev.generationCount() == 1 && dev.issueCount() > 0
	}, waitFor, tick, "worker never started searching")

	// New job in the same epoch: header republished, no epoch init.
	src.set(testWork("job-b", 0, 0xb2, 1<<32, 1<<40))
	m.Kick()
	assert.Eventually(t, func() bool {
		h := dev.headerWrites()
		return len(h) == 2 && h[1] == (common.Hash{0xb2})
	}, waitFor, tick, "job switch never reached the device")
	assert.Equal(t, 1, dev.generationCount())

	// Epoch switch: the tiny test contexts keep their row counts, so the
	// allocation survives and only the light cache is recopied.
	src.set(testWork("job-c", 2, 0xc3, 1<<32, 0))
	m.Kick()
	assert.Eventually(t, func() bool {
		dev.mtx.Lock()
		copies := dev.lightCopies
		dev.mtx.Unlock()
		return copies == 2
	}, waitFor, tick, "epoch switch never refreshed the light cache")
	assert.Equal(t, 1, dev.generationCount(), "unchanged row count must not regenerate")
	assert.Equal(t, 1, dev.resetCount())

	m.Stop()
	assert.False(t, m.Running())
	assert.NoError(t, m.Err())
	assert.Greater(t, m.Hashes(), int64(0))

	// Clean exit path: device reset, shared light entry dropped.
	assert.Equal(t, 2, dev.resetCount())
	assert.Empty(t, coord.Lights())
}

// A device error kills the worker but deliberately leaves the device as
// found: no exit reset, and the light-cache registration stays behind as
// evidence of the dirty state.
func TestWorkerSearchErrorFatal(t *testing.T) {
	rt := newStubRuntime(1, 16<<30)
	m, src, _, coord := newTestMiner(t, rt, pipelineConfig(2))
	dev := rt.devices[0]

	src.set(testWork("job-a", 0, 0xa1, 1<<32, 0))
	m.Start()

	assert.Eventually(t, func() bool {
		return dev.issueCount() > 2
	}, waitFor, tick, "worker never started searching")

	dev.failSearches(errors.New("unspecified launch failure"))
	assert.Eventually(t, func() bool {
		return !m.Running()
	}, waitFor, tick, "worker survived a device error")

	var devErr *DeviceError
	require.ErrorAs(t, m.Err(), &devErr)
	assert.Equal(t, 0, devErr.Device)
	assert.Equal(t, "search", devErr.Op)

	// Only the rebuild reset ran; the error exit did not reset, and the
	// device's light cache is still registered.
	assert.Equal(t, 1, dev.resetCount())
	assert.Equal(t, []int{0}, coord.Lights())

	// Stop after death must return promptly.
	m.Stop()
}

// A sink that rejects a solution ends the worker with the handoff error; the
// device itself is healthy, so the clean-exit reset still runs.
func TestWorkerHandoffFailureFatal(t *testing.T) {
	rt := newStubRuntime(1, 16<<30)
	m, src, sink, coord := newTestMiner(t, rt, pipelineConfig(2))
	sink.err = errors.New("connection lost")

	dev := rt.devices[0]
	dev.plantAt(0, 1, SearchResult{GID: 9, Mix: common.Hash{0xee}})

	src.set(testWork("job-a", 0, 0xa1, 1<<32, 0))
	m.Start()

	assert.Eventually(t, func() bool {
		return !m.Running()
	}, waitFor, tick, "worker survived a handoff failure")

	require.Error(t, m.Err())
	assert.Contains(t, m.Err().Error(), "connection lost")
	assert.Equal(t, 2, dev.resetCount())
	assert.Empty(t, coord.Lights())

	m.Stop()
}

// A device that cannot hold the dataset fails the worker before anything is
// allocated or reset, and never reports its dataset load as finished.
func TestWorkerInsufficientMemoryFatal(t *testing.T) {
	rt := newStubRuntime(1, 16*1024) // test dataset needs 32 KiB
	m, src, _, coord := newTestMiner(t, rt, pipelineConfig(2))

	src.set(testWork("job-a", 0, 0xa1, 1<<32, 0))
	m.Start()

	assert.Eventually(t, func() bool {
		return !m.Running()
	}, waitFor, tick, "worker survived an impossible allocation")

	var memErr *InsufficientMemoryError
	require.ErrorAs(t, m.Err(), &memErr)
	assert.Equal(t, uint64(32*1024), memErr.Required)
	assert.Equal(t, uint64(16*1024), memErr.Available)
	assert.Contains(t, m.Err().Error(), "insufficient memory")

	dev := rt.devices[0]
	assert.Zero(t, dev.resetCount(), "fit check must run before the reset")
	assert.Empty(t, dev.allocSizes(), "fit check must run before any allocation")
	assert.Empty(t, coord.Lights())
	assert.Zero(t, coord.LoadIndex(), "failed load must hold the barrier")

	m.Stop()
}

func TestWorkerNoDevicesFatal(t *testing.T) {
	rt := newStubRuntime(0, 0)
	m, src, _, _ := newTestMiner(t, rt, pipelineConfig(2))

	src.set(testWork("job-a", 0, 0xa1, 1<<32, 0))
	m.Start()

	assert.Eventually(t, func() bool {
		return !m.Running()
	}, waitFor, tick)
	assert.ErrorIs(t, m.Err(), ErrDeviceAbsent)

	m.Stop()
}

func TestMinerPauseResume(t *testing.T) {
	rt := newStubRuntime(1, 16<<30)
	m, src, _, _ := newTestMiner(t, rt, pipelineConfig(2))
	dev := rt.devices[0]

	src.set(testWork("job-a", 0, 0xa1, 1<<32, 0))
	m.Start()
	defer m.Stop()

	assert.Eventually(t, func() bool {
		return dev.issueCount() > 0
	}, waitFor, tick, "worker never started searching")

	m.Pause()
	assert.True(t, m.Paused())
	assert.Eventually(t, func() bool {
		before := dev.issueCount()
		time.Sleep(20 * time.Millisecond)
		return dev.issueCount() == before
	}, waitFor, 50*time.Millisecond, "issues kept flowing while paused")

	m.Resume()
	assert.False(t, m.Paused())
	resumedAt := dev.issueCount()
	assert.Eventually(t, func() bool {
		return dev.issueCount() > resumedAt
	}, waitFor, tick, "worker never resumed searching")
}

// Without work the worker idles without touching the device, and picks the
// job up promptly once it is published.
func TestWorkerIdlesWithoutWork(t *testing.T) {
	rt := newStubRuntime(1, 16<<30)
	m, src, _, _ := newTestMiner(t, rt, pipelineConfig(2))
	dev := rt.devices[0]

	m.Start()
	defer m.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, dev.issueCount())
	assert.Zero(t, dev.generationCount())
	assert.True(t, m.Running())

	src.set(testWork("job-a", 0, 0xa1, 1<<32, 0))
	m.Kick()
	assert.Eventually(t, func() bool {
		return dev.issueCount() > 0
	}, waitFor, tick, "published work never reached the device")
}
