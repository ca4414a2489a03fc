// Copyright (c) 2020-2021 The ethminer developers
//
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package farm

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/twinj/uuid"
	"golang.org/x/crypto/sha3"

	"github.com/molllyn1/ethminer/core"
)

// WorkSink receives the jobs a feeder mints.  The Farm is the production
// implementation.
type WorkSink interface {
	SetWork(w *core.Work)
}

// FeederConfig shapes the simulated work stream.
type FeederConfig struct {
	// Epoch is the epoch the first job carries.
	Epoch int

	// Difficulty fixes the boundary of every job, 2^256/Difficulty.
	Difficulty uint64

	// Interval is the simulated block time: a fresh job with a rotated
	// header is published this often.
	Interval time.Duration

	// JobsPerEpoch advances the epoch after this many jobs.  Zero stays
	// on the starting epoch forever.
	JobsPerEpoch int
}

// Feeder is the benchmark work source: it mints jobs at a fixed difficulty,
// rotating the header every interval, so the whole mining stack can run
// with no network surface at all.
type Feeder struct {
	started  int32
	shutdown int32

	sink WorkSink
	cfg  FeederConfig

	epoch    int
	boundary common.Hash
	header   common.Hash
	jobs     int
	rng      *rand.Rand

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewFeeder wires a feeder publishing into sink.
func NewFeeder(sink WorkSink, cfg FeederConfig) *Feeder {
	if cfg.Difficulty == 0 {
		cfg.Difficulty = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	return &Feeder{
		sink:     sink,
		cfg:      cfg,
		epoch:    cfg.Epoch,
		boundary: core.BoundaryFromDifficulty(cfg.Difficulty),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		quit:     make(chan struct{}),
	}
}

// Start publishes the first job and begins the block-time ticker.
func (b *Feeder) Start() {
	if atomic.AddInt32(&b.started, 1) != 1 {
		return
	}
	log.Info("Starting benchmark work feeder", "epoch", b.epoch,
		"difficulty", b.cfg.Difficulty, "interval", b.cfg.Interval)

	b.wg.Add(1)
	go b.feedLoop()
}

// Stop ends the work stream.  Already published work stays current, so
// workers keep searching it until they are stopped themselves.
func (b *Feeder) Stop() {
	if atomic.AddInt32(&b.shutdown, 1) != 1 {
		return
	}
	log.Debug("Stopping benchmark work feeder")
	close(b.quit)
	b.wg.Wait()
}

// feedLoop mints one job per interval.  It must be run as a goroutine.
func (b *Feeder) feedLoop() {
	defer b.wg.Done()

	b.publish()

	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.quit:
			log.Debug("Benchmark work feeder exit", "jobs", b.jobs)
			return
		case <-ticker.C:
			b.publish()
		}
	}
}

// publish mints the next job: a fresh identifier, the header rotated from
// the previous one, and a random start nonce.  Every JobsPerEpoch jobs the
// epoch advances, forcing workers through a dataset rebuild.
func (b *Feeder) publish() {
	if b.cfg.JobsPerEpoch > 0 && b.jobs > 0 && b.jobs%b.cfg.JobsPerEpoch == 0 {
		b.epoch++
		log.Info("Advancing simulated epoch", "epoch", b.epoch)
	}

	id := uuid.NewV4().String()
	b.header = rotateHeader(b.header, id)
	b.jobs++

	w := &core.Work{
		JobID:      id,
		Epoch:      b.epoch,
		HeaderHash: b.header,
		Boundary:   b.boundary,
		StartNonce: b.rng.Uint64(),
	}
	log.Debug("Publishing simulated work", "job", w.JobID, "epoch", w.Epoch,
		"header", w.HeaderHash.TerminalString())
	b.sink.SetWork(w)
}

// rotateHeader derives the next simulated header by hashing the previous one
// with the new job's identifier.
func rotateHeader(prev common.Hash, salt string) common.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write(prev[:])
	h.Write([]byte(salt))

	var next common.Hash
	h.Sum(next[:0])
	return next
}
