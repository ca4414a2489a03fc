// Copyright (c) 2020-2021 The ethminer developers
//
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cuda

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/molllyn1/ethminer/core"
)

// stubRuntime is a scripted Runtime for pipeline tests.  Every device call
// is recorded, batches complete the moment they are issued, and tests can
// plant results or failures per call.
type stubRuntime struct {
	devices []*stubDevice
}

func newStubRuntime(count int, memory uint64) *stubRuntime {
	rt := &stubRuntime{}
	for i := 0; i < count; i++ {
		rt.devices = append(rt.devices, &stubDevice{
			index: i,
			props: DeviceProperties{
				Name:            fmt.Sprintf("Stub Device %d", i),
				ComputeMajor:    7,
				ComputeMinor:    5,
				TotalMemory:     memory,
				MultiProcessors: 20,
			},
			plant: make(map[uint64]planted),
		})
	}
	return rt
}

func (r *stubRuntime) Name() string { return "stub" }

func (r *stubRuntime) DeviceCount() int { return len(r.devices) }

func (r *stubRuntime) Properties(index int) (DeviceProperties, error) {
	if index < 0 || index >= len(r.devices) {
		return DeviceProperties{}, ErrDeviceAbsent
	}
	return r.devices[index].props, nil
}

func (r *stubRuntime) Open(index int) (Device, error) {
	if index < 0 || index >= len(r.devices) {
		return nil, ErrDeviceAbsent
	}
	return r.devices[index], nil
}

// planted is a scripted result buffer for one issued base nonce.
type planted struct {
	count   uint32
	results []SearchResult
}

// issuedBatch records one Search call.
type issuedBatch struct {
	stream int
	base   uint64
	batch  uint64
}

type stubStream struct {
	dev *stubDevice
	id  int
}

func (s *stubStream) Synchronize() error {
	return s.dev.synchronized()
}

// stubDevice records every call against it.  Batches "execute" at issue
// time, so a Synchronize never blocks.
type stubDevice struct {
	index int
	props DeviceProperties

	mtx         sync.Mutex
	resets      int
	schedules   []ScheduleFlag
	cachePrefs  []CachePreference
	allocs      []uint64
	lightCopies int
	binds       int
	generations int
	headers     []common.Hash
	targets     []uint64
	issued      []issuedBatch
	syncs       int
	streamSeq   int

	plant     map[uint64]planted // results handed out per issued base
	searchErr error              // returned by the next Search call
	onSearch  func(issues int)   // runs after the n-th issue, lock released
	onSync    func(syncs int)    // runs after the n-th synchronize, lock released
}

func (d *stubDevice) Index() int { return d.index }

func (d *stubDevice) Properties() DeviceProperties { return d.props }

func (d *stubDevice) Reset() error {
	d.mtx.Lock()
	d.resets++
	d.mtx.Unlock()
	return nil
}

func (d *stubDevice) SetScheduleFlag(flag ScheduleFlag) error {
	d.mtx.Lock()
	d.schedules = append(d.schedules, flag)
	d.mtx.Unlock()
	return nil
}

func (d *stubDevice) SetCacheConfig(pref CachePreference) error {
	d.mtx.Lock()
	d.cachePrefs = append(d.cachePrefs, pref)
	d.mtx.Unlock()
	return nil
}

func (d *stubDevice) Malloc(size uint64) (Buffer, error) {
	d.mtx.Lock()
	d.allocs = append(d.allocs, size)
	d.mtx.Unlock()
	return &stubBuffer{size: size}, nil
}

func (d *stubDevice) MemcpyHtoD(dst Buffer, src []byte) error {
	d.mtx.Lock()
	d.lightCopies++
	d.mtx.Unlock()
	return nil
}

func (d *stubDevice) MallocResults() (*SearchResults, error) {
	return new(SearchResults), nil
}

func (d *stubDevice) CreateStream() (Stream, error) {
	d.mtx.Lock()
	d.streamSeq++
	s := &stubStream{dev: d, id: d.streamSeq}
	d.mtx.Unlock()
	return s, nil
}

func (d *stubDevice) BindDataset(dag Buffer, dagItems uint32, light Buffer, lightItems uint32) error {
	d.mtx.Lock()
	d.binds++
	d.mtx.Unlock()
	return nil
}

func (d *stubDevice) GenerateDataset(gridSize, blockSize uint32, s Stream) error {
	d.mtx.Lock()
	d.generations++
	d.mtx.Unlock()
	return nil
}

func (d *stubDevice) SetHeader(header common.Hash) error {
	d.mtx.Lock()
	d.headers = append(d.headers, header)
	d.mtx.Unlock()
	return nil
}

func (d *stubDevice) SetTarget(target uint64) error {
	d.mtx.Lock()
	d.targets = append(d.targets, target)
	d.mtx.Unlock()
	return nil
}

func (d *stubDevice) Search(s Stream, buf *SearchResults, startNonce uint64, gridSize, blockSize, parallelHash uint32) error {
	d.mtx.Lock()
	if d.searchErr != nil {
		err := d.searchErr
		d.mtx.Unlock()
		return err
	}
	id := 0
	if ss, ok := s.(*stubStream); ok {
		id = ss.id
	}
	d.issued = append(d.issued, issuedBatch{
		stream: id,
		base:   startNonce,
		batch:  uint64(gridSize) * uint64(blockSize),
	})
	if p, ok := d.plant[startNonce]; ok {
		buf.Count = p.count
		copy(buf.Results[:], p.results)
		delete(d.plant, startNonce)
	}
	n := len(d.issued)
	hook := d.onSearch
	d.mtx.Unlock()

	if hook != nil {
		hook(n)
	}
	return nil
}

func (d *stubDevice) synchronized() error {
	d.mtx.Lock()
	d.syncs++
	n := d.syncs
	hook := d.onSync
	d.mtx.Unlock()

	if hook != nil {
		hook(n)
	}
	return nil
}

// plantAt scripts the results the batch issued at base will report.
func (d *stubDevice) plantAt(base uint64, count uint32, results ...SearchResult) {
	d.mtx.Lock()
	d.plant[base] = planted{count: count, results: results}
	d.mtx.Unlock()
}

// failSearches makes every following Search call return err.
func (d *stubDevice) failSearches(err error) {
	d.mtx.Lock()
	d.searchErr = err
	d.mtx.Unlock()
}

func (d *stubDevice) issueCount() int {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return len(d.issued)
}

func (d *stubDevice) issuedBatches() []issuedBatch {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return append([]issuedBatch(nil), d.issued...)
}

func (d *stubDevice) generationCount() int {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.generations
}

func (d *stubDevice) resetCount() int {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.resets
}

func (d *stubDevice) headerWrites() []common.Hash {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return append([]common.Hash(nil), d.headers...)
}

func (d *stubDevice) targetWrites() []uint64 {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return append([]uint64(nil), d.targets...)
}

func (d *stubDevice) allocSizes() []uint64 {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return append([]uint64(nil), d.allocs...)
}

type stubBuffer struct {
	size uint64
}

func (b *stubBuffer) Size() uint64 { return b.size }

// scriptSource is a mutable work source for worker loop tests.
type scriptSource struct {
	mtx sync.Mutex
	w   *core.Work
}

func (s *scriptSource) CurrentWork() *core.Work {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.w
}

func (s *scriptSource) set(w *core.Work) {
	s.mtx.Lock()
	s.w = w
	s.mtx.Unlock()
}

// recordSink collects submitted solutions and can be scripted to fail.
type recordSink struct {
	mtx  sync.Mutex
	sols []*core.Solution
	err  error
}

func (s *recordSink) SubmitSolution(sol *core.Solution) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.sols = append(s.sols, sol)
	return s.err
}

func (s *recordSink) solutions() []*core.Solution {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return append([]*core.Solution(nil), s.sols...)
}
