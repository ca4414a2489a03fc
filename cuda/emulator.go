// Copyright (c) 2020-2021 The ethminer developers
//
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cuda

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/molllyn1/ethminer/ethash"
)

const (
	// emuStreamDepth is how many queued operations one emulated stream
	// holds before an issue blocks, mimicking a device command queue.
	emuStreamDepth = 16

	// emuMaterializeLimit is the largest dataset the emulator fully
	// materializes.  Beyond it, searches derive every row from the light
	// cache instead, trading speed for memory exactly like a light
	// client would.
	emuMaterializeLimit = 2 << 30

	// emuFallbackMemory sizes emulated devices when host memory cannot
	// be discovered.
	emuFallbackMemory = 8 << 30
)

// Emulator is a pure-Go Runtime.  Device memory is host memory behind an
// allocation ledger, command streams are goroutines draining ordered
// operation queues, and the compute primitives run the real dataset and
// search math, including the reduced-precision target filter.  It lets the
// whole orchestration stack run, and be tested, on hosts with no
// accelerator at all.
type Emulator struct {
	devices []*emuDevice
}

// NewEmulator creates an emulated runtime presenting count devices of
// memory bytes each.  A zero memory sizes the devices from total host
// memory.
func NewEmulator(count int, memory uint64) *Emulator {
	if memory == 0 {
		if vm, err := mem.VirtualMemory(); err == nil {
			memory = vm.Total
		} else {
			log.Warn("Host memory discovery failed, using fallback", "err", err,
				"fallback", common.StorageSize(uint64(emuFallbackMemory)))
			memory = emuFallbackMemory
		}
	}

	devices := make([]*emuDevice, count)
	for i := range devices {
		devices[i] = &emuDevice{
			index: i,
			props: DeviceProperties{
				Name:            fmt.Sprintf("Emulated Device %d", i),
				ComputeMajor:    6,
				ComputeMinor:    1,
				TotalMemory:     memory,
				MultiProcessors: runtime.NumCPU(),
				ClockRateKHz:    1480000,
				PCIBusID:        1,
				PCIDeviceID:     i,
			},
		}
	}
	log.Debug("Emulated runtime ready", "devices", count,
		"memory", common.StorageSize(memory))
	return &Emulator{devices: devices}
}

// Name implements the Runtime interface.
func (e *Emulator) Name() string {
	return "emulated"
}

// DeviceCount implements the Runtime interface.
func (e *Emulator) DeviceCount() int {
	return len(e.devices)
}

// Properties implements the Runtime interface.
func (e *Emulator) Properties(index int) (DeviceProperties, error) {
	if index < 0 || index >= len(e.devices) {
		return DeviceProperties{}, ErrDeviceAbsent
	}
	return e.devices[index].props, nil
}

// Open implements the Runtime interface.
func (e *Emulator) Open(index int) (Device, error) {
	if index < 0 || index >= len(e.devices) {
		return nil, ErrDeviceAbsent
	}
	return e.devices[index], nil
}

// emuBuffer is one ledgered device allocation.
type emuBuffer struct {
	dev  *emuDevice
	data []byte
}

// Size implements the Buffer interface.
func (b *emuBuffer) Size() uint64 {
	return uint64(len(b.data))
}

// emuStream executes queued operations in issue order on its own
// goroutine.
type emuStream struct {
	dev *emuDevice

	mtx    sync.Mutex
	closed bool
	ops    chan func()
}

func newEmuStream(dev *emuDevice) *emuStream {
	s := &emuStream{dev: dev, ops: make(chan func(), emuStreamDepth)}
	go s.run()
	return s
}

func (s *emuStream) run() {
	for op := range s.ops {
		op()
	}
}

// enqueue hands an operation to the stream, blocking while the queue is at
// depth.
func (s *emuStream) enqueue(op func()) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.closed {
		return errors.New("stream destroyed")
	}
	s.ops <- op
	return nil
}

// destroy ends the stream once everything already queued has run.
func (s *emuStream) destroy() {
	s.mtx.Lock()
	if !s.closed {
		s.closed = true
		close(s.ops)
	}
	s.mtx.Unlock()
}

// Synchronize implements the Stream interface.
func (s *emuStream) Synchronize() error {
	done := make(chan struct{})
	if err := s.enqueue(func() { close(done) }); err != nil {
		return err
	}
	<-done
	return nil
}

// emuDevice is one emulated device.  The mutex guards the allocation
// ledger and the bound state; compute operations run on stream goroutines
// against snapshots taken at issue time, the way launched kernels see the
// constants that were current when they were queued.
type emuDevice struct {
	index int
	props DeviceProperties

	mtx       sync.Mutex
	allocated uint64 // live device bytes
	mallocs   int    // allocations attempted and granted
	resets    int
	streams   []*emuStream

	schedule  ScheduleFlag
	cachePref CachePreference

	dag          *emuBuffer
	dagItems     uint32
	light        *emuBuffer
	lightItems   uint32
	materialized bool
	generations  int

	header common.Hash
	target uint64
}

// Index implements the Device interface.
func (d *emuDevice) Index() int {
	return d.index
}

// Properties implements the Device interface.
func (d *emuDevice) Properties() DeviceProperties {
	return d.props
}

// Reset implements the Device interface.  Streams finish what they have
// queued and then terminate; every allocation and binding is forgotten.
func (d *emuDevice) Reset() error {
	d.mtx.Lock()
	streams := d.streams
	d.streams = nil
	d.allocated = 0
	d.dag, d.light = nil, nil
	d.dagItems, d.lightItems = 0, 0
	d.materialized = false
	d.header = common.Hash{}
	d.target = 0
	d.schedule = ScheduleAuto
	d.cachePref = CachePreferNone
	d.resets++
	d.mtx.Unlock()

	for _, s := range streams {
		s.destroy()
	}
	return nil
}

// SetScheduleFlag implements the Device interface.
func (d *emuDevice) SetScheduleFlag(flag ScheduleFlag) error {
	d.mtx.Lock()
	d.schedule = flag
	d.mtx.Unlock()
	return nil
}

// SetCacheConfig implements the Device interface.
func (d *emuDevice) SetCacheConfig(pref CachePreference) error {
	d.mtx.Lock()
	d.cachePref = pref
	d.mtx.Unlock()
	return nil
}

// Malloc implements the Device interface.
func (d *emuDevice) Malloc(size uint64) (Buffer, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if size == 0 {
		return nil, errors.New("zero-size allocation")
	}
	if d.allocated+size > d.props.TotalMemory {
		return nil, fmt.Errorf("out of memory: %d bytes requested, %d of %d in use",
			size, d.allocated, d.props.TotalMemory)
	}
	d.allocated += size
	d.mallocs++
	return &emuBuffer{dev: d, data: make([]byte, size)}, nil
}

// MemcpyHtoD implements the Device interface.
func (d *emuDevice) MemcpyHtoD(dst Buffer, src []byte) error {
	buf, err := d.ownBuffer(dst)
	if err != nil {
		return err
	}
	if len(src) > len(buf.data) {
		return fmt.Errorf("copy of %d bytes exceeds %d byte allocation", len(src), len(buf.data))
	}
	copy(buf.data, src)
	return nil
}

// MallocResults implements the Device interface.  The emulated pinned
// buffer is ordinary host memory, which is exactly what pinned memory is.
func (d *emuDevice) MallocResults() (*SearchResults, error) {
	return new(SearchResults), nil
}

// CreateStream implements the Device interface.
func (d *emuDevice) CreateStream() (Stream, error) {
	s := newEmuStream(d)
	d.mtx.Lock()
	d.streams = append(d.streams, s)
	d.mtx.Unlock()
	return s, nil
}

// BindDataset implements the Device interface.
func (d *emuDevice) BindDataset(dag Buffer, dagItems uint32, light Buffer, lightItems uint32) error {
	dagBuf, err := d.ownBuffer(dag)
	if err != nil {
		return err
	}
	lightBuf, err := d.ownBuffer(light)
	if err != nil {
		return err
	}
	d.mtx.Lock()
	d.dag, d.dagItems = dagBuf, dagItems
	d.light, d.lightItems = lightBuf, lightItems
	d.mtx.Unlock()
	return nil
}

// GenerateDataset implements the Device interface.  Small datasets are
// materialized with the real derivation; datasets past the materialize
// limit stay virtual and searches fall back to light-cache evaluation.
func (d *emuDevice) GenerateDataset(gridSize, blockSize uint32, s Stream) error {
	stream, err := d.ownStream(s)
	if err != nil {
		return err
	}
	d.mtx.Lock()
	dag, light := d.dag, d.light
	d.mtx.Unlock()
	if dag == nil || light == nil {
		return errors.New("no dataset bound")
	}

	done := make(chan struct{})
	op := func() {
		defer close(done)
		materialize := uint64(len(dag.data)) <= emuMaterializeLimit
		if materialize {
			ethash.FillDataset(dag.data, light.data)
		} else {
			log.Debug("Dataset exceeds materialize limit, deriving rows on demand",
				"device", d.index, "size", common.StorageSize(uint64(len(dag.data))))
		}
		d.mtx.Lock()
		d.materialized = materialize
		d.generations++
		d.mtx.Unlock()
	}
	if err := stream.enqueue(op); err != nil {
		return err
	}
	<-done
	return nil
}

// SetHeader implements the Device interface.
func (d *emuDevice) SetHeader(header common.Hash) error {
	d.mtx.Lock()
	d.header = header
	d.mtx.Unlock()
	return nil
}

// SetTarget implements the Device interface.
func (d *emuDevice) SetTarget(target uint64) error {
	d.mtx.Lock()
	d.target = target
	d.mtx.Unlock()
	return nil
}

// Search implements the Device interface.  The batch runs asynchronously
// on the stream against the header, target and dataset that were bound at
// issue time.
func (d *emuDevice) Search(s Stream, buf *SearchResults, startNonce uint64, gridSize, blockSize, parallelHash uint32) error {
	stream, err := d.ownStream(s)
	if err != nil {
		return err
	}
	if buf == nil {
		return errors.New("nil result buffer")
	}

	d.mtx.Lock()
	dag, light := d.dag, d.light
	header, target := d.header, d.target
	materialized := d.materialized
	d.mtx.Unlock()
	if dag == nil || light == nil {
		return errors.New("no dataset bound")
	}

	batch := uint64(gridSize) * uint64(blockSize)
	return stream.enqueue(func() {
		emuSearchBatch(buf, header, target, startNonce, batch, dag.data, light.data, materialized)
	})
}

// emuSearchBatch evaluates one batch the way the search kernel does: every
// nonce's pow value is computed and a candidate is reported when the upper
// 64 bits of the value do not exceed the target.  The counter keeps
// advancing past the buffer capacity; only the first MaxSearchResults
// entries carry data.
func emuSearchBatch(buf *SearchResults, header common.Hash, target uint64, startNonce, batch uint64, dag, light []byte, materialized bool) {
	for i := uint64(0); i < batch; i++ {
		nonce := startNonce + i
		var digest, result []byte
		if materialized {
			digest, result = ethash.HashimotoFull(dag, header, nonce)
		} else {
			digest, result = ethash.HashimotoLight(uint64(len(dag)), light, header, nonce)
		}
		if binary.BigEndian.Uint64(result[:8]) <= target {
			slot := buf.Count
			buf.Count++
			if slot < MaxSearchResults {
				buf.Results[slot].GID = uint32(i)
				copy(buf.Results[slot].Mix[:], digest)
			}
		}
	}
}

// ownBuffer checks a buffer was allocated by this device.
func (d *emuDevice) ownBuffer(b Buffer) (*emuBuffer, error) {
	buf, ok := b.(*emuBuffer)
	if !ok || buf.dev != d {
		return nil, errors.New("buffer does not belong to this device")
	}
	return buf, nil
}

// ownStream checks a stream was created on this device.
func (d *emuDevice) ownStream(s Stream) (*emuStream, error) {
	stream, ok := s.(*emuStream)
	if !ok || stream.dev != d {
		return nil, errors.New("stream does not belong to this device")
	}
	return stream, nil
}
