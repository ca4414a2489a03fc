// Copyright (c) 2020-2021 The ethminer developers
//
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cuda

import (
	"sort"
	"sync"
	"time"
)

// loadWaitTime bounds one sleep in the sequential-load barrier.  Waiters
// re-check their turn on every tick so a lost wakeup can only cost one
// interval.
const loadWaitTime = time.Second * 3

// Coordinator carries the state every worker on a host shares: the device
// runtime, the search tunables, the sequential dataset-load barrier and the
// per-device light-cache table.  The process creates one Coordinator and
// hands it to each worker, so tests can run isolated instances side by
// side.
type Coordinator struct {
	runtime Runtime
	cfg     Config

	mtx       sync.Mutex
	loadIndex int           // workers that have finished their dataset load
	loadCh    chan struct{} // closed and remade to broadcast progress
	lights    map[int]Buffer
}

// NewCoordinator wires a coordinator for the given runtime and tunables.
func NewCoordinator(runtime Runtime, cfg Config) *Coordinator {
	return &Coordinator{
		runtime: runtime,
		cfg:     cfg,
		loadCh:  make(chan struct{}),
		lights:  make(map[int]Buffer),
	}
}

// Runtime returns the device runtime workers mine on.
func (c *Coordinator) Runtime() Runtime {
	return c.runtime
}

// Config returns the shared search tunables.
func (c *Coordinator) Config() *Config {
	return &c.cfg
}

// ResolveDevice maps a worker index to the device it mines on: the
// configured override when one exists for the worker, otherwise the worker
// index itself, clamped to the last available device.  It fails when no
// devices are present.
func (c *Coordinator) ResolveDevice(worker int) (int, error) {
	count := c.runtime.DeviceCount()
	if count == 0 {
		return 0, ErrDeviceAbsent
	}
	index := worker
	if worker < len(c.cfg.Devices) {
		index = c.cfg.Devices[worker]
	}
	if index >= count {
		index = count - 1
	}
	return index, nil
}

// WaitTurn blocks until every worker with a smaller index has finished its
// dataset load, re-checking at loadWaitTime intervals.  It returns false if
// quit closes while waiting.  In parallel load mode it returns immediately.
func (c *Coordinator) WaitTurn(worker int, quit <-chan struct{}) bool {
	if !c.cfg.SequentialLoad {
		return true
	}
	for {
		c.mtx.Lock()
		if c.loadIndex >= worker {
			c.mtx.Unlock()
			return true
		}
		ch := c.loadCh
		c.mtx.Unlock()

		log.Debug("Waiting for previous dataset loads", "worker", worker, "loaded", c.LoadIndex())

		select {
		case <-quit:
			return false
		case <-ch:
		case <-time.After(loadWaitTime):
		}
	}
}

// FinishLoad marks a worker's dataset load complete and wakes every waiting
// worker.  Workers call it only after a successful initialization, so a
// failed load keeps later workers at the barrier until shutdown.
func (c *Coordinator) FinishLoad(worker int) {
	c.mtx.Lock()
	if worker+1 > c.loadIndex {
		c.loadIndex = worker + 1
	}
	ch := c.loadCh
	c.loadCh = make(chan struct{})
	c.mtx.Unlock()

	close(ch)
}

// LoadIndex returns how many workers have completed their dataset load.
func (c *Coordinator) LoadIndex() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.loadIndex
}

// SetLight records the device-resident light cache for a device.  The
// table is the shared registry of per-device light allocations; entries
// survive epoch changes that reuse the allocation.
func (c *Coordinator) SetLight(device int, buf Buffer) {
	c.mtx.Lock()
	c.lights[device] = buf
	c.mtx.Unlock()
}

// Light returns the recorded light-cache buffer for a device, if any.
func (c *Coordinator) Light(device int) (Buffer, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	buf, ok := c.lights[device]
	return buf, ok
}

// DropLight forgets a device's light-cache entry.  Called when the device
// is reset, which discards the allocation the entry refers to.
func (c *Coordinator) DropLight(device int) {
	c.mtx.Lock()
	delete(c.lights, device)
	c.mtx.Unlock()
}

// Lights lists the devices that still hold a registered light cache,
// in ascending order.  After shutdown a non-empty list names devices whose
// worker exited on an error path without resetting.
func (c *Coordinator) Lights() []int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	devices := make([]int, 0, len(c.lights))
	for device := range c.lights {
		devices = append(devices, device)
	}
	sort.Ints(devices)
	return devices
}
