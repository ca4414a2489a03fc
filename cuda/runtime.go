// Copyright (c) 2020-2021 The ethminer developers
//
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package cuda drives mining devices: it owns the per-device worker loop,
// the epoch dataset management, the multi-stream search pipeline and the
// asynchronous solution handoff.  Devices are reached through the Runtime
// interface; the package ships an in-process emulated runtime so the whole
// stack runs on hosts without an accelerator.
package cuda

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// MaxSearchResults is the capacity of one slot's result buffer.  The search
// kernel keeps counting candidates past the cap, so the host can observe
// when some were dropped, but only the first MaxSearchResults entries carry
// data.
const MaxSearchResults = 4

// SearchResult is a single candidate reported by the search kernel.
type SearchResult struct {
	// GID is the offset of the winning nonce within the issued batch;
	// the absolute nonce is the batch's start nonce plus GID.
	GID uint32

	// Mix is the mix digest the device computed for the candidate.
	Mix common.Hash
}

// SearchResults mirrors the layout of the pinned host-visible buffer the
// search kernel reports into.  The host owns it between a stream
// synchronize and the next batch issue; the device owns it otherwise.
type SearchResults struct {
	Count   uint32
	Results [MaxSearchResults]SearchResult
}

// ScheduleFlag selects how the host thread waits for device work.  It is
// applied when a device is reset, never mid-search.
type ScheduleFlag uint32

const (
	ScheduleAuto ScheduleFlag = iota
	ScheduleSpin
	ScheduleYield
	ScheduleSync
)

// ParseScheduleFlag maps a configuration string onto a ScheduleFlag.
func ParseScheduleFlag(s string) (ScheduleFlag, error) {
	switch s {
	case "auto":
		return ScheduleAuto, nil
	case "spin":
		return ScheduleSpin, nil
	case "yield":
		return ScheduleYield, nil
	case "sync":
		return ScheduleSync, nil
	}
	return 0, fmt.Errorf("unknown schedule flag %q", s)
}

// String implements the fmt.Stringer interface.
func (f ScheduleFlag) String() string {
	switch f {
	case ScheduleAuto:
		return "auto"
	case ScheduleSpin:
		return "spin"
	case ScheduleYield:
		return "yield"
	case ScheduleSync:
		return "sync"
	}
	return fmt.Sprintf("schedule(%d)", uint32(f))
}

// CachePreference selects the device cache split between L1 and shared
// memory.  The search kernels favor L1.
type CachePreference uint32

const (
	CachePreferNone CachePreference = iota
	CachePreferShared
	CachePreferL1
)

// DeviceProperties describes one device's static capabilities.
type DeviceProperties struct {
	Name            string
	ComputeMajor    int
	ComputeMinor    int
	TotalMemory     uint64
	MultiProcessors int
	ClockRateKHz    int
	PCIBusID        int
	PCIDeviceID     int
}

// ComputeVersion renders the compute capability as "major.minor".
func (p DeviceProperties) ComputeVersion() string {
	return fmt.Sprintf("%d.%d", p.ComputeMajor, p.ComputeMinor)
}

// PCIID renders the bus location the way device listings print it.
func (p DeviceProperties) PCIID() string {
	return fmt.Sprintf("%02x:%02x", p.PCIBusID, p.PCIDeviceID)
}

// Buffer is one device memory allocation.  Buffers are never freed
// individually; resetting the device discards every allocation at once.
type Buffer interface {
	// Size returns the allocation size in bytes.
	Size() uint64
}

// Stream is one asynchronous device command stream.  Work issued on a
// stream executes in issue order; distinct streams may interleave freely.
type Stream interface {
	// Synchronize blocks until everything issued on the stream so far
	// has completed.  An in-flight batch is never aborted; callers wait
	// it out even when shutting down.
	Synchronize() error
}

// Device is an open handle on one device.  A Device is owned by a single
// worker goroutine and its methods are not safe for concurrent use, except
// that Synchronize on distinct Streams may overlap.
type Device interface {
	// Index returns the device index this handle was opened on.
	Index() int

	// Properties returns the device's static capabilities.
	Properties() DeviceProperties

	// Reset discards every allocation, stream and binding on the device,
	// returning it to its post-discovery state.
	Reset() error

	// SetScheduleFlag applies the host wait strategy.  Applied on the
	// reset path only.
	SetScheduleFlag(flag ScheduleFlag) error

	// SetCacheConfig applies the cache preference.  Applied on the reset
	// path only.
	SetCacheConfig(pref CachePreference) error

	// Malloc allocates size bytes of device memory.
	Malloc(size uint64) (Buffer, error)

	// MemcpyHtoD copies len(src) host bytes into dst.
	MemcpyHtoD(dst Buffer, src []byte) error

	// MallocResults allocates one pinned host-visible result buffer.
	MallocResults() (*SearchResults, error)

	// CreateStream creates an asynchronous command stream.
	CreateStream() (Stream, error)

	// BindDataset publishes the dataset and light-cache buffers, with
	// their row counts, to the compute primitives.
	BindDataset(dag Buffer, dagItems uint32, light Buffer, lightItems uint32) error

	// GenerateDataset derives the full dataset from the bound light
	// cache into the bound dataset buffer, issuing on stream s.  It
	// returns once generation has completed.
	GenerateDataset(gridSize, blockSize uint32, s Stream) error

	// SetHeader publishes the header hash batches are searched against.
	SetHeader(header common.Hash) error

	// SetTarget publishes the reduced-precision boundary.  The device
	// filter compares only the upper 64 bits of a candidate's pow value
	// against it; full-precision verification happens on the host.
	SetTarget(target uint64) error

	// Search issues one batch of gridSize*blockSize consecutive nonces
	// beginning at startNonce on stream s, reporting candidates into
	// buf.  The call returns as soon as the batch is queued.
	Search(s Stream, buf *SearchResults, startNonce uint64, gridSize, blockSize, parallelHash uint32) error
}

// Runtime is the device discovery and access surface.  One Runtime serves
// the whole process; implementations must be safe for concurrent use by
// multiple workers.
type Runtime interface {
	// Name identifies the runtime in logs and device listings.
	Name() string

	// DeviceCount reports how many devices are present.
	DeviceCount() int

	// Properties returns the capabilities of the device at index.
	Properties(index int) (DeviceProperties, error)

	// Open claims the device at index on behalf of one worker.
	Open(index int) (Device, error)
}
