// Copyright (c) 2020-2021 The ethminer developers
//
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cuda

import (
	"github.com/molllyn1/ethminer/common"
)

// Config carries the per-device search tunables.  It is fixed before any
// worker starts; the reset-path tunables (schedule flag, cache preference)
// are applied to a device only when it is reset for a dataset rebuild.
type Config struct {
	// Devices optionally overrides the device index per worker: worker i
	// mines on Devices[i].  Workers beyond the list, or all workers when
	// the list is empty, use their own index clamped to the last
	// available device.
	Devices []int

	// Streams is the number of concurrent command streams per device.
	Streams int

	// GridSize and BlockSize shape the search kernel launch; one batch
	// covers GridSize*BlockSize nonces.
	GridSize  uint32
	BlockSize uint32

	// ParallelHash is the number of hashes each kernel thread computes.
	ParallelHash uint32

	// Schedule is the host wait strategy applied when a device is reset.
	Schedule ScheduleFlag

	// SequentialLoad staggers dataset generation across workers so they
	// do not compete for host and bus bandwidth during the expensive
	// build phase.
	SequentialLoad bool
}

// BatchSize returns the number of nonces covered by one search batch.
func (c *Config) BatchSize() uint64 {
	return uint64(c.GridSize) * uint64(c.BlockSize)
}

// DefaultConfig returns the tunables used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Streams:        2,
		GridSize:       8192,
		BlockSize:      128,
		ParallelHash:   4,
		Schedule:       ScheduleSync,
		SequentialLoad: true,
	}
}

// ConfigFromFlags converts the validated device option group into a Config.
func ConfigFromFlags(dev *common.DeviceConfig) (Config, error) {
	schedule, err := ParseScheduleFlag(dev.Schedule)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Devices:        dev.Devices,
		Streams:        dev.Streams,
		GridSize:       uint32(dev.GridSize),
		BlockSize:      uint32(dev.BlockSize),
		ParallelHash:   uint32(dev.ParallelHash),
		Schedule:       schedule,
		SequentialLoad: dev.DagLoadMode != "parallel",
	}
	log.Info("Using search tunables", "grid", cfg.GridSize, "block", cfg.BlockSize,
		"streams", cfg.Streams, "parallel-hash", cfg.ParallelHash,
		"schedule", cfg.Schedule, "sequential-load", cfg.SequentialLoad)
	return cfg, nil
}
