// Copyright (c) 2020-2021 The ethminer developers
//
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cuda

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/molllyn1/ethminer/ethash"
)

// resources tracks the device memory one worker holds across epochs: the
// dataset buffer it owns outright and the per-device light cache shared
// through the coordinator table.
type resources struct {
	device Device
	coord  *Coordinator

	dag      Buffer
	dagItems uint32 // row count the dataset was last generated for
}

func newResources(device Device, coord *Coordinator) *resources {
	return &resources{device: device, coord: coord}
}

// ensure returns device buffers holding the light cache and dataset for the
// epoch context.  When the dataset row count differs from the one last
// generated, or no dataset exists yet, the device is reset and both buffers
// are reallocated; otherwise the existing allocations are reused.  The
// light-cache bytes are copied in on every call, since their contents are
// epoch-dependent.  rebuilt tells the caller the dataset contents must be
// regenerated.
//
// The memory-fit check runs before anything is touched: a device that
// cannot hold the dataset is left exactly as found.
func (r *resources) ensure(ctx *ethash.Context) (light, dag Buffer, rebuilt bool, err error) {
	index := r.device.Index()
	rebuilt = r.dag == nil || r.dagItems != ctx.DatasetItems

	if rebuilt {
		props := r.device.Properties()
		if props.TotalMemory < ctx.DatasetBytes() {
			return nil, nil, false, &InsufficientMemoryError{
				Device:    index,
				Name:      props.Name,
				Required:  ctx.DatasetBytes(),
				Available: props.TotalMemory,
			}
		}

		// The reset discards every allocation on the device, including
		// the registered light cache.  Reset-path tunables are applied
		// here and nowhere else.
		log.Debug("Resetting device", "device", index)
		if err := r.device.Reset(); err != nil {
			return nil, nil, false, deviceErr(index, "reset", err)
		}
		if err := r.device.SetScheduleFlag(r.coord.Config().Schedule); err != nil {
			return nil, nil, false, deviceErr(index, "set schedule flag", err)
		}
		if err := r.device.SetCacheConfig(CachePreferL1); err != nil {
			return nil, nil, false, deviceErr(index, "set cache config", err)
		}
		r.coord.DropLight(index)
		r.dag = nil
		r.dagItems = 0
	}

	light, ok := r.coord.Light(index)
	if !ok {
		log.Debug("Allocating light cache", "device", index,
			"size", common.StorageSize(ctx.CacheBytes()))
		light, err = r.device.Malloc(ctx.CacheBytes())
		if err != nil {
			return nil, nil, false, deviceErr(index, "allocate light cache", err)
		}
		r.coord.SetLight(index, light)
	}
	if err := r.device.MemcpyHtoD(light, ctx.LightCache); err != nil {
		return nil, nil, false, deviceErr(index, "copy light cache", err)
	}

	if rebuilt {
		log.Debug("Allocating dataset", "device", index,
			"size", common.StorageSize(ctx.DatasetBytes()))
		buf, err := r.device.Malloc(ctx.DatasetBytes())
		if err != nil {
			return nil, nil, false, deviceErr(index, "allocate dataset", err)
		}
		r.dag = buf
	}

	return light, r.dag, rebuilt, nil
}

// commit records the dataset row count after a successful generation.  A
// generation that fails leaves the old count in place, so the next ensure
// still sees a mismatch and rebuilds.
func (r *resources) commit(items uint32) {
	r.dagItems = items
}

// release resets the device and forgets everything held on it.  Only the
// clean exit path calls it; error exits leave the device as found.
func (r *resources) release() error {
	index := r.device.Index()
	r.dag = nil
	r.dagItems = 0
	r.coord.DropLight(index)
	if err := r.device.Reset(); err != nil {
		return deviceErr(index, "reset", err)
	}
	return nil
}
