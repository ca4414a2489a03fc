// Copyright (c) 2020-2021 The ethminer developers
//
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cuda

import (
	"errors"
	"fmt"

	"github.com/molllyn1/ethminer/common"
)

// ErrDeviceAbsent is returned when no devices are discoverable or a
// requested device index does not exist.  It is fatal for the worker that
// hit it, but only for that worker.
var ErrDeviceAbsent = errors.New("no such device")

// errShutdown reports a stop request observed during initialization.  It is
// a control signal, not a failure; callers unwind without recording an
// error.
var errShutdown = errors.New("shutdown requested")

// InsufficientMemoryError reports a device whose total memory cannot hold
// the dataset for the requested epoch.  It is raised before any allocation
// is attempted and is fatal for the worker that owns the device.
type InsufficientMemoryError struct {
	Device    int
	Name      string
	Required  uint64
	Available uint64
}

func (e *InsufficientMemoryError) Error() string {
	return fmt.Sprintf("device %d (%s) has insufficient memory: %s required, %s available",
		e.Device, e.Name, common.FormatBytes(e.Required), common.FormatBytes(e.Available))
}

// DeviceError wraps a failing device API call with the operation and the
// device index it failed on.  Device errors are not retried; the worker
// owning the device stops.
type DeviceError struct {
	Device int
	Op     string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device %d: %s: %v", e.Device, e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// deviceErr wraps err in a DeviceError carrying op and the device index,
// passing through nil and errors that already carry device context.
func deviceErr(device int, op string, err error) error {
	if err == nil {
		return nil
	}
	var de *DeviceError
	if errors.As(err, &de) {
		return err
	}
	return &DeviceError{Device: device, Op: op, Err: err}
}
