// Copyright (c) 2020-2021 The ethminer developers
//
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cuda

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Workers entering the barrier in any order must be released strictly by
// ascending index, each only after its predecessor finished loading.
func TestWaitTurnSequentialOrdering(t *testing.T) {
	coord := NewCoordinator(newStubRuntime(4, 16<<30), Config{SequentialLoad: true})
	quit := make(chan struct{})

	var mtx sync.Mutex
	var order []int

	var wg sync.WaitGroup
	for i := 3; i >= 0; i-- {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			if !coord.WaitTurn(worker, quit) {
				t.Errorf("worker %d: WaitTurn returned false without shutdown", worker)
				return
			}
			mtx.Lock()
			order = append(order, worker)
			mtx.Unlock()
			coord.FinishLoad(worker)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3}, order)
	assert.Equal(t, 4, coord.LoadIndex())
}

func TestWaitTurnParallelMode(t *testing.T) {
	coord := NewCoordinator(newStubRuntime(4, 16<<30), Config{SequentialLoad: false})
	quit := make(chan struct{})

	// No worker has loaded anything, yet nobody waits.
	assert.True(t, coord.WaitTurn(3, quit))
	assert.Zero(t, coord.LoadIndex())
}

func TestWaitTurnShutdown(t *testing.T) {
	coord := NewCoordinator(newStubRuntime(2, 16<<30), Config{SequentialLoad: true})

	// Already-closed quit releases a would-be waiter immediately.
	closed := make(chan struct{})
	close(closed)
	assert.False(t, coord.WaitTurn(1, closed))

	// A blocked waiter is released, well inside the re-check interval, when
	// quit closes.
	quit := make(chan struct{})
	released := make(chan bool, 1)
	go func() {
		released <- coord.WaitTurn(1, quit)
	}()
	time.Sleep(10 * time.Millisecond)
	close(quit)

	select {
	case ok := <-released:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("WaitTurn still blocked after quit closed")
	}
}

// A finished load wakes waiters even when loads complete out of order, and
// the progress counter never moves backwards.
func TestFinishLoadOutOfOrder(t *testing.T) {
	coord := NewCoordinator(newStubRuntime(4, 16<<30), Config{SequentialLoad: true})
	quit := make(chan struct{})

	coord.FinishLoad(2)
	assert.Equal(t, 3, coord.LoadIndex())

	coord.FinishLoad(0)
	assert.Equal(t, 3, coord.LoadIndex())

	// Workers at or below the watermark pass straight through.
	assert.True(t, coord.WaitTurn(3, quit))
}

func TestResolveDevice(t *testing.T) {
	rt := newStubRuntime(3, 16<<30)

	// Identity mapping with clamping when nothing is configured.
	coord := NewCoordinator(rt, Config{})
	for worker, want := range []int{0, 1, 2} {
		got, err := coord.ResolveDevice(worker)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	got, err := coord.ResolveDevice(7)
	require.NoError(t, err)
	assert.Equal(t, 2, got, "out-of-range worker must clamp to the last device")

	// An explicit device list overrides per worker; workers past the list
	// fall back to their own index.
	coord = NewCoordinator(rt, Config{Devices: []int{2, 0}})
	got, err = coord.ResolveDevice(0)
	require.NoError(t, err)
	assert.Equal(t, 2, got)
	got, err = coord.ResolveDevice(1)
	require.NoError(t, err)
	assert.Equal(t, 0, got)
	got, err = coord.ResolveDevice(2)
	require.NoError(t, err)
	assert.Equal(t, 2, got)

	// A configured index beyond the device count clamps too.
	coord = NewCoordinator(rt, Config{Devices: []int{9}})
	got, err = coord.ResolveDevice(0)
	require.NoError(t, err)
	assert.Equal(t, 2, got)

	coord = NewCoordinator(newStubRuntime(0, 0), Config{})
	_, err = coord.ResolveDevice(0)
	assert.ErrorIs(t, err, ErrDeviceAbsent)
}

func TestLightCacheTable(t *testing.T) {
	coord := NewCoordinator(newStubRuntime(2, 16<<30), Config{})

	_, ok := coord.Light(0)
	assert.False(t, ok)
	assert.Empty(t, coord.Lights())

	bufA := &stubBuffer{size: 1024}
	bufB := &stubBuffer{size: 1024}
	coord.SetLight(1, bufA)
	coord.SetLight(0, bufB)

	got, ok := coord.Light(1)
	require.True(t, ok)
	if got != Buffer(bufA) {
		t.Fatal("light table returned a different buffer than registered")
	}
	assert.Equal(t, []int{0, 1}, coord.Lights())

	coord.DropLight(1)
	_, ok = coord.Light(1)
	assert.False(t, ok)
	assert.Equal(t, []int{0}, coord.Lights())

	// Dropping an absent entry is a no-op.
	coord.DropLight(1)
	assert.Equal(t, []int{0}, coord.Lights())
}
