// Copyright (c) 2020-2021 The ethminer developers
//
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package ethash implements the host side of the ethash proof-of-work
// function: epoch parameter math, light cache generation, dataset row
// derivation and the hashimoto hash, plus a caching provider of per-epoch
// contexts.  The device kernels consuming the generated structures live in
// the cuda package.
package ethash

import (
	"bytes"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/golang-lru/simplelru"
)

// Context carries the host-side parameters a worker needs to prepare a
// device for one epoch: the generated light cache and the item counts the
// device buffers are sized from.  A Context is immutable once generated and
// safe for concurrent readers.
type Context struct {
	Epoch        int
	Seed         common.Hash
	LightCache   []byte // light cache rows, little-endian layout
	LightItems   uint32 // number of 64-byte light cache rows
	DatasetItems uint32 // number of 128-byte full dataset rows

	once sync.Once
	test bool
}

// CacheBytes returns the byte size of the light cache.
func (c *Context) CacheBytes() uint64 {
	return uint64(len(c.LightCache))
}

// DatasetBytes returns the byte size of the full dataset for the epoch.
func (c *Context) DatasetBytes() uint64 {
	return uint64(c.DatasetItems) * mixBytes
}

// generate builds the seed, sizes and light cache exactly once.
func (c *Context) generate() {
	c.once.Do(func() {
		csize := CacheSize(c.Epoch)
		dsize := DatasetSize(c.Epoch)
		if c.test {
			csize = 1024
			dsize = 32 * 1024
		}
		c.Seed = SeedHash(c.Epoch)
		c.LightItems = uint32(csize / hashBytes)
		c.DatasetItems = uint32(dsize / mixBytes)
		c.LightCache = make([]byte, csize)
		generateCache(c.LightCache, c.Epoch, c.Seed)
	})
}

// Verify recomputes the hash of a candidate solution at full 256-bit
// precision using the light cache.  It returns false when either the mix
// digest does not reproduce or the pow value exceeds the boundary.  This is
// the authoritative second stage behind the device's upper-64-bit filter.
func (c *Context) Verify(header common.Hash, nonce uint64, mixDigest common.Hash, boundary common.Hash) bool {
	digest, result := HashimotoLight(c.DatasetBytes(), c.LightCache, header, nonce)
	if !bytes.Equal(digest, mixDigest[:]) {
		return false
	}
	return new(big.Int).SetBytes(result).Cmp(new(big.Int).SetBytes(boundary[:])) <= 0
}

// Provider hands out epoch contexts, keeping recently used ones in an LRU
// and pre-generating the following epoch's context in the background, so
// that an epoch transition rarely stalls a worker on host-side cache
// generation.  It is safe for concurrent use by every worker in the
// process.
type Provider struct {
	mu         sync.Mutex
	cache      *simplelru.LRU
	future     int
	futureItem *Context
	test       bool
}

// NewProvider returns a Provider retaining at most cached generated
// contexts.
func NewProvider(cached int) *Provider {
	if cached <= 0 {
		cached = 1
	}
	cache, _ := simplelru.NewLRU(cached, func(key, value interface{}) {
		log.Trace("Evicted ethash context", "epoch", key)
	})
	return &Provider{cache: cache, future: -1}
}

// NewTestProvider returns a Provider producing tiny contexts (1 KB light
// cache, 32 KB dataset), sized so tests and the emulated runtime can
// materialize full datasets in microseconds.
func NewTestProvider() *Provider {
	p := NewProvider(2)
	p.test = true
	return p
}

// Context returns the generated context for epoch, blocking while the light
// cache is built on first use.
func (p *Provider) Context(epoch int) (*Context, error) {
	if epoch < 0 {
		return nil, fmt.Errorf("ethash: invalid epoch %d", epoch)
	}
	current, future := p.resolve(epoch)
	current.generate()

	// If a fresh future context was minted, start its generation in the
	// background.
	if future != nil {
		go future.generate()
	}
	return current, nil
}

// resolve looks up or creates the context for epoch and, when the epoch
// after it has not been prepared yet, a future context for background
// generation.
func (p *Provider) resolve(epoch int) (current, future *Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if item, ok := p.cache.Get(epoch); ok {
		current = item.(*Context)
	} else if p.future == epoch {
		current = p.futureItem
		p.cache.Add(epoch, current)
	} else {
		log.Trace("Requiring new ethash context", "epoch", epoch)
		current = &Context{Epoch: epoch, test: p.test}
		p.cache.Add(epoch, current)
	}
	if epoch < maxEpoch-1 && p.future < epoch+1 {
		log.Trace("Requiring new future ethash context", "epoch", epoch+1)
		future = &Context{Epoch: epoch + 1, test: p.test}
		p.future = epoch + 1
		p.futureItem = future
	}
	return current, future
}
