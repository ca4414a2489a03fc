// Copyright (c) 2020-2021 The ethminer developers
//
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ethash

import (
	"encoding/binary"
	"hash"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/bitutil"
	"golang.org/x/crypto/sha3"
)

// hasher is a repetitive hasher allowing the same hash data structures to be
// reused between hash runs instead of requiring new ones to be created.
type hasher func(dest []byte, data []byte)

// makeHasher creates a repetitive hasher, allowing the same hash data
// structures to be reused between hash runs instead of requiring new ones
// to be created.  The returned function is not thread safe.
func makeHasher(h hash.Hash) hasher {
	// sha3.state supports Read to get the sum, use it to avoid the overhead
	// of Sum.  Read alters the state but we reset the hash before every
	// operation.
	type readerHash interface {
		hash.Hash
		Read([]byte) (int, error)
	}
	rh, ok := h.(readerHash)
	if !ok {
		panic("can't find Read method on hash")
	}
	outputLen := rh.Size()
	return func(dest []byte, data []byte) {
		rh.Reset()
		rh.Write(data)
		rh.Read(dest[:outputLen])
	}
}

// fnv is an algorithm inspired by the FNV hash, which in some cases is used
// as a non-associative substitute for XOR.  Note that we multiply the prime
// with the full 32-bit input, in contrast with the FNV-1 spec which
// multiplies the prime with one byte (octet) in turn.
func fnv(a, b uint32) uint32 {
	return a*0x01000193 ^ b
}

// fnvHashRow folds one little-endian 64-byte row into mix using the ethash
// fnv method.
func fnvHashRow(mix []uint32, row []byte) {
	for i := 0; i < len(mix); i++ {
		mix[i] = mix[i]*0x01000193 ^ binary.LittleEndian.Uint32(row[i*4:])
	}
}

// generateCache creates a light cache for the given seed, filling dest.
// The cache production process involves first sequentially filling the
// buffer with keccak-512 of the previous row, then performing cacheRounds
// passes of Sergio Demian Lerner's RandMemoHash algorithm from Strict
// Memory Hard Hashing Functions (2014).  Rows are laid out little-endian,
// which is also the layout copied verbatim into the device light buffer.
func generateCache(dest []byte, epoch int, seed common.Hash) {
	logger := log.New("epoch", epoch)

	start := time.Now()
	defer func() {
		elapsed := time.Since(start)

		logFn := logger.Debug
		if elapsed > 3*time.Second {
			logFn = logger.Info
		}
		logFn("Generated ethash light cache", "elapsed", common.PrettyDuration(elapsed))
	}()

	rows := len(dest) / hashBytes

	// Start a monitoring goroutine to report progress on low end devices.
	var progress uint32

	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case <-done:
				return
			case <-time.After(3 * time.Second):
				logger.Info("Generating ethash light cache",
					"percentage", atomic.LoadUint32(&progress)*100/uint32(rows)/(cacheRounds+1),
					"elapsed", common.PrettyDuration(time.Since(start)))
			}
		}
	}()
	// Create a hasher to reuse between invocations.
	keccak512 := makeHasher(sha3.NewLegacyKeccak512())

	// Sequentially produce the initial dataset.
	keccak512(dest[:hashBytes], seed[:])
	for offset := hashBytes; offset < len(dest); offset += hashBytes {
		keccak512(dest[offset:offset+hashBytes], dest[offset-hashBytes:offset])
		atomic.AddUint32(&progress, 1)
	}
	// Use a low-round version of randmemohash.
	temp := make([]byte, hashBytes)

	for i := 0; i < cacheRounds; i++ {
		for j := 0; j < rows; j++ {
			var (
				srcOff = ((j - 1 + rows) % rows) * hashBytes
				dstOff = j * hashBytes
				xorOff = int(binary.LittleEndian.Uint32(dest[dstOff:])%uint32(rows)) * hashBytes
			)
			bitutil.XORBytes(temp, dest[srcOff:srcOff+hashBytes], dest[xorOff:xorOff+hashBytes])
			keccak512(dest[dstOff:dstOff+hashBytes], temp)

			atomic.AddUint32(&progress, 1)
		}
	}
}

// generateDatasetItem combines data from 256 pseudorandomly selected light
// cache rows, and hashes that to compute a single 64-byte dataset row.
func generateDatasetItem(cache []byte, index uint32, keccak512 hasher) []byte {
	rows := uint32(len(cache) / hashBytes)

	// Initialize the mix from the indexed cache row.
	mix := make([]byte, hashBytes)
	copy(mix, cache[(index%rows)*hashBytes:])
	binary.LittleEndian.PutUint32(mix, binary.LittleEndian.Uint32(mix)^index)
	keccak512(mix, mix)

	// Convert the mix to uint32s to avoid constant bit shifting.
	intMix := make([]uint32, hashWords)
	for i := range intMix {
		intMix[i] = binary.LittleEndian.Uint32(mix[i*4:])
	}
	// fnv it with a lot of random cache nodes based on index.
	for i := uint32(0); i < datasetParents; i++ {
		parent := fnv(index^i, intMix[i%16]) % rows
		fnvHashRow(intMix, cache[parent*hashBytes:(parent+1)*hashBytes])
	}
	// Flatten the uint32 mix into a binary one and hash once more.
	for i, val := range intMix {
		binary.LittleEndian.PutUint32(mix[i*4:], val)
	}
	keccak512(mix, mix)
	return mix
}

// FillDataset computes every 64-byte row of the full dataset into dest from
// the given light cache, splitting the work across the CPU cores.  The
// length of dest must be a multiple of the 128-byte dataset item size.
func FillDataset(dest []byte, cache []byte) {
	start := time.Now()
	items := uint64(len(dest)) / hashBytes

	threads := runtime.NumCPU()
	var pend sync.WaitGroup
	pend.Add(threads)

	var progress uint64
	for i := 0; i < threads; i++ {
		go func(id int) {
			defer pend.Done()

			keccak512 := makeHasher(sha3.NewLegacyKeccak512())

			// Calculate the segment this thread should generate.
			batch := (items + uint64(threads) - 1) / uint64(threads)
			first := uint64(id) * batch
			limit := first + batch
			if limit > items {
				limit = items
			}
			percent := items / 100
			for index := first; index < limit; index++ {
				item := generateDatasetItem(cache, uint32(index), keccak512)
				copy(dest[index*hashBytes:], item)

				if percent > 0 {
					if status := atomic.AddUint64(&progress, 1); status%percent == 0 {
						log.Debug("Generating ethash dataset",
							"percentage", status*100/items,
							"elapsed", common.PrettyDuration(time.Since(start)))
					}
				}
			}
		}(i)
	}
	pend.Wait()

	log.Debug("Generated ethash dataset",
		"bytes", len(dest), "elapsed", common.PrettyDuration(time.Since(start)))
}

// hashimoto aggregates data from the full dataset in order to produce the
// final mix digest and pow value for a particular header hash and nonce.
// lookup returns the 64-byte dataset row at the given row index, and size
// is the byte size of the full dataset.
func hashimoto(hash []byte, nonce uint64, size uint64, lookup func(index uint32) []byte) ([]byte, []byte) {
	rows := uint32(size / mixBytes)

	// Combine header+nonce into a 40 byte seed.
	seed := make([]byte, 40)
	copy(seed, hash)
	binary.LittleEndian.PutUint64(seed[32:], nonce)

	keccak512 := makeHasher(sha3.NewLegacyKeccak512())
	seedHash := make([]byte, hashBytes)
	keccak512(seedHash, seed)
	seedHead := binary.LittleEndian.Uint32(seedHash)

	// Start the mix with replicated seed.
	mix := make([]uint32, mixBytes/4)
	for i := 0; i < len(mix); i++ {
		mix[i] = binary.LittleEndian.Uint32(seedHash[i%16*4:])
	}
	// Mix in random dataset rows.  Each access covers one 128-byte item,
	// fetched as two adjacent 64-byte rows.
	for i := 0; i < loopAccesses; i++ {
		parent := fnv(uint32(i)^seedHead, mix[i%len(mix)]) % rows
		for j := uint32(0); j < mixBytes/hashBytes; j++ {
			fnvHashRow(mix[j*hashWords:(j+1)*hashWords], lookup(2*parent+j))
		}
	}
	// Compress mix.
	for i := 0; i < len(mix); i += 4 {
		mix[i/4] = fnv(fnv(fnv(mix[i], mix[i+1]), mix[i+2]), mix[i+3])
	}
	mix = mix[:len(mix)/4]

	digest := make([]byte, common.HashLength)
	for i, val := range mix {
		binary.LittleEndian.PutUint32(digest[i*4:], val)
	}
	keccak256 := makeHasher(sha3.NewLegacyKeccak256())
	result := make([]byte, common.HashLength)
	keccak256(result, append(seedHash, digest...))
	return digest, result
}

// HashimotoLight computes the mix digest and pow value for a header hash
// and nonce using only the light cache, deriving the needed dataset rows on
// the fly.  size is the byte size of the full dataset for the epoch.
func HashimotoLight(size uint64, cache []byte, hash common.Hash, nonce uint64) ([]byte, []byte) {
	keccak512 := makeHasher(sha3.NewLegacyKeccak512())

	lookup := func(index uint32) []byte {
		return generateDatasetItem(cache, index, keccak512)
	}
	return hashimoto(hash[:], nonce, size, lookup)
}

// HashimotoFull computes the mix digest and pow value for a header hash and
// nonce against a fully materialized dataset.
func HashimotoFull(dataset []byte, hash common.Hash, nonce uint64) ([]byte, []byte) {
	lookup := func(index uint32) []byte {
		offset := uint64(index) * hashBytes
		return dataset[offset : offset+hashBytes]
	}
	return hashimoto(hash[:], nonce, uint64(len(dataset)), lookup)
}
