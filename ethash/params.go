// Copyright (c) 2020-2021 The ethminer developers
//
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ethash

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

const (
	datasetInitBytes   = 1 << 30 // Bytes in dataset at epoch 0
	datasetGrowthBytes = 1 << 23 // Dataset growth per epoch
	cacheInitBytes     = 1 << 24 // Bytes in cache at epoch 0
	cacheGrowthBytes   = 1 << 17 // Cache growth per epoch
	mixBytes           = 128     // Width of mix and of one full dataset item
	hashBytes          = 64      // Hash length in bytes
	hashWords          = 16      // Number of 32 bit ints in a hash
	datasetParents     = 256     // Number of parents of each dataset element
	cacheRounds        = 3       // Number of rounds in cache production
	loopAccesses       = 64      // Number of accesses in hashimoto loop

	// maxEpoch bounds background pre-generation of future epoch contexts.
	maxEpoch = 2048
)

// CacheSize returns the size in bytes of the light cache for the given
// epoch.  The size grows linearly per epoch, snapped down to the highest
// 64-byte row count below the threshold that is prime, to reduce the risk
// of accidental regularities.
func CacheSize(epoch int) uint64 {
	size := cacheInitBytes + cacheGrowthBytes*uint64(epoch) - hashBytes
	for !new(big.Int).SetUint64(size / hashBytes).ProbablyPrime(1) { // Always accurate for n < 2^64
		size -= 2 * hashBytes
	}
	return size
}

// DatasetSize returns the size in bytes of the full dataset for the given
// epoch, using the same highest-prime-row rule as CacheSize over 128-byte
// rows.
func DatasetSize(epoch int) uint64 {
	size := datasetInitBytes + datasetGrowthBytes*uint64(epoch) - mixBytes
	for !new(big.Int).SetUint64(size / mixBytes).ProbablyPrime(1) { // Always accurate for n < 2^64
		size -= 2 * mixBytes
	}
	return size
}

// SeedHash returns the seed for generating the cache and dataset of the
// given epoch: epoch repetitions of keccak-256 over an all-zero hash.
func SeedHash(epoch int) common.Hash {
	var seed common.Hash
	if epoch <= 0 {
		return seed
	}
	keccak256 := makeHasher(sha3.NewLegacyKeccak256())
	for i := 0; i < epoch; i++ {
		keccak256(seed[:], seed[:])
	}
	return seed
}
