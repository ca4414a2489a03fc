// Copyright (c) 2020-2021 The ethminer developers
//
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package core holds the records exchanged between the work source, the
// device workers and the solution consumer, and the small amount of
// boundary arithmetic they share.
package core

import (
	"encoding/binary"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// two256 is 2^256, the image space of the pow hash that the boundary
// divides.
var two256 = new(big.Int).Exp(big.NewInt(2), big.NewInt(256), big.NewInt(0))

// Work is one unit of mining work as published by the work source.  A Work
// is immutable once created; a fresher job supersedes it wholesale rather
// than mutating it in place.
type Work struct {
	// JobID is an opaque identifier minted by the work source, carried
	// only for logs and stale-work diagnostics.
	JobID string

	// Epoch selects the dataset generation the header belongs to.
	Epoch int

	// HeaderHash is the 32-byte seal hash the nonce is searched against.
	HeaderHash common.Hash

	// Boundary is the full 256-bit pow boundary: a candidate's pow value
	// must be less than or equal to it.
	Boundary common.Hash

	// StartNonce is the first nonce of the segment assigned to a worker.
	StartNonce uint64
}

// UpperBoundary returns the upper 64 bits of the 256-bit boundary.  This is
// the reduced-precision form the device-side filter compares against; the
// full boundary is re-checked by the solution consumer.
func (w Work) UpperBoundary() uint64 {
	return binary.BigEndian.Uint64(w.Boundary[:8])
}

// Difficulty returns the approximate difficulty the boundary encodes,
// 2^256 / boundary.  It is informational and used only for display.
func (w Work) Difficulty() *big.Int {
	b := new(big.Int).SetBytes(w.Boundary[:])
	if b.Sign() == 0 {
		return new(big.Int)
	}
	return new(big.Int).Div(two256, b)
}

// BoundaryFromDifficulty converts a difficulty into the 256-bit boundary a
// pow value must not exceed, 2^256 / difficulty, saturating at the all-ones
// boundary for difficulty one.
func BoundaryFromDifficulty(difficulty uint64) common.Hash {
	var boundary common.Hash
	if difficulty <= 1 {
		for i := range boundary {
			boundary[i] = 0xff
		}
		return boundary
	}
	new(big.Int).Div(two256, new(big.Int).SetUint64(difficulty)).FillBytes(boundary[:])
	return boundary
}

// WorkSource supplies the freshest job for one worker.  CurrentWork must
// never block; a nil result means no work is available and the worker
// should idle.
type WorkSource interface {
	CurrentWork() *Work
}
