// Copyright (c) 2020-2021 The ethminer developers
//
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package core

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Solution is a candidate nonce reported by a device worker.  The device
// filter only checks the upper 64 bits of the boundary, so every Solution
// is provisional until the consumer re-verifies it at full precision.
type Solution struct {
	// Nonce is the absolute 64-bit nonce that passed the device filter.
	Nonce uint64

	// MixDigest is the 32-byte mix hash the device computed for Nonce.
	MixDigest common.Hash

	// Work is the job the nonce was found against.  Carrying the whole
	// record keeps late solutions verifiable even after fresher work has
	// replaced it.
	Work Work

	// FoundAt is when the host extracted the result from the device.
	FoundAt time.Time

	// Miner is the index of the worker that found the solution.
	Miner int
}

// String implements the fmt.Stringer interface.
func (s *Solution) String() string {
	return fmt.Sprintf("nonce %#016x (job %s, miner %d)", s.Nonce, s.Work.JobID, s.Miner)
}

// SolutionSink receives candidate solutions from device workers.
// Implementations must be safe for concurrent use and must surface a failed
// handoff as an error rather than dropping the solution silently.
type SolutionSink interface {
	SubmitSolution(sol *Solution) error
}
