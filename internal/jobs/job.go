// Package jobs maintains the proxy's view of upstream work: the current
// extranonce configuration, the current job template, and ordered broadcast
// of both to all downstream worker sessions.
package jobs

import (
	"math/big"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/blockchain"

	"github.com/hashlane/gosp/internal/stratum"
)

// Job is one unit of work received from the upstream pool. Immutable once
// issued; a newer job supersedes it, it is never mutated in place.
type Job struct {
	Notify     *stratum.NotifyParams
	Epoch      uint64
	ReceivedAt time.Time
}

// ID returns the upstream job identifier.
func (j *Job) ID() string {
	return j.Notify.JobID
}

// PrevHash returns the previous block hash the job builds on.
func (j *Job) PrevHash() string {
	return j.Notify.PrevHash
}

// CleanJobs reports whether the pool asked miners to drop in-flight work.
func (j *Job) CleanJobs() bool {
	return j.Notify.CleanJobs
}

// NetworkDifficulty derives the approximate network difficulty from the
// job's compact nbits field. Returns 0 when nbits cannot be parsed; the
// value is informational (logs and metrics), never used for validation.
func (j *Job) NetworkDifficulty() float64 {
	bits, err := strconv.ParseUint(j.Notify.NBits, 16, 32)
	if err != nil {
		return 0
	}

	target := blockchain.CompactToBig(uint32(bits))
	if target.Sign() <= 0 {
		return 0
	}

	diff1 := blockchain.CompactToBig(0x1d00ffff)
	ratio := new(big.Rat).SetFrac(diff1, target)
	out, _ := ratio.Float64()
	return out
}

// ExtranonceConfig is the pool-assigned search-space prefix. Valid only for
// the lifetime of one upstream subscription; invalidated on disconnect.
type ExtranonceConfig struct {
	ExtraNonce1     string
	ExtraNonce2Size int
}

// Extranonce2Space returns the number of distinct extranonce2 values, or 0
// when it does not fit in a uint64.
func (c *ExtranonceConfig) Extranonce2Space() uint64 {
	if c.ExtraNonce2Size <= 0 || c.ExtraNonce2Size >= 8 {
		return 0
	}
	return 1 << (8 * uint(c.ExtraNonce2Size))
}
