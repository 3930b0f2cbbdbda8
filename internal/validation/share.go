// Package validation provides local share validation for the GOSP proxy.
// Shares that fail here are rejected without an upstream round-trip.
package validation

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/hashlane/gosp/internal/stratum"
)

// DefaultMaxTimeSkew bounds how far a share's ntime may run ahead of the
// proxy's wall clock, matching the network's two hour rule.
const DefaultMaxTimeSkew = 2 * time.Hour

// ErrDuplicate indicates the exact submission was already seen in the
// current job epoch.
var ErrDuplicate = fmt.Errorf("duplicate share")

// Validator performs field-level checks on share submissions and tracks
// submission fingerprints for duplicate detection. Fingerprints are scoped
// to a job epoch; a clean_jobs boundary or upstream reconnect resets them.
type Validator struct {
	maxTimeSkew time.Duration

	mu    sync.Mutex
	epoch uint64
	seen  map[chainhash.Hash]struct{}
}

// NewValidator creates a share validator.
func NewValidator(maxTimeSkew time.Duration) *Validator {
	return &Validator{
		maxTimeSkew: maxTimeSkew,
		seen:        make(map[chainhash.Hash]struct{}),
	}
}

// Validate checks submission fields against the current extranonce
// configuration: all nonce fields must be valid hex, extranonce2 must be
// exactly extranonce2_size bytes, nonce and ntime must be 4 bytes.
func (v *Validator) Validate(sub *stratum.SubmitRequest, extranonce2Size int) error {
	if sub.JobID == "" {
		return fmt.Errorf("job id is required")
	}

	if err := checkHexField("extranonce2", sub.ExtraNonce2, extranonce2Size); err != nil {
		return err
	}
	if err := checkHexField("ntime", sub.NTime, 4); err != nil {
		return err
	}
	if err := checkHexField("nonce", sub.Nonce, 4); err != nil {
		return err
	}

	if v.maxTimeSkew > 0 {
		ntime, err := strconv.ParseInt(sub.NTime, 16, 64)
		if err != nil {
			return fmt.Errorf("invalid ntime: %w", err)
		}
		if time.Unix(ntime, 0).After(time.Now().Add(v.maxTimeSkew)) {
			return fmt.Errorf("ntime too far in the future")
		}
	}

	return nil
}

// CheckDuplicate records the submission fingerprint and fails when it was
// already seen in the given epoch. The fingerprint is the double-SHA256 of
// the fields that make a submission unique.
func (v *Validator) CheckDuplicate(epoch uint64, sub *stratum.SubmitRequest) error {
	fp := Fingerprint(sub)

	v.mu.Lock()
	defer v.mu.Unlock()

	if epoch != v.epoch {
		v.epoch = epoch
		v.seen = make(map[chainhash.Hash]struct{})
	}

	if _, dup := v.seen[fp]; dup {
		return ErrDuplicate
	}
	v.seen[fp] = struct{}{}
	return nil
}

// Fingerprint returns the duplicate-detection key for a submission.
func Fingerprint(sub *stratum.SubmitRequest) chainhash.Hash {
	payload := make([]byte, 0, len(sub.JobID)+len(sub.ExtraNonce2)+len(sub.NTime)+len(sub.Nonce)+3)
	payload = append(payload, sub.JobID...)
	payload = append(payload, 0)
	payload = append(payload, sub.ExtraNonce2...)
	payload = append(payload, 0)
	payload = append(payload, sub.NTime...)
	payload = append(payload, 0)
	payload = append(payload, sub.Nonce...)
	return chainhash.DoubleHashH(payload)
}

// ParseExtranonce2 decodes a hex extranonce2 into its numeric value for
// range-ownership checks.
func ParseExtranonce2(s string) (uint64, error) {
	if len(s) == 0 || len(s) > 16 {
		return 0, fmt.Errorf("extranonce2 length %d out of range", len(s))
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid extranonce2: %w", err)
	}
	return v, nil
}

func checkHexField(name, value string, wantBytes int) error {
	if value == "" {
		return fmt.Errorf("%s is required", name)
	}
	decoded, err := hex.DecodeString(value)
	if err != nil {
		return fmt.Errorf("%s is not valid hex", name)
	}
	if wantBytes > 0 && len(decoded) != wantBytes {
		return fmt.Errorf("%s must be %d bytes, got %d", name, wantBytes, len(decoded))
	}
	return nil
}
