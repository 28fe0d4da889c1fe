package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/stepwise-ai/stepwise/engine/canonical"
	"github.com/stepwise-ai/stepwise/engine/store"
)

// stepDigest returns the canonical hash of one step record's
// deterministic fields. Cost, duration, and retry count are execution
// artifacts and stay out; replay behavior stays out so a faithful replay
// reproduces the parent's root hash.
func stepDigest(sr store.StepResult) (string, error) {
	return canonical.Hash(map[string]any{
		"step_id":     sr.StepID,
		"status":      string(sr.Status),
		"input_hash":  sr.InputHash,
		"output_hash": sr.OutputHash,
	})
}

// computeRootHash folds the ordered step digests into the trace root
// hash. Any change to any step's identity, status, or hashed I/O changes
// the root; equal roots mean equal executions.
func computeRootHash(steps []store.StepResult) (string, error) {
	h := sha256.New()
	for i, sr := range steps {
		digest, err := stepDigest(sr)
		if err != nil {
			return "", fmt.Errorf("step %d (%s): %w", i+1, sr.StepID, err)
		}
		h.Write([]byte(digest))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
