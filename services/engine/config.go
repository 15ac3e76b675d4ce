package engine

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// Fingerprint hashes the JSON form of a run definition so results can be
// traced back to the exact configuration that produced them.
func Fingerprint(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	return fmt.Sprintf("%x", sha256.Sum256(b)), nil
}
