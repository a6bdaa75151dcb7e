package consistency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ComputeChecksum returns the hex sha256 of the value's canonical JSON
// form. json.Marshal sorts map keys, so logically equal values hash
// equal while element order in slices stays significant.
func ComputeChecksum(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("serializing for checksum: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyChecksum reports whether the value still hashes to sum.
func VerifyChecksum(v any, sum string) bool {
	got, err := ComputeChecksum(v)
	return err == nil && got == sum
}
