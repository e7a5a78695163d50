package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// HashInput returns the canonical content hash of a run/step input payload,
// used for idempotency-key input-divergence checks.
func HashInput(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// CanonicalJSON marshals v deterministically (map keys sorted, as
// encoding/json already does) for storage in a JSON text column.
func CanonicalJSON(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
