// Package fingerprint computes stable content fingerprints for cache keys and
// bandit arm identity. A fingerprint is SHA-256 over a canonical serialization
// of the request key, rendered as 64 hex characters (256 bits of entropy,
// collision-resistant for the expected key cardinality).
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Key is the canonical input to a fingerprint. Semantic fields (TaskType,
// RouteClass, constraint keys) are lowercased; user text is normalized for
// whitespace only, never case-folded.
type Key struct {
	TaskType string
	// Parts is the ordered semantic payload: chat messages as "role\x1ftext",
	// or a search query, or a research question.
	Parts       []string
	Constraints map[string]string
	RouteClass  string
}

// Compute returns the 64-hex-character fingerprint for a key.
func Compute(k Key) string {
	h := sha256.New()

	h.Write([]byte(strings.ToLower(strings.TrimSpace(k.TaskType))))
	h.Write([]byte{0})

	for _, p := range k.Parts {
		h.Write([]byte(normalizeText(p)))
		h.Write([]byte{0x1e})
	}
	h.Write([]byte{0})

	// Constraint keys are sorted so map iteration order never leaks into
	// the digest.
	keys := make([]string, 0, len(k.Constraints))
	for ck := range k.Constraints {
		keys = append(keys, ck)
	}
	sort.Strings(keys)
	for _, ck := range keys {
		h.Write([]byte(strings.ToLower(ck)))
		h.Write([]byte{'='})
		h.Write([]byte(strings.TrimSpace(k.Constraints[ck])))
		h.Write([]byte{0x1e})
	}
	h.Write([]byte{0})

	h.Write([]byte(strings.ToLower(strings.TrimSpace(k.RouteClass))))

	return hex.EncodeToString(h.Sum(nil))
}

// normalizeText trims and collapses runs of whitespace so cosmetic edits
// ("hi " vs "hi") hit the same cache entry. User text keeps its case.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Shard maps a fingerprint to one of n shards using its leading hex digits.
// Callers pass a power of two; the top byte of the digest distributes
// uniformly.
func Shard(fp string, n int) int {
	if len(fp) < 2 || n <= 1 {
		return 0
	}
	b, err := hex.DecodeString(fp[:2])
	if err != nil {
		return 0
	}
	return int(b[0]) % n
}
