package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// Fingerprint computes the deterministic cache key for a goal plus
// constraints. Two requests that differ only in whitespace, letter case or
// constraint ordering produce the same fingerprint.
//
// Encoding: sha256 over the normalized goal followed by a canonical
// key-sorted JSON rendering of the constraints, hex-encoded.
func Fingerprint(goal string, constraints map[string]any) string {
	h := sha256.New()
	h.Write([]byte(normalizeGoal(goal)))
	h.Write([]byte{0})
	h.Write(canonicalConstraints(constraints))
	return hex.EncodeToString(h.Sum(nil))
}

// normalizeGoal lower-cases and collapses all runs of whitespace to single
// spaces.
func normalizeGoal(goal string) string {
	return strings.Join(strings.Fields(strings.ToLower(goal)), " ")
}

// canonicalConstraints renders constraints as key-sorted JSON so map
// iteration order never leaks into the fingerprint.
func canonicalConstraints(constraints map[string]any) []byte {
	if len(constraints) == 0 {
		return nil
	}
	keys := make([]string, 0, len(constraints))
	for k := range constraints {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kj, _ := json.Marshal(k)
		vj, _ := json.Marshal(constraints[k])
		b.Write(kj)
		b.WriteByte(':')
		b.Write(vj)
	}
	b.WriteByte('}')
	return []byte(b.String())
}
