// Package cache implements the content-addressed TTL cache of spec §4.4:
// a memory backend (bounded, LRU-evicted) and a filesystem backend (sharded,
// atomic-write), both behind one Store interface, with per-key single-flight
// writers realizing Invariant 1 (§3.2).
package cache

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Key is a content-addressed cache key: blake2b-256 over the canonical
// config hash and the text after pronunciation replacement (spec §3.1).
type Key string

// NewKey computes the CacheKey for a (configHash, text) pair. configHash is
// expected to already be the stable digest described by ComputeConfigHash;
// text is the text the adapter will speak: the session TTS pipeline passes
// it after pronunciation substitution (spec §3.1/§4.5), the REST /speak path
// passes the request text unchanged.
func NewKey(configHash string, text string) Key {
	h, _ := blake2b.New256(nil) // nil key, nil error per blake2b.New256 contract
	h.Write([]byte(configHash))
	h.Write([]byte{0}) // separator so configHash/text can't collide across the boundary
	h.Write([]byte(text))
	return Key(hex.EncodeToString(h.Sum(nil)))
}

// Shard returns the two-level directory prefix used by the filesystem
// backend (spec §6.4: "aa/bb/<hash>.bin").
func (k Key) Shard() (string, string) {
	s := string(k)
	if len(s) < 4 {
		s = s + strings.Repeat("0", 4-len(s))
	}
	return s[0:2], s[2:4]
}

// ComputeConfigHash computes the stable hash over the output-affecting
// subset of a TTS config (spec §4.5). Pronunciations MUST participate —
// omitting them was called out in spec.md as a correctness bug.
func ComputeConfigHash(voiceID, model string, sampleRate int, audioFormat string, speakingRate float64, pronunciations map[string]string) string {
	h, _ := blake2b.New256(nil)
	fmt.Fprintf(h, "voice=%s|model=%s|rate=%d|format=%s|speed=%g|", voiceID, model, sampleRate, audioFormat, speakingRate)

	keys := make([]string, 0, len(pronunciations))
	for k := range pronunciations {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "pron:%s=%s|", k, pronunciations[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}
