package cache

import "testing"

func TestNewKeyDeterministic(t *testing.T) {
	a := NewKey("cfg1", "hello")
	b := NewKey("cfg1", "hello")
	if a != b {
		t.Fatalf("expected deterministic key, got %s != %s", a, b)
	}
}

func TestNewKeyDiffersOnText(t *testing.T) {
	a := NewKey("cfg1", "hello")
	b := NewKey("cfg1", "world")
	if a == b {
		t.Fatalf("expected different keys for different text")
	}
}

func TestNewKeyBoundarySafe(t *testing.T) {
	// "a"+"bc" vs "ab"+"c" must not collide just because the concatenation
	// is equal; the separator byte in NewKey exists for exactly this.
	a := NewKey("a", "bc")
	b := NewKey("ab", "c")
	if a == b {
		t.Fatalf("expected configHash/text boundary to be disambiguated")
	}
}

func TestShard(t *testing.T) {
	k := NewKey("cfg", "text")
	a, b := k.Shard()
	if len(a) != 2 || len(b) != 2 {
		t.Fatalf("expected two 2-char shard segments, got %q %q", a, b)
	}
}

func TestComputeConfigHashIncludesPronunciations(t *testing.T) {
	base := ComputeConfigHash("voiceA", "modelX", 24000, "pcm16", 1.0, nil)
	withPron := ComputeConfigHash("voiceA", "modelX", 24000, "pcm16", 1.0, map[string]string{"re": "ree"})
	if base == withPron {
		t.Fatalf("pronunciations must participate in the config hash")
	}
}

func TestComputeConfigHashOrderIndependent(t *testing.T) {
	a := ComputeConfigHash("v", "m", 1, "pcm16", 1.0, map[string]string{"a": "1", "b": "2"})
	b := ComputeConfigHash("v", "m", 1, "pcm16", 1.0, map[string]string{"b": "2", "a": "1"})
	if a != b {
		t.Fatalf("expected map iteration order not to affect the hash")
	}
}
