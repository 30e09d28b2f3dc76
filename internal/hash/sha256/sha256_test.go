package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestHasherHashDeterministic ensures repeated hashing yields the same digest.
func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	again, err := h.Hash([]byte("hello world"))
	if err != nil {
		t.Fatalf("Hash() repeat error = %v", err)
	}
	if again != got {
		t.Fatalf("expected deterministic hash, got %s vs %s", got, again)
	}
}

func TestFingerprintTrimsSurroundingWhitespace(t *testing.T) {
	t.Parallel()

	require.Equal(t, Fingerprint("A1/24", "text"), Fingerprint("A1/24 ", " text "))
	require.Equal(t, Fingerprint("A1/24", "text"), Fingerprint("\tA1/24\n", "text\n"))
}

func TestFingerprintMatchesJoinedDigest(t *testing.T) {
	t.Parallel()

	h := New()
	want, err := h.Hash([]byte("A123/25|RWY 09 CLSD"))
	require.NoError(t, err)
	require.Equal(t, want, Fingerprint("A123/25", "RWY 09 CLSD"))
	require.Len(t, want, 64)
}

func TestFingerprintIsCaseSensitive(t *testing.T) {
	t.Parallel()

	require.NotEqual(t, Fingerprint("A1/24", "RWY CLSD"), Fingerprint("A1/24", "rwy clsd"))
}
