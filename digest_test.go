package depgraph_test

import (
	"testing"

	"github.com/go-depgraph/go-depgraph"
)

type digestingValue struct {
	digest depgraph.Digest
}

func (d digestingValue) ContentDigest() depgraph.Digest { return d.digest }

func TestDigestOfPrefersContentDigest(t *testing.T) {
	want := depgraph.Digest{1, 2, 3}
	got := depgraph.DigestOf(digestingValue{digest: want})
	if got != want {
		t.Errorf("DigestOf(digestingValue) = %v, want %v", got, want)
	}
}

func TestDigestOfReflectiveFallbackIsStable(t *testing.T) {
	a := depgraph.DigestOf(42)
	b := depgraph.DigestOf(42)
	if a != b {
		t.Errorf("DigestOf(42) is not stable across calls: %v != %v", a, b)
	}

	c := depgraph.DigestOf(43)
	if a == c {
		t.Errorf("DigestOf(42) == DigestOf(43), want distinct digests")
	}
}

func TestDigestStringIsHex(t *testing.T) {
	d := depgraph.DigestOf("hello")
	s := d.String()
	if len(s) != len(d)*2 {
		t.Errorf("Digest.String() length = %d, want %d (hex-encoded)", len(s), len(d)*2)
	}
}
