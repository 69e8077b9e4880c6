package depgraph

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"reflect"
)

// Digest is a stable content address for a completed node's item, used by
// Graph.AllDigests, Graph.ReachableDigestCount, and neo4jviz's MERGE keys.
type Digest [sha1.Size]byte

// String hex-encodes the digest, matching the teacher's contentaddress.go
// formatting.
func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// digester is an escape hatch for an item type that knows how to digest
// itself more precisely than reflection can, mirroring the teacher's
// ContentAddresser interface.
type digester interface {
	ContentDigest() Digest
}

// DigestOf computes a Digest for an item, for Node implementations that
// want a ready-made Digest method instead of hand-rolling one. If item
// implements digester, its own ContentDigest is used; otherwise the digest
// falls back to a reflection-based structural hash of the value, the same
// fallback contentaddress.go uses for values with no explicit content
// addresser.
func DigestOf(item any) Digest {
	if d, ok := item.(digester); ok {
		return d.ContentDigest()
	}
	return reflectiveDigest(item)
}

// reflectiveDigest hashes a textual rendering of item's structure. It is
// deterministic for a given Go value but, like contentaddress.go's
// fallback, makes no promises about stability across types whose
// %#v representation is itself nondeterministic (e.g. maps with
// pointer-identity keys); node authors with such item types should
// implement digester instead.
func reflectiveDigest(item any) Digest {
	v := reflect.ValueOf(item)
	h := sha1.New()
	fmt.Fprintf(h, "%#v", v.Interface())
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}
