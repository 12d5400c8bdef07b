package router

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
)

// HashKey derives a 64-bit unsigned integer from s: MD5 of its UTF-8 bytes,
// then the first 16 hex characters (8 bytes, big-endian) of the lowercase
// digest parsed as an integer. Byte-stable across implementations — this must
// match the reference Python `int(hashlib.md5(s.encode()).hexdigest()[:16], 16)`
// exactly, since it is the basis of every routing decision's determinism (P1).
func HashKey(s string) uint64 {
	sum := md5.Sum([]byte(s))
	hexDigest := hex.EncodeToString(sum[:])
	var v uint64
	// hexDigest[:16] is always 16 valid lowercase hex characters; a manual
	// parse avoids the overhead of strconv.ParseUint's base-detection path.
	for i := 0; i < 16; i++ {
		v = v<<4 | uint64(hexNibble(hexDigest[i]))
	}
	return v
}

func hexNibble(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		panic(fmt.Sprintf("hash.go: non-hex-digest byte %q from hex.EncodeToString", c))
	}
}

// virtualNodeKey formats the per-virtual-node ring key for replica id's i-th
// virtual node, matching "{id}:{i}" from §4.3.
func virtualNodeKey(id ReplicaID, i int) string {
	return fmt.Sprintf("%s:%d", id, i)
}
