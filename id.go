package dht

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"math/bits"

	"golang.org/x/crypto/sha3"
)

const (
	// KEY_BITS the width of node ids and keys
	KEY_BITS = 256
	// KEY_BYTES the width of node ids and keys in bytes
	KEY_BYTES = KEY_BITS / 8
)

var (
	// ErrInvalidIDLength returned when an id is built from a byte slice of the wrong size
	ErrInvalidIDLength = errors.New("id length is incorrect")
)

// ID identifies a node or a key in the network
type ID [KEY_BYTES]byte

// Distance is the xor of two ids, compared as an unsigned big endian integer
type Distance [KEY_BYTES]byte

// NewID copies a byte slice into an id
func NewID(b []byte) (ID, error) {
	var id ID

	if len(b) != KEY_BYTES {
		return id, ErrInvalidIDLength
	}

	copy(id[:], b)

	return id, nil
}

// RandomID generates a new random id
func RandomID() ID {
	var id ID
	rand.Read(id[:])
	return id
}

// HashKey derives an id from arbitrary data. It can be used to generate
// keys for values stored on the network
func HashKey(data []byte) ID {
	return ID(sha3.Sum256(data))
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Cmp compares two distances, returning -1, 0 or 1
func (d Distance) Cmp(o Distance) int {
	return bytes.Compare(d[:], o[:])
}

// IsZero returns true if the distance was computed from two identical ids
func (d Distance) IsZero() bool {
	return d == Distance{}
}

func distance(a, b ID) Distance {
	var d Distance

	for i := 0; i < KEY_BYTES; i++ {
		d[i] = a[i] ^ b[i]
	}

	return d
}

// bucketID gets the correct bucket id for a given node, based on the
// position of the highest bit that differs between the two ids.
// identical ids have no differing bit and are mapped to the last bucket
func bucketID(localID, remoteID ID) int {
	for i := 0; i < KEY_BYTES; i++ {
		d := localID[i] ^ remoteID[i]

		if d != 0 {
			return KEY_BITS - 1 - (i*8 + bits.LeadingZeros8(d))
		}
	}

	return KEY_BITS - 1
}
