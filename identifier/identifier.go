// Package identifier generates and validates the opaque string identifiers
// used throughout the transaction runner: transaction ids, attempt ids,
// ATR document ids, and client record uuids.
package identifier

import (
	"crypto/rand"
	"io"
	"regexp"
	"strings"

	"github.com/btcsuite/btcutil/base58"
	"github.com/google/uuid"
)

const (
	idLength = 22
)

var idRegex = regexp.MustCompile(`^[123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz]{22}$`)

// FromUUID returns a UUID encoded as a fixed-length identifier.
func FromUUID(data uuid.UUID) string {
	res := base58.Encode(data[:])
	if len(res) < idLength {
		return strings.Repeat("1", idLength-len(res)) + res
	}
	return res
}

// New returns a new random identifier, suitable for a transaction id,
// an attempt id, or a client uuid.
func New() string {
	return NewFromReader(rand.Reader)
}

// NewFromReader returns a new random identifier using r as a source of randomness.
func NewFromReader(r io.Reader) string {
	// We read one byte more than 128 bits, to always get full length.
	data := make([]byte, 17)
	_, err := io.ReadFull(r, data)
	if err != nil {
		panic(err)
	}
	res := base58.Encode(data)
	return res[0:idLength]
}

// Valid returns true if id looks like a validly-formed identifier.
func Valid(id string) bool {
	return idRegex.MatchString(id)
}
