package repository

import (
	"strconv"
	"strings"

	"gitlab.com/tozd/go/errors"
)

// Timestamp is a server-reported hybrid logical clock reading, expressed in
// milliseconds. It is what §3/§4.7 call "vbucket_hlc" / "server HLC": a
// monotonic, server-side notion of now that clients compare heartbeats
// against instead of their own wall clock.
type Timestamp int64

// Before reports whether t is strictly before other.
func (t Timestamp) Before(other Timestamp) bool {
	return t < other
}

// Add returns t advanced by the given number of milliseconds.
func (t Timestamp) Add(ms int64) Timestamp {
	return t + Timestamp(ms)
}

// MutationCAS is the opaque, server-populated string a write returns in
// place of the mutation-macro CAS token (spec §3, §9 "mutation-CAS macro
// parsing"). It encodes an HLC reading plus a per-row tie-breaker so two
// writes in the same millisecond still order deterministically.
type MutationCAS string

// FormatMutationCAS encodes an HLC reading and CAS counter into the wire
// form stored as heartbeat_cas.
func FormatMutationCAS(hlc Timestamp, cas int64) MutationCAS {
	return MutationCAS(strconv.FormatInt(int64(hlc), 10) + "." + strconv.FormatInt(cas, 10))
}

// ParseMutationCAS parses a MutationCAS into the HLC reading it encodes.
//
// Per spec §9, a parse failure is treated by the caller as "this entry is
// expired" rather than raised, so a malformed peer entry never blocks
// progress; errMalformedMutationCAS lets a caller that wants to log the
// condition distinguish it with errors.Is.
func ParseMutationCAS(m MutationCAS) (Timestamp, errors.E) {
	hlcPart, _, ok := strings.Cut(string(m), ".")
	if !ok {
		return 0, errors.WithStack(errMalformedMutationCAS)
	}
	v, err := strconv.ParseInt(hlcPart, 10, 64)
	if err != nil {
		return 0, errors.WrapWith(err, errMalformedMutationCAS)
	}
	return Timestamp(v), nil
}

var errMalformedMutationCAS = errors.Base("malformed mutation CAS")
