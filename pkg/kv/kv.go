// Package kv provides the key-value store the rune repositories sit on.
// Keys are hierarchical paths represented as string slices (e.g.,
// ["mem", "user", "@alice:example.org", "b1f2..."]) and encoded with the
// ASCII unit separator (0x1F).
//
// The separator is not configurable: federated actor and room identifiers
// routinely contain ':' and '/', so any printable separator would collide
// with real segment values. 0x1F never appears in chat identifiers or UUIDs.
//
// The package ships a BadgerDB-backed implementation for durable state and
// an in-memory implementation for tests.
package kv

import (
	"context"
	"errors"
	"iter"
	"strings"
)

// Separator joins key segments in the encoded representation.
const Separator byte = 0x1F

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("kv: not found")

// Key is a hierarchical path represented as a slice of string segments.
// Segments must not contain the separator byte.
type Key []string

// String renders the key with ':' between segments. Display/debug only;
// the stored encoding uses Separator.
func (k Key) String() string {
	return strings.Join(k, ":")
}

// Entry is a key-value pair returned by List and consumed by BatchSet.
type Entry struct {
	Key   Key
	Value []byte
}

// Store is the contract all rune repositories depend on.
type Store interface {
	// Get retrieves the value for a key. Returns ErrNotFound if not present.
	Get(ctx context.Context, key Key) ([]byte, error)

	// Set stores a key-value pair, overwriting any existing value.
	Set(ctx context.Context, key Key, value []byte) error

	// Delete removes a key. No error if the key does not exist.
	Delete(ctx context.Context, key Key) error

	// List iterates over all entries under the given prefix in
	// lexicographic order of the encoded key.
	List(ctx context.Context, prefix Key) iter.Seq2[Entry, error]

	// BatchSet atomically stores multiple key-value pairs.
	BatchSet(ctx context.Context, entries []Entry) error

	// BatchDelete atomically removes multiple keys.
	BatchDelete(ctx context.Context, keys []Key) error

	// Close releases resources held by the store.
	Close() error
}

// encode converts a Key to its stored byte representation.
func encode(k Key) []byte {
	n := 0
	for i, seg := range k {
		if i > 0 {
			n++
		}
		n += len(seg)
	}
	buf := make([]byte, 0, n)
	for i, seg := range k {
		if i > 0 {
			buf = append(buf, Separator)
		}
		buf = append(buf, seg...)
	}
	return buf
}

// decode converts a stored byte representation back to a Key.
func decode(b []byte) Key {
	if len(b) == 0 {
		return nil
	}
	var k Key
	start := 0
	for i, c := range b {
		if c == Separator {
			k = append(k, string(b[start:i]))
			start = i + 1
		}
	}
	return append(k, string(b[start:]))
}

// scanPrefix returns the encoded prefix with a trailing separator, so that
// listing ["a","b"] does not match the sibling key ["a","bc"]. An empty
// prefix scans everything.
func scanPrefix(prefix Key) []byte {
	if len(prefix) == 0 {
		return nil
	}
	return append(encode(prefix), Separator)
}
