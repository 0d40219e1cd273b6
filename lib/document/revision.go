package document

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// HashSize is the size of a content hash in bytes (256 bit).
const HashSize = blake2b.Size256

// Hash is the digest of a document's contents.
type Hash [HashSize]byte

// HashContents returns the digest of contents.
func HashContents(contents []byte) Hash {
	return blake2b.Sum256(contents)
}

// String returns the hex encoding of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Revision identifies one version of a document.
// The first revision of a document has sequence 0; every update increments it.
type Revision struct {
	Sequence    uint32 `json:"sequence" bson:"sequence"`
	ContentHash Hash   `json:"content_hash" bson:"content_hash"`
}

// NewRevision returns the initial revision for contents.
func NewRevision(contents []byte) Revision {
	return Revision{
		Sequence:    0,
		ContentHash: HashContents(contents),
	}
}

// ErrSequenceExhausted is returned by Next once a revision reached the
// largest sequence. Wrapping to 0 would let stale revisions match again.
var ErrSequenceExhausted = errors.New("revision sequence exhausted")

// Next returns the revision that follows r for the new contents.
func (r Revision) Next(contents []byte) (Revision, error) {
	if r.Sequence == math.MaxUint32 {
		return Revision{}, ErrSequenceExhausted
	}
	return Revision{
		Sequence:    r.Sequence + 1,
		ContentHash: HashContents(contents),
	}, nil
}

// String formats the revision as "<sequence>-<hex hash>".
func (r Revision) String() string {
	return strconv.FormatUint(uint64(r.Sequence), 10) + "-" + r.ContentHash.String()
}

// ParseRevision parses the output of Revision.String.
func ParseRevision(s string) (Revision, error) {
	seq, hash, ok := strings.Cut(s, "-")
	if !ok {
		return Revision{}, fmt.Errorf("invalid revision %q: expected <sequence>-<hash>", s)
	}

	n, err := strconv.ParseUint(seq, 10, 32)
	if err != nil {
		return Revision{}, fmt.Errorf("invalid revision sequence %q: %w", seq, err)
	}

	raw, err := hex.DecodeString(hash)
	if err != nil || len(raw) != HashSize {
		return Revision{}, fmt.Errorf("invalid revision hash %q", hash)
	}

	r := Revision{Sequence: uint32(n)}
	copy(r.ContentHash[:], raw)
	return r, nil
}
