package domain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
)

// HashFunc produces the hashing primitive used for segments and for the hash-of-hashes.
type HashFunc func() hash.Hash

// SHA256 is the default primitive.
var SHA256 HashFunc = sha256.New

// Hash is a content digest, rendered as lowercase hex.
type Hash []byte

func (h Hash) String() string { return hex.EncodeToString(h) }

func (h Hash) Equal(other Hash) bool { return bytes.Equal(h, other) }

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash decodes a hex digest.
func ParseHash(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("empty hash")
	}
	return Hash(b), nil
}

// CalculateHash digests everything r yields.
func CalculateHash(newHash HashFunc, r io.Reader) (Hash, error) {
	h := newHash()
	if _, err := io.Copy(h, r); err != nil {
		return nil, err
	}
	return Hash(h.Sum(nil)), nil
}

// ComputeHashOfHashes digests the segment hashes concatenated in segment order.
func ComputeHashOfHashes(newHash HashFunc, segmentHashes []Hash) Hash {
	h := newHash()
	for _, sh := range segmentHashes {
		h.Write(sh)
	}
	return Hash(h.Sum(nil))
}

// PackageIdentity names a package by its content.
type PackageIdentity struct {
	SegmentHashes []Hash `json:"segment_hashes"`
	PackageHash   Hash   `json:"package_hash"`
}

// NewPackageIdentity derives the package hash from the ordered segment hashes.
func NewPackageIdentity(newHash HashFunc, segmentHashes []Hash) PackageIdentity {
	hashes := make([]Hash, len(segmentHashes))
	copy(hashes, segmentHashes)
	return PackageIdentity{
		SegmentHashes: hashes,
		PackageHash:   ComputeHashOfHashes(newHash, hashes),
	}
}

// Verify recomputes the package hash and compares it to the stored one.
func (id PackageIdentity) Verify(newHash HashFunc) bool {
	if len(id.PackageHash) == 0 {
		return false
	}
	return ComputeHashOfHashes(newHash, id.SegmentHashes).Equal(id.PackageHash)
}

// CheckSequence ensures there is exactly one segment hash per segment.
func (id PackageIdentity) CheckSequence(seq SequenceInfo) error {
	if len(id.SegmentHashes) != seq.SegmentCount() {
		return fmt.Errorf("%w: %d segment hashes for %d segments",
			ErrIdentityMismatch, len(id.SegmentHashes), seq.SegmentCount())
	}
	return nil
}

// SegmentHash returns the expected hash of one segment.
func (id PackageIdentity) SegmentHash(index int) (Hash, error) {
	if index < 0 || index >= len(id.SegmentHashes) {
		return nil, &SegmentRangeError{Index: index, Count: len(id.SegmentHashes)}
	}
	return id.SegmentHashes[index], nil
}
