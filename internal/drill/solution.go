// Package drill implements the proof-of-work solution format accepted by the pool.
//
// A solution is the 16-byte digest a miner derives from the current challenge and a
// nonce, and the difficulty of a solution is the number of leading zero bits of the
// Keccak-256 hash of digest and nonce.
package drill

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/bits"

	"golang.org/x/crypto/sha3"
)

const (
	// DigestSize is the size of a solution digest in bytes.
	DigestSize = 16

	// NonceSize is the size of a solution nonce in bytes.
	NonceSize = 8

	// maxScoreDifficulty caps the score exponent so scores fit in a uint64.
	maxScoreDifficulty = 63
)

// Solution is a single proof-of-work solution for a challenge.
type Solution struct {
	// Digest is the hash digest derived from the challenge and nonce.
	Digest [DigestSize]byte

	// Nonce is the little-endian nonce the digest was derived with.
	Nonce [NonceSize]byte
}

// NewSolution derives the solution for the given challenge and nonce.
func NewSolution(challenge [32]byte, nonce uint64) Solution {
	var s Solution
	binary.LittleEndian.PutUint64(s.Nonce[:], nonce)
	s.Digest = ComputeDigest(challenge, s.Nonce)
	return s
}

// ComputeDigest derives the canonical digest for a challenge and nonce.
func ComputeDigest(challenge [32]byte, nonce [NonceSize]byte) [DigestSize]byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(challenge[:])
	h.Write(nonce[:])

	var digest [DigestSize]byte
	copy(digest[:], h.Sum(nil))
	return digest
}

// Hash returns the final hash of the solution, from which difficulty is measured.
func (s Solution) Hash() [32]byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(s.Digest[:])
	h.Write(s.Nonce[:])

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Difficulty returns the number of leading zero bits of the solution hash.
func (s Solution) Difficulty() uint32 {
	hash := s.Hash()

	var difficulty uint32
	for _, b := range hash {
		lz := uint32(bits.LeadingZeros8(b))
		difficulty += lz
		if lz < 8 {
			break
		}
	}
	return difficulty
}

// IsValid reports whether the digest was genuinely derived from the given challenge.
func (s Solution) IsValid(challenge [32]byte) bool {
	return s.Digest == ComputeDigest(challenge, s.Nonce)
}

// Bytes returns the canonical byte encoding of the solution (digest then nonce).
// This is the message miners sign when contributing.
func (s Solution) Bytes() []byte {
	out := make([]byte, 0, DigestSize+NonceSize)
	out = append(out, s.Digest[:]...)
	out = append(out, s.Nonce[:]...)
	return out
}

// NonceValue returns the nonce as an integer.
func (s Solution) NonceValue() uint64 {
	return binary.LittleEndian.Uint64(s.Nonce[:])
}

// Score converts a difficulty to its contribution score (2^difficulty).
func Score(difficulty uint32) uint64 {
	if difficulty >= maxScoreDifficulty {
		return 1 << maxScoreDifficulty
	}
	return 1 << difficulty
}

type solutionJSON struct {
	Digest string `json:"digest"`
	Nonce  string `json:"nonce"`
}

// MarshalJSON encodes the solution with hex encoded digest and nonce.
func (s Solution) MarshalJSON() ([]byte, error) {
	return json.Marshal(solutionJSON{
		Digest: hex.EncodeToString(s.Digest[:]),
		Nonce:  hex.EncodeToString(s.Nonce[:]),
	})
}

// UnmarshalJSON decodes a solution from hex encoded digest and nonce.
func (s *Solution) UnmarshalJSON(data []byte) error {
	var raw solutionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	digest, err := hex.DecodeString(raw.Digest)
	if err != nil {
		return fmt.Errorf("invalid solution digest: %w", err)
	}
	if len(digest) != DigestSize {
		return fmt.Errorf("invalid solution digest length: %d", len(digest))
	}

	nonce, err := hex.DecodeString(raw.Nonce)
	if err != nil {
		return fmt.Errorf("invalid solution nonce: %w", err)
	}
	if len(nonce) != NonceSize {
		return fmt.Errorf("invalid solution nonce length: %d", len(nonce))
	}

	copy(s.Digest[:], digest)
	copy(s.Nonce[:], nonce)
	return nil
}
