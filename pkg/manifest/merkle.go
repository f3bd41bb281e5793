package manifest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ProofStep is one level of an inclusion proof: the sibling hash and which
// side of the concatenation it occupies.
type ProofStep struct {
	Hash []byte `json:"hash"`
	Left bool   `json:"left"` // sibling is the left operand
}

// ComputeRoot builds the Merkle root over ordered chunk hashes. Levels are
// hashed pairwise; an odd trailing node is promoted to the next level
// unchanged (no duplicate-last).
func ComputeRoot(chunkHashes [][]byte) ([]byte, error) {
	if len(chunkHashes) == 0 {
		return nil, fmt.Errorf("cannot compute root of zero chunks")
	}
	level := make([][]byte, len(chunkHashes))
	copy(level, chunkHashes)

	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				h := sha256.Sum256(append(append([]byte{}, level[i]...), level[i+1]...))
				next = append(next, h[:])
			} else {
				// Odd node: promote without duplication.
				next = append(next, level[i])
			}
		}
		level = next
	}
	return level[0], nil
}

// GenerateProof returns the sibling hashes needed to recompute the root
// from the chunk at index, ordered leaf to root. Levels where the node has
// no sibling contribute no step.
func GenerateProof(chunkHashes [][]byte, index int) ([]ProofStep, error) {
	if index < 0 || index >= len(chunkHashes) {
		return nil, fmt.Errorf("chunk index %d out of range (%d chunks)", index, len(chunkHashes))
	}

	level := make([][]byte, len(chunkHashes))
	copy(level, chunkHashes)
	pos := index

	var proof []ProofStep
	for len(level) > 1 {
		sibling := pos ^ 1
		if sibling < len(level) {
			proof = append(proof, ProofStep{
				Hash: append([]byte{}, level[sibling]...),
				Left: sibling < pos,
			})
		}

		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				h := sha256.Sum256(append(append([]byte{}, level[i]...), level[i+1]...))
				next = append(next, h[:])
			} else {
				next = append(next, level[i])
			}
		}
		level = next
		pos /= 2
	}
	return proof, nil
}

// VerifyProof checks that chunkBytes is the chunk described by info in the
// file whose Merkle root is rootHex: the bytes must hash to info.Hash and
// the proof must recompute the root from that hash.
func VerifyProof(rootHex string, info ChunkInfo, chunkBytes []byte, proof []ProofStep) bool {
	root, err := hex.DecodeString(rootHex)
	if err != nil || len(root) != sha256.Size {
		return false
	}
	want, err := info.HashBytes()
	if err != nil {
		return false
	}
	got := sha256.Sum256(chunkBytes)
	if !bytes.Equal(got[:], want[:]) {
		return false
	}
	if uint32(len(chunkBytes)) != info.PlaintextSize {
		return false
	}

	acc := got[:]
	for _, step := range proof {
		var h [sha256.Size]byte
		if step.Left {
			h = sha256.Sum256(append(append([]byte{}, step.Hash...), acc...))
		} else {
			h = sha256.Sum256(append(append([]byte{}, acc...), step.Hash...))
		}
		acc = h[:]
	}
	return bytes.Equal(acc, root)
}
