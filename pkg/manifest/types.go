// Package manifest implements the file layer of the content network:
// fixed-size chunking, the Merkle tree over chunk hashes, inclusion proofs
// and manifest assembly/reassembly. The Merkle root of a file's chunks is
// the file's network identifier.
package manifest

import (
	"encoding/hex"
	"fmt"

	"github.com/chiral-network/chiral-network/pkg/chunkstore"
	"github.com/chiral-network/chiral-network/pkg/keyexchange"
)

// ChunkSize is the fixed plaintext chunk size.
const ChunkSize = 256 * 1024

// sealOverhead is the growth of a chunk when sealed: a 12-byte nonce plus
// the 16-byte GCM tag.
const sealOverhead = 12 + 16

// ChunkInfo describes one chunk of a file. Immutable once produced;
// indices are contiguous starting at 0.
type ChunkInfo struct {
	Index          uint32 `json:"index"`
	Hash           string `json:"hash"` // hex SHA-256 of the plaintext
	PlaintextSize  uint32 `json:"plaintextSize"`
	CiphertextSize uint32 `json:"ciphertextSize"`
}

// HashBytes decodes the chunk hash into a store key.
func (c ChunkInfo) HashBytes() (chunkstore.Hash, error) {
	var h chunkstore.Hash
	raw, err := hex.DecodeString(c.Hash)
	if err != nil || len(raw) != chunkstore.HashSize {
		return h, fmt.Errorf("chunk %d has malformed hash %q", c.Index, c.Hash)
	}
	copy(h[:], raw)
	return h, nil
}

// FileManifest is what peers locate in the DHT: the Merkle root, the
// ordered chunk list and the sealed AES key bundle. Versioning fields track
// re-publishes of the same logical file.
type FileManifest struct {
	MerkleRoot    string             `json:"merkleRoot"`
	Chunks        []ChunkInfo        `json:"chunks"`
	EncryptedKey  *keyexchange.Bundle `json:"encryptedAesKeyBundle,omitempty"`
	FileName      string             `json:"fileName"`
	FileSize      uint64             `json:"fileSize"`
	IsEncrypted   bool               `json:"isEncrypted"`
	CreatedAt     int64              `json:"createdAt"`
	MimeType      string             `json:"mimeType,omitempty"`
	Seeders       []string           `json:"seeders,omitempty"`
	PriceWei      string             `json:"priceWei,omitempty"`
	WalletAddress string             `json:"walletAddress,omitempty"`
	Version       uint32             `json:"version,omitempty"`
	ParentHash    string             `json:"parentHash,omitempty"`
}

// Validate performs structural checks: contiguous indices, well-formed
// hashes and a chunk total matching the file size.
func (m *FileManifest) Validate() error {
	var total uint64
	for i, c := range m.Chunks {
		if c.Index != uint32(i) {
			return fmt.Errorf("chunk at position %d has index %d", i, c.Index)
		}
		if _, err := c.HashBytes(); err != nil {
			return err
		}
		if c.PlaintextSize == 0 && len(m.Chunks) > 1 {
			return fmt.Errorf("chunk %d has zero size", i)
		}
		total += uint64(c.PlaintextSize)
	}
	if total != m.FileSize {
		return fmt.Errorf("chunk sizes sum to %d, manifest says %d", total, m.FileSize)
	}
	return nil
}

// chunkHashes decodes every chunk hash, preserving order.
func (m *FileManifest) chunkHashes() ([][]byte, error) {
	hashes := make([][]byte, len(m.Chunks))
	for i, c := range m.Chunks {
		h, err := c.HashBytes()
		if err != nil {
			return nil, err
		}
		hashes[i] = h[:]
	}
	return hashes, nil
}

// Proof generates the inclusion proof for the chunk at index against this
// manifest's chunk list.
func (m *FileManifest) Proof(index int) ([]ProofStep, error) {
	hashes, err := m.chunkHashes()
	if err != nil {
		return nil, err
	}
	return GenerateProof(hashes, index)
}
