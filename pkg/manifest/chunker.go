package manifest

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/chiral-network/chiral-network/pkg/chunkstore"
	"github.com/chiral-network/chiral-network/pkg/keyexchange"
)

// CorruptError reports the first chunk that failed verification during
// reassembly.
type CorruptError struct {
	Index uint32
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("chunk %d is corrupt", e.Index)
}

// SplitAndEncrypt streams a file into 256 KiB chunks, seals each chunk into
// the store under a fresh AES-256 file key, and returns the manifest with
// the file key sealed for recipientPub.
func SplitAndEncrypt(path string, recipientPub [keyexchange.KeySize]byte, store *chunkstore.Store) (*FileManifest, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("refusing to publish empty file %s", path)
	}

	fileKey := make([]byte, 32)
	if _, err := rand.Read(fileKey); err != nil {
		return nil, fmt.Errorf("failed to generate file key: %w", err)
	}

	var chunks []ChunkInfo
	var hashes [][]byte
	buf := make([]byte, ChunkSize)
	index := uint32(0)

	for {
		n, err := io.ReadFull(file, buf)
		if err == io.EOF {
			break
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("failed to read file at chunk %d: %w", index, err)
		}

		plaintext := make([]byte, n)
		copy(plaintext, buf[:n])

		hash := chunkstore.HashOf(plaintext)
		if err := store.Put(hash, plaintext, fileKey); err != nil {
			return nil, fmt.Errorf("failed to store chunk %d: %w", index, err)
		}

		chunks = append(chunks, ChunkInfo{
			Index:          index,
			Hash:           hex.EncodeToString(hash[:]),
			PlaintextSize:  uint32(n),
			CiphertextSize: uint32(n + sealOverhead),
		})
		hashes = append(hashes, hash[:])
		index++

		if err == io.ErrUnexpectedEOF {
			break
		}
	}

	root, err := ComputeRoot(hashes)
	if err != nil {
		return nil, err
	}

	bundle, err := keyexchange.EncryptForRecipient(fileKey, recipientPub)
	if err != nil {
		return nil, fmt.Errorf("failed to seal file key: %w", err)
	}

	return &FileManifest{
		MerkleRoot:   hex.EncodeToString(root),
		Chunks:       chunks,
		EncryptedKey: bundle,
		FileName:     filepath.Base(path),
		FileSize:     uint64(info.Size()),
		IsEncrypted:  true,
		CreatedAt:    time.Now().Unix(),
	}, nil
}

// Reassemble unseals the file key with recipient, streams the chunks out of
// the store in index order and writes the reconstructed file to outPath.
// Each chunk's hash and length are verified against the manifest; any
// mismatch aborts the whole operation with a CorruptError. The output file
// only appears under its final name once fully written.
func Reassemble(m *FileManifest, recipient *keyexchange.Keypair, store *chunkstore.Store, outPath string) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid manifest: %w", err)
	}
	if m.EncryptedKey == nil {
		return fmt.Errorf("manifest carries no key bundle")
	}

	fileKey, err := keyexchange.Decrypt(m.EncryptedKey, recipient)
	if err != nil {
		return fmt.Errorf("failed to unseal file key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(outPath), ".chiral-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpPath)
	}()

	for _, c := range m.Chunks {
		hash, err := c.HashBytes()
		if err != nil {
			return err
		}
		plaintext, err := store.GetPlaintext(hash, fileKey)
		if err != nil {
			return fmt.Errorf("failed to load chunk %d: %w", c.Index, err)
		}
		if uint32(len(plaintext)) != c.PlaintextSize {
			return &CorruptError{Index: c.Index}
		}
		if got := chunkstore.HashOf(plaintext); hex.EncodeToString(got[:]) != c.Hash {
			return &CorruptError{Index: c.Index}
		}
		if _, err := tmp.Write(plaintext); err != nil {
			return fmt.Errorf("failed to write chunk %d: %w", c.Index, err)
		}
	}

	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync output: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close output: %w", err)
	}
	if err := os.Rename(tmpPath, outPath); err != nil {
		return fmt.Errorf("failed to finalize output: %w", err)
	}
	return nil
}
