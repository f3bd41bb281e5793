// Package chunkstore implements content-addressed chunk persistence with a
// two-tier cache: a bounded in-memory LRU (L1) in front of an on-disk
// LevelDB store (L2). Chunks are keyed by the SHA-256 of their plaintext
// and stored sealed with AES-256-GCM as nonce||ciphertext.
package chunkstore

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

const (
	// HashSize is the chunk key length (SHA-256).
	HashSize = 32
	// nonceSize is the AES-GCM nonce prepended to every stored chunk.
	nonceSize = 12

	// DefaultL1Entries bounds the in-memory tier. At the network's 256 KiB
	// chunk size this is roughly 64 MiB.
	DefaultL1Entries = 256
	// DefaultL2CacheBytes is the LevelDB block cache size.
	DefaultL2CacheBytes = 128 * 1024 * 1024
	// DefaultL2WriteBufferBytes is the LevelDB write buffer size.
	DefaultL2WriteBufferBytes = 64 * 1024 * 1024
)

var (
	// ErrNotFound indicates no chunk is stored under the given hash.
	ErrNotFound = errors.New("chunk not found")
	// ErrIntegrity indicates the AEAD authentication tag did not verify.
	ErrIntegrity = errors.New("chunk integrity check failed")
	// ErrCorrupt indicates the decrypted bytes do not hash to the key.
	ErrCorrupt = errors.New("chunk corrupt: hash mismatch")
	// ErrBadKey indicates the AES key has the wrong length.
	ErrBadKey = errors.New("encryption key must be 32 bytes")
)

// Hash is a chunk key: the SHA-256 digest of the chunk plaintext.
type Hash [HashSize]byte

// HashOf computes the chunk key for plaintext bytes.
func HashOf(plaintext []byte) Hash {
	return sha256.Sum256(plaintext)
}

// Config controls store sizing.
type Config struct {
	Path               string // L2 directory; empty selects the in-memory backend
	L1Entries          int
	L2CacheBytes       int
	L2WriteBufferBytes int
}

// DefaultConfig returns the default sizing for a store rooted at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:               path,
		L1Entries:          DefaultL1Entries,
		L2CacheBytes:       DefaultL2CacheBytes,
		L2WriteBufferBytes: DefaultL2WriteBufferBytes,
	}
}

// Store is a two-tier encrypted chunk store. All methods are safe for
// concurrent use; writers to the same hash are serialised, and the L2
// handle is guarded independently of L1.
type Store struct {
	l1 *lru.Cache[Hash, []byte]

	dbMu sync.Mutex
	db   *leveldb.DB

	// Per-key write serialisation, striped by the first hash byte.
	keyLocks [256]sync.Mutex

	inMemory bool
}

// Open opens (or creates) a chunk store. LevelDB is opened with strict
// integrity checking; if the on-disk open fails the store falls back to an
// in-memory backend so the node can keep operating.
func Open(cfg Config) (*Store, error) {
	if cfg.L1Entries <= 0 {
		cfg.L1Entries = DefaultL1Entries
	}
	if cfg.L2CacheBytes <= 0 {
		cfg.L2CacheBytes = DefaultL2CacheBytes
	}
	if cfg.L2WriteBufferBytes <= 0 {
		cfg.L2WriteBufferBytes = DefaultL2WriteBufferBytes
	}

	l1, err := lru.New[Hash, []byte](cfg.L1Entries)
	if err != nil {
		return nil, fmt.Errorf("failed to create L1 cache: %w", err)
	}

	opts := &opt.Options{
		Strict:             opt.StrictAll,
		BlockCacheCapacity: cfg.L2CacheBytes,
		WriteBuffer:        cfg.L2WriteBufferBytes,
	}

	var db *leveldb.DB
	inMemory := false
	if cfg.Path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), opts)
		inMemory = true
	} else {
		db, err = leveldb.OpenFile(cfg.Path, opts)
		if err != nil {
			logrus.WithError(err).WithField("path", cfg.Path).
				Warn("chunkstore: disk open failed, falling back to memory backend")
			db, err = leveldb.Open(storage.NewMemStorage(), opts)
			inMemory = true
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open chunk store: %w", err)
	}

	return &Store{l1: l1, db: db, inMemory: inMemory}, nil
}

// InMemory reports whether the store is running on the memory backend.
func (s *Store) InMemory() bool {
	return s.inMemory
}

// Put seals plaintext under hash with key and writes it to both tiers.
// Re-putting the same hash overwrites atomically.
func (s *Store) Put(hash Hash, plaintext []byte, key []byte) error {
	aead, err := newAEAD(key)
	if err != nil {
		return err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Stored form: nonce || ciphertext
	sealed := make([]byte, 0, nonceSize+len(plaintext)+aead.Overhead())
	sealed = append(sealed, nonce...)
	sealed = aead.Seal(sealed, nonce, plaintext, hash[:])

	lock := &s.keyLocks[hash[0]]
	lock.Lock()
	defer lock.Unlock()

	s.dbMu.Lock()
	err = s.db.Put(hash[:], sealed, nil)
	s.dbMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to write chunk: %w", err)
	}

	s.l1.Add(hash, sealed)
	return nil
}

// GetPlaintext returns the decrypted chunk for hash. L1 is consulted first;
// an L2 hit repopulates L1. The decrypted bytes are verified against the
// hash before being returned.
func (s *Store) GetPlaintext(hash Hash, key []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	sealed, ok := s.l1.Get(hash)
	if !ok {
		s.dbMu.Lock()
		sealed, err = s.db.Get(hash[:], nil)
		s.dbMu.Unlock()
		if err != nil {
			if errors.Is(err, leveldb.ErrNotFound) || errors.Is(err, ldberrors.ErrNotFound) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("failed to read chunk: %w", err)
		}
		s.l1.Add(hash, sealed)
	}

	if len(sealed) < nonceSize {
		return nil, ErrIntegrity
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]

	plaintext, err := aead.Open(nil, nonce, ciphertext, hash[:])
	if err != nil {
		return nil, ErrIntegrity
	}

	if got := HashOf(plaintext); !bytes.Equal(got[:], hash[:]) {
		return nil, ErrCorrupt
	}
	return plaintext, nil
}

// GetSealed returns the stored form of a chunk (nonce||ciphertext) without
// decrypting it. Seeders use this to serve sealed chunks they cannot (and
// need not) open.
func (s *Store) GetSealed(hash Hash) ([]byte, error) {
	if sealed, ok := s.l1.Get(hash); ok {
		return sealed, nil
	}
	s.dbMu.Lock()
	sealed, err := s.db.Get(hash[:], nil)
	s.dbMu.Unlock()
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) || errors.Is(err, ldberrors.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read chunk: %w", err)
	}
	s.l1.Add(hash, sealed)
	return sealed, nil
}

// PutSealed stores an already-sealed chunk under hash, verifying it opens
// under key and that the plaintext hashes to the key before accepting it.
func (s *Store) PutSealed(hash Hash, sealed []byte, key []byte) error {
	aead, err := newAEAD(key)
	if err != nil {
		return err
	}
	if len(sealed) < nonceSize {
		return ErrIntegrity
	}
	plaintext, err := aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], hash[:])
	if err != nil {
		return ErrIntegrity
	}
	if got := HashOf(plaintext); !bytes.Equal(got[:], hash[:]) {
		return ErrCorrupt
	}

	lock := &s.keyLocks[hash[0]]
	lock.Lock()
	defer lock.Unlock()

	s.dbMu.Lock()
	err = s.db.Put(hash[:], sealed, nil)
	s.dbMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to write chunk: %w", err)
	}
	s.l1.Add(hash, sealed)
	return nil
}

// Has reports whether a chunk is stored under hash.
func (s *Store) Has(hash Hash) bool {
	if s.l1.Contains(hash) {
		return true
	}
	s.dbMu.Lock()
	defer s.dbMu.Unlock()
	ok, err := s.db.Has(hash[:], nil)
	return err == nil && ok
}

// Remove deletes a chunk from both tiers.
func (s *Store) Remove(hash Hash) error {
	lock := &s.keyLocks[hash[0]]
	lock.Lock()
	defer lock.Unlock()

	s.l1.Remove(hash)
	s.dbMu.Lock()
	defer s.dbMu.Unlock()
	if err := s.db.Delete(hash[:], nil); err != nil {
		return fmt.Errorf("failed to delete chunk: %w", err)
	}
	return nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	s.l1.Purge()
	s.dbMu.Lock()
	defer s.dbMu.Unlock()
	return s.db.Close()
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, ErrBadKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to init GCM: %w", err)
	}
	return aead, nil
}
