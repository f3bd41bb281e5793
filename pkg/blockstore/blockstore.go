// Package blockstore maps content identifiers to raw bytes in its own
// LevelDB database, under a CID-keyed "b/" namespace. It backs the optional
// block-exchange protocol; content is not required to be CID-indexed.
package blockstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

// keyPrefix separates block keys from any other namespace in the database.
const keyPrefix = "b/"

// ErrNotFound indicates no block is stored under the given CID.
var ErrNotFound = errors.New("block not found")

// NewCID builds the canonical Chiral CID for raw data: CIDv1, raw codec
// (0x55), SHA-256 multihash.
func NewCID(data []byte) (cid.Cid, error) {
	h, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to hash block: %w", err)
	}
	return cid.NewCidV1(cid.Raw, h), nil
}

// Blockstore is a thin async adaptor from CIDs to raw bytes.
type Blockstore struct {
	mu sync.Mutex
	db *leveldb.DB
}

// Open opens a blockstore at path, or in memory when path is empty.
func Open(path string) (*Blockstore, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, &opt.Options{Strict: opt.StrictAll})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open blockstore: %w", err)
	}
	return &Blockstore{db: db}, nil
}

func blockKey(c cid.Cid) []byte {
	return append([]byte(keyPrefix), c.Bytes()...)
}

// Put stores data under c.
func (b *Blockstore) Put(ctx context.Context, c cid.Cid, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.db.Put(blockKey(c), data, nil); err != nil {
		return fmt.Errorf("failed to write block: %w", err)
	}
	return nil
}

// Get returns the bytes stored under c.
func (b *Blockstore) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	data, err := b.db.Get(blockKey(c), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read block: %w", err)
	}
	return data, nil
}

// Has reports whether a block is stored under c.
func (b *Blockstore) Has(ctx context.Context, c cid.Cid) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.db.Has(blockKey(c), nil)
}

// Remove deletes the block stored under c.
func (b *Blockstore) Remove(ctx context.Context, c cid.Cid) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.db.Delete(blockKey(c), nil); err != nil {
		return fmt.Errorf("failed to delete block: %w", err)
	}
	return nil
}

// Close releases the underlying database.
func (b *Blockstore) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.db.Close()
}
