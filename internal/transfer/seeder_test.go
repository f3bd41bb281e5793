package transfer

import (
	"bytes"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/chiral-network/chiral-network/pkg/chunkstore"
	"github.com/chiral-network/chiral-network/pkg/keyexchange"
	"github.com/chiral-network/chiral-network/pkg/manifest"
	"github.com/chiral-network/chiral-network/pkg/protocol"
)

func newTestSeeder(t *testing.T) (*Seeder, *chunkstore.Store) {
	t.Helper()
	store, err := chunkstore.Open(chunkstore.DefaultConfig(""))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewSeeder(store), store
}

func publishFixture(t *testing.T, store *chunkstore.Store, size int) (string, []byte, *manifest.FileManifest) {
	t.Helper()
	recipient, err := keyexchange.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	data := bytes.Repeat([]byte("chiral"), size/6+1)[:size]
	path := filepath.Join(t.TempDir(), "shared.bin")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m, err := manifest.SplitAndEncrypt(path, recipient.PublicKeyBytes(), store)
	if err != nil {
		t.Fatalf("SplitAndEncrypt: %v", err)
	}
	return path, data, m
}

func TestRegisterRequiresWalletForPricedFiles(t *testing.T) {
	s, store := newTestSeeder(t)
	path, _, m := publishFixture(t, store, 100)

	err := s.Register(SharedFile{
		Hash:         m.MerkleRoot,
		AbsolutePath: path,
		FileName:     "shared.bin",
		FileSize:     m.FileSize,
		PriceWei:     big.NewInt(100),
	}, m)
	if err == nil {
		t.Error("priced file without payee wallet was accepted")
	}

	err = s.Register(SharedFile{
		Hash:         m.MerkleRoot,
		AbsolutePath: path,
		FileName:     "shared.bin",
		FileSize:     m.FileSize,
		PriceWei:     big.NewInt(100),
		PayeeWallet:  "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
	}, m)
	if err != nil {
		t.Errorf("Register failed: %v", err)
	}
}

func TestRegisterRejectsMissingFile(t *testing.T) {
	s, _ := newTestSeeder(t)
	err := s.Register(SharedFile{
		Hash:         "abc",
		AbsolutePath: "/does/not/exist",
		FileName:     "gone.bin",
	}, nil)
	if err == nil {
		t.Error("missing file was registered")
	}
}

func TestPullWholeFile(t *testing.T) {
	s, store := newTestSeeder(t)
	path, data, m := publishFixture(t, store, 5000)

	if err := s.Register(SharedFile{
		Hash:         m.MerkleRoot,
		AbsolutePath: path,
		FileName:     "shared.bin",
		FileSize:     m.FileSize,
	}, m); err != nil {
		t.Fatalf("Register: %v", err)
	}

	resp := s.handlePull(peer.ID(""), &protocol.FilePullRequest{
		RequestID:  "r1",
		FileHash:   m.MerkleRoot,
		ChunkIndex: -1,
	})
	if resp.Error != "" {
		t.Fatalf("pull error: %s", resp.Error)
	}
	if !bytes.Equal(resp.FileData, data) {
		t.Error("whole-file pull returned different bytes")
	}
	if resp.FileName != "shared.bin" {
		t.Errorf("FileName = %s", resp.FileName)
	}
}

func TestPullChunkReturnsSealedBytes(t *testing.T) {
	s, store := newTestSeeder(t)
	path, _, m := publishFixture(t, store, manifest.ChunkSize+100)

	if err := s.Register(SharedFile{
		Hash:         m.MerkleRoot,
		AbsolutePath: path,
		FileName:     "shared.bin",
		FileSize:     m.FileSize,
	}, m); err != nil {
		t.Fatalf("Register: %v", err)
	}

	resp := s.handlePull(peer.ID(""), &protocol.FilePullRequest{
		RequestID:  "r2",
		FileHash:   m.MerkleRoot,
		ChunkIndex: 1,
	})
	if resp.Error != "" {
		t.Fatalf("pull error: %s", resp.Error)
	}

	hash, _ := m.Chunks[1].HashBytes()
	sealed, err := store.GetSealed(hash)
	if err != nil {
		t.Fatalf("GetSealed: %v", err)
	}
	if !bytes.Equal(resp.FileData, sealed) {
		t.Error("chunk pull did not return the stored sealed form")
	}

	// Out-of-range chunk index.
	resp = s.handlePull(peer.ID(""), &protocol.FilePullRequest{
		RequestID:  "r3",
		FileHash:   m.MerkleRoot,
		ChunkIndex: len(m.Chunks),
	})
	if resp.Error != protocol.NotFoundError {
		t.Errorf("out-of-range pull error = %q", resp.Error)
	}
}

func TestPullUnknownHash(t *testing.T) {
	s, _ := newTestSeeder(t)
	resp := s.handlePull(peer.ID(""), &protocol.FilePullRequest{
		RequestID: "r4",
		FileHash:  "deadbeef",
	})
	if resp.Error != protocol.NotFoundError {
		t.Errorf("unknown hash error = %q, want %q", resp.Error, protocol.NotFoundError)
	}
}

func TestPushDefaultPolicyAcceptsAndCaches(t *testing.T) {
	s, _ := newTestSeeder(t)

	resp := s.handlePush(peer.ID(""), &protocol.FilePushRequest{
		TransferID: "t1",
		FileName:   "drop.txt",
		FileData:   []byte("pushed bytes"),
	})
	if !resp.Accepted {
		t.Fatal("default policy declined a push")
	}

	data, ok := s.ReceivedPush("t1")
	if !ok || string(data) != "pushed bytes" {
		t.Errorf("ReceivedPush = (%q, %v)", data, ok)
	}
	// Consumed on read.
	if _, ok := s.ReceivedPush("t1"); ok {
		t.Error("push bytes were not consumed")
	}
}

func TestPushPolicyDecline(t *testing.T) {
	s, _ := newTestSeeder(t)
	s.SetPushPolicy(func(*protocol.FilePushRequest) (bool, string) {
		return false, "transfers disabled"
	})

	resp := s.handlePush(peer.ID(""), &protocol.FilePushRequest{TransferID: "t2"})
	if resp.Accepted {
		t.Error("declined push reported accepted")
	}
	if resp.Error != "transfers disabled" {
		t.Errorf("Error = %q", resp.Error)
	}
	if _, ok := s.ReceivedPush("t2"); ok {
		t.Error("declined push was cached")
	}
}

func TestUnregisterStopsServing(t *testing.T) {
	s, store := newTestSeeder(t)
	path, _, m := publishFixture(t, store, 100)
	if err := s.Register(SharedFile{
		Hash:         m.MerkleRoot,
		AbsolutePath: path,
		FileName:     "shared.bin",
		FileSize:     m.FileSize,
	}, m); err != nil {
		t.Fatalf("Register: %v", err)
	}

	s.Unregister(m.MerkleRoot)
	resp := s.handlePull(peer.ID(""), &protocol.FilePullRequest{FileHash: m.MerkleRoot, ChunkIndex: -1})
	if resp.Error != protocol.NotFoundError {
		t.Errorf("unregistered hash still served: %q", resp.Error)
	}
}

func TestMemoryBackedShare(t *testing.T) {
	s, _ := newTestSeeder(t)
	if err := s.RegisterData("hash123", "mem.bin", []byte("in memory"), nil, ""); err != nil {
		t.Fatalf("RegisterData: %v", err)
	}

	resp := s.handlePull(peer.ID(""), &protocol.FilePullRequest{FileHash: "hash123", ChunkIndex: -1})
	if resp.Error != "" || string(resp.FileData) != "in memory" {
		t.Errorf("memory share pull = (%q, %q)", resp.FileData, resp.Error)
	}

	// Memory shares are excluded from the persisted registry.
	reg, err := s.MarshalRegistry()
	if err != nil {
		t.Fatalf("MarshalRegistry: %v", err)
	}
	if bytes.Contains(reg, []byte("hash123")) {
		t.Error("memory-backed share persisted to registry")
	}
}
