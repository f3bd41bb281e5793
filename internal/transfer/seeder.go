package transfer

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"

	"github.com/chiral-network/chiral-network/pkg/chunkstore"
	"github.com/chiral-network/chiral-network/pkg/manifest"
	"github.com/chiral-network/chiral-network/pkg/protocol"
)

// memoryPathPrefix marks shared files whose bytes live in memory rather
// than on disk (published from raw data).
const memoryPathPrefix = "memory:"

// SharedFile is one file this node seeds.
type SharedFile struct {
	Hash         string   `json:"hash"`
	AbsolutePath string   `json:"absolutePath"`
	FileName     string   `json:"fileName"`
	FileSize     uint64   `json:"fileSize"`
	PriceWei     *big.Int `json:"priceWei"`
	PayeeWallet  string   `json:"payeeWallet"`

	data []byte // set for memory-backed files
}

// Seeder owns the shared-file registry and answers file-pull and file-push
// requests on the host.
type Seeder struct {
	mu        sync.RWMutex
	files     map[string]*SharedFile
	manifests map[string]*manifest.FileManifest

	store *chunkstore.Store
	log   *logrus.Entry

	// pushPolicy decides inbound file-push offers. The default accepts
	// and caches the bytes pending user action, so the sender always
	// gets an answer on the wire.
	pushPolicy func(req *protocol.FilePushRequest) (bool, string)

	pushMu   sync.Mutex
	received map[string][]byte

	signalMu      sync.RWMutex
	signalHandler protocol.OfferHandler
}

// NewSeeder creates a seeder backed by the chunk store.
func NewSeeder(store *chunkstore.Store) *Seeder {
	s := &Seeder{
		files:     make(map[string]*SharedFile),
		manifests: make(map[string]*manifest.FileManifest),
		store:     store,
		received:  make(map[string][]byte),
		log:       logrus.WithField("component", "seeder"),
	}
	s.pushPolicy = func(*protocol.FilePushRequest) (bool, string) { return true, "" }
	return s
}

// Register adds (or refreshes) a shared file. A price above zero requires
// a payee wallet.
func (s *Seeder) Register(file SharedFile, m *manifest.FileManifest) error {
	if file.PriceWei != nil && file.PriceWei.Sign() > 0 && file.PayeeWallet == "" {
		return fmt.Errorf("wallet address is required when setting a file price")
	}
	if !strings.HasPrefix(file.AbsolutePath, memoryPathPrefix) {
		if _, err := os.Stat(file.AbsolutePath); err != nil {
			return fmt.Errorf("file no longer exists: %s", file.AbsolutePath)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[file.Hash] = &file
	if m != nil {
		s.manifests[file.Hash] = m
	}
	return nil
}

// RegisterData shares raw in-memory bytes (browser-originated transfers).
func (s *Seeder) RegisterData(hash, fileName string, data []byte, priceWei *big.Int, payeeWallet string) error {
	file := SharedFile{
		Hash:         hash,
		AbsolutePath: memoryPathPrefix + hash,
		FileName:     fileName,
		FileSize:     uint64(len(data)),
		PriceWei:     priceWei,
		PayeeWallet:  payeeWallet,
		data:         data,
	}
	if err := s.Register(file, nil); err != nil {
		return err
	}
	return nil
}

// Unregister stops seeding a hash.
func (s *Seeder) Unregister(hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, hash)
	delete(s.manifests, hash)
}

// Lookup returns the shared file for hash.
func (s *Seeder) Lookup(hash string) (*SharedFile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.files[hash]
	return f, ok
}

// List returns all shared files.
func (s *Seeder) List() []SharedFile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SharedFile, 0, len(s.files))
	for _, f := range s.files {
		out = append(out, *f)
	}
	return out
}

// SetPushPolicy overrides the inbound file-push decision.
func (s *Seeder) SetPushPolicy(policy func(req *protocol.FilePushRequest) (bool, string)) {
	if policy != nil {
		s.pushPolicy = policy
	}
}

// ReceivedPush returns (and removes) cached bytes from an accepted push.
func (s *Seeder) ReceivedPush(transferID string) ([]byte, bool) {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()
	data, ok := s.received[transferID]
	delete(s.received, transferID)
	return data, ok
}

// Attach installs the seeder's protocol handlers on h.
func (s *Seeder) Attach(h host.Host) {
	protocol.HandleEcho(h)

	protocol.HandleJSON(h, protocol.FilePullID,
		func() interface{} { return new(protocol.FilePullRequest) },
		func(remote peer.ID, req interface{}) (interface{}, error) {
			return s.handlePull(remote, req.(*protocol.FilePullRequest)), nil
		})

	protocol.HandleJSON(h, protocol.FilePushID,
		func() interface{} { return new(protocol.FilePushRequest) },
		func(remote peer.ID, req interface{}) (interface{}, error) {
			return s.handlePush(remote, req.(*protocol.FilePushRequest)), nil
		})

	protocol.HandleSignaling(h, func(remote peer.ID, offer *protocol.WebRTCOffer) *protocol.WebRTCAnswer {
		s.signalMu.RLock()
		handler := s.signalHandler
		s.signalMu.RUnlock()
		if handler == nil {
			return nil
		}
		return handler(remote, offer)
	})
}

// SetSignalHandler installs the WebRTC offer handler. Until one is set,
// inbound offers are answered with a signalling-unavailable error.
func (s *Seeder) SetSignalHandler(handler protocol.OfferHandler) {
	s.signalMu.Lock()
	defer s.signalMu.Unlock()
	s.signalHandler = handler
}

// handlePull serves whole files and single sealed chunks.
func (s *Seeder) handlePull(remote peer.ID, req *protocol.FilePullRequest) *protocol.FilePullResponse {
	resp := &protocol.FilePullResponse{
		RequestID:  req.RequestID,
		FileHash:   req.FileHash,
		ChunkIndex: req.ChunkIndex,
	}

	s.mu.RLock()
	file, ok := s.files[req.FileHash]
	m := s.manifests[req.FileHash]
	s.mu.RUnlock()
	if !ok {
		resp.Error = protocol.NotFoundError
		return resp
	}
	resp.FileName = file.FileName

	if req.ChunkIndex < 0 {
		data, err := s.wholeFile(file)
		if err != nil {
			s.log.WithField("hash", req.FileHash).WithError(err).Warn("failed to read shared file")
			resp.Error = protocol.NotFoundError
			return resp
		}
		resp.FileData = data
		return resp
	}

	if m == nil || req.ChunkIndex >= len(m.Chunks) {
		resp.Error = protocol.NotFoundError
		return resp
	}
	hash, err := m.Chunks[req.ChunkIndex].HashBytes()
	if err != nil {
		resp.Error = protocol.NotFoundError
		return resp
	}
	sealed, err := s.store.GetSealed(hash)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"hash":  req.FileHash,
			"chunk": req.ChunkIndex,
			"peer":  remote.String(),
		}).WithError(err).Warn("sealed chunk unavailable")
		resp.Error = protocol.NotFoundError
		return resp
	}
	resp.FileData = sealed
	return resp
}

func (s *Seeder) wholeFile(file *SharedFile) ([]byte, error) {
	if strings.HasPrefix(file.AbsolutePath, memoryPathPrefix) {
		if file.data == nil {
			return nil, fmt.Errorf("memory-backed file has no data")
		}
		return file.data, nil
	}
	return os.ReadFile(file.AbsolutePath)
}

// handlePush applies the push policy and caches accepted bytes.
func (s *Seeder) handlePush(remote peer.ID, req *protocol.FilePushRequest) *protocol.FilePushResponse {
	accepted, reason := s.pushPolicy(req)
	if accepted {
		s.pushMu.Lock()
		s.received[req.TransferID] = req.FileData
		s.pushMu.Unlock()
		s.log.WithFields(logrus.Fields{
			"transfer": req.TransferID,
			"name":     req.FileName,
			"bytes":    len(req.FileData),
			"peer":     remote.String(),
		}).Info("accepted pushed file")
	}
	return &protocol.FilePushResponse{
		TransferID: req.TransferID,
		Accepted:   accepted,
		Error:      reason,
	}
}

// MarshalRegistry serialises the shared-file list for persistence across
// restarts.
func (s *Seeder) MarshalRegistry() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	files := make([]SharedFile, 0, len(s.files))
	for _, f := range s.files {
		if strings.HasPrefix(f.AbsolutePath, memoryPathPrefix) {
			continue // memory-backed shares do not survive restarts
		}
		files = append(files, *f)
	}
	return json.Marshal(files)
}
