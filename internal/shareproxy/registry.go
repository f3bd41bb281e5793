// Package shareproxy implements the relay-side share registry and HTTP
// reverse proxy. The relay never stores file bytes: it keeps a mapping
// from share tokens to the origin URL of the owner's local server and
// forwards drive requests there in real time.
package shareproxy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// registryDir and registryFile locate the persisted registry under the
// relay data directory.
const (
	registryDir  = "chiral-relay-shares"
	registryFile = "registry.json"
)

// Registration maps one share token to its owner's origin.
type Registration struct {
	Token        string `json:"token"`
	OriginURL    string `json:"origin_url"`
	OwnerWallet  string `json:"owner_wallet"`
	RegisteredAt int64  `json:"registered_at"`
}

type persistedRegistry struct {
	Shares []Registration `json:"shares"`
}

// Registry is the relay's only persistent state.
type Registry struct {
	mu     sync.RWMutex
	shares map[string]Registration
	path   string
	log    *logrus.Entry
}

// NewRegistry creates a registry persisted under dataDir.
func NewRegistry(dataDir string) *Registry {
	return &Registry{
		shares: make(map[string]Registration),
		path:   filepath.Join(dataDir, registryDir, registryFile),
		log:    logrus.WithField("component", "relay-share"),
	}
}

// Load reads the persisted registry from disk. A missing file is an empty
// registry, not an error.
func (r *Registry) Load() error {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read share registry: %w", err)
	}
	var persisted persistedRegistry
	if err := json.Unmarshal(data, &persisted); err != nil {
		return fmt.Errorf("failed to parse share registry: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range persisted.Shares {
		r.shares[s.Token] = s
	}
	r.log.WithField("shares", len(r.shares)).Info("loaded share registrations")
	return nil
}

func (r *Registry) persistLocked() error {
	persisted := persistedRegistry{Shares: make([]Registration, 0, len(r.shares))}
	for _, s := range r.shares {
		persisted.Shares = append(persisted.Shares, s)
	}
	data, err := json.MarshalIndent(&persisted, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode share registry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("failed to create registry dir: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write share registry: %w", err)
	}
	return os.Rename(tmp, r.path)
}

// Register upserts a share and persists the registry.
func (r *Registry) Register(reg Registration) error {
	if reg.Token == "" || reg.OriginURL == "" {
		return fmt.Errorf("token and origin_url are required")
	}
	if reg.RegisteredAt == 0 {
		reg.RegisteredAt = time.Now().Unix()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shares[reg.Token] = reg
	return r.persistLocked()
}

// Unregister removes a share. Returns false when the token is unknown.
func (r *Registry) Unregister(token string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.shares[token]; !ok {
		return false, nil
	}
	delete(r.shares, token)
	return true, r.persistLocked()
}

// Lookup resolves a token to its registration.
func (r *Registry) Lookup(token string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.shares[token]
	return reg, ok
}

// Len returns the number of registered shares.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.shares)
}
