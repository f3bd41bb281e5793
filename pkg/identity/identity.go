// Package identity implements Chiral node identity management: Ed25519 key
// generation, deterministic derivation from a user-supplied secret, and
// persistence under the node data directory.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Identity represents a Chiral node identity backed by an Ed25519 keypair.
type Identity struct {
	PublicKey  ed25519.PublicKey  `json:"public_key"`
	PrivateKey ed25519.PrivateKey `json:"private_key"`

	// Cached peer ID string
	peerID string
}

// Generate creates a new identity with a fresh Ed25519 keypair.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate Ed25519 key pair: %w", err)
	}
	return &Identity{PublicKey: pub, PrivateKey: priv}, nil
}

// FromSecret derives a deterministic identity from an arbitrary secret
// string. The secret is hashed to 32 bytes which seed the Ed25519 keypair,
// so the same secret always produces the same peer ID.
func FromSecret(secret string) *Identity {
	seed := sha256.Sum256([]byte(secret))
	priv := ed25519.NewKeyFromSeed(seed[:])
	pub := priv.Public().(ed25519.PublicKey)
	return &Identity{PublicKey: pub, PrivateKey: priv}
}

// Libp2pKey returns the identity as a libp2p private key suitable for
// constructing a host.
func (id *Identity) Libp2pKey() (crypto.PrivKey, error) {
	priv, err := crypto.UnmarshalEd25519PrivateKey(id.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to convert identity key: %w", err)
	}
	return priv, nil
}

// PeerID returns the canonical libp2p peer ID derived from the public key.
func (id *Identity) PeerID() (string, error) {
	if id.peerID != "" {
		return id.peerID, nil
	}
	priv, err := id.Libp2pKey()
	if err != nil {
		return "", err
	}
	pid, err := peer.IDFromPublicKey(priv.GetPublic())
	if err != nil {
		return "", fmt.Errorf("failed to derive peer ID: %w", err)
	}
	id.peerID = pid.String()
	return id.peerID, nil
}

// LoadFromFile loads an identity from a JSON file.
func LoadFromFile(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}
	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("failed to parse identity file: %w", err)
	}
	if len(id.PrivateKey) != ed25519.PrivateKeySize || len(id.PublicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("identity file contains malformed keys")
	}
	return &id, nil
}

// SaveToFile persists the identity as JSON with owner-only permissions.
func (id *Identity) SaveToFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create identity directory: %w", err)
	}
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize identity: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write identity file: %w", err)
	}
	return nil
}

// LoadOrCreate loads the identity at path, creating and saving a fresh one
// if the file does not exist. When secret is non-empty the identity is
// derived from it instead and the file is ignored.
func LoadOrCreate(path string, secret string) (*Identity, error) {
	if secret != "" {
		return FromSecret(secret), nil
	}
	if _, err := os.Stat(path); err == nil {
		return LoadFromFile(path)
	}
	id, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := id.SaveToFile(path); err != nil {
		return nil, err
	}
	return id, nil
}
