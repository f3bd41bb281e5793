// Package keyexchange implements end-to-end encryption key management:
// X25519 ECDH, HKDF-SHA256 key derivation and AES-256-GCM sealing. It is
// used to seal per-file AES keys for a recipient and to derive a stable
// encryption identity from a wallet private key.
package keyexchange

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Domain separators. hkdfInfo binds derived keys to this protocol version;
// walletDerivationTag keeps wallet-derived encryption keys distinct from any
// other use of the wallet key.
const (
	hkdfInfo            = "chiral-network-v2-e2ee"
	walletDerivationTag = "chiral-encryption-key-derivation"
)

// NonceSize is the AES-GCM nonce length in bytes.
const NonceSize = 12

// KeySize is the X25519/AES key length in bytes.
const KeySize = 32

var (
	// ErrMalformedBundle indicates the bundle could not be decoded.
	ErrMalformedBundle = errors.New("malformed encrypted bundle")
	// ErrAuthFail indicates the AEAD authentication tag did not verify,
	// typically because the wrong recipient key was used.
	ErrAuthFail = errors.New("decryption failed: authentication error")
)

// Bundle carries everything a recipient needs to recover a sealed payload:
// the sender's ephemeral public key, the ciphertext and the GCM nonce. All
// fields are hex-encoded for JSON transport.
type Bundle struct {
	EphemeralPublicKey string `json:"ephemeralPublicKey"`
	Ciphertext         string `json:"ciphertext"`
	Nonce              string `json:"nonce"`
}

// Keypair is an X25519 keypair used to receive sealed payloads.
type Keypair struct {
	secret [KeySize]byte
	public [KeySize]byte
}

// GenerateKeypair creates a new random X25519 keypair.
func GenerateKeypair() (*Keypair, error) {
	var secret [KeySize]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return nil, fmt.Errorf("failed to generate secret key: %w", err)
	}
	return FromSecretBytes(secret)
}

// FromSecretBytes builds a keypair from existing secret key bytes.
func FromSecretBytes(secret [KeySize]byte) (*Keypair, error) {
	pub, err := curve25519.X25519(secret[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	kp := &Keypair{secret: secret}
	copy(kp.public[:], pub)
	return kp, nil
}

// FromWalletKey derives a deterministic keypair from a wallet private key.
// The same wallet key always yields the same encryption identity.
func FromWalletKey(walletPrivateKey []byte) (*Keypair, error) {
	h := sha256.New()
	h.Write([]byte(walletDerivationTag))
	h.Write(walletPrivateKey)
	var secret [KeySize]byte
	copy(secret[:], h.Sum(nil))
	return FromSecretBytes(secret)
}

// PublicKeyBytes returns the public key.
func (kp *Keypair) PublicKeyBytes() [KeySize]byte {
	return kp.public
}

// PublicKeyHex returns the public key hex-encoded for sharing.
func (kp *Keypair) PublicKeyHex() string {
	return hex.EncodeToString(kp.public[:])
}

// SecretKeyBytes returns the raw secret key bytes.
func (kp *Keypair) SecretKeyBytes() [KeySize]byte {
	return kp.secret
}

// deriveSymmetricKey runs HKDF-SHA256 over the ECDH shared secret with the
// ephemeral public key as salt.
func deriveSymmetricKey(shared, ephemeralPub []byte) ([]byte, error) {
	kdf := hkdf.New(sha256.New, shared, ephemeralPub, []byte(hkdfInfo))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("HKDF expansion failed: %w", err)
	}
	return key, nil
}

// EncryptForRecipient seals plaintext for the holder of recipientPublicKey.
// Every call uses a fresh ephemeral keypair and nonce, so identical
// plaintexts produce different bundles.
func EncryptForRecipient(plaintext []byte, recipientPublicKey [KeySize]byte) (*Bundle, error) {
	var ephSecret [KeySize]byte
	if _, err := rand.Read(ephSecret[:]); err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	ephPub, err := curve25519.X25519(ephSecret[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive ephemeral public key: %w", err)
	}

	shared, err := curve25519.X25519(ephSecret[:], recipientPublicKey[:])
	if err != nil {
		return nil, fmt.Errorf("ECDH failed: %w", err)
	}

	key, err := deriveSymmetricKey(shared, ephPub)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to init GCM: %w", err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	return &Bundle{
		EphemeralPublicKey: hex.EncodeToString(ephPub),
		Ciphertext:         hex.EncodeToString(ciphertext),
		Nonce:              hex.EncodeToString(nonce),
	}, nil
}

// EncryptForRecipientHex is EncryptForRecipient with a hex-encoded public key.
func EncryptForRecipientHex(plaintext []byte, recipientPublicKeyHex string) (*Bundle, error) {
	raw, err := hex.DecodeString(recipientPublicKeyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid public key hex: %v", ErrMalformedBundle, err)
	}
	if len(raw) != KeySize {
		return nil, fmt.Errorf("%w: public key must be %d bytes", ErrMalformedBundle, KeySize)
	}
	var pub [KeySize]byte
	copy(pub[:], raw)
	return EncryptForRecipient(plaintext, pub)
}

// Decrypt opens a bundle with the recipient keypair. A wrong keypair yields
// ErrAuthFail; undecodable bundles yield ErrMalformedBundle.
func Decrypt(bundle *Bundle, kp *Keypair) ([]byte, error) {
	ephPub, err := hex.DecodeString(bundle.EphemeralPublicKey)
	if err != nil || len(ephPub) != KeySize {
		return nil, fmt.Errorf("%w: bad ephemeral public key", ErrMalformedBundle)
	}
	ciphertext, err := hex.DecodeString(bundle.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ciphertext", ErrMalformedBundle)
	}
	nonce, err := hex.DecodeString(bundle.Nonce)
	if err != nil || len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: bad nonce", ErrMalformedBundle)
	}

	shared, err := curve25519.X25519(kp.secret[:], ephPub)
	if err != nil {
		return nil, fmt.Errorf("ECDH failed: %w", err)
	}

	key, err := deriveSymmetricKey(shared, ephPub)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to init GCM: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthFail
	}
	return plaintext, nil
}
