// Package meshcrypto implements the cryptographic primitives the mesh
// server needs: the server's own RSA-4096 identity key, a registry of
// connected peers' public keys, session key generation and wrapping,
// and AEAD encrypt/decrypt plus sign/verify over message plaintext.
//
// Wire-bit-exact primitives (spec.md §4.2): RSA-4096 with OAEP-SHA-256
// for key wrap, AES-256-GCM with a 96-bit IV and 128-bit tag for
// content, SHA-256-with-RSA (PKCS#1v15) for signatures. All binary
// blobs on the wire are standard, padded base64.
package meshcrypto

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
)

// RSAKeyBits is the modulus size of every RSA key this server generates.
// Peer keys are accepted at whatever RSA modulus size they are presented.
const RSAKeyBits = 4096

// SessionKeyBytes is the size of an AES-256 session key.
const SessionKeyBytes = 32

// GCMNonceBytes is the size of the random IV generated per encryption.
const GCMNonceBytes = 12

// ErrBadKey is returned when a peer-presented public key cannot be
// parsed as an X.509 SubjectPublicKeyInfo RSA key.
var ErrBadKey = errors.New("meshcrypto: bad public key")

// ErrBadTag is returned when AES-GCM authentication fails on decrypt.
var ErrBadTag = errors.New("meshcrypto: bad authentication tag")

// ErrBadSignature is returned when a signature fails to verify.
var ErrBadSignature = errors.New("meshcrypto: bad signature")

// ErrUnknownPeer is returned when an operation references a connection
// that has no registered peer key.
var ErrUnknownPeer = errors.New("meshcrypto: unknown peer")

// CipherText is a ciphertext/IV pair as carried on the wire.
type CipherText struct {
	Ciphertext []byte
	IV         []byte
}

// Crypto owns the server's RSA identity key and the table of registered
// peer public keys, one per connection. It is safe for concurrent use;
// the peer key table is the only shared mutable state, guarded by a
// single mutex, since registration only happens once per connection at
// handshake time and is not on the per-message hot path.
type Crypto struct {
	serverKey *rsa.PrivateKey

	mu   sync.RWMutex
	peer map[string]*rsa.PublicKey // keyed by connectionId
}

// New generates a fresh RSA-4096 server identity key.
//
// loadOrGenerateServerKey in spec.md terms: this implementation always
// generates, since key persistence across restarts is left to the
// operator-supplied Config.KeyPath and is handled by the caller
// (cmd/meshserver) via LoadOrGenerateServerKey (keyfile.go) and NewFromKey.
func New() (*Crypto, error) {
	key, err := rsa.GenerateKey(rand.Reader, RSAKeyBits)
	if err != nil {
		return nil, fmt.Errorf("meshcrypto: generate server key: %w", err)
	}
	return &Crypto{serverKey: key, peer: make(map[string]*rsa.PublicKey)}, nil
}

// NewFromKey wraps an already-loaded RSA private key.
func NewFromKey(key *rsa.PrivateKey) *Crypto {
	return &Crypto{serverKey: key, peer: make(map[string]*rsa.PublicKey)}
}

// ServerPublicKeyBase64 returns the server's public key, X.509
// SubjectPublicKeyInfo-encoded and base64'd, for publication in the
// handshake response.
func (c *Crypto) ServerPublicKeyBase64() (string, error) {
	return encodePublicKey(&c.serverKey.PublicKey)
}

// RegisterPeerKey parses a base64 X.509 SubjectPublicKeyInfo RSA public
// key and binds it to connectionID. Called once per successful
// handshake; a connection with no registered key cannot reach
// AUTHENTICATED.
func (c *Crypto) RegisterPeerKey(connectionID, base64PubKey string) error {
	pub, err := decodePublicKey(base64PubKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	c.mu.Lock()
	c.peer[connectionID] = pub
	c.mu.Unlock()
	return nil
}

// PeerKey returns the registered public key for connectionID, if any.
func (c *Crypto) PeerKey(connectionID string) (*rsa.PublicKey, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	k, ok := c.peer[connectionID]
	return k, ok
}

// ForgetPeer erases a connection's registered public key. Called when a
// connection closes (spec.md §4.3 terminal sequence step d).
func (c *Crypto) ForgetPeer(connectionID string) {
	c.mu.Lock()
	delete(c.peer, connectionID)
	c.mu.Unlock()
}

// NewSessionKey draws a fresh 256-bit AES key from a cryptographically
// strong RNG. A new one is generated per handshake; it must never be
// reused across connections.
func NewSessionKey() ([]byte, error) {
	key := make([]byte, SessionKeyBytes)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("meshcrypto: generate session key: %w", err)
	}
	return key, nil
}

// WrapSessionKey RSA-OAEP-SHA-256 encrypts sessionKey under peerPubKey,
// returning base64.
func WrapSessionKey(sessionKey []byte, peerPubKey *rsa.PublicKey) (string, error) {
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, peerPubKey, sessionKey, nil)
	if err != nil {
		return "", fmt.Errorf("meshcrypto: wrap session key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

// EncryptMessage seals plaintext under sessionKey with a fresh random
// IV, returning base64 ciphertext and base64 IV. A new IV is drawn on
// every call; IVs must never repeat under the same key.
func EncryptMessage(plaintext []byte, sessionKey []byte) (ciphertextB64, ivB64 string, err error) {
	gcm, err := newGCM(sessionKey)
	if err != nil {
		return "", "", err
	}
	iv := make([]byte, GCMNonceBytes)
	if _, err := rand.Read(iv); err != nil {
		return "", "", fmt.Errorf("meshcrypto: generate iv: %w", err)
	}
	ct := gcm.Seal(nil, iv, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ct), base64.StdEncoding.EncodeToString(iv), nil
}

// DecryptMessage opens a base64 ciphertext/IV pair under sessionKey.
// Authentication failure returns ErrBadTag.
func DecryptMessage(ciphertextB64, ivB64 string, sessionKey []byte) ([]byte, error) {
	ct, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, fmt.Errorf("meshcrypto: decode ciphertext: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(ivB64)
	if err != nil {
		return nil, fmt.Errorf("meshcrypto: decode iv: %w", err)
	}
	gcm, err := newGCM(sessionKey)
	if err != nil {
		return nil, err
	}
	if len(iv) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: bad iv length %d", ErrBadTag, len(iv))
	}
	pt, err := gcm.Open(nil, iv, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadTag, err)
	}
	return pt, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("meshcrypto: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("meshcrypto: new gcm: %w", err)
	}
	return gcm, nil
}

// Sign signs plaintext with the server's RSA key using SHA-256-with-RSA
// (PKCS#1v15), returning base64.
func (c *Crypto) Sign(plaintext []byte) (string, error) {
	hashed := sha256.Sum256(plaintext)
	sig, err := rsa.SignPKCS1v15(rand.Reader, c.serverKey, crypto.SHA256, hashed[:])
	if err != nil {
		return "", fmt.Errorf("meshcrypto: sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks sigB64 over plaintext against peerPubKey.
func Verify(plaintext []byte, sigB64 string, peerPubKey *rsa.PublicKey) bool {
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false
	}
	hashed := sha256.Sum256(plaintext)
	return rsa.VerifyPKCS1v15(peerPubKey, crypto.SHA256, hashed[:], sig) == nil
}

// VerifyAgainstRegistered verifies a signature against the currently
// registered public key for connectionID, refusing to fall back to any
// key carried on the wire by the message itself (anti key-downgrade;
// spec.md §9).
func (c *Crypto) VerifyAgainstRegistered(connectionID string, plaintext []byte, sigB64 string) (bool, error) {
	pub, ok := c.PeerKey(connectionID)
	if !ok {
		return false, ErrUnknownPeer
	}
	return Verify(plaintext, sigB64, pub), nil
}

// EncodePublicKeyBase64 X.509 SubjectPublicKeyInfo-encodes and base64's
// pub, the same encoding used for the server's own key in the
// handshake response and expected of a client's key in HandshakeData.
func EncodePublicKeyBase64(pub *rsa.PublicKey) (string, error) {
	return encodePublicKey(pub)
}

func encodePublicKey(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("meshcrypto: marshal public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

func decodePublicKey(b64 string) (*rsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse SPKI: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA key: %T", pub)
	}
	return rsaPub, nil
}

// UnwrapSessionKeyForTest decrypts an RSA-OAEP wrapped session key with
// a private key. Exported for client-side test harnesses that exercise
// the handshake's round trip; production server code never unwraps a
// session key it wrapped for a client.
func UnwrapSessionKeyForTest(wrappedB64 string, priv *rsa.PrivateKey) ([]byte, error) {
	wrapped, err := base64.StdEncoding.DecodeString(wrappedB64)
	if err != nil {
		return nil, err
	}
	return rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
}
