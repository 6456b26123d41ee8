package meshcrypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// LoadOrGenerateServerKey reads an RSA private key PEM file at path, or
// generates and writes a fresh RSA-4096 key there if it doesn't exist.
// This is the server-identity-key half of spec.md §4.2's
// loadOrGenerateServerKey; its public half is published verbatim in
// every handshake response.
func LoadOrGenerateServerKey(path string) (*rsa.PrivateKey, error) {
	if data, err := os.ReadFile(path); err == nil {
		return parsePrivateKeyPEM(data)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("meshcrypto: read server key %s: %w", path, err)
	}

	key, err := rsa.GenerateKey(rand.Reader, RSAKeyBits)
	if err != nil {
		return nil, fmt.Errorf("meshcrypto: generate server key: %w", err)
	}
	if err := writePrivateKeyPEM(path, key); err != nil {
		return nil, err
	}
	return key, nil
}

func parsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("meshcrypto: failed to decode PEM block")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("meshcrypto: parse server key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("meshcrypto: server key is not RSA: %T", key)
	}
	return rsaKey, nil
}

func writePrivateKeyPEM(path string, key *rsa.PrivateKey) error {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("meshcrypto: marshal server key: %w", err)
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("meshcrypto: write server key %s: %w", path, err)
	}
	return nil
}
