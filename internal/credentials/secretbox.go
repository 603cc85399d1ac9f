package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
)

// secretBox encrypts key material at rest under a single gateway-cluster
// secret, AES-256-GCM with the nonce prepended to the ciphertext — the same
// scheme as the teacher's SecretsManager (pkg/security/secrets.go), adapted
// to encrypt NVMe-oF key bytes rather than arbitrary cluster secrets.
type secretBox struct {
	key []byte // 32 bytes, AES-256
}

func newSecretBox(key []byte) (*secretBox, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("credentials: encryption key must be 32 bytes for AES-256, got %d", len(key))
	}
	return &secretBox{key: key}, nil
}

// DeriveClusterKey derives a 32-byte AES key from a cluster-wide secret
// string (e.g. a join token or a configured passphrase).
func DeriveClusterKey(clusterSecret string) []byte {
	hash := sha256.Sum256([]byte(clusterSecret))
	return hash[:]
}

func (b *secretBox) seal(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return nil, fmt.Errorf("credentials: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credentials: new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("credentials: generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (b *secretBox) open(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return nil, fmt.Errorf("credentials: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credentials: new gcm: %w", err)
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("credentials: ciphertext too short")
	}
	nonce, body := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("credentials: decrypt: %w", err)
	}
	return plaintext, nil
}
