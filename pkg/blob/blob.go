// Package blob stores attachment bytes on the filesystem, keyed by
// attachment id, with optional AES-CBC encryption at rest. The encryption
// flag is recorded per attachment so encrypted and plain blobs coexist
// after the setting changes.
package blob

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Store reads and writes attachment blobs.
type Store struct {
	root    string
	encrypt bool
	key     []byte
}

// NewStore builds a blob store rooted at dir. When encrypt is set, writes
// are AES-256-CBC encrypted with a key derived from secret.
func NewStore(dir string, encrypt bool, secret string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("blob directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create blob directory")
	}
	s := &Store{root: dir, encrypt: encrypt}
	if encrypt {
		if secret == "" {
			return nil, errors.New("encryption key is required when encryption is enabled")
		}
		sum := sha256.Sum256([]byte(secret))
		s.key = sum[:]
	}
	return s, nil
}

func (s *Store) path(attachmentID int64) string {
	return filepath.Join(s.root, fmt.Sprintf("%d.blob", attachmentID))
}

// Write persists the blob and reports whether it was encrypted; the caller
// records the flag on the context record.
func (s *Store) Write(attachmentID int64, data []byte) (bool, error) {
	payload := data
	if s.encrypt {
		var err error
		payload, err = encryptCBC(s.key, data)
		if err != nil {
			return false, errors.Wrap(err, "failed to encrypt blob")
		}
	}
	if err := os.WriteFile(s.path(attachmentID), payload, 0o600); err != nil {
		return false, errors.Wrap(err, "failed to write blob")
	}
	return s.encrypt, nil
}

// Read loads a blob. encrypted is the per-record flag stored at write time,
// not the store's current setting.
func (s *Store) Read(attachmentID int64, encrypted bool) ([]byte, error) {
	payload, err := os.ReadFile(s.path(attachmentID))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read blob")
	}
	if !encrypted {
		return payload, nil
	}
	if s.key == nil {
		return nil, errors.New("blob is encrypted but no key is configured")
	}
	data, err := decryptCBC(s.key, payload)
	return data, errors.Wrap(err, "failed to decrypt blob")
}

// Delete removes a blob; missing blobs are not an error.
func (s *Store) Delete(attachmentID int64) error {
	err := os.Remove(s.path(attachmentID))
	if os.IsNotExist(err) {
		return nil
	}
	return errors.Wrap(err, "failed to delete blob")
}

// encryptCBC prepends a random IV and applies PKCS#7 padding.
func encryptCBC(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	padLen := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := make([]byte, len(plaintext)+padLen)
	copy(padded, plaintext)
	for i := len(plaintext); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}

	out := make([]byte, aes.BlockSize+len(padded))
	iv := out[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)
	return out, nil
}

func decryptCBC(key, payload []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(payload) < 2*aes.BlockSize || len(payload)%aes.BlockSize != 0 {
		return nil, errors.New("malformed encrypted blob")
	}
	iv, ciphertext := payload[:aes.BlockSize], payload[aes.BlockSize:]
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)

	padLen := int(plain[len(plain)-1])
	if padLen == 0 || padLen > aes.BlockSize || padLen > len(plain) {
		return nil, errors.New("invalid blob padding")
	}
	for _, b := range plain[len(plain)-padLen:] {
		if int(b) != padLen {
			return nil, errors.New("invalid blob padding")
		}
	}
	return plain[:len(plain)-padLen], nil
}
