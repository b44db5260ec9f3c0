// Package crypto encrypts operator signing keys at rest with AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ErrSignerMismatch is returned when a decrypted key does not belong to the
// expected signer address.
var ErrSignerMismatch = errors.New("decrypted key does not match signer")

// Cipher handles AES-256-GCM encryption/decryption.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates a Cipher from a hex-encoded 32-byte key.
// Returns nil if key is empty (encryption disabled).
func NewCipher(hexKey string) (*Cipher, error) {
	if hexKey == "" {
		return nil, nil
	}

	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decoding hex key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext bound to aad and returns base64 ciphertext with the
// nonce prepended. A nil Cipher returns plaintext unchanged.
func (c *Cipher) Encrypt(plaintext string, aad []byte) (string, error) {
	if c == nil {
		return plaintext, nil
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	ciphertext := c.aead.Seal(nonce, nonce, []byte(plaintext), aad)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt opens base64 ciphertext sealed with the same aad. A nil Cipher
// returns ciphertext unchanged.
func (c *Cipher) Decrypt(ciphertext string, aad []byte) (string, error) {
	if c == nil {
		return ciphertext, nil
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decoding base64: %w", err)
	}

	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, sealed, aad)
	if err != nil {
		return "", fmt.Errorf("decrypting: %w", err)
	}

	return string(plaintext), nil
}

// SealKey encrypts an operator signing key. The ciphertext is bound to the
// key's address, so it cannot be swapped onto another operator row.
func (c *Cipher) SealKey(key *ecdsa.PrivateKey) (common.Address, string, error) {
	signer := ethcrypto.PubkeyToAddress(key.PublicKey)
	sealed, err := c.Encrypt(hex.EncodeToString(ethcrypto.FromECDSA(key)), signer.Bytes())
	if err != nil {
		return common.Address{}, "", err
	}
	return signer, sealed, nil
}

// OpenKey decrypts a key sealed by SealKey and checks it belongs to signer.
func (c *Cipher) OpenKey(sealed string, signer common.Address) (*ecdsa.PrivateKey, error) {
	raw, err := c.Decrypt(sealed, signer.Bytes())
	if err != nil {
		return nil, err
	}
	key, err := ethcrypto.HexToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing signing key: %w", err)
	}
	if ethcrypto.PubkeyToAddress(key.PublicKey) != signer {
		return nil, ErrSignerMismatch
	}
	return key, nil
}
