package crypto

import (
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

func testKey(t *testing.T) string {
	t.Helper()
	// Fixed 32-byte key for deterministic tests.
	return hex.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
}

func TestRoundtrip(t *testing.T) {
	c, err := NewCipher(testKey(t))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	original := "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	aad := []byte("signer")
	encrypted, err := c.Encrypt(original, aad)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if encrypted == original {
		t.Fatal("encrypted text should differ from plaintext")
	}

	decrypted, err := c.Decrypt(encrypted, aad)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}

	if decrypted != original {
		t.Errorf("roundtrip failed: got %q, want %q", decrypted, original)
	}
}

func TestDifferentCiphertexts(t *testing.T) {
	c, err := NewCipher(testKey(t))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	plaintext := "same input"
	enc1, err := c.Encrypt(plaintext, nil)
	if err != nil {
		t.Fatalf("Encrypt 1: %v", err)
	}
	enc2, err := c.Encrypt(plaintext, nil)
	if err != nil {
		t.Fatalf("Encrypt 2: %v", err)
	}

	if enc1 == enc2 {
		t.Error("two encryptions of the same plaintext should produce different ciphertexts (random nonce)")
	}

	// Both should decrypt to the same value.
	dec1, _ := c.Decrypt(enc1, nil)
	dec2, _ := c.Decrypt(enc2, nil)
	if dec1 != dec2 {
		t.Error("both ciphertexts should decrypt to the same plaintext")
	}
}

func TestNilCipherPassthrough(t *testing.T) {
	var c *Cipher

	text := "deadbeef"
	encrypted, err := c.Encrypt(text, nil)
	if err != nil {
		t.Fatalf("nil Encrypt: %v", err)
	}
	if encrypted != text {
		t.Errorf("nil Encrypt should return plaintext unchanged, got %q", encrypted)
	}

	decrypted, err := c.Decrypt(text, nil)
	if err != nil {
		t.Fatalf("nil Decrypt: %v", err)
	}
	if decrypted != text {
		t.Errorf("nil Decrypt should return ciphertext unchanged, got %q", decrypted)
	}
}

func TestEmptyKeyReturnsNil(t *testing.T) {
	c, err := NewCipher("")
	if err != nil {
		t.Fatalf("NewCipher with empty key: %v", err)
	}
	if c != nil {
		t.Error("NewCipher with empty key should return nil")
	}
}

func TestInvalidKeyLength(t *testing.T) {
	// 16-byte key (too short for AES-256).
	short := hex.EncodeToString([]byte("0123456789abcdef"))
	_, err := NewCipher(short)
	if err == nil {
		t.Error("expected error for 16-byte key")
	}
	if !strings.Contains(err.Error(), "32 bytes") {
		t.Errorf("error should mention 32 bytes, got: %v", err)
	}

	// Invalid hex.
	_, err = NewCipher("not-hex")
	if err == nil {
		t.Error("expected error for invalid hex")
	}
}

func TestDecryptInvalidData(t *testing.T) {
	c, err := NewCipher(testKey(t))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	// Not base64.
	_, err = c.Decrypt("!!!not-base64!!!", nil)
	if err == nil {
		t.Error("expected error for invalid base64")
	}

	// Valid base64 but too short.
	_, err = c.Decrypt("YQ==", nil)
	if err == nil {
		t.Error("expected error for too-short ciphertext")
	}

	// Valid base64, correct length, but tampered.
	encrypted, _ := c.Encrypt("hello", nil)
	tampered := []byte(encrypted)
	// Flip a character in the middle of the base64 string.
	if tampered[len(tampered)/2] == 'A' {
		tampered[len(tampered)/2] = 'B'
	} else {
		tampered[len(tampered)/2] = 'A'
	}
	_, err = c.Decrypt(string(tampered), nil)
	if err == nil {
		t.Error("expected error for tampered ciphertext")
	}
}

func TestWrongAADFails(t *testing.T) {
	c, err := NewCipher(testKey(t))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	encrypted, err := c.Encrypt("secret", []byte("a"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := c.Decrypt(encrypted, []byte("b")); err == nil {
		t.Error("expected error when associated data differs")
	}
}

func TestSealAndOpenKey(t *testing.T) {
	c, err := NewCipher(testKey(t))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	signer, sealed, err := c.SealKey(key)
	if err != nil {
		t.Fatalf("SealKey: %v", err)
	}
	if signer != ethcrypto.PubkeyToAddress(key.PublicKey) {
		t.Errorf("signer mismatch: got %s", signer.Hex())
	}
	if strings.Contains(sealed, hex.EncodeToString(ethcrypto.FromECDSA(key))) {
		t.Fatal("sealed key should not contain the raw key")
	}

	got, err := c.OpenKey(sealed, signer)
	if err != nil {
		t.Fatalf("OpenKey: %v", err)
	}
	if !got.Equal(key) {
		t.Error("opened key differs from the original")
	}

	// Bound to the signer address.
	other := common.HexToAddress("0x0000000000000000000000000000000000000bad")
	if _, err := c.OpenKey(sealed, other); err == nil {
		t.Error("expected error opening a key under another signer")
	}
}

func TestOpenKeyNilCipherChecksSigner(t *testing.T) {
	var c *Cipher
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	_, sealed, err := c.SealKey(key)
	if err != nil {
		t.Fatalf("SealKey: %v", err)
	}

	other := common.HexToAddress("0x0000000000000000000000000000000000000bad")
	_, err = c.OpenKey(sealed, other)
	if !errors.Is(err, ErrSignerMismatch) {
		t.Errorf("expected ErrSignerMismatch, got %v", err)
	}
}
