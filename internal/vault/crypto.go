package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// File envelope: base64(salt[16] || iv[16] || AES-256-CBC(PKCS7(json))).
// The key is derived per file with PBKDF2-SHA256 over the passphrase and
// the stored salt. The legacy unsalted derivation is not readable and
// not produced.
const (
	saltLen    = 16
	ivLen      = aes.BlockSize
	keyLen     = 32
	pbkdf2Iter = 100_000
)

// deriveKey runs the PBKDF2 stretch. At 100k iterations this costs tens
// of milliseconds, so callers derive once per salt and reuse the key.
func deriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iter, keyLen, sha256.New)
}

func newSalt() ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("salt generation: %w", err)
	}
	return salt, nil
}

// seal encrypts plaintext under an already-derived key, embedding the
// salt that produced it so unseal can re-derive. The IV is fresh per
// call.
func seal(plaintext, key, salt []byte) (string, error) {
	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("iv generation: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("cipher init: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	env := make([]byte, 0, saltLen+ivLen+len(ct))
	env = append(env, salt...)
	env = append(env, iv...)
	env = append(env, ct...)
	return base64.StdEncoding.EncodeToString(env), nil
}

// unseal decrypts an envelope, returning the plaintext along with the
// salt and derived key so the caller can keep sealing without paying
// the key stretch again.
func unseal(envelope, passphrase string) (pt, salt, key []byte, err error) {
	raw, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("envelope is not base64: %w", err)
	}
	if len(raw) < saltLen+ivLen+aes.BlockSize {
		return nil, nil, nil, fmt.Errorf("envelope too short: %d bytes", len(raw))
	}
	salt, iv, ct := raw[:saltLen], raw[saltLen:saltLen+ivLen], raw[saltLen+ivLen:]
	if len(ct)%aes.BlockSize != 0 {
		return nil, nil, nil, fmt.Errorf("ciphertext not block-aligned")
	}

	key = deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("cipher init: %w", err)
	}
	pt = make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(pt, ct)
	pt, err = pkcs7Unpad(pt, aes.BlockSize)
	if err != nil {
		return nil, nil, nil, err
	}
	return pt, salt, key, nil
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	padded := make([]byte, len(b)+n)
	copy(padded, b)
	for i := len(b); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func pkcs7Unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length %d", len(b))
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return nil, fmt.Errorf("invalid padding byte %d", n)
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, fmt.Errorf("corrupt padding")
		}
	}
	return b[:len(b)-n], nil
}
