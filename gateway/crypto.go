package gateway

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/BaSui01/llmgate/types"
)

// encryptionKey 固定的加密密钥 —— 生产环境应通过 SetEncryptionKey 注入
// 环境变量加载的密钥，接口保持不变。
var encryptionKey = []byte("my_very_secure_32_byte_secret_k!")

const gcmNonceSize = 12

// SetEncryptionKey replaces the process-wide AES-256 key. The key must be
// exactly 32 bytes. Call once at startup, before any encrypt/decrypt.
func SetEncryptionKey(key []byte) error {
	if len(key) != 32 {
		return fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	encryptionKey = append([]byte(nil), key...)
	return nil
}

// GenerateKeyHash returns the 64-char lowercase hex SHA-256 of the raw key.
// Deterministic; used as integrity probe and dedup check.
func GenerateKeyHash(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

// EncryptAPIKey encrypts the raw key with AES-256-GCM under the process key.
// The output is base64(nonce ‖ ciphertext ‖ tag); the 12-byte nonce is drawn
// fresh from the system RNG per call, so two encryptions of the same
// plaintext differ.
func EncryptAPIKey(apiKey string) (string, error) {
	block, err := aes.NewCipher(encryptionKey)
	if err != nil {
		return "", cryptoFailure("create cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", cryptoFailure("create GCM", err)
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", cryptoFailure("generate nonce", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(apiKey), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptAPIKey reverses EncryptAPIKey. It fails when the input is not valid
// base64, is shorter than the nonce, or fails AEAD verification.
func DecryptAPIKey(encrypted string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", cryptoFailure("base64 decode", err)
	}
	if len(raw) < gcmNonceSize {
		return "", cryptoFailure("invalid encrypted data: too short", nil)
	}

	block, err := aes.NewCipher(encryptionKey)
	if err != nil {
		return "", cryptoFailure("create cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", cryptoFailure("create GCM", err)
	}

	nonce, ciphertext := raw[:gcmNonceSize], raw[gcmNonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", cryptoFailure("decrypt", err)
	}
	return string(plaintext), nil
}

// ProcessAPIKey derives the persisted pair (hash, ciphertext) from a raw key.
func ProcessAPIKey(apiKey string) (keyHash, encrypted string, err error) {
	keyHash = GenerateKeyHash(apiKey)
	encrypted, err = EncryptAPIKey(apiKey)
	if err != nil {
		return "", "", err
	}
	return keyHash, encrypted, nil
}

// VerifyKeyIntegrity reports whether the decrypted key matches the stored hash.
func VerifyKeyIntegrity(decryptedKey, storedHash string) bool {
	return GenerateKeyHash(decryptedKey) == storedHash
}

func cryptoFailure(msg string, cause error) *types.Error {
	e := types.NewError(types.ErrCryptoFailure, msg)
	if cause != nil {
		e.Cause = cause
	}
	return e
}
