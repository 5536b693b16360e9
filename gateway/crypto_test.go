package gateway

import (
	"encoding/base64"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var hexPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

func TestGenerateKeyHash(t *testing.T) {
	apiKey := "sk-1234567890abcdef"

	hash1 := GenerateKeyHash(apiKey)
	hash2 := GenerateKeyHash(apiKey)

	// 相同输入应该产生相同哈希
	assert.Equal(t, hash1, hash2)
	assert.Regexp(t, hexPattern, hash1)

	// 不同输入应该产生不同哈希
	assert.NotEqual(t, hash1, GenerateKeyHash("different-key"))
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	original := "sk-1234567890abcdef"

	encrypted, err := EncryptAPIKey(original)
	require.NoError(t, err)

	decrypted, err := DecryptAPIKey(encrypted)
	require.NoError(t, err)
	assert.Equal(t, original, decrypted)
}

func TestEncryptProducesDifferentOutputs(t *testing.T) {
	apiKey := "sk-1234567890abcdef"

	encrypted1, err := EncryptAPIKey(apiKey)
	require.NoError(t, err)
	encrypted2, err := EncryptAPIKey(apiKey)
	require.NoError(t, err)

	// 随机 nonce 保证相同明文的两次加密结果不同
	assert.NotEqual(t, encrypted1, encrypted2)

	decrypted1, err := DecryptAPIKey(encrypted1)
	require.NoError(t, err)
	decrypted2, err := DecryptAPIKey(encrypted2)
	require.NoError(t, err)
	assert.Equal(t, apiKey, decrypted1)
	assert.Equal(t, apiKey, decrypted2)
}

func TestProcessAPIKey(t *testing.T) {
	apiKey := "sk-1234567890abcdef"

	hash, encrypted, err := ProcessAPIKey(apiKey)
	require.NoError(t, err)
	assert.Equal(t, GenerateKeyHash(apiKey), hash)

	decrypted, err := DecryptAPIKey(encrypted)
	require.NoError(t, err)
	assert.Equal(t, apiKey, decrypted)
}

func TestVerifyKeyIntegrity(t *testing.T) {
	apiKey := "sk-1234567890abcdef"
	hash := GenerateKeyHash(apiKey)

	assert.True(t, VerifyKeyIntegrity(apiKey, hash))
	assert.False(t, VerifyKeyIntegrity("wrong-key", hash))
}

func TestDecryptInvalidData(t *testing.T) {
	// 无效 Base64
	_, err := DecryptAPIKey("invalid-base64!")
	assert.Error(t, err)

	// 数据太短（不足一个 nonce）
	short := base64.StdEncoding.EncodeToString([]byte("short"))
	_, err = DecryptAPIKey(short)
	assert.Error(t, err)

	// 合法 Base64 但不是有效密文
	invalid := base64.StdEncoding.EncodeToString([]byte("this_is_longer_than_twelve_bytes_but_invalid"))
	_, err = DecryptAPIKey(invalid)
	assert.Error(t, err)
}

func TestSetEncryptionKey(t *testing.T) {
	assert.Error(t, SetEncryptionKey([]byte("too short")))

	original := append([]byte(nil), encryptionKey...)
	defer func() { require.NoError(t, SetEncryptionKey(original)) }()

	newKey := []byte("another_32_byte_secret_key_....!")
	require.Len(t, newKey, 32)
	require.NoError(t, SetEncryptionKey(newKey))

	encrypted, err := EncryptAPIKey("sk-rotated")
	require.NoError(t, err)
	decrypted, err := DecryptAPIKey(encrypted)
	require.NoError(t, err)
	assert.Equal(t, "sk-rotated", decrypted)
}

func TestCryptoRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		plaintext := rapid.String().Draw(t, "plaintext")

		hash := GenerateKeyHash(plaintext)
		if !hexPattern.MatchString(hash) {
			t.Fatalf("hash %q is not 64 lowercase hex chars", hash)
		}
		if !VerifyKeyIntegrity(plaintext, hash) {
			t.Fatalf("integrity probe rejected its own input")
		}

		encrypted, err := EncryptAPIKey(plaintext)
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		decrypted, err := DecryptAPIKey(encrypted)
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if decrypted != plaintext {
			t.Fatalf("round trip mismatch: %q != %q", decrypted, plaintext)
		}
	})
}
