// internal/utils/crypto.go
package utils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

// SealedPrefix 标记已加密的字段值
const SealedPrefix = "enc:v1:"

func newGCM(secret string) (cipher.AEAD, error) {
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt AES-GCM 加密，密钥由 secret 的 SHA-256 派生，nonce 放在密文前
func Encrypt(plaintext, secret string) (string, error) {
	gcm, err := newGCM(secret)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt 解密 Encrypt 的输出
func Decrypt(ciphertext, secret string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}

	gcm, err := newGCM(secret)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, body := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// SealSecret 加密配置中的敏感字段。secret 或 value 为空时原样返回。
func SealSecret(value, secret string) (string, error) {
	if value == "" || secret == "" || strings.HasPrefix(value, SealedPrefix) {
		return value, nil
	}
	sealed, err := Encrypt(value, secret)
	if err != nil {
		return "", err
	}
	return SealedPrefix + sealed, nil
}

// OpenSecret 还原 SealSecret 的结果，未加密的值原样返回
func OpenSecret(value, secret string) (string, error) {
	if !strings.HasPrefix(value, SealedPrefix) {
		return value, nil
	}
	if secret == "" {
		return "", fmt.Errorf("value is encrypted but no secret is configured")
	}
	return Decrypt(strings.TrimPrefix(value, SealedPrefix), secret)
}
