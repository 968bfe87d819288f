// Package crypto implements the at-rest encryption primitives: AES-256-GCM
// with AAD binding, HMAC-SHA256 token hashing, and random token generation.
// All ciphertext on disk uses the framing base64(nonce || ciphertext || tag).
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/errs"
)

// KeySize is the required key length for every key in the system.
const KeySize = 32

const nonceSize = 12

// GenerateMasterKey generates a 32-byte cryptographically secure random key.
func GenerateMasterKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, errs.Wrap(errs.ErrEncryptionFailed, fmt.Errorf("generating master key: %w", err))
	}
	return key, nil
}

// Encrypt seals plaintext with AES-256-GCM under key, binding aad into the
// authentication tag. Returns base64(nonce || ciphertext || tag).
func Encrypt(key, plaintext []byte, aad string) (string, error) {
	if len(key) != KeySize {
		return "", errs.Wrapf(errs.ErrEncryptionFailed, "encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", errs.Wrap(errs.ErrEncryptionFailed, fmt.Errorf("creating AES cipher: %w", err))
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", errs.Wrap(errs.ErrEncryptionFailed, fmt.Errorf("creating GCM: %w", err))
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errs.Wrap(errs.ErrEncryptionFailed, fmt.Errorf("generating nonce: %w", err))
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, []byte(aad))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Any mismatch (wrong key, wrong AAD, tampered
// ciphertext) fails with ErrEncryptionFailed.
func Decrypt(key []byte, ciphertextB64, aad string) ([]byte, error) {
	if len(key) != KeySize {
		return nil, errs.Wrapf(errs.ErrEncryptionFailed, "decryption key must be %d bytes, got %d", KeySize, len(key))
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, errs.Wrap(errs.ErrInvalidInput, fmt.Errorf("decoding ciphertext: %w", err))
	}
	if len(raw) < nonceSize {
		return nil, errs.Wrapf(errs.ErrInvalidInput, "ciphertext too short: %d bytes", len(raw))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.Wrap(errs.ErrEncryptionFailed, fmt.Errorf("creating AES cipher: %w", err))
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errs.Wrap(errs.ErrEncryptionFailed, fmt.Errorf("creating GCM: %w", err))
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, []byte(aad))
	if err != nil {
		return nil, errs.Wrap(errs.ErrEncryptionFailed, fmt.Errorf("decrypting: %w", err))
	}
	return plaintext, nil
}

// HashToken computes base64(HMAC-SHA256(key, token)). Used as the
// deterministic lookup key for refresh tokens; plaintext is never stored.
func HashToken(key []byte, token string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(token))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// RandomToken returns n random bytes encoded as unpadded base64url,
// suitable for authorization codes, states, and refresh tokens.
func RandomToken(n int) (string, error) {
	raw := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", errs.Wrap(errs.ErrEncryptionFailed, fmt.Errorf("generating token: %w", err))
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// UserTokenAAD is the AAD context for user OAuth tokens. The full security
// context is bound into the tag so a ciphertext cannot be replayed across
// tenants, users, or providers.
func UserTokenAAD(tenantID, userID, provider string) string {
	return tenantID + "|" + userID + "|" + provider + "|user_oauth_token"
}

// TenantCredentialsAAD is the AAD context for tenant OAuth app client secrets.
func TenantCredentialsAAD(tenantID, provider string) string {
	return tenantID + "|" + provider + "|tenant_oauth_credentials"
}

// Zero wipes key material in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
