package config

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/scrypt"

	"sommelier/pkg/logx"
)

// Secrets file layout: [magic][salt][nonce][ciphertext+tag], AES-256-GCM keyed by scrypt.
// The magic header is authenticated as additional data.
const (
	fileMagic = "SOMMSEC1"

	saltSize  = 16
	nonceSize = 12
	scryptN   = 32768 // 2^15
	scryptR   = 8
	scryptP   = 1
	keySize   = 32
	gcmTag    = 16
)

// ErrSecretsDecrypt is returned for a wrong password or a tampered file.
var ErrSecretsDecrypt = errors.New("decryption failed (wrong password or corrupted file)")

// EncryptSecretsFile encrypts secrets with password and writes them to path with 0600
// permissions.
func EncryptSecretsFile(path, password string, secrets map[string]string) error {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, wipe, err := newGCM(password, salt)
	if err != nil {
		return err
	}
	defer wipe()

	plaintext, err := json.Marshal(secrets)
	if err != nil {
		return fmt.Errorf("failed to marshal secrets: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, []byte(fileMagic))
	zero(plaintext)

	fileData := make([]byte, 0, len(fileMagic)+saltSize+nonceSize+len(ciphertext))
	fileData = append(fileData, fileMagic...)
	fileData = append(fileData, salt...)
	fileData = append(fileData, nonce...)
	fileData = append(fileData, ciphertext...)

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create secrets directory: %w", err)
		}
	}
	if err := os.WriteFile(path, fileData, 0o600); err != nil {
		return fmt.Errorf("failed to write secrets file: %w", err)
	}
	return nil
}

// DecryptSecretsFile reads and decrypts the secrets at path. Loose permissions are tightened
// to 0600 with a warning.
func DecryptSecretsFile(path, password string) (map[string]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat secrets file: %w", err)
	}
	if info.Mode().Perm() != 0o600 {
		logx.Warnf("Secrets file %s has permissions %04o, resetting to 0600", path, info.Mode().Perm())
		if chmodErr := os.Chmod(path, 0o600); chmodErr != nil {
			return nil, fmt.Errorf("failed to fix file permissions: %w", chmodErr)
		}
	}

	fileData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets file: %w", err)
	}
	if !bytes.HasPrefix(fileData, []byte(fileMagic)) {
		return nil, fmt.Errorf("%w: not a sommelier secrets file", ErrSecretsDecrypt)
	}
	body := fileData[len(fileMagic):]
	if len(body) < saltSize+nonceSize+gcmTag {
		return nil, fmt.Errorf("%w: file too small", ErrSecretsDecrypt)
	}

	salt := body[:saltSize]
	nonce := body[saltSize : saltSize+nonceSize]
	ciphertext := body[saltSize+nonceSize:]

	gcm, wipe, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	defer wipe()

	plaintext, err := gcm.Open(nil, nonce, ciphertext, []byte(fileMagic))
	if err != nil {
		return nil, ErrSecretsDecrypt
	}
	defer zero(plaintext)

	var secrets map[string]string
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		return nil, fmt.Errorf("failed to parse secrets: %w", err)
	}
	return secrets, nil
}

// newGCM derives the key for password and salt. The returned func zeroes the key material.
func newGCM(password string, salt []byte) (cipher.AEAD, func(), error) {
	passwordBytes := []byte(password)
	key, err := scrypt.Key(passwordBytes, salt, scryptN, scryptR, scryptP, keySize)
	zero(passwordBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}
	wipe := func() { zero(key) }

	block, err := aes.NewCipher(key)
	if err != nil {
		wipe()
		return nil, nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		wipe()
		return nil, nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, wipe, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
