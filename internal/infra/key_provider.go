package infra

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/eliteGoblin/devorch/internal/domain"
)

const (
	keyFileName = "history.key"
	keySize     = 32 // SQLCipher raw key

	// KeyEnvVar overrides the key file with a hex-encoded key.
	KeyEnvVar = "DEVORCH_HISTORY_KEY"
)

// ErrInsecureKeyFile is returned when the key file is readable by others.
var ErrInsecureKeyFile = errors.New("key file permissions are too open")

// FileKeyProvider stores the history database key base64-encoded in the
// data directory, readable only by the owner.
type FileKeyProvider struct {
	keyPath string
}

// NewFileKeyProvider creates a FileKeyProvider for the given data directory.
func NewFileKeyProvider(dataDir string) *FileKeyProvider {
	return &FileKeyProvider{
		keyPath: filepath.Join(dataDir, keyFileName),
	}
}

// Path returns the key file location.
func (p *FileKeyProvider) Path() string { return p.keyPath }

// GetKey reads the key, refusing files with group or world access.
func (p *FileKeyProvider) GetKey() ([]byte, error) {
	info, err := os.Stat(p.keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat key file: %w", err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		return nil, fmt.Errorf("%s has mode %o: %w", p.keyPath, info.Mode().Perm(), ErrInsecureKeyFile)
	}
	encoded, err := os.ReadFile(p.keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(encoded)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode key: %w", err)
	}
	return checkKeySize(key)
}

// StoreKey writes the key with 0600 permissions.
func (p *FileKeyProvider) StoreKey(key []byte) error {
	if _, err := checkKeySize(key); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.keyPath), 0o700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(p.keyPath, []byte(encoded), 0o600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// KeyExists checks if the key file exists.
func (p *FileKeyProvider) KeyExists() bool {
	_, err := os.Stat(p.keyPath)
	return err == nil
}

// EnvKeyProvider reads a hex key from an environment variable. It cannot
// store keys.
type EnvKeyProvider struct {
	name string
}

// NewEnvKeyProvider reads the key from the named variable.
func NewEnvKeyProvider(name string) *EnvKeyProvider {
	return &EnvKeyProvider{name: name}
}

func (p *EnvKeyProvider) GetKey() ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(p.name))
	if raw == "" {
		return nil, fmt.Errorf("%s is not set", p.name)
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", p.name, err)
	}
	return checkKeySize(key)
}

func (p *EnvKeyProvider) StoreKey([]byte) error {
	return fmt.Errorf("%s is read-only", p.name)
}

func (p *EnvKeyProvider) KeyExists() bool {
	return strings.TrimSpace(os.Getenv(p.name)) != ""
}

// ResolveKeyProvider prefers the KeyEnvVar override and falls back to the
// key file in dataDir.
func ResolveKeyProvider(dataDir string) domain.KeyProvider {
	if env := NewEnvKeyProvider(KeyEnvVar); env.KeyExists() {
		return env
	}
	return NewFileKeyProvider(dataDir)
}

// GenerateKey creates a new random 256-bit key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}
	return key, nil
}

// EnsureKey returns the stored key, generating and storing one on first use.
func EnsureKey(provider domain.KeyProvider) ([]byte, error) {
	if provider.KeyExists() {
		return provider.GetKey()
	}
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := provider.StoreKey(key); err != nil {
		return nil, err
	}
	return key, nil
}

func checkKeySize(key []byte) ([]byte, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(key), keySize)
	}
	return key, nil
}

var (
	_ domain.KeyProvider = (*FileKeyProvider)(nil)
	_ domain.KeyProvider = (*EnvKeyProvider)(nil)
)
