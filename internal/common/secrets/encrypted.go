package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

const encryptedFileName = "secrets.enc"

// EncryptedProvider serves secrets from an AES-256-GCM encrypted file.
// It covers single-instance deployments without a secret manager: an
// operator seeds the file once with Set, the daemon resolves from it.
type EncryptedProvider struct {
	key     []byte
	dataDir string

	mu    sync.RWMutex
	store map[string]string
}

// NewEncryptedProvider opens (or initializes) the encrypted file under
// dataDir. The key is the base64 encoding of 32 random bytes.
func NewEncryptedProvider(encryptionKey, dataDir string) (*EncryptedProvider, error) {
	if encryptionKey == "" {
		return nil, fmt.Errorf("%w: encryption key is required", ErrInvalidKey)
	}
	key, err := base64.StdEncoding.DecodeString(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: not valid base64: %v", ErrInvalidKey, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: need 32 bytes for AES-256, got %d", ErrInvalidKey, len(key))
	}

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create secrets directory: %w", err)
	}

	p := &EncryptedProvider{
		key:     key,
		dataDir: dataDir,
		store:   make(map[string]string),
	}
	if err := p.load(); err != nil {
		return nil, fmt.Errorf("load secrets file: %w", err)
	}
	return p, nil
}

func (p *EncryptedProvider) Get(ctx context.Context, key string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	value, ok := p.store[key]
	if !ok {
		return "", ErrSecretNotFound
	}
	return value, nil
}

// Set seeds or replaces a secret and persists the file.
func (p *EncryptedProvider) Set(ctx context.Context, key, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.store[key] = value
	return p.persist()
}

func (p *EncryptedProvider) Name() string {
	return "encrypted"
}

func (p *EncryptedProvider) file() string {
	return filepath.Join(p.dataDir, encryptedFileName)
}

func (p *EncryptedProvider) load() error {
	ciphertext, err := os.ReadFile(p.file())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	plaintext, err := p.open(ciphertext)
	if err != nil {
		return fmt.Errorf("decrypt: %w", err)
	}
	return json.Unmarshal(plaintext, &p.store)
}

// persist writes via a temp file and rename, so a crash mid-write never
// truncates the live file
func (p *EncryptedProvider) persist() error {
	plaintext, err := json.Marshal(p.store)
	if err != nil {
		return fmt.Errorf("serialize secrets: %w", err)
	}
	ciphertext, err := p.seal(plaintext)
	if err != nil {
		return fmt.Errorf("encrypt secrets: %w", err)
	}

	tmp := p.file() + ".tmp"
	if err := os.WriteFile(tmp, ciphertext, 0600); err != nil {
		return fmt.Errorf("write secrets file: %w", err)
	}
	if err := os.Rename(tmp, p.file()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace secrets file: %w", err)
	}
	return nil
}

func (p *EncryptedProvider) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(p.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// seal prepends the nonce to the ciphertext
func (p *EncryptedProvider) seal(plaintext []byte) ([]byte, error) {
	gcm, err := p.gcm()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (p *EncryptedProvider) open(ciphertext []byte) ([]byte, error) {
	gcm, err := p.gcm()
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}
	nonce, body := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, body, nil)
}
