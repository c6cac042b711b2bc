// Package vault stores the small set of named secrets the agent needs
// across restarts: OAuth tokens, the in-flight PKCE handshake, the client
// secret and the pinned site. Secrets live in the operating system keyring
// by default, with a file-backed fallback for hosts without a usable
// keyring daemon.
package vault

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/zalando/go-keyring"
)

// Well-known secret names. Callers use these constants rather than ad-hoc
// strings so ClearAll can enumerate everything the agent ever writes.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeyTokenExpiry  = "token_expiry"
	KeyPKCEVerifier = "pkce_verifier"
	KeyPKCEState    = "pkce_state"
	KeyClientSecret = "client_secret"
	KeySiteID       = "site_id"
)

// knownKeys is every name a Vault may hold. ClearAll deletes exactly this
// set; a key added above must be added here too.
var knownKeys = []string{
	KeyAccessToken,
	KeyRefreshToken,
	KeyTokenExpiry,
	KeyPKCEVerifier,
	KeyPKCEState,
	KeyClientSecret,
	KeySiteID,
}

// Vault is a flat string-to-string secret store.
//
// Get returns ("", nil) for a key that has never been set; absence is not
// an error. Set with an empty value is equivalent to Delete, so callers
// can unconditionally assign without leaving stale entries behind.
type Vault interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
	ClearAll() error
}

// service is the keyring service name all entries are filed under.
const service = "wattbar"

// Keyring stores secrets in the operating system credential store
// (Keychain on macOS, Secret Service on Linux, Credential Manager on
// Windows).
type Keyring struct{}

var _ Vault = (*Keyring)(nil)

// NewKeyring returns a Vault backed by the OS keyring.
func NewKeyring() *Keyring {
	return &Keyring{}
}

func (k *Keyring) Get(key string) (string, error) {
	v, err := keyring.Get(service, key)
	if err != nil {
		if err == keyring.ErrNotFound {
			return "", nil
		}
		return "", fmt.Errorf("keyring get %s: %w", key, err)
	}
	return v, nil
}

func (k *Keyring) Set(key, value string) error {
	if value == "" {
		return k.Delete(key)
	}
	// Some keyring daemons refuse to overwrite in place.
	_ = keyring.Delete(service, key)
	if err := keyring.Set(service, key, value); err != nil {
		return fmt.Errorf("keyring set %s: %w", key, err)
	}
	return nil
}

func (k *Keyring) Delete(key string) error {
	if err := keyring.Delete(service, key); err != nil && err != keyring.ErrNotFound {
		return fmt.Errorf("keyring delete %s: %w", key, err)
	}
	return nil
}

// ClearAll removes every known entry. Missing entries are not an error, so
// a second ClearAll is a no-op.
func (k *Keyring) ClearAll() error {
	for _, key := range knownKeys {
		if err := k.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// File stores secrets as a JSON object in a 0600 file. It exists for
// headless hosts and containers where no keyring daemon is reachable; the
// file is rewritten atomically on every change.
type File struct {
	mu   sync.Mutex
	path string
}

var _ Vault = (*File)(nil)

// NewFile returns a Vault persisted at path. The parent directory is
// created on first write.
func NewFile(path string) *File {
	return &File{path: path}
}

func (f *File) Get(key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := f.load()
	if err != nil {
		return "", err
	}
	return entries[key], nil
}

func (f *File) Set(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := f.load()
	if err != nil {
		return err
	}
	if value == "" {
		delete(entries, key)
	} else {
		entries[key] = value
	}
	return f.store(entries)
}

func (f *File) Delete(key string) error {
	return f.Set(key, "")
}

func (f *File) ClearAll() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.store(map[string]string{})
}

// load reads the backing file. A missing or unreadable file yields an
// empty map so first use needs no setup step.
func (f *File) load() (map[string]string, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("vault read %s: %w", f.path, err)
	}
	entries := map[string]string{}
	if err := json.Unmarshal(raw, &entries); err != nil {
		// A corrupt file is unrecoverable; start over rather than wedge
		// every credential operation.
		return map[string]string{}, nil
	}
	return entries, nil
}

// store writes entries to a temp file in the target directory and renames
// it into place, so readers never observe a partial write.
func (f *File) store(entries map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("vault mkdir: %w", err)
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("vault encode: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".vault-*")
	if err != nil {
		return fmt.Errorf("vault temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("vault write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("vault close: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("vault chmod: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("vault rename: %w", err)
	}
	return nil
}

// Memory is an in-process Vault for tests.
type Memory struct {
	mu      sync.Mutex
	entries map[string]string
}

var _ Vault = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{entries: map[string]string{}}
}

func (m *Memory) Get(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[key], nil
}

func (m *Memory) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if value == "" {
		delete(m.entries, key)
	} else {
		m.entries[key] = value
	}
	return nil
}

func (m *Memory) Delete(key string) error {
	return m.Set(key, "")
}

func (m *Memory) ClearAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = map[string]string{}
	return nil
}
