package credential

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Store persists federated credentials for the lifetime of a session, addressed by Identity key.
type Store interface {
	// Load returns the stored credential, or nil when none is stored.
	Load(key string) (*Credential, error)

	// Save stores cred under key, replacing any previous value.
	Save(key string, cred *Credential) error

	// Delete removes the credential stored under key.
	Delete(key string) error

	// Clear removes every stored credential.
	Clear() error
}

// MemoryStore keeps credentials in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]Credential
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]Credential)}
}

// Load implements Store.
func (m *MemoryStore) Load(key string) (*Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.items[key]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

// Save implements Store.
func (m *MemoryStore) Save(key string, cred *Credential) error {
	if cred == nil {
		return errors.New("credential store: nil credential")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = *cred
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

// Clear implements Store.
func (m *MemoryStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.items)
	return nil
}

// FileStore keeps credentials as YAML files in a session directory,
// one file per Identity key. Files are written with mode 0600.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore returns a FileStore rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("credential store: directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("credential store: create %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(key string) string {
	return filepath.Join(f.dir, filepath.Base(key)+".yaml")
}

// Load implements Store.
func (f *FileStore) Load(key string) (*Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, err := os.ReadFile(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("credential store: read %s: %w", key, err)
	}
	var c Credential
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("credential store: decode %s: %w", key, err)
	}
	return &c, nil
}

// Save implements Store.
func (f *FileStore) Save(key string, cred *Credential) error {
	if cred == nil {
		return errors.New("credential store: nil credential")
	}
	b, err := yaml.Marshal(cred)
	if err != nil {
		return fmt.Errorf("credential store: encode %s: %w", key, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	tmp, err := os.CreateTemp(f.dir, ".cred-*")
	if err != nil {
		return fmt.Errorf("credential store: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("credential store: write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("credential store: write %s: %w", key, err)
	}
	if err := os.Rename(tmpName, f.path(key)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("credential store: write %s: %w", key, err)
	}
	return nil
}

// Delete implements Store.
func (f *FileStore) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("credential store: delete %s: %w", key, err)
	}
	return nil
}

// Clear implements Store.
func (f *FileStore) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return fmt.Errorf("credential store: %w", err)
	}
	var errs []error
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, KeyPrefix) || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		if err := os.Remove(filepath.Join(f.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
