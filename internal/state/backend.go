package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrUnsupportedBackend is returned for unknown DSN schemes.
var ErrUnsupportedBackend = errors.New("unsupported state backend")

// Backend persists whole watermark snapshots. Save must be atomic: a reader
// never observes a partially written snapshot.
type Backend interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, snapshot Snapshot) error
	Close() error
}

// OpenBackend builds a backend from a DSN. A bare path or file:// selects the
// JSON file backend; memory://, postgres:// and sqlite:// select the others.
func OpenBackend(dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty dsn", ErrUnsupportedBackend)
	}
	parsed, err := url.Parse(dsn)
	if err != nil || parsed.Scheme == "" {
		return NewFileBackend(dsn), nil
	}
	switch strings.ToLower(parsed.Scheme) {
	case "file":
		return NewFileBackend(dsnPath(parsed)), nil
	case "memory", "mem", "inmem":
		return NewMemoryBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresBackend(dsn), nil
	case "sqlite", "sqlite3":
		return NewSQLiteBackend(dsnPath(parsed)), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, parsed.Scheme)
	}
}

func dsnPath(u *url.URL) string {
	if u.Opaque != "" {
		return u.Opaque
	}
	return u.Host + u.Path
}

// FileBackend stores the snapshot as a JSON object in a single file,
// replaced with temp-file-plus-rename on every save.
type FileBackend struct {
	Path string
}

// NewFileBackend creates a file backend at path.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{Path: path}
}

// Load reads the snapshot. A missing or empty file is an empty snapshot.
func (b *FileBackend) Load(context.Context) (Snapshot, error) {
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Snapshot{}, nil
		}
		return nil, err
	}
	return decodeSnapshot(data)
}

// Save writes the snapshot atomically.
func (b *FileBackend) Save(_ context.Context, snapshot Snapshot) error {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return writeFileAtomic(b.Path, data, 0o644)
}

// Close is a no-op.
func (b *FileBackend) Close() error { return nil }

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}

// MemoryBackend keeps a cloned snapshot in memory. Useful for tests and for
// running without durable state.
type MemoryBackend struct {
	mu       sync.Mutex
	snapshot Snapshot
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (b *MemoryBackend) Load(context.Context) (Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshot.Clone(), nil
}

func (b *MemoryBackend) Save(_ context.Context, snapshot Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = snapshot.Clone()
	return nil
}

func (b *MemoryBackend) Close() error { return nil }

func decodeSnapshot(data []byte) (Snapshot, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return Snapshot{}, nil
	}
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if snapshot == nil {
		snapshot = Snapshot{}
	}
	return snapshot, nil
}
