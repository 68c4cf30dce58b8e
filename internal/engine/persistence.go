package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/celerix-dev/celerix-charts/internal/vault"
	"github.com/celerix-dev/celerix-charts/pkg/chart"
)

const (
	plainExt  = ".json"
	sealedExt = ".sealed"
)

// Persistence handles the disk I/O for the MemStore.
// Each owner is one file holding {"<kind>": <user_chart_data>, ...}.
type Persistence struct {
	DataDir string
	mu      sync.Mutex // Protects concurrent writes to the filesystem
	sealKey []byte
	logger  *slog.Logger
}

// PersistenceOption configures a Persistence.
type PersistenceOption func(*Persistence)

// WithSealKey encrypts owner files at rest with AES-256-GCM.
// Owner files contain email addresses.
func WithSealKey(key []byte) PersistenceOption {
	return func(p *Persistence) {
		p.sealKey = key
	}
}

// WithLogger sets the logger used for skipped files.
func WithLogger(l *slog.Logger) PersistenceOption {
	return func(p *Persistence) {
		p.logger = l
	}
}

// NewPersistence initializes a persistence handler.
func NewPersistence(dir string, opts ...PersistenceOption) (*Persistence, error) {
	p := &Persistence{DataDir: dir, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	if p.sealKey != nil && len(p.sealKey) != 32 {
		return nil, fmt.Errorf("seal key must be 32 bytes, got %d", len(p.sealKey))
	}
	// Ensure the data directory exists
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Persistence) ext() string {
	if p.sealKey != nil {
		return sealedExt
	}
	return plainExt
}

// SaveOwner writes a single owner's charts atomically.
// An empty map removes the owner's file.
func (p *Persistence) SaveOwner(owner string, data map[chart.Kind]*chart.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	filePath := filepath.Join(p.DataDir, url.PathEscape(owner)+p.ext())
	if len(data) == 0 {
		if err := os.Remove(filePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	tempPath := filePath + ".tmp"

	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	if p.sealKey != nil {
		sealed, err := vault.Encrypt(string(bytes), p.sealKey)
		if err != nil {
			return err
		}
		bytes = []byte(sealed)
	}

	// Write to a temporary file first, then rename over the old one so a
	// crash leaves either the old file or the new one.
	if err := os.WriteFile(tempPath, bytes, 0o600); err != nil {
		return err
	}
	return os.Rename(tempPath, filePath)
}

// LoadAll returns all owner data found in the data directory.
// Unreadable or corrupted files are logged and skipped.
func (p *Persistence) LoadAll() (map[string]map[chart.Kind]*chart.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	allData := make(map[string]map[chart.Kind]*chart.Record)

	files, err := os.ReadDir(p.DataDir)
	if err != nil {
		return nil, err
	}

	for _, file := range files {
		name := file.Name()
		if file.IsDir() || filepath.Ext(name) != p.ext() {
			continue
		}
		owner, err := url.PathUnescape(strings.TrimSuffix(name, p.ext()))
		if err != nil {
			p.logger.Warn("skipping chart file with invalid name", "file", name, "error", err)
			continue
		}

		records, err := p.readOwner(filepath.Join(p.DataDir, name))
		if err != nil {
			p.logger.Warn("skipping unreadable chart file", "file", name, "error", err)
			continue
		}
		valid := make(map[chart.Kind]*chart.Record, len(records))
		for kind, rec := range records {
			if rec == nil || rec.Owner != owner || rec.Kind != kind {
				p.logger.Warn("skipping mismatched chart record", "file", name, "kind", kind)
				continue
			}
			if err := rec.Validate(); err != nil {
				p.logger.Warn("skipping invalid chart record", "file", name, "kind", kind, "error", err)
				continue
			}
			valid[kind] = rec
		}
		if len(valid) > 0 {
			allData[owner] = valid
		}
	}
	return allData, nil
}

func (p *Persistence) readOwner(path string) (map[chart.Kind]*chart.Record, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if p.sealKey != nil {
		plain, err := vault.Decrypt(strings.TrimSpace(string(content)), p.sealKey)
		if err != nil {
			return nil, err
		}
		content = []byte(plain)
	}
	var records map[chart.Kind]*chart.Record
	if err := json.Unmarshal(content, &records); err != nil {
		return nil, err
	}
	return records, nil
}
