// Package artifact keeps exported capture records on disk: one payload file
// plus a JSON metadata sidecar per export.
package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dgnsrekt/canvas_capture/internal/protocol"
)

var (
	uuidRe   = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	formatRe = regexp.MustCompile(`^[a-z0-9]{1,8}$`)
)

var (
	// ErrNotFound is returned for ids with no stored export.
	ErrNotFound  = errors.New("artifact: not found")
	ErrInvalidID = errors.New("artifact: invalid id")
)

const defaultFormat = "webm"

// Meta describes one stored export.
type Meta struct {
	ID          string             `json:"id"`
	TabID       int                `json:"tab_id"`
	Handle      string             `json:"handle"`
	Name        string             `json:"name"`
	Format      string             `json:"format"`
	SizeBytes   int                `json:"size_bytes"`
	CreatedAt   time.Time          `json:"created_at"`
	RecordStart time.Time          `json:"record_start"`
	RecordEnd   time.Time          `json:"record_end"`
	Owner       protocol.ContextID `json:"owner,omitempty"`
	Remuxed     bool               `json:"remuxed"`
}

// Store manages export files on disk.
type Store struct {
	dir    string
	mu     sync.RWMutex
	logger *slog.Logger
}

// NewStore creates a Store and ensures the directory exists.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact store: mkdir %s: %w", dir, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dir: dir, logger: logger}, nil
}

func (s *Store) validateID(id string) error {
	if !uuidRe.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

func formatOf(name string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if !formatRe.MatchString(ext) {
		return defaultFormat
	}
	return ext
}

// Export stores a record payload and returns the new export id.
func (s *Store) Export(ctx context.Context, tabID int, info protocol.RecordInfo, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name := filepath.Base(strings.TrimSpace(info.Name))
	if name == "." || name == string(filepath.Separator) {
		name = ""
	}
	meta := Meta{
		ID:          uuid.NewString(),
		TabID:       tabID,
		Handle:      info.Handle,
		Name:        name,
		Format:      formatOf(name),
		SizeBytes:   len(data),
		CreatedAt:   time.Now().UTC(),
		RecordStart: info.Start,
		RecordEnd:   info.End,
		Owner:       info.Owner,
		Remuxed:     info.Remuxed,
	}
	if meta.Name == "" {
		meta.Name = meta.ID + "." + meta.Format
	}
	if err := s.Save(meta, data); err != nil {
		return "", err
	}
	s.logger.Info("artifact: exported", "id", meta.ID, "tab", tabID, "name", meta.Name, "bytes", meta.SizeBytes)
	return meta.ID, nil
}

// Save writes both the payload file and metadata sidecar.
func (s *Store) Save(meta Meta, payload []byte) error {
	if err := s.validateID(meta.ID); err != nil {
		return err
	}
	if !formatRe.MatchString(meta.Format) {
		return fmt.Errorf("invalid artifact format: %q", meta.Format)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dataPath := filepath.Join(s.dir, meta.ID+"."+meta.Format)
	jsonPath := filepath.Join(s.dir, meta.ID+".json")

	if err := os.WriteFile(dataPath, payload, 0o644); err != nil {
		return fmt.Errorf("artifact store: write payload: %w", err)
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		_ = os.Remove(dataPath)
		return fmt.Errorf("artifact store: marshal meta: %w", err)
	}

	if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
		_ = os.Remove(dataPath)
		return fmt.Errorf("artifact store: write meta: %w", err)
	}

	return nil
}

// Get reads export metadata by ID.
func (s *Store) Get(id string) (Meta, error) {
	if err := s.validateID(id); err != nil {
		return Meta{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(id)
}

func (s *Store) getLocked(id string) (Meta, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, id+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return Meta{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Meta{}, fmt.Errorf("artifact store: read meta: %w", err)
	}

	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, fmt.Errorf("artifact store: unmarshal meta: %w", err)
	}
	return meta, nil
}

// List returns all exports sorted by creation time (newest first). A
// negative tabID lists every tab.
func (s *Store) List(tabID int) ([]Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("artifact store: glob: %w", err)
	}

	metas := make([]Meta, 0, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var meta Meta
		if err := json.Unmarshal(data, &meta); err != nil {
			s.logger.Debug("artifact: skipping unreadable sidecar", "path", path, "error", err)
			continue
		}
		if tabID >= 0 && meta.TabID != tabID {
			continue
		}
		metas = append(metas, meta)
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].CreatedAt.After(metas[j].CreatedAt)
	})

	return metas, nil
}

// ReadPayload reads the raw payload bytes together with their metadata.
func (s *Store) ReadPayload(id string) ([]byte, Meta, error) {
	if err := s.validateID(id); err != nil {
		return nil, Meta{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, err := s.getLocked(id)
	if err != nil {
		return nil, Meta{}, err
	}
	data, err := os.ReadFile(filepath.Join(s.dir, id+"."+meta.Format))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, Meta{}, fmt.Errorf("%w: payload %s", ErrNotFound, id)
		}
		return nil, Meta{}, fmt.Errorf("artifact store: read payload: %w", err)
	}
	return data, meta, nil
}

// Delete removes both the payload and metadata files.
func (s *Store) Delete(id string) error {
	if err := s.validateID(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.getLocked(id)
	if err != nil {
		return err
	}

	if err := os.Remove(filepath.Join(s.dir, id+"."+meta.Format)); err != nil {
		s.logger.Debug("artifact payload cleanup failed", "id", id, "error", err)
	}
	if err := os.Remove(filepath.Join(s.dir, id+".json")); err != nil {
		return fmt.Errorf("artifact store: remove meta: %w", err)
	}
	return nil
}
