// Package settings persists per-surface capture settings. A surface is keyed
// by the structural address of its frame plus its path inside that frame, so
// settings survive reloads and frame re-creation.
package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"

	"github.com/dgnsrekt/canvas_capture/internal/protocol"
)

var ErrNotFound = errors.New("settings: not found")

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = db.Close()
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	if err := ApplyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Load returns every stored surface setting of one frame, keyed by surface
// path.
func (s *Store) Load(ctx context.Context, frameAddress string) (map[string]protocol.Settings, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT surface_path, fps, bits_per_second, delay_seconds, timer_seconds, has_timer, auto_reload, remux
FROM surface_settings
WHERE frame_address = ?
`, frameAddress)
	if err != nil {
		return nil, fmt.Errorf("query settings: %w", err)
	}
	defer rows.Close()

	out := map[string]protocol.Settings{}
	for rows.Next() {
		var (
			path                          string
			v                             protocol.Settings
			hasTimer, autoReload, remuxed int
		)
		if err := rows.Scan(&path, &v.FPS, &v.BitsPerSecond, &v.DelaySeconds, &v.TimerSeconds, &hasTimer, &autoReload, &remuxed); err != nil {
			return nil, fmt.Errorf("scan settings: %w", err)
		}
		v.HasTimer = hasTimer != 0
		v.AutoReload = autoReload != 0
		v.Remux = remuxed != 0
		out[path] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate settings: %w", err)
	}
	return out, nil
}

// Get returns one surface's settings.
func (s *Store) Get(ctx context.Context, frameAddress, surfacePath string) (protocol.Settings, error) {
	all, err := s.Load(ctx, frameAddress)
	if err != nil {
		return protocol.Settings{}, err
	}
	v, ok := all[surfacePath]
	if !ok {
		return protocol.Settings{}, ErrNotFound
	}
	return v, nil
}

func (s *Store) Save(ctx context.Context, frameAddress, surfacePath string, v protocol.Settings) error {
	surfacePath = strings.TrimSpace(surfacePath)
	if surfacePath == "" {
		return fmt.Errorf("surface_path is required")
	}
	v = v.Normalize()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO surface_settings(frame_address, surface_path, fps, bits_per_second, delay_seconds, timer_seconds, has_timer, auto_reload, remux, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(frame_address, surface_path) DO UPDATE SET
	fps=excluded.fps,
	bits_per_second=excluded.bits_per_second,
	delay_seconds=excluded.delay_seconds,
	timer_seconds=excluded.timer_seconds,
	has_timer=excluded.has_timer,
	auto_reload=excluded.auto_reload,
	remux=excluded.remux,
	updated_at=excluded.updated_at
`, frameAddress, surfacePath, v.FPS, v.BitsPerSecond, v.DelaySeconds, v.TimerSeconds,
		boolToInt(v.HasTimer), boolToInt(v.AutoReload), boolToInt(v.Remux), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert settings: %w", err)
	}
	return nil
}

// Delete forgets one surface's settings.
func (s *Store) Delete(ctx context.Context, frameAddress, surfacePath string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM surface_settings WHERE frame_address = ? AND surface_path = ?`, frameAddress, surfacePath)
	if err != nil {
		return fmt.Errorf("delete settings: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// LoadDefaults reads the capture defaults from a YAML file. Fields the file
// leaves out keep protocol.DefaultSettings values. A missing file is not an
// error.
func LoadDefaults(path string) (protocol.Settings, error) {
	def := protocol.DefaultSettings()
	if strings.TrimSpace(path) == "" {
		return def, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return def, nil
	}
	if err != nil {
		return def, fmt.Errorf("settings: read defaults: %w", err)
	}
	if err := yaml.Unmarshal(data, &def); err != nil {
		return protocol.DefaultSettings(), fmt.Errorf("settings: parse defaults %s: %w", path, err)
	}
	return def.Normalize(), nil
}
