// Package blob holds recorded payloads behind revocable handles. A handle is
// owned by exactly one capture record and must be revoked exactly once.
package blob

import (
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const handlePrefix = "blob:"

// maxRevoked bounds how many revoked handles are remembered for double
// revoke detection. Older ones report ErrUnknownHandle.
const maxRevoked = 4096

var (
	ErrRevoked       = errors.New("blob: handle revoked")
	ErrUnknownHandle = errors.New("blob: unknown handle")
)

// Handle is a revocable reference to payload bytes.
type Handle string

// Valid reports whether h has the handle shape.
func (h Handle) Valid() bool {
	_, err := uuid.Parse(strings.TrimPrefix(string(h), handlePrefix))
	return strings.HasPrefix(string(h), handlePrefix) && err == nil
}

// Store maps handles to payloads.
type Store struct {
	mu      sync.Mutex
	live    map[Handle][]byte
	revoked map[Handle]bool
	order   []Handle
	limit   int
	logger  *slog.Logger
}

func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		live:    make(map[Handle][]byte),
		revoked: make(map[Handle]bool),
		limit:   maxRevoked,
		logger:  logger,
	}
}

// Put takes ownership of data and returns a fresh handle.
func (s *Store) Put(data []byte) Handle {
	h := Handle(handlePrefix + uuid.NewString())
	s.mu.Lock()
	s.live[h] = data
	s.mu.Unlock()
	return h
}

// Get returns the payload. Callers must not modify it.
func (s *Store) Get(h Handle) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if data, ok := s.live[h]; ok {
		return data, nil
	}
	if s.revoked[h] {
		return nil, ErrRevoked
	}
	return nil, ErrUnknownHandle
}

// Copy returns a private copy of the payload, safe to hand to another
// context.
func (s *Store) Copy(h Handle) ([]byte, error) {
	data, err := s.Get(h)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), data...), nil
}

// Size returns the payload length.
func (s *Store) Size(h Handle) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live[h])
}

// Revoke releases the payload. A second revoke of the same handle is a
// defect: it is refused and logged.
func (s *Store) Revoke(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live[h]; ok {
		delete(s.live, h)
		s.remember(h)
		return nil
	}
	if s.revoked[h] {
		s.logger.Error("blob revoked twice", "handle", h)
		return ErrRevoked
	}
	return ErrUnknownHandle
}

func (s *Store) remember(h Handle) {
	s.revoked[h] = true
	s.order = append(s.order, h)
	if len(s.order) > s.limit {
		delete(s.revoked, s.order[0])
		s.order[0] = ""
		s.order = s.order[1:]
	}
}

// Live returns the number of unrevoked handles.
func (s *Store) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}
