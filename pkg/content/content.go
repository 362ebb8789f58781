// Package content is the content-addressed blob store packages are
// fetched from. Blobs are identified by the BLAKE3 digest of their bytes,
// so a store can never return different bytes for the same id.
package content

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/zeebo/blake3"

	"pkgman/pkg/types"
)

const idPrefix = "blake3-"

var (
	ErrNotFound  = errors.New("content not found")
	ErrInvalidID = errors.New("invalid content id")
	ErrTooLarge  = errors.New("content exceeds size limit")
	// ErrUnavailable reports that a remote store could not be reached.
	ErrUnavailable = errors.New("content store unavailable")
)

// Store puts and gets opaque blobs by content id.
type Store interface {
	Put(ctx context.Context, data []byte) (types.ContentID, error)
	Get(ctx context.Context, id types.ContentID) ([]byte, error)
}

// ComputeID returns the content id of data.
func ComputeID(data []byte) types.ContentID {
	sum := blake3.Sum256(data)
	return types.ContentID(idPrefix + hex.EncodeToString(sum[:]))
}

// ParseID validates id and returns its digest.
func ParseID(id types.ContentID) ([]byte, error) {
	s := string(id)
	if !strings.HasPrefix(s, idPrefix) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	digest, err := hex.DecodeString(strings.TrimPrefix(s, idPrefix))
	if err != nil || len(digest) != 32 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	return digest, nil
}

// checkID reports whether data hashes to id.
func checkID(id types.ContentID, data []byte) error {
	if got := ComputeID(data); got != id {
		return fmt.Errorf("content %s hashes to %s", id, got)
	}
	return nil
}

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps blobs in memory.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[types.ContentID][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[types.ContentID][]byte)}
}

func (s *MemoryStore) Put(ctx context.Context, data []byte) (types.ContentID, error) {
	id := ComputeID(data)
	s.mu.Lock()
	s.blobs[id] = append([]byte(nil), data...)
	s.mu.Unlock()
	return id, nil
}

func (s *MemoryStore) Get(ctx context.Context, id types.ContentID) ([]byte, error) {
	if _, err := ParseID(id); err != nil {
		return nil, err
	}
	s.mu.RLock()
	data, ok := s.blobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return append([]byte(nil), data...), nil
}

// Replace swaps the bytes stored under id without rehashing. It exists to
// simulate a misbehaving peer in tests.
func (s *MemoryStore) Replace(id types.ContentID, data []byte) {
	s.mu.Lock()
	s.blobs[id] = append([]byte(nil), data...)
	s.mu.Unlock()
}
