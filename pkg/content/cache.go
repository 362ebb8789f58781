package content

import (
	"context"
	"fmt"

	arc "github.com/hashicorp/golang-lru/arc/v2"

	"pkgman/pkg/types"
)

// Compile-time interface check.
var _ Store = (*CachedStore)(nil)

// CachedStore keeps recently fetched blobs in an adaptive replacement
// cache in front of a slower store. Blobs are immutable under their id,
// so cached entries never go stale.
type CachedStore struct {
	backend Store
	cache   *arc.ARCCache[types.ContentID, []byte]
}

// NewCachedStore caches up to size blobs from backend.
func NewCachedStore(backend Store, size int) (*CachedStore, error) {
	cache, err := arc.NewARC[types.ContentID, []byte](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob cache: %w", err)
	}
	return &CachedStore{backend: backend, cache: cache}, nil
}

func (s *CachedStore) Put(ctx context.Context, data []byte) (types.ContentID, error) {
	id, err := s.backend.Put(ctx, data)
	if err != nil {
		return "", err
	}
	s.cache.Add(id, append([]byte(nil), data...))
	return id, nil
}

func (s *CachedStore) Get(ctx context.Context, id types.ContentID) ([]byte, error) {
	if data, ok := s.cache.Get(id); ok {
		return append([]byte(nil), data...), nil
	}
	data, err := s.backend.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache.Add(id, append([]byte(nil), data...))
	return data, nil
}

// Len is the number of cached blobs.
func (s *CachedStore) Len() int {
	return s.cache.Len()
}
