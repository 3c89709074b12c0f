package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"CandleFlow/pkg/cache"
)

// CacheCursorStore keeps backfill cursors in a cache.Service (Redis in
// production, memory for single-process runs).
type CacheCursorStore struct {
	cache cache.Service
	ttl   time.Duration
}

// NewCacheCursorStore creates a cursor store. ttl 0 keeps cursors forever.
func NewCacheCursorStore(c cache.Service, ttl time.Duration) *CacheCursorStore {
	return &CacheCursorStore{cache: c, ttl: ttl}
}

func (s *CacheCursorStore) Load(ctx context.Context, key string) (int64, bool, error) {
	v, err := s.cache.Get(ctx, key)
	if err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("load cursor %s: %w", key, err)
	}
	ns, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("cursor %s: bad value %q: %w", key, v, err)
	}
	return ns, true, nil
}

func (s *CacheCursorStore) Save(ctx context.Context, key string, cursorNs int64) error {
	if err := s.cache.Set(ctx, key, strconv.FormatInt(cursorNs, 10), s.ttl); err != nil {
		return fmt.Errorf("save cursor %s: %w", key, err)
	}
	return nil
}
