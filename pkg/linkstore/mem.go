package linkstore

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultMemStoreSize = 1024

var _ Store = &MemStore{}

// MemStore holds the most recent links in memory.
type MemStore struct {
	cache *lru.Cache[string, Record]
}

func NewMemStore(size int) *MemStore {
	if size <= 0 {
		size = DefaultMemStoreSize
	}
	cache, err := lru.New[string, Record](size)
	if err != nil {
		panic(err)
	}
	return &MemStore{cache: cache}
}

func (s *MemStore) Put(ctx context.Context, r Record) error {
	s.cache.Add(r.OutboundID, r)
	return nil
}

func (s *MemStore) List(ctx context.Context, limit int) ([]Record, error) {
	keys := s.cache.Keys()
	var ret []Record
	for i := len(keys) - 1; i >= 0; i-- {
		if limit > 0 && len(ret) >= limit {
			break
		}
		if r, ok := s.cache.Peek(keys[i]); ok {
			ret = append(ret, r)
		}
	}
	return ret, nil
}

func (s *MemStore) Len() int {
	return s.cache.Len()
}

func (s *MemStore) Close() error {
	s.cache.Purge()
	return nil
}
