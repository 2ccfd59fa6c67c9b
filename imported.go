package blocksync

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	lru "github.com/hashicorp/golang-lru"
)

// ImportedSet is a bounded set of the hashes of the blocks recently imported
// or found already stored. Once full, adding a hash evicts the least
// recently added one. It is safe for concurrent use.
type ImportedSet struct {
	cache *lru.Cache
}

// A compile-time check to ensure ImportedSet implements HashSet.
var _ HashSet = (*ImportedSet)(nil)

// NewImportedSet creates a set holding up to size hashes.
func NewImportedSet(size int) (*ImportedSet, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("unable to create imported set: %w", err)
	}

	return &ImportedSet{cache: cache}, nil
}

// Add inserts the hash in the set.
func (s *ImportedSet) Add(hash chainhash.Hash) {
	s.cache.Add(hash, struct{}{})
}

// Contains returns true if the hash is in the set.
func (s *ImportedSet) Contains(hash chainhash.Hash) bool {
	return s.cache.Contains(hash)
}

// Len returns the number of hashes in the set.
func (s *ImportedSet) Len() int {
	return s.cache.Len()
}
