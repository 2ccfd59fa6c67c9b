// Package headerfs persists the index of the blocks known to the local
// chain: the number of every stored block by hash, the hash of every stored
// block by number, and the highest stored number.
package headerfs

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/lightninglabs/blocksync/wire"
)

var (
	// indexBucket is the name of the top level bucket holding the block
	// index.
	indexBucket = []byte("block-index")

	// hashBucket is the sub-bucket mapping block hashes to numbers.
	hashBucket = []byte("by-hash")

	// numberBucket is the sub-bucket mapping big endian block numbers to
	// hashes.
	numberBucket = []byte("by-number")
)

var (
	// ErrBlockNotFound is returned when a block is not in the index.
	ErrBlockNotFound = errors.New("block not found")

	// ErrNilHeader is returned when a nil header is added to the index.
	ErrNilHeader = errors.New("nil header")
)

// BlockIndex is a walletdb backed index of the stored blocks.
type BlockIndex struct {
	db walletdb.DB
}

// NewBlockIndex creates the index buckets in the database if needed and
// returns the index.
func NewBlockIndex(db walletdb.DB) (*BlockIndex, error) {
	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		root, err := tx.CreateTopLevelBucket(indexBucket)
		if err != nil {
			return err
		}
		if _, err := root.CreateBucketIfNotExists(hashBucket); err != nil {
			return err
		}
		_, err = root.CreateBucketIfNotExists(numberBucket)

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create block index: %w", err)
	}

	return &BlockIndex{db: db}, nil
}

// PutHeaders adds the given headers to the index. A header stored at a
// number that is already used replaces the previous entry for that number.
func (b *BlockIndex) PutHeaders(headers ...*wire.BlockHeader) error {
	return walletdb.Update(b.db, func(tx walletdb.ReadWriteTx) error {
		root := tx.ReadWriteBucket(indexBucket)
		byHash := root.NestedReadWriteBucket(hashBucket)
		byNumber := root.NestedReadWriteBucket(numberBucket)

		for _, h := range headers {
			if h == nil {
				return ErrNilHeader
			}

			hash := h.BlockHash()
			key := numberKey(h.Number)

			// Drop the hash previously stored at this number so
			// that it is no longer reported as known.
			if old := byNumber.Get(key); old != nil {
				if err := byHash.Delete(old); err != nil {
					return err
				}
			}

			if err := byHash.Put(hash[:], key); err != nil {
				return err
			}
			if err := byNumber.Put(key, hash[:]); err != nil {
				return err
			}
		}

		return nil
	})
}

// NumberByHash returns the number of the block with the given hash.
func (b *BlockIndex) NumberByHash(hash chainhash.Hash) (uint64, error) {
	var number uint64
	err := walletdb.View(b.db, func(tx walletdb.ReadTx) error {
		byHash := tx.ReadBucket(indexBucket).NestedReadBucket(hashBucket)

		v := byHash.Get(hash[:])
		if v == nil {
			return ErrBlockNotFound
		}
		number = binary.BigEndian.Uint64(v)

		return nil
	})

	return number, err
}

// HashByNumber returns the hash of the block stored at the given number.
func (b *BlockIndex) HashByNumber(number uint64) (chainhash.Hash, error) {
	var hash chainhash.Hash
	err := walletdb.View(b.db, func(tx walletdb.ReadTx) error {
		byNumber := tx.ReadBucket(indexBucket).NestedReadBucket(
			numberBucket,
		)

		v := byNumber.Get(numberKey(number))
		if v == nil {
			return ErrBlockNotFound
		}
		copy(hash[:], v)

		return nil
	})

	return hash, err
}

// BlockExists returns true if the block with the given hash is in the index.
// Database errors are reported as a missing block.
func (b *BlockIndex) BlockExists(hash chainhash.Hash) bool {
	_, err := b.NumberByHash(hash)
	return err == nil
}

// MaxNumber returns the highest block number in the index, or zero if the
// index is empty.
func (b *BlockIndex) MaxNumber() uint64 {
	var number uint64
	_ = walletdb.View(b.db, func(tx walletdb.ReadTx) error {
		byNumber := tx.ReadBucket(indexBucket).NestedReadBucket(
			numberBucket,
		)

		k, _ := byNumber.ReadCursor().Last()
		if k != nil {
			number = binary.BigEndian.Uint64(k)
		}

		return nil
	})

	return number
}

// numberKey returns the big endian serialization of a block number, so the
// number bucket iterates in ascending order.
func numberKey(number uint64) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], number)

	return key[:]
}
