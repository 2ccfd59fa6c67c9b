package headerfs

import (
	"math"

	"github.com/btcsuite/btcwallet/walletdb"
)

// TruncateAbove removes every block with a number higher than the given one
// from the index. This can be used in the case of a re-org to remove the
// blocks of the abandoned branch before the new one is stored. It returns
// the number of removed blocks.
func (b *BlockIndex) TruncateAbove(number uint64) (int, error) {
	if number == math.MaxUint64 {
		return 0, nil
	}

	var removed int
	err := walletdb.Update(b.db, func(tx walletdb.ReadWriteTx) error {
		root := tx.ReadWriteBucket(indexBucket)
		byHash := root.NestedReadWriteBucket(hashBucket)
		byNumber := root.NestedReadWriteBucket(numberBucket)

		// Collect the entries first, since the bucket must not be
		// modified while a cursor walks it.
		var keys, hashes [][]byte
		cursor := byNumber.ReadCursor()
		k, v := cursor.Seek(numberKey(number + 1))
		for ; k != nil; k, v = cursor.Next() {
			keys = append(keys, append([]byte(nil), k...))
			hashes = append(hashes, append([]byte(nil), v...))
		}

		for i := range keys {
			if err := byHash.Delete(hashes[i]); err != nil {
				return err
			}
			if err := byNumber.Delete(keys[i]); err != nil {
				return err
			}
		}
		removed = len(keys)

		return nil
	})

	return removed, err
}
