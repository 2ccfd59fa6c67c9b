package wire

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// BlockBody holds the transactions of a block without its header. Bodies are
// requested separately once the matching headers have been validated.
type BlockBody struct {
	Transactions [][]byte
}

// Block is a header together with its body.
type Block struct {
	Header       *BlockHeader
	Transactions [][]byte
}

// NewBlock assembles a block from a header and the body delivered for it.
func NewBlock(header *BlockHeader, body *BlockBody) *Block {
	var txns [][]byte
	if body != nil {
		txns = body.Transactions
	}

	return &Block{
		Header:       header,
		Transactions: txns,
	}
}

// Hash returns the hash of the block header.
func (b *Block) Hash() chainhash.Hash {
	return b.Header.BlockHash()
}

// Number returns the height of the block.
func (b *Block) Number() uint64 {
	return b.Header.Number
}

// ParentHash returns the hash of the parent block.
func (b *Block) ParentHash() chainhash.Hash {
	return b.Header.ParentHash
}

// CalcTxRoot computes the transaction commitment stored in a header's
// TxTrieRoot for the given transactions. An empty transaction list commits
// to the zero hash.
func CalcTxRoot(txns [][]byte) chainhash.Hash {
	if len(txns) == 0 {
		return chainhash.Hash{}
	}

	leaves := make([]byte, 0, len(txns)*chainhash.HashSize)
	for _, tx := range txns {
		txHash := chainhash.DoubleHashH(tx)
		leaves = append(leaves, txHash[:]...)
	}

	return chainhash.DoubleHashH(leaves)
}
