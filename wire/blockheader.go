package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/holiman/uint256"
)

// BlockHeader defines information about a block and is used in the header
// and block messages.
type BlockHeader struct {
	// Number is the height of the block in the chain.
	Number uint64

	// ParentHash is the hash of the previous block header in the chain.
	ParentHash chainhash.Hash

	// TxTrieRoot commits to the transactions carried by the block body.
	TxTrieRoot chainhash.Hash

	// StateRoot is the root of the state trie after applying the block.
	StateRoot chainhash.Hash

	// Timestamp is the unix time the block was created.
	Timestamp int64

	// Difficulty is the difficulty target used for this block. A nil
	// value is treated as zero.
	Difficulty *uint256.Int

	// Nonce is the nonce used to generate the block.
	Nonce uint64

	// ExtraData is free-form data attached by the block producer.
	ExtraData []byte
}

// BlockNumber returns the height of the header.
func (h *BlockHeader) BlockNumber() uint64 {
	return h.Number
}

// BlockHash computes the block identifier hash for the given block header.
func (h *BlockHeader) BlockHash() chainhash.Hash {
	var buf bytes.Buffer
	buf.Grow(8 + 3*chainhash.HashSize + 8 + 32 + 8 + len(h.ExtraData))

	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], h.Number)
	buf.Write(scratch[:])
	buf.Write(h.ParentHash[:])
	buf.Write(h.TxTrieRoot[:])
	buf.Write(h.StateRoot[:])

	binary.BigEndian.PutUint64(scratch[:], uint64(h.Timestamp))
	buf.Write(scratch[:])

	var difficulty [32]byte
	if h.Difficulty != nil {
		difficulty = h.Difficulty.Bytes32()
	}
	buf.Write(difficulty[:])

	binary.BigEndian.PutUint64(scratch[:], h.Nonce)
	buf.Write(scratch[:])
	buf.Write(h.ExtraData)

	return chainhash.DoubleHashH(buf.Bytes())
}

// ShortHash returns the first six hex characters of the block hash, used
// when logging.
func (h *BlockHeader) ShortHash() string {
	hash := h.BlockHash()
	return hash.String()[:6]
}

// String returns a compact human readable form of the header.
func (h *BlockHeader) String() string {
	return fmt.Sprintf("%s #%d", h.ShortHash(), h.Number)
}
