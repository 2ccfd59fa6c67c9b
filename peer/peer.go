// Package peer describes the view the synchronization engine has of the
// connected peers and the primitive used to message them.
package peer

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/holiman/uint256"
	"github.com/lightninglabs/blocksync/wire"
)

// Node is a snapshot of an active peer as reported by the transport layer.
type Node struct {
	// ID is the handle used to address the peer.
	ID int

	// DisplayID is a short identifier used in logs and statistics.
	DisplayID string

	// BestNumber is the highest block number the peer has claimed.
	BestNumber uint64

	// BestHash is the hash of the peer's claimed best block.
	BestHash chainhash.Hash

	// TotalDifficulty is the total difficulty of the peer's chain. Nil if
	// the peer has not reported it yet.
	TotalDifficulty *uint256.Int
}

// String returns the display identifier together with the peer handle.
func (n *Node) String() string {
	return fmt.Sprintf("%s (id=%d)", n.DisplayID, n.ID)
}

// HasTotalDifficulty returns true if the peer's reported total difficulty is
// at least td.
func (n *Node) HasTotalDifficulty(td *uint256.Int) bool {
	if n.TotalDifficulty == nil {
		return false
	}
	if td == nil {
		return true
	}

	return n.TotalDifficulty.Cmp(td) >= 0
}

// Registry is the peer registry maintained by the transport layer.
type Registry interface {
	// ActiveNodes returns a snapshot of the currently active peers keyed
	// by their ID.
	ActiveNodes() map[int]*Node

	// Send queues the message for delivery to the given peer. Delivery is
	// asynchronous and failures are handled by the transport.
	Send(peerID int, displayID string, msg wire.Message)

	// ErrCheck reports that the given peer sent malformed data so the
	// transport can apply its penalty policy.
	ErrCheck(peerID int, displayID string)
}
