package syncstats

import "fmt"

// RequestType identifies the kind of request a statistic refers to.
type RequestType uint8

const (
	// Status is a request for a peer's chain status.
	Status RequestType = iota

	// Headers is a request for a batch of block headers.
	Headers

	// Bodies is a request for the bodies matching stored headers.
	Bodies

	// Blocks is a request for full blocks.
	Blocks

	// Receipts is a request for transaction receipts.
	Receipts

	// TrieData is a request for state trie nodes.
	TrieData
)

// RequestTypes lists every RequestType in declaration order.
var RequestTypes = []RequestType{
	Status, Headers, Bodies, Blocks, Receipts, TrieData,
}

// String returns the RequestType in human-readable form.
func (r RequestType) String() string {
	switch r {
	case Status:
		return "status"
	case Headers:
		return "headers"
	case Bodies:
		return "bodies"
	case Blocks:
		return "blocks"
	case Receipts:
		return "receipts"
	case TrieData:
		return "trie_data"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(r))
	}
}

// BlockKind distinguishes the block counters kept per peer.
type BlockKind uint8

const (
	// Received counts blocks assembled from a peer's responses.
	Received BlockKind = iota

	// Imported counts blocks that became part of the local chain.
	Imported

	// Stored counts blocks kept aside because their parent was missing.
	Stored
)

// BlockKinds lists every BlockKind in declaration order.
var BlockKinds = []BlockKind{Received, Imported, Stored}

// String returns the BlockKind in human-readable form.
func (k BlockKind) String() string {
	switch k {
	case Received:
		return "received"
	case Imported:
		return "imported"
	case Stored:
		return "stored"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// PeerShare is the fraction of all requests sent to a single peer.
type PeerShare struct {
	DisplayID string
	Share     float64
}

// PeerCount is a counter value for a single peer.
type PeerCount struct {
	DisplayID string
	Count     uint64
}
