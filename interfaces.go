package blocksync

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/holiman/uint256"
	"github.com/lightninglabs/blocksync/wire"
)

var (
	// ErrNilChain is returned when a component is created without a
	// chain.
	ErrNilChain = errors.New("nil chain")

	// ErrNilRegistry is returned when a component is created without a
	// peer registry.
	ErrNilRegistry = errors.New("nil peer registry")

	// ErrNilValidator is returned when a component is created without a
	// header validator.
	ErrNilValidator = errors.New("nil header validator")

	// ErrNilFastSync is returned when the trie import is created without
	// a fast sync manager.
	ErrNilFastSync = errors.New("nil fast sync manager")

	// ErrNilImportedSet is returned when a component is created without
	// the set of imported blocks.
	ErrNilImportedSet = errors.New("nil imported block set")

	// ErrNilTrieNode is returned when a trie node wrapper is created from a
	// nil response.
	ErrNilTrieNode = errors.New("nil trie data response")
)

// ImportResult is the outcome of connecting a block to the local chain.
type ImportResult uint8

const (
	// ImportedBest means the block was imported and is the new best block.
	ImportedBest ImportResult = iota

	// ImportedNotBest means the block was imported on a side chain.
	ImportedNotBest

	// Exist means the block was already stored.
	Exist

	// NoParent means the parent of the block is unknown.
	NoParent

	// Invalid means the block failed validation.
	Invalid
)

// IsStored returns true if the block is in the chain after the import.
func (r ImportResult) IsStored() bool {
	switch r {
	case ImportedBest, ImportedNotBest, Exist:
		return true
	default:
		return false
	}
}

// IsBest returns true if the block became the best block.
func (r ImportResult) IsBest() bool {
	return r == ImportedBest
}

// IsSuccessful returns true if the block was newly imported.
func (r ImportResult) IsSuccessful() bool {
	return r == ImportedBest || r == ImportedNotBest
}

// String returns the ImportResult in human-readable form.
func (r ImportResult) String() string {
	switch r {
	case ImportedBest:
		return "IMPORTED_BEST"
	case ImportedNotBest:
		return "IMPORTED_NOT_BEST"
	case Exist:
		return "EXIST"
	case NoParent:
		return "NO_PARENT"
	case Invalid:
		return "INVALID"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(r))
	}
}

// TrieNodeResult is the outcome of importing a trie node.
type TrieNodeResult uint8

const (
	// TrieImported means the node was stored.
	TrieImported TrieNodeResult = iota

	// TrieKnown means an identical node was already stored.
	TrieKnown

	// TrieInconsistent means a different value is stored for the key.
	TrieInconsistent

	// TrieInvalidKey means the key is not valid for the database.
	TrieInvalidKey

	// TrieInvalidValue means the value could not be decoded as a node.
	TrieInvalidValue
)

// IsSuccessful returns true if the node is stored after the import.
func (r TrieNodeResult) IsSuccessful() bool {
	return r == TrieImported || r == TrieKnown
}

// String returns the TrieNodeResult in human-readable form.
func (r TrieNodeResult) String() string {
	switch r {
	case TrieImported:
		return "IMPORTED"
	case TrieKnown:
		return "KNOWN"
	case TrieInconsistent:
		return "INCONSISTENT"
	case TrieInvalidKey:
		return "INVALID_KEY"
	case TrieInvalidValue:
		return "INVALID_VALUE"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(r))
	}
}

// RuleError identifies a consensus rule broken by a header.
type RuleError struct {
	// Rule is the short name of the rule.
	Rule string

	// Description explains how the rule was broken.
	Description string
}

// Error satisfies the error interface.
func (e RuleError) Error() string {
	return fmt.Sprintf("%s: %s", e.Rule, e.Description)
}

// BlockStore is the view of the block database used to tell whether a block
// was already stored.
type BlockStore interface {
	// MaxNumber returns the highest block number stored.
	MaxNumber() uint64

	// BlockExists returns true if a block with the hash is stored.
	BlockExists(hash chainhash.Hash) bool
}

// PruneChecker reports which blocks can no longer be imported because the
// state they build on was pruned.
type PruneChecker interface {
	// HasPruneRestriction returns true if some blocks are restricted.
	HasPruneRestriction() bool

	// IsPruneRestricted returns true if the block number is below the
	// retained range.
	IsPruneRestricted(number uint64) bool
}

// TrieImporter stores the trie nodes received during fast sync.
type TrieImporter interface {
	// ImportTrieNode stores the node with the given key in the database.
	ImportTrieNode(key chainhash.Hash, value []byte,
		dbType wire.DatabaseType) TrieNodeResult
}

// ChainStore is the local chain the synchronized blocks are imported into.
type ChainStore interface {
	PruneChecker
	TrieImporter

	// BestBlock returns the current best block.
	BestBlock() *wire.Block

	// TotalDifficulty returns the total difficulty of the best chain.
	TotalDifficulty() *uint256.Int

	// BlockByHash returns the stored block with the hash, or nil.
	BlockByHash(hash chainhash.Hash) *wire.Block

	// BlockStore returns the block database.
	BlockStore() BlockStore

	// TryToConnect validates and imports the block.
	TryToConnect(block *wire.Block) ImportResult
}

// HeaderValidator checks a header against the rules that only need its
// ancestors. The parent and grandparent may be nil if they are unknown.
type HeaderValidator interface {
	Validate(header, parent, grandparent *wire.BlockHeader) (bool,
		[]RuleError)
}

// FastSyncManager coordinates the download of the state trie during fast
// sync.
type FastSyncManager interface {
	// IsComplete returns true once the full state was imported.
	IsComplete() bool

	// ContainsExact returns true if the node with exactly this key and
	// value was already imported.
	ContainsExact(key chainhash.Hash, value []byte) bool

	// AddImportedNode records a successfully imported node.
	AddImportedNode(key chainhash.Hash, value []byte,
		dbType wire.DatabaseType)

	// UpdateRequests marks the node as received and schedules the
	// requests for the nodes it references.
	UpdateRequests(key chainhash.Hash, referenced []chainhash.Hash,
		dbType wire.DatabaseType)

	// HandleFailedImport deals with a node that could not be imported.
	HandleFailedImport(key chainhash.Hash, value []byte,
		dbType wire.DatabaseType, peerID int, displayID string)
}

// HashSet is a read only set of block hashes.
type HashSet interface {
	Contains(hash chainhash.Hash) bool
}
