package blocksync

import (
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/blocksync/peer"
	"github.com/lightninglabs/blocksync/wire"
	"github.com/lightninglabs/neutrino/cache"
	"github.com/lightninglabs/neutrino/cache/lru"
)

// PropStatus is the outcome of processing a block received through
// propagation.
type PropStatus uint8

const (
	// PropDropped means the block was ignored, either because it was
	// already seen or because it could not be connected yet.
	PropDropped PropStatus = iota

	// PropInvalid means the block failed validation.
	PropInvalid

	// PropConnected means the block was imported and forwarded.
	PropConnected
)

// String returns the PropStatus in human-readable form.
func (s PropStatus) String() string {
	switch s {
	case PropDropped:
		return "DROPPED"
	case PropInvalid:
		return "INVALID"
	case PropConnected:
		return "CONNECTED"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// seenBlock is the value kept in the recency cache. Every entry counts as
// one towards the cache capacity.
type seenBlock struct{}

// Size returns the size of the entry in the cache.
func (seenBlock) Size() (uint64, error) {
	return 1, nil
}

// A compile-time check to ensure seenBlock implements cache.Value.
var _ cache.Value = seenBlock{}

// PropagationConfig holds the dependencies of a BlockPropagationHandler.
type PropagationConfig struct {
	// Chain is the chain new blocks are connected to.
	Chain ChainStore

	// Registry is used to forward blocks to the active peers.
	Registry peer.Registry

	// Validator checks the header of new blocks.
	Validator HeaderValidator

	// Imported, if set, records the hashes of the connected blocks so
	// that the bulk sync does not download them again.
	Imported *ImportedSet

	// CacheSize is the number of recently seen blocks remembered.
	CacheSize int

	// SyncOnly disables forwarding blocks to other peers.
	SyncOnly bool
}

// BlockPropagationHandler processes single blocks announced by peers outside
// of the bulk sync and forwards the ones it connects to the peers that are
// behind them.
type BlockPropagationHandler struct {
	cfg *PropagationConfig

	// seen holds the blocks that were connected or found to be stored
	// recently. It is safe for concurrent use.
	seen *lru.Cache[chainhash.Hash, seenBlock]
}

// NewBlockPropagationHandler creates a handler with the given configuration.
func NewBlockPropagationHandler(
	cfg *PropagationConfig) (*BlockPropagationHandler, error) {

	switch {
	case cfg.Chain == nil:
		return nil, ErrNilChain
	case cfg.Registry == nil:
		return nil, ErrNilRegistry
	case cfg.Validator == nil:
		return nil, ErrNilValidator
	case cfg.CacheSize <= 0:
		return nil, fmt.Errorf("%w: propagation cache size %d",
			ErrInvalidConfig, cfg.CacheSize)
	}

	return &BlockPropagationHandler{
		cfg: cfg,
		seen: lru.NewCache[chainhash.Hash, seenBlock](
			uint64(cfg.CacheSize),
		),
	}, nil
}

// ProcessIncomingBlock validates and connects a block received from the
// sender. Connected blocks are forwarded to every other peer whose best block
// is below the new one.
func (h *BlockPropagationHandler) ProcessIncomingBlock(senderID int,
	block *wire.Block) PropStatus {

	if block == nil || block.Header == nil {
		return PropInvalid
	}

	hash := block.Hash()
	if h.isSeen(hash) {
		log.Tracef("Dropping already seen block %v", block.Header)
		return PropDropped
	}

	header := block.Header
	parent, grandparent := h.ancestors(header)
	if ok, ruleErrs := h.cfg.Validator.Validate(
		header, parent, grandparent,
	); !ok {

		log.Debugf("Invalid propagated block %v from peer %d: %v",
			header, senderID, ruleErrs)
		return PropInvalid
	}

	result := h.cfg.Chain.TryToConnect(block)
	log.Debugf("Propagated block %v from peer %d: %v", header, senderID,
		result)

	switch result {
	case ImportedBest, ImportedNotBest:
		h.markSeen(hash)
		if h.cfg.Imported != nil {
			h.cfg.Imported.Add(hash)
		}

		if !h.cfg.SyncOnly {
			h.forward(senderID, block)
		}
		if result.IsBest() {
			h.pushStatus(senderID)
		}

		return PropConnected

	case Exist:
		h.markSeen(hash)
		return PropDropped

	case NoParent:
		// The bulk sync will download the missing ancestors, after
		// which a new announcement can be connected.
		return PropDropped

	default:
		return PropInvalid
	}
}

// PropagateNewBlock sends a block produced locally to every active peer.
func (h *BlockPropagationHandler) PropagateNewBlock(block *wire.Block) {
	if block == nil || block.Header == nil {
		return
	}

	h.markSeen(block.Hash())

	msg := &wire.MsgNewBlock{Block: block}
	for _, node := range sortedNodes(h.cfg.Registry.ActiveNodes()) {
		log.Debugf("Sending new block %v to peer %s", block.Header,
			node.DisplayID)
		h.cfg.Registry.Send(node.ID, node.DisplayID, msg)
	}
}

// forward sends the block to the peers other than the sender that are
// behind it.
func (h *BlockPropagationHandler) forward(senderID int, block *wire.Block) {
	msg := &wire.MsgNewBlock{Block: block}
	for _, node := range sortedNodes(h.cfg.Registry.ActiveNodes()) {
		if node.ID == senderID || node.BestNumber >= block.Number() {
			continue
		}

		log.Debugf("Forwarding block %v to peer %s", block.Header,
			node.DisplayID)
		h.cfg.Registry.Send(node.ID, node.DisplayID, msg)
	}
}

// pushStatus announces the new best block to the peers, other than the
// sender, whose total difficulty is at least the local one, so they do not
// forward the block back.
func (h *BlockPropagationHandler) pushStatus(senderID int) {
	best := h.cfg.Chain.BestBlock()
	td := h.cfg.Chain.TotalDifficulty()
	if best == nil || td == nil {
		return
	}

	msg := &wire.MsgStatus{
		BestNumber:      best.Number(),
		BestHash:        best.Hash(),
		TotalDifficulty: td,
	}
	for _, node := range sortedNodes(h.cfg.Registry.ActiveNodes()) {
		if node.ID == senderID || !node.HasTotalDifficulty(td) {
			continue
		}

		log.Tracef("Pushing status (best=%d) to peer %s",
			msg.BestNumber, node.DisplayID)
		h.cfg.Registry.Send(node.ID, node.DisplayID, msg)
	}
}

// ancestors returns the stored parent and grandparent headers of the given
// header. Unknown ancestors are nil.
func (h *BlockPropagationHandler) ancestors(
	header *wire.BlockHeader) (*wire.BlockHeader, *wire.BlockHeader) {

	parent := h.cfg.Chain.BlockByHash(header.ParentHash)
	if parent == nil {
		return nil, nil
	}

	grandparent := h.cfg.Chain.BlockByHash(parent.ParentHash())
	if grandparent == nil {
		return parent.Header, nil
	}

	return parent.Header, grandparent.Header
}

func (h *BlockPropagationHandler) isSeen(hash chainhash.Hash) bool {
	_, err := h.seen.Get(hash)
	return err == nil
}

func (h *BlockPropagationHandler) markSeen(hash chainhash.Hash) {
	if _, err := h.seen.Put(hash, seenBlock{}); err != nil {
		log.Warnf("Unable to cache block %v: %v", hash, err)
	}
}

// sortedNodes returns the nodes ordered by peer id.
func sortedNodes(nodes map[int]*peer.Node) []*peer.Node {
	out := make([]*peer.Node, 0, len(nodes))
	for _, node := range nodes {
		out = append(out, node)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})

	return out
}
