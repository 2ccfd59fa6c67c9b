package blocksync

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/davecgh/go-spew/spew"
	lru "github.com/hashicorp/golang-lru"
	"github.com/lightninglabs/blocksync/headerfs"
	"github.com/lightninglabs/blocksync/headerreq"
	"github.com/lightninglabs/blocksync/syncstats"
	"github.com/lightninglabs/blocksync/wire"
	"github.com/lightningnetwork/lnd/clock"
)

// DefaultPendingBlocks is the number of parents for which blocks received
// without a known parent are kept aside.
const DefaultPendingBlocks = 1024

// BlocksWrapper is a batch of consecutive blocks assembled from the headers
// and bodies sent by a peer.
type BlocksWrapper struct {
	PeerID    int
	DisplayID string
	Blocks    []*wire.Block
}

// String returns a compact description of the batch used in logs.
func (w *BlocksWrapper) String() string {
	if len(w.Blocks) == 0 {
		return fmt.Sprintf("0 blocks from %s", w.DisplayID)
	}

	return fmt.Sprintf("%d blocks (#%d..#%d) from %s", len(w.Blocks),
		w.Blocks[0].Number(), w.Blocks[len(w.Blocks)-1].Number(),
		w.DisplayID)
}

// TopPruning describes a pruning configuration that only keeps the state of
// the most recent blocks.
type TopPruning struct {
	// Enabled is true if the state is pruned.
	Enabled bool

	// Archive is true if archived states allow importing any block.
	Archive bool

	// Retain is the number of most recent blocks whose state is kept.
	Retain uint64
}

// Checker returns a PruneChecker that uses the highest number of the store
// as the best block.
func (p TopPruning) Checker(store BlockStore) PruneChecker {
	return &topPruneChecker{cfg: p, store: store}
}

type topPruneChecker struct {
	cfg   TopPruning
	store BlockStore
}

// HasPruneRestriction returns true when pruning is enabled without archive.
func (c *topPruneChecker) HasPruneRestriction() bool {
	return c.cfg.Enabled && !c.cfg.Archive
}

// IsPruneRestricted returns true if the number is below the retained range,
// that is number < best - retain + 1.
func (c *topPruneChecker) IsPruneRestricted(number uint64) bool {
	if !c.HasPruneRestriction() {
		return false
	}

	return number+c.cfg.Retain < c.store.MaxNumber()+1
}

// isAlreadyStored returns true if the block is in the store.
func isAlreadyStored(store BlockStore, block *wire.Block) bool {
	return store.MaxNumber() >= block.Number() &&
		store.BlockExists(block.Hash())
}

// filterBatch returns the blocks that were not imported recently and, when
// the chain is pruned, that are not below the retained range. The order of
// the blocks is kept.
func filterBatch(blocks []*wire.Block, chain PruneChecker,
	imported HashSet) []*wire.Block {

	restricted := chain.HasPruneRestriction()

	filtered := make([]*wire.Block, 0, len(blocks))
	for _, b := range blocks {
		if imported.Contains(b.Hash()) {
			continue
		}
		if restricted && chain.IsPruneRestricted(b.Number()) {
			continue
		}

		filtered = append(filtered, b)
	}

	return filtered
}

// ImportBlocksConfig holds the dependencies of a TaskImportBlocks.
type ImportBlocksConfig struct {
	// Chain is where the blocks are imported.
	Chain ChainStore

	// Headers holds the request mode of every peer, which is updated
	// after each batch.
	Headers *headerreq.Manager

	// Imported records the blocks found in the chain.
	Imported *ImportedSet

	// Stats, if set, receives the block counters.
	Stats *syncstats.Stats

	// Index, if set, records the number and hash of every stored block.
	Index *headerfs.BlockIndex

	// Clock measures the import times.
	Clock clock.Clock

	// SlowImportTime is the import time above which a warning is logged.
	// Zero disables the warning.
	SlowImportTime time.Duration

	// PendingBlocks is the number of missing parents for which orphan
	// blocks are kept. It defaults to DefaultPendingBlocks.
	PendingBlocks int
}

// TaskImportBlocks imports the downloaded block batches into the chain and
// switches the request mode of the peers that sent them based on the import
// results.
//
// NOTE: batches must be handed over from a single goroutine.
type TaskImportBlocks struct {
	cfg *ImportBlocksConfig

	// pending holds blocks whose parent was unknown, by parent hash.
	pending *lru.Cache

	progress *blockProgressLogger
}

// NewTaskImportBlocks creates the block import task.
func NewTaskImportBlocks(cfg *ImportBlocksConfig) (*TaskImportBlocks, error) {
	switch {
	case cfg.Chain == nil:
		return nil, ErrNilChain
	case cfg.Imported == nil:
		return nil, ErrNilImportedSet
	case cfg.Headers == nil:
		return nil, fmt.Errorf("%w: nil header request manager",
			ErrInvalidConfig)
	}

	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.PendingBlocks <= 0 {
		cfg.PendingBlocks = DefaultPendingBlocks
	}

	pending, err := lru.New(cfg.PendingBlocks)
	if err != nil {
		return nil, err
	}

	return &TaskImportBlocks{
		cfg:     cfg,
		pending: pending,
		progress: newBlockProgressLogger(
			"Processed", "block", cfg.Clock, log,
		),
	}, nil
}

// importOutcome is the request mode of a peer after one of its batches was
// imported.
type importOutcome struct {
	mode headerreq.Mode

	// base is the new base of the peer's requests, valid if setBase is
	// true.
	base    uint64
	setBase bool
}

func (o *importOutcome) setMode(mode headerreq.Mode, base uint64) {
	o.mode = mode
	o.base = base
	o.setBase = true
}

// ImportBatches imports the given batches in order. It is meant to be used
// as the flush callback of the batch writer collecting downloaded blocks.
func (t *TaskImportBlocks) ImportBatches(batches ...*BlocksWrapper) error {
	var firstErr error
	for _, bw := range batches {
		err := t.importBatch(bw)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// importBatch filters and imports the batch, then updates the request mode
// of the peer that sent it.
func (t *TaskImportBlocks) importBatch(bw *BlocksWrapper) error {
	mode, ok := t.cfg.Headers.SyncMode(bw.PeerID)
	if !ok {
		log.Warnf("Peer %s sent blocks that were not requested",
			bw.DisplayID)
		return nil
	}

	batch := filterBatch(bw.Blocks, t.cfg.Chain, t.cfg.Imported)

	log.Debugf("Importing %v (filtered to %d) in mode %v", bw,
		len(batch), mode)

	outcome, stored := t.processBatch(mode, batch, bw.DisplayID)

	if outcome.mode != mode {
		t.cfg.Headers.RunInMode(bw.PeerID, outcome.mode)
	}
	if outcome.setBase {
		t.cfg.Headers.SetRequestBase(bw.PeerID, outcome.base)
	}

	log.Debugf("Import of blocks from peer %s done: mode %v -> %v",
		bw.DisplayID, mode, outcome.mode)

	best := t.cfg.Chain.BestBlock()
	if t.cfg.Stats != nil && best != nil {
		t.cfg.Stats.Update(best.Number())
	}

	if t.cfg.Index == nil || len(stored) == 0 {
		return nil
	}
	if err := t.cfg.Index.PutHeaders(stored...); err != nil {
		return fmt.Errorf("unable to index %d blocks from %s: %w",
			len(stored), bw.DisplayID, err)
	}

	return t.truncateIndex(best)
}

// truncateIndex removes the indexed blocks above the best block, which were
// left behind by a re-org to a shorter chain.
func (t *TaskImportBlocks) truncateIndex(best *wire.Block) error {
	if best == nil || t.cfg.Index.MaxNumber() <= best.Number() {
		return nil
	}

	removed, err := t.cfg.Index.TruncateAbove(best.Number())
	if err != nil {
		return fmt.Errorf("unable to truncate block index above %d: %w",
			best.Number(), err)
	}

	log.Infof("Removed %d blocks above %v from the block index", removed,
		best.Header)

	return nil
}

// processBatch imports the blocks of the batch and decides the next request
// mode of the peer. The first block of the batch drives the decision:
//
//   - an unknown parent means the peer is on a fork, so its requests move
//     backward from that block until a known ancestor is found;
//   - a stored block while moving backward means the fork point was found,
//     so the requests move forward from the end of the batch;
//   - a block becoming the best one while moving forward means the peer
//     caught up, so it goes back to normal requests.
//
// It returns the outcome and the headers of the stored blocks.
func (t *TaskImportBlocks) processBatch(mode headerreq.Mode,
	batch []*wire.Block, displayID string) (importOutcome,
	[]*wire.BlockHeader) {

	outcome := importOutcome{mode: mode}

	// All blocks were filtered out, so the work is already done by other
	// peers.
	if len(batch) == 0 {
		log.Debugf("Empty batch received from peer %s in mode %v",
			displayID, mode)

		if mode == headerreq.ModeBackward ||
			mode == headerreq.ModeForward {

			outcome.mode = headerreq.ModeNormal
		}

		return outcome, nil
	}

	// If the last block already exists, the full batch was imported.
	if mode != headerreq.ModeBackward {
		last := batch[len(batch)-1]
		if isAlreadyStored(t.cfg.Chain.BlockStore(), last) {
			t.cfg.Imported.Add(last.Hash())

			log.Debugf("Skip %d blocks from peer %s in mode %v",
				len(batch), displayID, mode)

			if mode == headerreq.ModeForward {
				forwardModeUpdate(&outcome, last.Number(), Exist)
			}

			return outcome, nil
		}
	}

	var (
		stored       []*wire.BlockHeader
		fromPending  int
		lastBatchNum = batch[len(batch)-1].Number()
	)
	for i, b := range batch {
		result := t.importBlock(b, displayID, mode)

		if result.IsStored() {
			stored = append(stored, b.Header)
			imported := t.importPending(b.Hash(), displayID)
			stored = append(stored, imported...)
			fromPending += len(imported)
		}

		if i != 0 {
			continue
		}

		// Every block after one with an unknown parent would have an
		// unknown parent too.
		if result == NoParent {
			t.keepPending(batch, displayID)

			switch mode {
			case headerreq.ModeBackward:
				outcome.base = b.Number()
				outcome.setBase = true

			default:
				outcome.setMode(headerreq.ModeBackward, b.Number())
			}

			break
		}

		if !result.IsStored() {
			continue
		}

		// The remaining blocks are assumed to be imported. If not, the
		// mode is corrected by the next batch.
		switch mode {
		case headerreq.ModeBackward:
			outcome.setMode(headerreq.ModeForward, lastBatchNum)

		case headerreq.ModeForward:
			forwardModeUpdate(&outcome, lastBatchNum, result)
		}
	}

	// Connecting orphans means the fork was resolved.
	if fromPending > 0 && (outcome.mode == headerreq.ModeBackward ||
		outcome.mode == headerreq.ModeForward) {

		outcome.mode = headerreq.ModeNormal
	}

	return outcome, stored
}

// forwardModeUpdate switches back to normal requests once the peer's blocks
// extend the best chain, and otherwise continues forward from the given
// block.
func forwardModeUpdate(outcome *importOutcome, lastBlock uint64,
	result ImportResult) {

	if result.IsBest() || result == Exist {
		outcome.mode = headerreq.ModeNormal
		return
	}

	outcome.base = lastBlock
	outcome.setBase = true
}

// importBlock connects the block to the chain and records the result.
func (t *TaskImportBlocks) importBlock(b *wire.Block, displayID string,
	mode headerreq.Mode) ImportResult {

	start := t.cfg.Clock.Now()
	result := t.cfg.Chain.TryToConnect(b)
	elapsed := t.cfg.Clock.Now().Sub(start)

	log.Debugf("Import status: peer=%s, mode=%v, block=%v, txs=%d, "+
		"result=%v, time elapsed=%v", displayID, mode, b.Header,
		len(b.Transactions), result, elapsed)
	log.Tracef("Imported block: %v", newLogClosure(func() string {
		return spew.Sdump(b)
	}))

	if t.cfg.SlowImportTime > 0 && elapsed > t.cfg.SlowImportTime {
		log.Warnf("Slow import of block %v from peer %s: %v",
			b.Header, displayID, elapsed)
	}

	if result.IsStored() {
		t.cfg.Imported.Add(b.Hash())
	}
	if result.IsSuccessful() {
		if t.cfg.Stats != nil {
			t.cfg.Stats.UpdatePeerBlocks(
				displayID, 1, syncstats.Imported,
			)
		}
		t.progress.LogBlockHeight(
			time.Unix(b.Header.Timestamp, 0), b.Number(),
		)
	}

	return result
}

// keepPending keeps the blocks aside until their parent is imported.
func (t *TaskImportBlocks) keepPending(batch []*wire.Block,
	displayID string) {

	for _, b := range batch {
		parent := b.ParentHash()

		var children []*wire.Block
		if v, ok := t.pending.Get(parent); ok {
			children = v.([]*wire.Block)
		}

		known := false
		for _, c := range children {
			if c.Hash() == b.Hash() {
				known = true
				break
			}
		}
		if known {
			continue
		}

		t.pending.Add(parent, append(children, b))
	}

	log.Debugf("Kept %d blocks without parent from peer %s, starting "+
		"with %v", len(batch), displayID, batch[0].Header)

	if t.cfg.Stats != nil {
		t.cfg.Stats.UpdatePeerBlocks(
			displayID, len(batch), syncstats.Stored,
		)
	}
}

// importPending imports the kept blocks descending from the given parent.
// It returns the headers of the blocks that were stored.
func (t *TaskImportBlocks) importPending(parent chainhash.Hash,
	displayID string) []*wire.BlockHeader {

	var stored []*wire.BlockHeader

	parents := []chainhash.Hash{parent}
	for len(parents) > 0 {
		next := parents[0]
		parents = parents[1:]

		v, ok := t.pending.Peek(next)
		if !ok {
			continue
		}
		t.pending.Remove(next)

		for _, child := range v.([]*wire.Block) {
			result := t.importBlock(child, displayID, headerreq.ModeNormal)
			if !result.IsStored() {
				continue
			}

			stored = append(stored, child.Header)
			parents = append(parents, child.Hash())
		}
	}

	if len(stored) > 0 {
		log.Debugf("Imported %d kept blocks after parent %v", len(stored),
			parent)
	}

	return stored
}
