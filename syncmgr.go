// Package blocksync synchronizes the local chain with the chains of the
// connected peers. Headers are requested from every suitable peer in
// parallel, the matching bodies are requested once the headers are
// validated, and the assembled blocks are imported in batches. Trie nodes
// received during fast sync and blocks announced by peers are handled
// alongside the bulk sync.
package blocksync

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/holiman/uint256"
	"github.com/lightninglabs/blocksync/chanutils"
	"github.com/lightninglabs/blocksync/headerfs"
	"github.com/lightninglabs/blocksync/headerlist"
	"github.com/lightninglabs/blocksync/headerreq"
	"github.com/lightninglabs/blocksync/peer"
	"github.com/lightninglabs/blocksync/syncstats"
	"github.com/lightninglabs/blocksync/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/time/rate"
)

// headersMsg packages a headers message and the peer it came from together
// so the sync handler has access to that information.
type headersMsg struct {
	peerID    int
	displayID string
	headers   *wire.MsgHeaders
}

// bodiesMsg packages a bodies message and the peer it came from.
type bodiesMsg struct {
	peerID    int
	displayID string
	bodies    *wire.MsgBodies
}

// newBlockMsg packages a new block announcement and the peer it came from.
type newBlockMsg struct {
	peerID    int
	displayID string
	block     *wire.MsgNewBlock
}

// statusMsg packages a status message and the peer it came from.
type statusMsg struct {
	peerID    int
	displayID string
	status    *wire.MsgStatus
}

// NetworkStatus is the best chain reported by the peers.
type NetworkStatus struct {
	// DisplayID is the peer that reported the best chain.
	DisplayID string

	BestNumber      uint64
	BestHash        chainhash.Hash
	TotalDifficulty *uint256.Int
}

// SyncMgrConfig holds the options and dependencies needed by the SyncMgr.
type SyncMgrConfig struct {
	// Config holds the tunable parameters. DefaultConfig is used when
	// nil.
	Config *Config

	// Registry is the view of the connected peers and the way to message
	// them.
	Registry peer.Registry

	// Chain is the local chain.
	Chain ChainStore

	// Validator checks the received headers.
	Validator HeaderValidator

	// FastSync, if set, enables the import of trie nodes.
	FastSync FastSyncManager

	// Index, if set, records the imported blocks.
	Index *headerfs.BlockIndex

	// Clock is the time source. The wall clock is used when nil.
	Clock clock.Clock

	// RequestTicker, StatusTicker and ImportTicker replace the tickers
	// created from the configured intervals when set.
	RequestTicker ticker.Ticker
	StatusTicker  ticker.Ticker
	ImportTicker  ticker.Ticker

	// Metrics receives the sync metrics. NopMetrics is used when nil.
	Metrics *syncstats.Metrics

	// Seed seeds the peer selection of the header requests.
	Seed int64
}

// SyncMgr drives the synchronization of the local chain.
type SyncMgr struct { // nolint:maligned
	started  int32 // To be used atomically.
	shutdown int32 // To be used atomically.

	cfg    *SyncMgrConfig
	params *Config

	headers     *headerreq.Manager
	stats       *syncstats.Stats
	imported    *ImportedSet
	propagation *BlockPropagationHandler
	importer    *TaskImportBlocks
	writer      *chanutils.BatchWriter[*BlocksWrapper]
	trieImport  *TaskImportTrieData

	// statusLimiter limits the updates of the network status.
	statusLimiter *rate.Limiter

	// network is the best chain reported by the peers. Callers MUST hold
	// networkMtx when reading or writing it.
	network    NetworkStatus
	networkMtx sync.RWMutex

	requestTicker ticker.Ticker
	statusTicker  ticker.Ticker

	// peerChan is a channel for messages that come from peers.
	peerChan chan interface{}

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewSyncMgr returns a new sync manager. Use Start to begin processing
// messages and sending requests.
func NewSyncMgr(cfg *SyncMgrConfig) (*SyncMgr, error) {
	switch {
	case cfg.Registry == nil:
		return nil, ErrNilRegistry
	case cfg.Chain == nil:
		return nil, ErrNilChain
	case cfg.Validator == nil:
		return nil, ErrNilValidator
	}

	params := cfg.Config
	if params == nil {
		params = DefaultConfig()
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	headers, err := headerreq.NewManager(headerreq.Config{
		Clock: cfg.Clock,
		Seed:  cfg.Seed,
	})
	if err != nil {
		return nil, err
	}

	imported, err := NewImportedSet(params.ImportedCacheSize)
	if err != nil {
		return nil, err
	}

	var startBlock uint64
	if best := cfg.Chain.BestBlock(); best != nil {
		startBlock = best.Number()
	}
	stats := syncstats.NewStats(startBlock, cfg.Clock, cfg.Metrics)

	propagation, err := NewBlockPropagationHandler(&PropagationConfig{
		Chain:     cfg.Chain,
		Registry:  cfg.Registry,
		Validator: cfg.Validator,
		Imported:  imported,
		CacheSize: params.PropagationCacheSize,
		SyncOnly:  params.SyncOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create propagation "+
			"handler: %w", err)
	}

	importer, err := NewTaskImportBlocks(&ImportBlocksConfig{
		Chain:          cfg.Chain,
		Headers:        headers,
		Imported:       imported,
		Stats:          stats,
		Index:          cfg.Index,
		Clock:          cfg.Clock,
		SlowImportTime: params.SlowImportTime,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create block import: %w", err)
	}

	writer, err := chanutils.NewBatchWriter(
		&chanutils.BatchWriterConfig[*BlocksWrapper]{
			QueueBufferSize: params.ImportQueueBuffer,
			MaxBatch:        params.ImportMaxBatch,
			FlushInterval:   params.ImportFlushInterval,
			FlushTicker:     cfg.ImportTicker,
			Logger:          log,
			PutItems:        importer.ImportBatches,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("unable to create import queue: %w", err)
	}

	var trieImport *TaskImportTrieData
	if cfg.FastSync != nil {
		trieImport, err = NewTaskImportTrieData(&TrieImportConfig{
			Chain:    cfg.Chain,
			FastSync: cfg.FastSync,
		})
		if err != nil {
			return nil, fmt.Errorf("unable to create trie import: "+
				"%w", err)
		}
	}

	requestTicker := cfg.RequestTicker
	if requestTicker == nil {
		requestTicker = ticker.New(params.RequestInterval)
	}
	statusTicker := cfg.StatusTicker
	if statusTicker == nil {
		statusTicker = ticker.New(params.StatusInterval)
	}

	return &SyncMgr{
		cfg:         cfg,
		params:      params,
		headers:     headers,
		stats:       stats,
		imported:    imported,
		propagation: propagation,
		importer:    importer,
		writer:      writer,
		trieImport:  trieImport,
		statusLimiter: rate.NewLimiter(
			rate.Every(params.NetworkStatusInterval), 1,
		),
		requestTicker: requestTicker,
		statusTicker:  statusTicker,
		peerChan:      make(chan interface{}, params.PeerMsgBuffer),
		quit:          make(chan struct{}),
	}, nil
}

// Start begins the sync handler, the request loop, the status reports and
// the import of downloaded blocks.
func (m *SyncMgr) Start() {
	// Already started?
	if atomic.AddInt32(&m.started, 1) != 1 {
		return
	}

	log.Trace("Starting sync manager")

	m.writer.Start()
	if m.trieImport != nil {
		m.trieImport.Start()
	}

	m.wg.Add(3)
	go m.syncHandler()
	go m.requestHandler()
	go m.statusHandler()
}

// Stop gracefully shuts down the sync manager by stopping all asynchronous
// handlers and waiting for them to finish.
func (m *SyncMgr) Stop() error {
	if atomic.AddInt32(&m.shutdown, 1) != 1 {
		log.Warnf("Sync manager is already in the process of " +
			"shutting down")
		return nil
	}

	log.Infof("Sync manager shutting down")
	close(m.quit)
	m.wg.Wait()

	if atomic.LoadInt32(&m.started) != 0 {
		m.writer.Stop()
	}
	if m.trieImport != nil {
		m.trieImport.Stop()
	}

	return nil
}

// Stats returns the statistics of the sync session.
func (m *SyncMgr) Stats() *syncstats.Stats {
	return m.stats
}

// HeaderRequests returns the manager of the header requests.
func (m *SyncMgr) HeaderRequests() *headerreq.Manager {
	return m.headers
}

// PropagationHandler returns the handler of the announced blocks.
func (m *SyncMgr) PropagationHandler() *BlockPropagationHandler {
	return m.propagation
}

// TrieImportDone returns a channel closed once the trie import stops, or nil
// if fast sync is not enabled.
func (m *SyncMgr) TrieImportDone() <-chan struct{} {
	if m.trieImport == nil {
		return nil
	}

	return m.trieImport.Done()
}

// NetworkStatus returns the best chain reported by the peers.
func (m *SyncMgr) NetworkStatus() NetworkStatus {
	m.networkMtx.RLock()
	defer m.networkMtx.RUnlock()

	return m.network
}

// queue hands the message to the sync handler unless shutting down.
func (m *SyncMgr) queue(msg interface{}) {
	// Ignore if we are shutting down.
	if atomic.LoadInt32(&m.shutdown) != 0 {
		return
	}

	select {
	case m.peerChan <- msg:
	case <-m.quit:
	}
}

// QueueHeaders adds the passed headers message and peer to the sync handling
// queue.
func (m *SyncMgr) QueueHeaders(peerID int, displayID string,
	headers *wire.MsgHeaders) {

	m.queue(&headersMsg{
		peerID: peerID, displayID: displayID, headers: headers,
	})
}

// QueueBodies adds the passed bodies message and peer to the sync handling
// queue.
func (m *SyncMgr) QueueBodies(peerID int, displayID string,
	bodies *wire.MsgBodies) {

	m.queue(&bodiesMsg{
		peerID: peerID, displayID: displayID, bodies: bodies,
	})
}

// QueueNewBlock adds the passed block announcement and peer to the sync
// handling queue.
func (m *SyncMgr) QueueNewBlock(peerID int, displayID string,
	block *wire.MsgNewBlock) {

	m.queue(&newBlockMsg{
		peerID: peerID, displayID: displayID, block: block,
	})
}

// QueueStatus adds the passed status message and peer to the sync handling
// queue.
func (m *SyncMgr) QueueStatus(peerID int, displayID string,
	status *wire.MsgStatus) {

	m.queue(&statusMsg{
		peerID: peerID, displayID: displayID, status: status,
	})
}

// QueueTrieData hands the trie node sent by the peer to the trie import.
// Nodes are ignored when fast sync is not enabled.
func (m *SyncMgr) QueueTrieData(peerID int, displayID string,
	msg *wire.MsgTrieData) {

	if m.trieImport == nil {
		log.Debugf("Ignoring trie data from peer %s: fast sync "+
			"disabled", displayID)
		return
	}

	node, err := NewTrieNodeWrapper(peerID, displayID, msg)
	if err != nil {
		m.cfg.Registry.ErrCheck(peerID, displayID)
		return
	}

	m.stats.UpdateResponseTime(
		displayID, m.cfg.Clock.Now(), syncstats.TrieData,
	)

	if !m.trieImport.Add(node) {
		log.Debugf("Dropped %v: trie import stopped", node)
	}
}

// SendTrieDataRequest sends the request for a trie node to the peer.
func (m *SyncMgr) SendTrieDataRequest(peerID int, displayID string,
	req *wire.MsgGetTrieData) {

	m.cfg.Registry.Send(peerID, displayID, req)

	m.stats.UpdateTotalRequestsToPeer(displayID, syncstats.TrieData)
	m.stats.UpdateRequestTime(
		displayID, m.cfg.Clock.Now(), syncstats.TrieData,
	)
}

// syncHandler is the main handler for the sync manager. It must be run as a
// goroutine. It processes the messages from the peers in a separate
// goroutine from the peer handlers so that they are handled by a single
// thread.
func (m *SyncMgr) syncHandler() {
	defer m.wg.Done()

out:
	for {
		select {
		case msg := <-m.peerChan:
			switch msg := msg.(type) {
			case *headersMsg:
				m.handleHeadersMsg(msg)

			case *bodiesMsg:
				m.handleBodiesMsg(msg)

			case *newBlockMsg:
				m.handleNewBlockMsg(msg)

			case *statusMsg:
				m.handleStatusMsg(msg)

			default:
				log.Warnf("Invalid message type in sync "+
					"handler: %T", msg)
			}

		case <-m.quit:
			break out
		}
	}

	log.Trace("Sync handler done")
}

// requestHandler sends header requests on every tick.
//
// NOTE: this must be run in a goroutine.
func (m *SyncMgr) requestHandler() {
	defer m.wg.Done()

	m.requestTicker.Resume()
	defer m.requestTicker.Stop()

	for {
		select {
		case <-m.requestTicker.Ticks():
			m.requestHeaders()

		case <-m.quit:
			log.Trace("Request handler done")
			return
		}
	}
}

// requestHeaders sends the next header request to every available peer.
func (m *SyncMgr) requestHeaders() int {
	best := m.cfg.Chain.BestBlock()
	if best == nil {
		return 0
	}

	return m.headers.SendHeadersRequests(
		best.Number(), m.cfg.Chain.TotalDifficulty(), m.cfg.Registry,
		m.stats,
	)
}

// handleHeadersMsg stores the valid headers sent by the peer and requests
// the bodies of the stored headers.
func (m *SyncMgr) handleHeadersMsg(msg *headersMsg) {
	var headers []*wire.BlockHeader
	if msg.headers != nil {
		headers = msg.headers.Headers
	}

	if m.validateAndAddHeaders(msg.peerID, msg.displayID, headers) == nil {
		return
	}

	m.RequestBodies(msg.peerID, msg.displayID)
}

// validateAndAddHeaders stores the longest valid run of consecutive headers
// starting at the lowest number sent by the peer, without the headers of
// the blocks imported recently. It returns the stored batch or nil.
func (m *SyncMgr) validateAndAddHeaders(peerID int, displayID string,
	headers []*wire.BlockHeader) *headerreq.HeadersWrapper {

	if len(headers) == 0 {
		log.Debugf("Empty headers response from peer %s", displayID)
		m.cfg.Registry.ErrCheck(peerID, displayID)
		return nil
	}
	for _, h := range headers {
		if h == nil {
			log.Debugf("Nil header in response from peer %s",
				displayID)
			m.cfg.Registry.ErrCheck(peerID, displayID)
			return nil
		}
	}

	m.stats.UpdateResponseTime(
		displayID, m.cfg.Clock.Now(), syncstats.Headers,
	)

	log.Debugf("Incoming headers from peer %s: first=%d, size=%d",
		displayID, headers[0].Number, len(headers))

	seq := headerlist.NewSequential[*wire.BlockHeader](len(headers))
	seq.AddAll(headers...)
	ordered := seq.Contiguous()

	var (
		filtered            = make([]*wire.BlockHeader, 0, len(ordered))
		prev, beforePrev    *wire.BlockHeader
		parent, grandparent *wire.BlockHeader
	)
	for _, h := range ordered {
		if prev == nil {
			parent, grandparent = m.storedAncestors(h)
		} else {
			if h.ParentHash != prev.BlockHash() {
				log.Debugf("Inconsistent headers from peer "+
					"%s: parent of %v is not %v", displayID,
					h, prev)
				break
			}
			parent, grandparent = prev, beforePrev
			if grandparent == nil {
				grandparent = m.storedHeader(prev.ParentHash)
			}
		}

		ok, ruleErrs := m.cfg.Validator.Validate(h, parent, grandparent)
		if !ok {
			log.Debugf("Invalid header %v from peer %s: %v", h,
				displayID, ruleErrs)
			log.Tracef("Invalid header: %v", newLogClosure(
				func() string {
					return h.String()
				},
			))
			m.cfg.Registry.ErrCheck(peerID, displayID)
			break
		}

		if !m.imported.Contains(h.BlockHash()) {
			filtered = append(filtered, h)
		}

		beforePrev, prev = prev, h
	}

	if len(filtered) == 0 {
		return nil
	}

	return m.headers.StoreHeaders(peerID, displayID, filtered)
}

// storedAncestors returns the stored parent and grandparent of the header.
func (m *SyncMgr) storedAncestors(
	h *wire.BlockHeader) (*wire.BlockHeader, *wire.BlockHeader) {

	parent := m.storedHeader(h.ParentHash)
	if parent == nil {
		return nil, nil
	}

	return parent, m.storedHeader(parent.ParentHash)
}

func (m *SyncMgr) storedHeader(hash chainhash.Hash) *wire.BlockHeader {
	block := m.cfg.Chain.BlockByHash(hash)
	if block == nil {
		return nil
	}

	return block.Header
}

// RequestBodies requests the bodies of every header batch stored for the peer
// that was not requested yet. Headers of blocks imported recently or not
// above the local best block are not requested again: fully filtered batches
// are dropped and partially filtered ones are replaced by the remaining
// headers. It returns the number of requests sent.
func (m *SyncMgr) RequestBodies(peerID int, displayID string) int {
	var bestNumber uint64
	if best := m.cfg.Chain.BestBlock(); best != nil {
		bestNumber = best.Number()
	}

	var sent int
	for _, wrapper := range m.headers.HeadersForBodiesRequests(peerID) {
		filtered := make([]*wire.BlockHeader, 0, len(wrapper.Headers))
		for _, h := range wrapper.Headers {
			if h.Number <= bestNumber ||
				m.imported.Contains(h.BlockHash()) {

				continue
			}
			filtered = append(filtered, h)
		}

		switch {
		case len(filtered) == 0:
			log.Debugf("Dropping %v: all blocks known", wrapper)
			m.headers.DropHeaders(peerID, wrapper)
			continue

		case len(filtered) < len(wrapper.Headers):
			wrapper = m.headers.ReplaceHeaders(
				peerID, wrapper, filtered,
			)
			if wrapper == nil {
				continue
			}
		}

		if !m.headers.SetRequested(peerID, wrapper) {
			continue
		}

		hashes := wrapper.Hashes()
		m.cfg.Registry.Send(
			peerID, displayID, &wire.MsgGetBodies{Hashes: hashes},
		)

		log.Debugf("Requested bodies of %v", wrapper)

		m.stats.UpdateTotalRequestsToPeer(displayID, syncstats.Bodies)
		m.stats.UpdateRequestTime(
			displayID, m.cfg.Clock.Now(), syncstats.Bodies,
		)
		m.stats.UpdateTotalBlockRequestsByPeer(displayID, len(hashes))
		sent++
	}

	return sent
}

// handleBodiesMsg assembles the blocks of the bodies sent by the peer and
// queues them for import.
func (m *SyncMgr) handleBodiesMsg(msg *bodiesMsg) {
	var bodies []*wire.BlockBody
	if msg.bodies != nil {
		bodies = msg.bodies.Bodies
	}

	bw := m.validateAndAddBlocks(msg.peerID, msg.displayID, bodies)
	if bw != nil && !m.writer.AddItem(bw) {
		log.Debugf("Dropped %v: import stopped", bw)
	}

	// A partial response leaves the remaining headers to be requested.
	m.RequestBodies(msg.peerID, msg.displayID)
}

// validateAndAddBlocks matches the bodies with the oldest header batch of
// the same size stored for the peer whose first header commits to the
// transactions of the first body. A response shorter than the requested
// batch is matched with the head of that batch. Assembly stops at the first
// body that does not match its header. It returns the assembled batch or nil.
func (m *SyncMgr) validateAndAddBlocks(peerID int, displayID string,
	bodies []*wire.BlockBody) *BlocksWrapper {

	if len(bodies) == 0 {
		return nil
	}

	m.stats.UpdateResponseTime(
		displayID, m.cfg.Clock.Now(), syncstats.Bodies,
	)

	if bodies[0] == nil {
		log.Debugf("Nil body in response from peer %s", displayID)
		m.cfg.Registry.ErrCheck(peerID, displayID)
		return nil
	}

	txRoot := wire.CalcTxRoot(bodies[0].Transactions)
	wrapper := m.headers.MatchAndDropHeaders(peerID, len(bodies), txRoot)
	if wrapper == nil {
		wrapper = m.headers.MatchAndSplitHeaders(
			peerID, len(bodies), txRoot,
		)
	}
	if wrapper == nil {
		log.Debugf("Received %d unrequested bodies from peer %s",
			len(bodies), displayID)
		return nil
	}

	blocks := make([]*wire.Block, 0, len(bodies))
	for i, h := range wrapper.Headers {
		body := bodies[i]
		if body == nil ||
			wire.CalcTxRoot(body.Transactions) != h.TxTrieRoot {

			log.Warnf("Unable to assemble block %v from peer %s: "+
				"transactions do not match the header", h,
				displayID)
			m.cfg.Registry.ErrCheck(peerID, displayID)
			break
		}

		blocks = append(blocks, wire.NewBlock(h, body))
	}

	if len(blocks) == 0 {
		return nil
	}

	log.Debugf("Incoming bodies from peer %s: first=%d, size=%d",
		displayID, blocks[0].Number(), len(blocks))

	m.stats.UpdatePeerBlocks(displayID, len(blocks), syncstats.Received)

	return &BlocksWrapper{
		PeerID:    peerID,
		DisplayID: displayID,
		Blocks:    blocks,
	}
}

// handleNewBlockMsg processes a block announced by the peer.
func (m *SyncMgr) handleNewBlockMsg(msg *newBlockMsg) {
	if msg.block == nil || msg.block.Block == nil {
		m.cfg.Registry.ErrCheck(msg.peerID, msg.displayID)
		return
	}

	status := m.propagation.ProcessIncomingBlock(
		msg.peerID, msg.block.Block,
	)
	log.Debugf("New block %v from peer %s: %v", msg.block.Block.Header,
		msg.displayID, status)

	if status == PropInvalid {
		m.cfg.Registry.ErrCheck(msg.peerID, msg.displayID)
	}
}

// handleStatusMsg requests headers right away when the peer reports a chain
// heavier than the local one, and updates the network status at most once
// per NetworkStatusInterval.
func (m *SyncMgr) handleStatusMsg(msg *statusMsg) {
	status := msg.status
	if status == nil || status.TotalDifficulty == nil {
		m.cfg.Registry.ErrCheck(msg.peerID, msg.displayID)
		return
	}

	now := m.cfg.Clock.Now()
	m.stats.UpdateResponseTime(msg.displayID, now, syncstats.Status)

	localTD := m.cfg.Chain.TotalDifficulty()
	if localTD == nil || status.TotalDifficulty.Cmp(localTD) > 0 {
		m.requestHeaders()
	}

	if !m.statusLimiter.AllowN(now, 1) {
		return
	}

	m.networkMtx.Lock()
	defer m.networkMtx.Unlock()

	current := m.network.TotalDifficulty
	if current != nil && status.TotalDifficulty.Cmp(current) <= 0 {
		return
	}

	log.Debugf("Network status updated: peer %s -> %s, best %d -> %d, "+
		"td %v -> %v", m.network.DisplayID, msg.displayID,
		m.network.BestNumber, status.BestNumber, current,
		status.TotalDifficulty)

	m.network = NetworkStatus{
		DisplayID:       msg.displayID,
		BestNumber:      status.BestNumber,
		BestHash:        status.BestHash,
		TotalDifficulty: status.TotalDifficulty.Clone(),
	}
}
