package blocksync

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btclog"
	"github.com/lightninglabs/blocksync/wire"
	"github.com/lightningnetwork/lnd/queue"
)

// DefaultTrieQueueBuffer is the buffer size of the trie node queue.
const DefaultTrieQueueBuffer = 100

// TrieNodeWrapper is a trie node received from a peer during fast sync.
type TrieNodeWrapper struct {
	// PeerID and DisplayID identify the peer that sent the node.
	PeerID    int
	DisplayID string

	// Key is the hash of the node.
	Key chainhash.Hash

	// Value is the encoded node.
	Value []byte

	// ReferencedNodes holds the nodes referenced by this one that were
	// sent along with it.
	ReferencedNodes map[chainhash.Hash][]byte

	// DBType is the database the node belongs to.
	DBType wire.DatabaseType
}

// NewTrieNodeWrapper wraps the trie data response received from the peer.
// The response content is copied.
func NewTrieNodeWrapper(peerID int, displayID string,
	msg *wire.MsgTrieData) (*TrieNodeWrapper, error) {

	if msg == nil {
		return nil, ErrNilTrieNode
	}

	referenced := make(map[chainhash.Hash][]byte, len(msg.ReferencedNodes))
	for k, v := range msg.ReferencedNodes {
		referenced[k] = append([]byte(nil), v...)
	}

	return &TrieNodeWrapper{
		PeerID:          peerID,
		DisplayID:       displayID,
		Key:             msg.Key,
		Value:           append([]byte(nil), msg.Value...),
		ReferencedNodes: referenced,
		DBType:          msg.DBType,
	}, nil
}

// ReferencedKeys returns the keys of the referenced nodes in ascending
// order.
func (w *TrieNodeWrapper) ReferencedKeys() []chainhash.Hash {
	keys := make([]chainhash.Hash, 0, len(w.ReferencedNodes))
	for k := range w.ReferencedNodes {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return bytes.Compare(keys[i][:], keys[j][:]) < 0
	})

	return keys
}

// String returns a compact description of the node used in logs.
func (w *TrieNodeWrapper) String() string {
	return fmt.Sprintf("%v node %v (%d bytes, %d referenced) from %s",
		w.DBType, w.Key, len(w.Value), len(w.ReferencedNodes),
		w.DisplayID)
}

// TrieImportConfig holds the dependencies of a TaskImportTrieData.
type TrieImportConfig struct {
	// Chain stores the imported nodes.
	Chain TrieImporter

	// FastSync tracks the progress of the state download.
	FastSync FastSyncManager

	// QueueBuffer is the buffer size of the node queue.
	QueueBuffer int

	// Logger is used for the logs of the import. It defaults to the
	// package logger.
	Logger btclog.Logger
}

// TaskImportTrieData imports the trie nodes received during fast sync, one
// at a time, until the fast sync manager reports the state complete.
type TaskImportTrieData struct {
	started  int32 // To be used atomically.
	shutdown int32 // To be used atomically.

	cfg *TrieImportConfig

	nodes *queue.ConcurrentQueue

	// done is closed once the import goroutine exits.
	done chan struct{}

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewTaskImportTrieData creates the trie import task. Use Start to begin
// importing.
func NewTaskImportTrieData(cfg *TrieImportConfig) (*TaskImportTrieData,
	error) {

	switch {
	case cfg.Chain == nil:
		return nil, ErrNilChain
	case cfg.FastSync == nil:
		return nil, ErrNilFastSync
	}

	if cfg.Logger == nil {
		cfg.Logger = log
	}
	bufferSize := cfg.QueueBuffer
	if bufferSize <= 0 {
		bufferSize = DefaultTrieQueueBuffer
	}

	return &TaskImportTrieData{
		cfg:   cfg,
		nodes: queue.NewConcurrentQueue(bufferSize),
		done:  make(chan struct{}),
		quit:  make(chan struct{}),
	}, nil
}

// Start launches the import goroutine.
func (t *TaskImportTrieData) Start() {
	if atomic.AddInt32(&t.started, 1) != 1 {
		return
	}

	t.nodes.Start()

	t.wg.Add(1)
	go t.importNodes()
}

// Stop interrupts the import goroutine and waits for it to exit.
func (t *TaskImportTrieData) Stop() {
	if atomic.AddInt32(&t.shutdown, 1) != 1 {
		return
	}

	close(t.quit)
	t.wg.Wait()

	if atomic.LoadInt32(&t.started) != 0 {
		t.nodes.Stop()
	}
}

// Done returns a channel that is closed once the import goroutine exits,
// either because the state is complete or because it was interrupted.
func (t *TaskImportTrieData) Done() <-chan struct{} {
	return t.done
}

// Add queues a node for import. It returns false if the task was stopped.
func (t *TaskImportTrieData) Add(node *TrieNodeWrapper) bool {
	if atomic.LoadInt32(&t.shutdown) != 0 {
		return false
	}

	select {
	case t.nodes.ChanIn() <- node:
		return true
	case <-t.done:
		return false
	case <-t.quit:
		return false
	}
}

// importNodes takes nodes from the queue and imports them until the fast
// sync manager reports the state complete.
//
// NOTE: this must be run in a goroutine.
func (t *TaskImportTrieData) importNodes() {
	defer t.wg.Done()
	defer close(t.done)

	logger := t.cfg.Logger
	for !t.cfg.FastSync.IsComplete() {
		var node *TrieNodeWrapper
		select {
		case item, ok := <-t.nodes.ChanOut():
			if ok {
				node, _ = item.(*TrieNodeWrapper)
				break
			}
			t.interrupted()
			return

		case <-t.quit:
			t.interrupted()
			return
		}

		if node == nil {
			continue
		}
		t.importNode(node)
	}

	logger.Debugf("Trie node import shut down")
}

// interrupted reports an exit of the import goroutine that happened before
// the state was complete.
func (t *TaskImportTrieData) interrupted() {
	if !t.cfg.FastSync.IsComplete() {
		t.cfg.Logger.Errorf("Trie node import interrupted without " +
			"shutdown request")
	}
}

// importNode stores the node unless the exact same node was already
// imported, then reports the result to the fast sync manager.
func (t *TaskImportTrieData) importNode(node *TrieNodeWrapper) {
	fastSync := t.cfg.FastSync
	logger := t.cfg.Logger

	// Filter nodes that already exist in the database.
	if fastSync.ContainsExact(node.Key, node.Value) {
		logger.Tracef("Skipping known %v", node)
		return
	}

	result := t.cfg.Chain.ImportTrieNode(node.Key, node.Value, node.DBType)
	if !result.IsSuccessful() {
		logger.Debugf("Failed trie node import: key=%v, value=%s, "+
			"db=%v, result=%v, peer=%s", node.Key,
			hex.EncodeToString(node.Value), node.DBType, result,
			node.DisplayID)

		fastSync.HandleFailedImport(
			node.Key, node.Value, node.DBType, node.PeerID,
			node.DisplayID,
		)
		return
	}

	logger.Debugf("Imported trie node: key=%v, value length=%d, db=%v, "+
		"result=%v, peer=%s", node.Key, len(node.Value), node.DBType,
		result, node.DisplayID)

	fastSync.AddImportedNode(node.Key, node.Value, node.DBType)
	fastSync.UpdateRequests(node.Key, node.ReferencedKeys(), node.DBType)
}
