package blocksync

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btclog"
	"github.com/holiman/uint256"
	"github.com/lightninglabs/blocksync/peer"
	"github.com/lightninglabs/blocksync/wire"
	"go.uber.org/goleak"
)

var testTime = time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type sentMsg struct {
	peerID int
	msg    wire.Message
}

// mockRegistry is a peer.Registry that records the messages sent through it
// and the peers reported for misbehaving.
type mockRegistry struct {
	mu       sync.Mutex
	nodes    map[int]*peer.Node
	sent     []sentMsg
	errCheck []int
}

var _ peer.Registry = (*mockRegistry)(nil)

func newMockRegistry(nodes ...*peer.Node) *mockRegistry {
	r := &mockRegistry{nodes: make(map[int]*peer.Node, len(nodes))}
	for _, n := range nodes {
		r.nodes[n.ID] = n
	}

	return r
}

func (r *mockRegistry) ActiveNodes() map[int]*peer.Node {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[int]*peer.Node, len(r.nodes))
	for id, n := range r.nodes {
		out[id] = n
	}

	return out
}

func (r *mockRegistry) Send(peerID int, _ string, msg wire.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sent = append(r.sent, sentMsg{peerID: peerID, msg: msg})
}

func (r *mockRegistry) ErrCheck(peerID int, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.errCheck = append(r.errCheck, peerID)
}

func (r *mockRegistry) takeSent() []sentMsg {
	r.mu.Lock()
	defer r.mu.Unlock()

	sent := r.sent
	r.sent = nil

	return sent
}

func (r *mockRegistry) errChecks() []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]int(nil), r.errCheck...)
}

func testNode(id int, best uint64, td uint64) *peer.Node {
	return &peer.Node{
		ID:              id,
		DisplayID:       fmt.Sprintf("peer%d", id),
		BestNumber:      best,
		TotalDifficulty: uint256.NewInt(td),
	}
}

// mockChain is an in-memory chain. A block is connected if its parent is
// stored, and becomes the best block if it is higher than the current one.
type mockChain struct {
	mu sync.Mutex

	blocks map[chainhash.Hash]*wire.Block
	best   *wire.Block
	td     *uint256.Int
	max    uint64

	// invalid holds the blocks rejected by TryToConnect.
	invalid map[chainhash.Hash]bool

	pruning TopPruning

	trieResult  TrieNodeResult
	trieImports int

	connectCalls int
}

var _ ChainStore = (*mockChain)(nil)

func newMockChain(genesis *wire.Block) *mockChain {
	c := &mockChain{
		blocks:  map[chainhash.Hash]*wire.Block{genesis.Hash(): genesis},
		best:    genesis,
		td:      uint256.NewInt(1),
		max:     genesis.Number(),
		invalid: make(map[chainhash.Hash]bool),
	}

	return c
}

func (c *mockChain) BestBlock() *wire.Block {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.best
}

func (c *mockChain) TotalDifficulty() *uint256.Int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.td.Clone()
}

func (c *mockChain) BlockByHash(hash chainhash.Hash) *wire.Block {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.blocks[hash]
}

func (c *mockChain) BlockStore() BlockStore {
	return c
}

func (c *mockChain) MaxNumber() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.max
}

func (c *mockChain) BlockExists(hash chainhash.Hash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.blocks[hash]
	return ok
}

func (c *mockChain) HasPruneRestriction() bool {
	return c.pruning.Checker(c).HasPruneRestriction()
}

func (c *mockChain) IsPruneRestricted(number uint64) bool {
	return c.pruning.Checker(c).IsPruneRestricted(number)
}

func (c *mockChain) ImportTrieNode(chainhash.Hash, []byte,
	wire.DatabaseType) TrieNodeResult {

	c.mu.Lock()
	defer c.mu.Unlock()

	c.trieImports++

	return c.trieResult
}

func (c *mockChain) TryToConnect(block *wire.Block) ImportResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connectCalls++

	hash := block.Hash()
	switch {
	case c.invalid[hash]:
		return Invalid

	case c.blocks[hash] != nil:
		return Exist

	case c.blocks[block.ParentHash()] == nil:
		return NoParent
	}

	c.blocks[hash] = block
	if block.Number() > c.max {
		c.max = block.Number()
	}
	if block.Number() <= c.best.Number() {
		return ImportedNotBest
	}

	c.best = block
	c.td.AddUint64(c.td, 1)

	return ImportedBest
}

func (c *mockChain) connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connectCalls
}

// mockValidator accepts every header except the ones listed as invalid.
type mockValidator struct {
	mu      sync.Mutex
	invalid map[chainhash.Hash]bool
	calls   int
}

var _ HeaderValidator = (*mockValidator)(nil)

func (v *mockValidator) Validate(header, _, _ *wire.BlockHeader) (bool,
	[]RuleError) {

	v.mu.Lock()
	defer v.mu.Unlock()

	v.calls++
	if v.invalid[header.BlockHash()] {
		return false, []RuleError{{
			Rule:        "test",
			Description: "header marked invalid",
		}}
	}

	return true, nil
}

// mockFastSync counts the calls made by the trie import. IsComplete returns
// the values of complete in order, then the last one repeatedly.
type mockFastSync struct {
	mu sync.Mutex

	complete []bool
	contains bool

	isCompleteCalls int
	containsCalls   int
	addedCalls      int
	updateCalls     int
	failedCalls     int

	lastReferenced []chainhash.Hash
}

var _ FastSyncManager = (*mockFastSync)(nil)

func (f *mockFastSync) IsComplete() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	i := f.isCompleteCalls
	f.isCompleteCalls++

	if len(f.complete) == 0 {
		return false
	}
	if i >= len(f.complete) {
		i = len(f.complete) - 1
	}

	return f.complete[i]
}

func (f *mockFastSync) ContainsExact(chainhash.Hash, []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.containsCalls++

	return f.contains
}

func (f *mockFastSync) AddImportedNode(chainhash.Hash, []byte,
	wire.DatabaseType) {

	f.mu.Lock()
	defer f.mu.Unlock()

	f.addedCalls++
}

func (f *mockFastSync) UpdateRequests(_ chainhash.Hash,
	referenced []chainhash.Hash, _ wire.DatabaseType) {

	f.mu.Lock()
	defer f.mu.Unlock()

	f.updateCalls++
	f.lastReferenced = referenced
}

func (f *mockFastSync) HandleFailedImport(chainhash.Hash, []byte,
	wire.DatabaseType, int, string) {

	f.mu.Lock()
	defer f.mu.Unlock()

	f.failedCalls++
}

// fastSyncCalls is a snapshot of the calls made to a mockFastSync.
type fastSyncCalls struct {
	isComplete int
	contains   int
	added      int
	update     int
	failed     int
}

func (f *mockFastSync) calls() fastSyncCalls {
	f.mu.Lock()
	defer f.mu.Unlock()

	return fastSyncCalls{
		isComplete: f.isCompleteCalls,
		contains:   f.containsCalls,
		added:      f.addedCalls,
		update:     f.updateCalls,
		failed:     f.failedCalls,
	}
}

// recordingLogger is a disabled logger that counts the error and debug
// messages written to it.
type recordingLogger struct {
	btclog.Logger

	mu     sync.Mutex
	errors []string
	debugs []string
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{Logger: btclog.Disabled}
}

func (l *recordingLogger) Errorf(format string, params ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.errors = append(l.errors, fmt.Sprintf(format, params...))
}

func (l *recordingLogger) Debugf(format string, params ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.debugs = append(l.debugs, fmt.Sprintf(format, params...))
}

func (l *recordingLogger) counts() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.errors), len(l.debugs)
}

// genBlocks generates a chain of count blocks on top of parent. The seed is
// part of the transactions so that chains generated with different seeds
// fork.
func genBlocks(parent *wire.Block, count int, seed string) []*wire.Block {
	blocks := make([]*wire.Block, count)
	prev := parent.Header
	for i := range blocks {
		txns := [][]byte{[]byte(fmt.Sprintf("%s-%d", seed, i))}
		header := &wire.BlockHeader{
			Number:     prev.Number + 1,
			ParentHash: prev.BlockHash(),
			TxTrieRoot: wire.CalcTxRoot(txns),
			Timestamp:  testTime.Unix() + int64(prev.Number+1),
			Difficulty: uint256.NewInt(1),
		}
		blocks[i] = &wire.Block{Header: header, Transactions: txns}
		prev = header
	}

	return blocks
}

func genesisBlock() *wire.Block {
	return &wire.Block{
		Header: &wire.BlockHeader{
			Timestamp:  testTime.Unix(),
			Difficulty: uint256.NewInt(1),
		},
	}
}

func headersOf(blocks []*wire.Block) []*wire.BlockHeader {
	headers := make([]*wire.BlockHeader, len(blocks))
	for i, b := range blocks {
		headers[i] = b.Header
	}

	return headers
}

func bodiesOf(blocks []*wire.Block) []*wire.BlockBody {
	bodies := make([]*wire.BlockBody, len(blocks))
	for i, b := range blocks {
		bodies[i] = &wire.BlockBody{Transactions: b.Transactions}
	}

	return bodies
}
