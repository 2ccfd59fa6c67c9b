// Package headerreq keeps track of the header requests made to each peer
// during synchronization and of the header batches received in response,
// until they are matched with the corresponding block bodies.
package headerreq

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/holiman/uint256"
	"github.com/lightninglabs/blocksync/peer"
	"github.com/lightninglabs/blocksync/syncstats"
	"github.com/lightninglabs/blocksync/wire"
	"github.com/lightningnetwork/lnd/clock"
)

const (
	// FarOverlappingBlocks is the number of already known blocks included
	// in a request when the local chain is far behind the network.
	//
	// NOTE: must be odd so that overlapping responses never have the same
	// size as a regular request.
	FarOverlappingBlocks = 3

	// CloseOverlappingBlocks is the number of already known blocks included
	// in a request when the local chain is close to the network best.
	//
	// NOTE: must be odd, see FarOverlappingBlocks.
	CloseOverlappingBlocks = 15

	// SwitchOverlappingBlocksRange is the distance to the network best
	// below which the local chain is considered close to it.
	SwitchOverlappingBlocksRange = 128

	// MinRequestSize is the smallest number of headers requested at once.
	//
	// NOTE: must be even.
	MinRequestSize = 24

	// MaxRequestSize is the largest number of headers requested at once.
	//
	// NOTE: must be even and larger than MinRequestSize.
	MaxRequestSize = 40

	// BackwardSyncStep is the number of blocks the request base moves back
	// in ModeBackward while looking for the fork point.
	BackwardSyncStep = 128

	// MaxBlockDiff caps how far ahead of the local chain requests are made
	// to all available peers. Beyond it a single peer is used.
	MaxBlockDiff = 10_000

	// MaxRequestsPerSecond is the number of header requests a single peer
	// can receive in one second.
	MaxRequestsPerSecond = 2
)

var (
	// ErrNilClock is returned when the manager is created without a
	// clock.
	ErrNilClock = errors.New("nil clock")

	// ErrInvalidRequestSize is returned when the request size range is not
	// usable.
	ErrInvalidRequestSize = errors.New("invalid request size range")
)

// Config holds the configuration of a Manager.
type Config struct {
	// Clock is used to enforce the request rate of each peer.
	Clock clock.Clock

	// Seed seeds the selection of the peer used for single requests. A
	// zero seed is replaced by one derived from the clock.
	Seed int64

	// MinRequestSize and MaxRequestSize bound the number of headers per
	// request. They default to the package constants when zero.
	MinRequestSize int
	MaxRequestSize int
}

func (c *Config) validate() error {
	if c.Clock == nil {
		return ErrNilClock
	}
	if c.MinRequestSize%2 != 0 || c.MaxRequestSize%2 != 0 {
		return fmt.Errorf("%w: sizes %d and %d must be even",
			ErrInvalidRequestSize, c.MinRequestSize,
			c.MaxRequestSize)
	}
	if c.MinRequestSize <= 0 || c.MinRequestSize >= c.MaxRequestSize {
		return fmt.Errorf("%w: min %d must be positive and below "+
			"max %d", ErrInvalidRequestSize, c.MinRequestSize,
			c.MaxRequestSize)
	}

	return nil
}

// Manager tracks the header request state of every active peer and the
// header batches received from them. It is safe for concurrent use.
type Manager struct {
	cfg Config

	mtx sync.Mutex

	rand *rand.Rand

	// booked holds the peers that reached their request rate, available
	// the ones that can be sent a request.
	booked    map[int]*PeerSyncState
	available map[int]*PeerSyncState

	// stored holds the received header batches of each peer by batch
	// size, oldest first.
	stored map[int]map[int][]*HeadersWrapper

	// requested holds the stored batches whose bodies were requested.
	requested mapset.Set[*HeadersWrapper]

	knownActive mapset.Set[int]

	localHeight   uint64
	networkHeight uint64
	requestHeight uint64

	lastRequestID uint64
}

// NewManager creates a Manager with the given configuration.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.MinRequestSize == 0 {
		cfg.MinRequestSize = MinRequestSize
	}
	if cfg.MaxRequestSize == 0 {
		cfg.MaxRequestSize = MaxRequestSize
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid header request config: %w", err)
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = cfg.Clock.Now().UnixNano()
	}
	log.Debugf("Header request manager random seed = %d", seed)

	return &Manager{
		cfg:         cfg,
		rand:        rand.New(rand.NewSource(seed)),
		booked:      make(map[int]*PeerSyncState),
		available:   make(map[int]*PeerSyncState),
		stored:      make(map[int]map[int][]*HeadersWrapper),
		requested:   mapset.NewThreadUnsafeSet[*HeadersWrapper](),
		knownActive: mapset.NewThreadUnsafeSet[int](),
	}, nil
}

// SendHeadersRequests refreshes the tracked peers from the registry and sends
// the next header request to every available peer whose total difficulty is
// at least td. It returns the number of requests sent.
func (m *Manager) SendHeadersRequests(best uint64, td *uint256.Int,
	registry peer.Registry, stats *syncstats.Stats) int {

	m.mtx.Lock()
	defer m.mtx.Unlock()

	current := make(map[int]*peer.Node)
	for id, node := range registry.ActiveNodes() {
		if node.HasTotalDifficulty(td) {
			current[id] = node
		}
	}

	m.updateActiveNodes(current)

	distantFuture := m.requestHeight <= m.localHeight+MaxBlockDiff
	if !distantFuture {
		log.Debugf("Request height %d is too far ahead of local "+
			"height %d, using a single peer", m.requestHeight,
			m.localHeight)
	}

	var sent int
	for _, state := range m.updateStatesForRequests(distantFuture, best) {
		// A request above the peer's best block would return
		// nothing, so the base is reset for the next attempt.
		if state.BestNumber != 0 && state.From > state.BestNumber {
			state.From = 0
			continue
		}

		registry.Send(state.ID, state.DisplayID, &wire.MsgGetHeaders{
			From:  state.From,
			Count: uint32(state.Size),
		})

		m.requestHeight = maxUint64(
			m.requestHeight, state.From+uint64(state.Size),
		)

		now := m.cfg.Clock.Now()
		state.saveRequestTime(now)
		state.LastRequestID++
		delete(m.available, state.ID)
		m.booked[state.ID] = state

		log.Debugf("Sent getheaders (mode=%v, from=%d, size=%d) to "+
			"peer %s", state.Mode, state.From, state.Size,
			state.DisplayID)

		if stats != nil {
			stats.UpdateTotalRequestsToPeer(
				state.DisplayID, syncstats.Status,
			)
			stats.UpdateRequestTime(
				state.DisplayID, now, syncstats.Headers,
			)
		}
		sent++
	}

	log.Tracef("Made %d header request(s)", sent)

	return sent
}

// updateActiveNodes drops the state of peers that are no longer active,
// creates the state of new peers, updates the best block of known peers and
// the network height, then makes booked peers available when their request
// rate allows it.
//
// NOTE: m.mtx must be held.
func (m *Manager) updateActiveNodes(current map[int]*peer.Node) {
	currentIDs := mapset.NewThreadUnsafeSetWithSize[int](len(current))
	for id := range current {
		currentIDs.Add(id)
	}

	dropped := m.knownActive.Difference(currentIDs)
	for id := range m.stored {
		if !currentIDs.Contains(id) {
			dropped.Add(id)
		}
	}
	dropped.Each(func(id int) bool {
		for _, batches := range m.stored[id] {
			for _, w := range batches {
				m.requested.Remove(w)
			}
		}
		delete(m.stored, id)
		delete(m.booked, id)
		delete(m.available, id)

		log.Debugf("Dropped header request state of inactive peer "+
			"%d", id)

		return false
	})

	for id, node := range current {
		if state := m.stateOf(id); state != nil {
			if node.BestNumber > state.BestNumber {
				state.BestNumber = node.BestNumber
			}
		} else {
			m.available[id] = newPeerSyncState(
				id, node.DisplayID, node.BestNumber,
				m.cfg.MinRequestSize,
			)
		}

		m.networkHeight = maxUint64(m.networkHeight, node.BestNumber)
	}

	m.knownActive = currentIDs

	now := m.cfg.Clock.Now()
	for id, state := range m.booked {
		if state.tryMakeAvailable(now) {
			delete(m.booked, id)
			m.available[id] = state
		}
	}
}

// updateStatesForRequests prepares the request windows of the available
// peers, or of a single random one when distantFuture is false, and returns
// the updated states.
//
// The first window starts at the local best block minus an overlap that is
// small when the network is far ahead and larger when close to the tip.
// Following windows continue where the previous one ended. Sizes cycle
// through the even numbers of the request size range so that consecutive
// responses from the same peer can be told apart by their size.
//
// NOTE: m.mtx must be held.
func (m *Manager) updateStatesForRequests(distantFuture bool,
	best uint64) []*PeerSyncState {

	m.localHeight = maxUint64(m.localHeight, best)

	var nextFrom uint64
	if m.networkHeight >= best+SwitchOverlappingBlocksRange {
		nextFrom = subFloorOne(best, FarOverlappingBlocks)
	} else {
		nextFrom = subFloorOne(best, CloseOverlappingBlocks)
	}

	if len(m.available) == 0 {
		return nil
	}

	states := make([]*PeerSyncState, 0, len(m.available))
	for _, state := range m.available {
		states = append(states, state)
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].ID < states[j].ID
	})

	if !distantFuture {
		states = []*PeerSyncState{states[m.rand.Intn(len(states))]}
	}

	for _, state := range states {
		nextSize := state.Size - 2
		if nextSize < m.cfg.MinRequestSize {
			nextSize = m.cfg.MaxRequestSize
		}

		switch state.Mode {
		case ModeBackward:
			state.From = subFloorOne(state.From, BackwardSyncStep)
			state.Size = nextSize

		case ModeForward:
			state.From += uint64(state.Size)
			state.Size = nextSize

		case ModeInitial, ModeNormal:
			// A window with this base was already requested from
			// the peer, so move past it.
			if state.From == nextFrom {
				nextFrom += uint64(state.Size)
			}

			state.From = nextFrom
			state.Mode = ModeNormal
			state.Size = nextSize

			nextFrom = maxUint64(
				m.requestHeight, nextFrom+uint64(nextSize),
			)
		}
	}

	return states
}

// StoreHeaders keeps a batch of headers received from the peer until it is
// matched with the corresponding bodies. The peer becomes available for new
// requests if its rate allows it. Nil is returned for an empty batch.
func (m *Manager) StoreHeaders(peerID int, displayID string,
	headers []*wire.BlockHeader) *HeadersWrapper {

	m.mtx.Lock()
	defer m.mtx.Unlock()

	wrapper, err := NewHeadersWrapper(
		peerID, displayID, m.lastRequestID+1, headers,
	)
	if err != nil {
		log.Debugf("Ignoring headers from peer %s: %v", displayID, err)
		return nil
	}
	m.lastRequestID++

	now := m.cfg.Clock.Now()
	wrapper.Received = now

	peerHeaders, ok := m.stored[peerID]
	if !ok {
		peerHeaders = make(map[int][]*HeadersWrapper)
		m.stored[peerID] = peerHeaders
	}
	size := wrapper.Size()
	peerHeaders[size] = append(peerHeaders[size], wrapper)

	if state, ok := m.booked[peerID]; ok && state.tryMakeAvailable(now) {
		delete(m.booked, peerID)
		m.available[peerID] = state
	}

	log.Debugf("Stored %v", wrapper)
	log.Tracef("Stored headers: %v", newLogClosure(func() string {
		return describeHeaders(wrapper.Headers)
	}))

	return wrapper
}

// MatchHeaders returns the oldest batch of the given size stored for the
// peer without removing it, or nil if there is none.
func (m *Manager) MatchHeaders(peerID, size int) *HeadersWrapper {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	batches := m.stored[peerID][size]
	if len(batches) == 0 {
		return nil
	}

	return batches[0]
}

// MatchAndDropHeaders removes and returns the oldest batch of the given size
// stored for the peer whose first header commits to txRoot, or nil if there
// is none.
func (m *Manager) MatchAndDropHeaders(peerID, size int,
	txRoot chainhash.Hash) *HeadersWrapper {

	m.mtx.Lock()
	defer m.mtx.Unlock()

	for i, w := range m.stored[peerID][size] {
		if w.Headers[0].TxTrieRoot != txRoot {
			continue
		}

		m.removeAt(peerID, size, i)
		log.Debugf("Matched %v", w)

		return w
	}

	log.Debugf("No headers of size %d with tx root %v stored for peer %d",
		size, txRoot, peerID)

	return nil
}

// MatchAndSplitHeaders handles a response carrying the bodies of only the
// first size headers of a requested batch. It takes the oldest requested
// batch larger than size whose first header commits to txRoot, returns its
// first size headers and stores the rest, not yet requested, ahead of the
// other batches of their size. Nil is returned if there is no such batch.
func (m *Manager) MatchAndSplitHeaders(peerID, size int,
	txRoot chainhash.Hash) *HeadersWrapper {

	if size <= 0 {
		return nil
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()

	var match *HeadersWrapper
	for _, batches := range m.stored[peerID] {
		for _, w := range batches {
			if w.Size() <= size || !m.requested.Contains(w) ||
				w.Headers[0].TxTrieRoot != txRoot {

				continue
			}
			if match == nil || w.RequestID < match.RequestID {
				match = w
			}
			break
		}
	}
	if match == nil {
		return nil
	}

	m.drop(peerID, match)

	head, _ := NewHeadersWrapper(
		peerID, match.DisplayID, match.RequestID, match.Headers[:size],
	)
	head.Received = match.Received

	rest, _ := NewHeadersWrapper(
		peerID, match.DisplayID, match.RequestID, match.Headers[size:],
	)
	rest.Received = match.Received
	m.storeFront(peerID, rest)

	log.Debugf("Matched %v, kept %v", head, rest)

	return head
}

// HeadersForBodiesRequests returns the batches stored for the peer whose
// bodies were not requested yet, ordered by size and then oldest first.
func (m *Manager) HeadersForBodiesRequests(peerID int) []*HeadersWrapper {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	peerHeaders := m.stored[peerID]

	sizes := make([]int, 0, len(peerHeaders))
	for size := range peerHeaders {
		sizes = append(sizes, size)
	}
	sort.Ints(sizes)

	var out []*HeadersWrapper
	for _, size := range sizes {
		for _, w := range peerHeaders[size] {
			if !m.requested.Contains(w) {
				out = append(out, w)
			}
		}
	}

	return out
}

// SetRequested marks the stored batch as requested so that it is no longer
// returned by HeadersForBodiesRequests. It returns false if the batch is not
// stored for the peer.
func (m *Manager) SetRequested(peerID int, wrapper *HeadersWrapper) bool {
	if wrapper == nil {
		return false
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()

	for _, w := range m.stored[peerID][wrapper.Size()] {
		if w == wrapper {
			m.requested.Add(w)
			return true
		}
	}

	return false
}

// DropHeaders removes the given batch from the ones stored for the peer. It
// returns false if the batch is not stored.
func (m *Manager) DropHeaders(peerID int, wrapper *HeadersWrapper) bool {
	if wrapper == nil {
		return false
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()

	return m.drop(peerID, wrapper)
}

// ReplaceHeaders removes the given batch and stores the remaining headers in
// its place, ahead of every other batch of their size. It returns the new
// batch, or nil if old is not stored or no header remains.
func (m *Manager) ReplaceHeaders(peerID int, old *HeadersWrapper,
	headers []*wire.BlockHeader) *HeadersWrapper {

	if old == nil {
		return nil
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()

	if !m.drop(peerID, old) {
		return nil
	}

	wrapper, err := NewHeadersWrapper(
		peerID, old.DisplayID, old.RequestID, headers,
	)
	if err != nil {
		return nil
	}
	wrapper.Received = old.Received
	m.storeFront(peerID, wrapper)

	log.Debugf("Replaced request %d from peer %s with %v", old.RequestID,
		old.DisplayID, wrapper)

	return wrapper
}

// storeFront stores the batch ahead of the other batches of its size.
//
// NOTE: m.mtx must be held.
func (m *Manager) storeFront(peerID int, wrapper *HeadersWrapper) {
	peerHeaders, ok := m.stored[peerID]
	if !ok {
		peerHeaders = make(map[int][]*HeadersWrapper)
		m.stored[peerID] = peerHeaders
	}
	size := wrapper.Size()
	peerHeaders[size] = append(
		[]*HeadersWrapper{wrapper}, peerHeaders[size]...,
	)
}

// drop removes the exact wrapper from the peer's stored batches.
//
// NOTE: m.mtx must be held.
func (m *Manager) drop(peerID int, wrapper *HeadersWrapper) bool {
	size := wrapper.Size()
	for i, w := range m.stored[peerID][size] {
		if w == wrapper {
			m.removeAt(peerID, size, i)
			return true
		}
	}

	return false
}

// removeAt deletes the i-th batch of the given size stored for the peer.
//
// NOTE: m.mtx must be held.
func (m *Manager) removeAt(peerID, size, i int) {
	peerHeaders := m.stored[peerID]
	batches := peerHeaders[size]
	m.requested.Remove(batches[i])

	copy(batches[i:], batches[i+1:])
	batches[len(batches)-1] = nil
	batches = batches[:len(batches)-1]

	if len(batches) == 0 {
		delete(peerHeaders, size)
		return
	}
	peerHeaders[size] = batches
}

// RunInMode sets the request mode of the peer. Unknown peers are ignored.
func (m *Manager) RunInMode(peerID int, mode Mode) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	state := m.stateOf(peerID)
	if state == nil {
		return
	}

	log.Debugf("Changing request mode of peer %s from %v to %v",
		state.DisplayID, state.Mode, mode)

	state.Mode = mode
}

// SyncMode returns the request mode of the peer and false if the peer is
// unknown.
func (m *Manager) SyncMode(peerID int) (Mode, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	state := m.stateOf(peerID)
	if state == nil {
		return ModeInitial, false
	}

	return state.Mode, true
}

// SetRequestBase sets the base of the next request to the peer. It returns
// false if the peer is unknown.
func (m *Manager) SetRequestBase(peerID int, from uint64) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	state := m.stateOf(peerID)
	if state == nil {
		return false
	}
	state.From = from

	return true
}

// PeerStates returns a copy of the state of every tracked peer ordered by
// peer id.
func (m *Manager) PeerStates() []PeerSyncState {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	out := make([]PeerSyncState, 0, len(m.booked)+len(m.available))
	for _, states := range []map[int]*PeerSyncState{m.booked, m.available} {
		for _, state := range states {
			s := *state
			s.requests = state.RequestTimes()
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})

	return out
}

// Heights returns the local height, the highest height reported by a peer
// and the highest height requested so far.
func (m *Manager) Heights() (local, network, requested uint64) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	return m.localHeight, m.networkHeight, m.requestHeight
}

// stateOf returns the state of the peer whether it is booked or available.
//
// NOTE: m.mtx must be held.
func (m *Manager) stateOf(peerID int) *PeerSyncState {
	if state, ok := m.booked[peerID]; ok {
		return state
	}

	return m.available[peerID]
}

func describeHeaders(headers []*wire.BlockHeader) string {
	parts := make([]string, len(headers))
	for i, h := range headers {
		parts[i] = h.String()
	}

	return "[" + strings.Join(parts, ", ") + "]"
}

// subFloorOne returns n-d, floored at one.
func subFloorOne(n, d uint64) uint64 {
	if n <= d+1 {
		return 1
	}

	return n - d
}

func maxUint64(a, b uint64) uint64 {
	if a > b {
		return a
	}

	return b
}
