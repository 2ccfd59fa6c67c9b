// Package syncstats collects the statistics of a synchronization session:
// request shares per peer, block counters, response latencies and the
// import throughput.
package syncstats

import (
	"sort"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
)

// Stats collects synchronization statistics. It is safe for concurrent use.
// Reads of different counters are not atomic with respect to each other.
type Stats struct {
	clock   clock.Clock
	metrics *Metrics

	start      time.Time
	startBlock uint64

	blocksMtx       sync.Mutex
	avgBlocksPerSec float64

	requestsMtx     sync.Mutex
	requestsToPeers map[string]uint64

	peerBlocksMtx sync.Mutex
	blocksByPeer  map[BlockKind]map[string]uint64

	blockRequestsMtx    sync.Mutex
	blockRequestsByPeer map[string]uint64

	responses map[RequestType]*responseTracker
}

// NewStats creates the statistics of a session that started at startBlock.
// A nil clock defaults to the wall clock and nil metrics to NopMetrics.
func NewStats(startBlock uint64, clk clock.Clock, metrics *Metrics) *Stats {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	if metrics == nil {
		metrics = NopMetrics()
	}

	s := &Stats{
		clock:               clk,
		metrics:             metrics,
		start:               clk.Now(),
		startBlock:          startBlock,
		requestsToPeers:     make(map[string]uint64),
		blocksByPeer:        make(map[BlockKind]map[string]uint64),
		blockRequestsByPeer: make(map[string]uint64),
		responses:           make(map[RequestType]*responseTracker),
	}
	for _, kind := range BlockKinds {
		s.blocksByPeer[kind] = make(map[string]uint64)
	}
	for _, reqType := range RequestTypes {
		s.responses[reqType] = newResponseTracker()
	}

	return s
}

// Update recomputes the average import rate given the current best block.
func (s *Stats) Update(bestBlock uint64) {
	elapsed := s.clock.Now().Sub(s.start)
	if elapsed <= 0 || bestBlock < s.startBlock {
		return
	}

	avg := float64(bestBlock-s.startBlock) / elapsed.Seconds()

	s.blocksMtx.Lock()
	s.avgBlocksPerSec = avg
	s.blocksMtx.Unlock()

	s.metrics.BlocksPerSecond.Set(avg)
}

// AvgBlocksPerSec returns the import rate computed by the last Update.
func (s *Stats) AvgBlocksPerSec() float64 {
	s.blocksMtx.Lock()
	defer s.blocksMtx.Unlock()

	return s.avgBlocksPerSec
}

// UpdateTotalRequestsToPeer counts a request of the given type sent to the
// peer.
func (s *Stats) UpdateTotalRequestsToPeer(displayID string,
	reqType RequestType) {

	s.requestsMtx.Lock()
	s.requestsToPeers[displayID]++
	s.requestsMtx.Unlock()

	s.metrics.Requests.With("request_type", reqType.String()).Add(1)
}

// PercentageOfRequestsToPeers returns the share of all requests each peer
// received, in descending order.
func (s *Stats) PercentageOfRequestsToPeers() []PeerShare {
	s.requestsMtx.Lock()
	defer s.requestsMtx.Unlock()

	var total uint64
	for _, n := range s.requestsToPeers {
		total += n
	}
	if total == 0 {
		return nil
	}

	shares := make([]PeerShare, 0, len(s.requestsToPeers))
	for id, n := range s.requestsToPeers {
		shares = append(shares, PeerShare{
			DisplayID: id,
			Share:     float64(n) / float64(total),
		})
	}
	sort.Slice(shares, func(i, j int) bool {
		if shares[i].Share == shares[j].Share {
			return shares[i].DisplayID < shares[j].DisplayID
		}
		return shares[i].Share > shares[j].Share
	})

	return shares
}

// UpdatePeerBlocks adds n blocks of the given kind to the peer's counter.
func (s *Stats) UpdatePeerBlocks(displayID string, n int, kind BlockKind) {
	if n <= 0 {
		return
	}

	s.peerBlocksMtx.Lock()
	s.blocksByPeer[kind][displayID] += uint64(n)
	s.peerBlocksMtx.Unlock()

	s.metrics.Blocks.With("kind", kind.String()).Add(float64(n))
}

// TotalBlocksByPeer returns the non-zero block counters of the given kind
// in descending order.
func (s *Stats) TotalBlocksByPeer(kind BlockKind) []PeerCount {
	s.peerBlocksMtx.Lock()
	defer s.peerBlocksMtx.Unlock()

	return sortedCounts(s.blocksByPeer[kind])
}

// UpdateTotalBlockRequestsByPeer adds n requested blocks to the peer's
// counter.
func (s *Stats) UpdateTotalBlockRequestsByPeer(displayID string, n int) {
	if n <= 0 {
		return
	}

	s.blockRequestsMtx.Lock()
	s.blockRequestsByPeer[displayID] += uint64(n)
	s.blockRequestsMtx.Unlock()
}

// TotalBlockRequestsByPeer returns the number of blocks requested from each
// peer in descending order.
func (s *Stats) TotalBlockRequestsByPeer() []PeerCount {
	s.blockRequestsMtx.Lock()
	defer s.blockRequestsMtx.Unlock()

	return sortedCounts(s.blockRequestsByPeer)
}

// UpdateRequestTime records that a request of the given type was sent to
// the peer at t.
func (s *Stats) UpdateRequestTime(displayID string, t time.Time,
	reqType RequestType) {

	s.responses[reqType].addRequest(displayID, t)
}

// UpdateResponseTime records that a response of the given type was received
// from the peer at t. Responses without an outstanding request are ignored.
func (s *Stats) UpdateResponseTime(displayID string, t time.Time,
	reqType RequestType) {

	latency, ok := s.responses[reqType].addResponse(displayID, t)
	if !ok {
		return
	}

	name := reqType.String()
	s.metrics.Responses.With("request_type", name).Add(1)
	s.metrics.ResponseSeconds.With("request_type", name).Observe(
		latency.Seconds(),
	)
}

func sortedCounts(counts map[string]uint64) []PeerCount {
	out := make([]PeerCount, 0, len(counts))
	for id, n := range counts {
		if n == 0 {
			continue
		}
		out = append(out, PeerCount{DisplayID: id, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count == out[j].Count {
			return out[i].DisplayID < out[j].DisplayID
		}
		return out[i].Count > out[j].Count
	})

	return out
}
