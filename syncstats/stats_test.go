package syncstats

import (
	"strings"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)

// TestAvgBlocksPerSec checks the import rate computed from the best block.
func TestAvgBlocksPerSec(t *testing.T) {
	clk := clock.NewTestClock(testTime)
	s := NewStats(100, clk, nil)

	// No time elapsed, nothing is computed.
	s.Update(200)
	require.Zero(t, s.AvgBlocksPerSec())

	clk.SetTime(testTime.Add(10 * time.Second))
	s.Update(200)
	require.InDelta(t, 10.0, s.AvgBlocksPerSec(), 1e-9)

	// A best block below the start block leaves the estimate untouched.
	s.Update(50)
	require.InDelta(t, 10.0, s.AvgBlocksPerSec(), 1e-9)
}

// TestPercentageOfRequestsToPeers checks request shares and their order.
func TestPercentageOfRequestsToPeers(t *testing.T) {
	s := NewStats(0, clock.NewTestClock(testTime), nil)
	require.Nil(t, s.PercentageOfRequestsToPeers())

	s.UpdateTotalRequestsToPeer("peer1", Headers)
	s.UpdateTotalRequestsToPeer("peer1", Bodies)
	s.UpdateTotalRequestsToPeer("peer1", Status)
	s.UpdateTotalRequestsToPeer("peer2", Headers)

	shares := s.PercentageOfRequestsToPeers()
	require.Len(t, shares, 2)
	require.Equal(t, "peer1", shares[0].DisplayID)
	require.InDelta(t, 0.75, shares[0].Share, 1e-9)
	require.Equal(t, "peer2", shares[1].DisplayID)
	require.InDelta(t, 0.25, shares[1].Share, 1e-9)
}

// TestBlockCounters checks the per-peer block counters.
func TestBlockCounters(t *testing.T) {
	s := NewStats(0, clock.NewTestClock(testTime), NopMetrics())

	s.UpdatePeerBlocks("peer1", 3, Received)
	s.UpdatePeerBlocks("peer2", 5, Received)
	s.UpdatePeerBlocks("peer1", 2, Imported)
	s.UpdatePeerBlocks("peer1", 0, Stored)
	s.UpdateTotalBlockRequestsByPeer("peer2", 40)
	s.UpdateTotalBlockRequestsByPeer("peer1", 24)
	s.UpdateTotalBlockRequestsByPeer("peer1", -1)

	require.Equal(t, []PeerCount{
		{DisplayID: "peer2", Count: 5},
		{DisplayID: "peer1", Count: 3},
	}, s.TotalBlocksByPeer(Received))
	require.Equal(t, []PeerCount{
		{DisplayID: "peer1", Count: 2},
	}, s.TotalBlocksByPeer(Imported))
	require.Empty(t, s.TotalBlocksByPeer(Stored))
	require.Equal(t, []PeerCount{
		{DisplayID: "peer2", Count: 40},
		{DisplayID: "peer1", Count: 24},
	}, s.TotalBlockRequestsByPeer())
}

// TestResponseStats checks that responses are matched with requests in
// order and aggregated per peer and overall.
func TestResponseStats(t *testing.T) {
	s := NewStats(0, clock.NewTestClock(testTime), nil)

	// A response without a request is ignored.
	s.UpdateResponseTime("peer1", testTime, Headers)
	require.Empty(t, s.ResponseStats())
	require.Empty(t, s.DumpResponseStats())

	s.UpdateRequestTime("peer1", testTime, Headers)
	s.UpdateRequestTime("peer1", testTime.Add(time.Second), Headers)
	s.UpdateRequestTime("peer2", testTime, Bodies)

	// First response matches the first request: 100ms.
	s.UpdateResponseTime("peer1", testTime.Add(100*time.Millisecond),
		Headers)

	// Second response matches the second request: 300ms.
	s.UpdateResponseTime("peer1", testTime.Add(1300*time.Millisecond),
		Headers)

	s.UpdateResponseTime("peer2", testTime.Add(400*time.Millisecond),
		Bodies)

	// No pending request left for peer1.
	s.UpdateResponseTime("peer1", testTime.Add(5*time.Second), Headers)

	stats := s.ResponseStats()
	require.Equal(t, ResponseStat{
		Average: 200 * time.Millisecond, Count: 2,
	}, stats["peer1"]["headers"])
	require.Equal(t, ResponseStat{
		Average: 200 * time.Millisecond, Count: 2,
	}, stats["peer1"]["all"])
	require.Equal(t, ResponseStat{
		Average: 400 * time.Millisecond, Count: 1,
	}, stats["peer2"]["bodies"])
	require.Equal(t, ResponseStat{
		Average: 200 * time.Millisecond, Count: 2,
	}, stats["overall"]["headers"])
	require.Equal(t, ResponseStat{
		Average: 800 * time.Millisecond / 3, Count: 3,
	}, stats["overall"]["all"])

	dump := s.DumpResponseStats()
	lines := strings.Split(strings.TrimSpace(dump), "\n")
	require.Contains(t, lines[0], "avg. time (ms)")
	require.Contains(t, lines[2], "overall")
	require.Contains(t, dump, "peer2")
	require.Contains(t, dump, "400.00")
}

// TestRequestTypeStrings makes sure every request type has a name.
func TestRequestTypeStrings(t *testing.T) {
	seen := make(map[string]struct{})
	for _, reqType := range RequestTypes {
		name := reqType.String()
		require.NotContains(t, name, "unknown")
		seen[name] = struct{}{}
	}
	require.Len(t, seen, len(RequestTypes))
	require.Contains(t, RequestType(99).String(), "unknown")
}

// TestPrometheusMetrics makes sure the prometheus backed metrics can be
// created and used.
func TestPrometheusMetrics(t *testing.T) {
	m := PrometheusMetrics("test", "chain", "main")
	s := NewStats(0, clock.NewTestClock(testTime), m)

	s.UpdateTotalRequestsToPeer("peer1", Headers)
	s.UpdateRequestTime("peer1", testTime, Headers)
	s.UpdateResponseTime("peer1", testTime.Add(time.Second), Headers)
	s.UpdatePeerBlocks("peer1", 1, Imported)
}

// TestMetricsLabelNames checks that the label names of every metric are kept
// apart when more than two labels are given.
func TestMetricsLabelNames(t *testing.T) {
	labels := make([]string, 3, 8)
	requests := withLabel(labels, "request_type")
	blocks := withLabel(labels, "kind")
	require.Equal(t, "request_type", requests[3])
	require.Equal(t, "kind", blocks[3])
	require.Len(t, labels, 3)

	m := PrometheusMetrics(
		"labels", "chain", "main", "network", "test", "node", "a",
	)
	s := NewStats(0, clock.NewTestClock(testTime), m)

	require.NotPanics(t, func() {
		s.UpdateTotalRequestsToPeer("peer1", Bodies)
		s.UpdateRequestTime("peer1", testTime, Bodies)
		s.UpdateResponseTime(
			"peer1", testTime.Add(time.Second), Bodies,
		)
		s.UpdatePeerBlocks("peer1", 1, Stored)
	})
}
