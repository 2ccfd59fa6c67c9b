package syncstats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// overallID is the pseudo peer under which aggregate values over all
	// peers are reported.
	overallID = "overall"

	// allTypes is the pseudo request type under which aggregate values over
	// all request types are reported.
	allTypes = "all"
)

// ResponseStat summarises the latency of the responses received for one
// request type.
type ResponseStat struct {
	// Average is the mean time between a request and its response.
	Average time.Duration

	// Count is the number of responses matched to a request.
	Count int
}

// merge folds other into r, weighting both averages by their counts.
func (r ResponseStat) merge(other ResponseStat) ResponseStat {
	total := r.Count + other.Count
	if total == 0 {
		return ResponseStat{}
	}

	avg := (float64(r.Average)*float64(r.Count) +
		float64(other.Average)*float64(other.Count)) / float64(total)

	return ResponseStat{Average: time.Duration(avg), Count: total}
}

// peerResponses holds the request times still waiting for a response and the
// running latency average of one peer.
type peerResponses struct {
	pending []time.Time
	avg     float64
	count   int
}

// responseTracker matches requests and responses of a single request type.
type responseTracker struct {
	mtx   sync.Mutex
	peers map[string]*peerResponses
}

func newResponseTracker() *responseTracker {
	return &responseTracker{
		peers: make(map[string]*peerResponses),
	}
}

func (r *responseTracker) peer(displayID string) *peerResponses {
	p, ok := r.peers[displayID]
	if !ok {
		p = &peerResponses{}
		r.peers[displayID] = p
	}

	return p
}

// addRequest records that a request was sent at t.
func (r *responseTracker) addRequest(displayID string, t time.Time) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	p := r.peer(displayID)
	p.pending = append(p.pending, t)
}

// addResponse matches a response received at t with the oldest pending
// request. It returns the measured latency and false if there was no
// request to match.
func (r *responseTracker) addResponse(displayID string,
	t time.Time) (time.Duration, bool) {

	r.mtx.Lock()
	defer r.mtx.Unlock()

	p, ok := r.peers[displayID]
	if !ok || len(p.pending) == 0 {
		return 0, false
	}

	requested := p.pending[0]
	p.pending[0] = time.Time{}
	p.pending = p.pending[1:]

	latency := t.Sub(requested)
	if latency < 0 {
		latency = 0
	}

	p.avg = (p.avg*float64(p.count) + float64(latency)) /
		float64(p.count+1)
	p.count++

	return latency, true
}

// snapshot returns the latency summary of every peer that received at least
// one matched response.
func (r *responseTracker) snapshot() map[string]ResponseStat {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	out := make(map[string]ResponseStat, len(r.peers))
	for id, p := range r.peers {
		if p.count == 0 {
			continue
		}
		out[id] = ResponseStat{
			Average: time.Duration(p.avg),
			Count:   p.count,
		}
	}

	return out
}

// ResponseStats returns the response latencies keyed by peer display id and
// then by request type name. Every peer has an "all" entry aggregating its
// request types, and the "overall" peer aggregates every peer.
func (s *Stats) ResponseStats() map[string]map[string]ResponseStat {
	out := make(map[string]map[string]ResponseStat)

	for _, reqType := range RequestTypes {
		name := reqType.String()
		for id, stat := range s.responses[reqType].snapshot() {
			for _, key := range []string{id, overallID} {
				if out[key] == nil {
					out[key] = make(map[string]ResponseStat)
				}
				out[key][name] = out[key][name].merge(stat)
				out[key][allTypes] = out[key][allTypes].merge(stat)
			}
		}
	}

	return out
}

// DumpResponseStats renders ResponseStats as a table with one row per peer
// and request type. An empty string is returned when no response was
// matched yet.
func (s *Stats) DumpResponseStats() string {
	stats := s.ResponseStats()
	if len(stats) == 0 {
		return ""
	}

	peers := make([]string, 0, len(stats))
	for id := range stats {
		if id != overallID {
			peers = append(peers, id)
		}
	}
	sort.Strings(peers)
	peers = append([]string{overallID}, peers...)

	names := []string{allTypes}
	for _, reqType := range RequestTypes {
		names = append(names, reqType.String())
	}

	var b strings.Builder
	b.WriteString("\n")
	fmt.Fprintf(&b, "  %-10s %-10s %16s %10s\n", "peer", "request",
		"avg. time (ms)", "responses")
	b.WriteString("  " + strings.Repeat("-", 49) + "\n")

	for _, id := range peers {
		for _, name := range names {
			stat, ok := stats[id][name]
			if !ok {
				continue
			}

			ms := float64(stat.Average) / float64(time.Millisecond)
			fmt.Fprintf(&b, "  %-10s %-10s %16.2f %10d\n", id,
				name, ms, stat.Count)
		}
	}

	return b.String()
}
