package headerreq

import (
	"fmt"
	"time"
)

// PeerSyncState is the header request state kept for one active peer.
type PeerSyncState struct {
	// ID is the handle of the peer.
	ID int

	// DisplayID is the short identifier of the peer.
	DisplayID string

	// BestNumber is the highest block number the peer claimed to have.
	BestNumber uint64

	// Mode is the request strategy used for the peer.
	Mode Mode

	// From is the first block number of the next request.
	From uint64

	// Size is the number of headers of the next request.
	Size int

	// LastRequestID counts the header requests sent to the peer.
	LastRequestID uint64

	// requests holds the times of the latest header requests, oldest
	// first. At most MaxRequestsPerSecond entries are kept.
	requests []time.Time
}

func newPeerSyncState(id int, displayID string, best uint64,
	minSize int) *PeerSyncState {

	return &PeerSyncState{
		ID:         id,
		DisplayID:  displayID,
		BestNumber: best,
		Mode:       ModeInitial,
		Size:       minSize,
	}
}

// saveRequestTime records that a header request was made at t.
func (s *PeerSyncState) saveRequestTime(t time.Time) {
	s.requests = append(s.requests, t)
}

// tryMakeAvailable returns true if a new request may be sent to the peer at
// now. Once the limit of requests is reached, the oldest one is forgotten
// as soon as it is more than a second old.
func (s *PeerSyncState) tryMakeAvailable(now time.Time) bool {
	if len(s.requests) < MaxRequestsPerSecond {
		return true
	}

	if now.Sub(s.requests[0]) <= time.Second {
		return false
	}

	s.requests = append(s.requests[:0], s.requests[1:]...)

	return true
}

// RequestTimes returns a copy of the recorded request times.
func (s *PeerSyncState) RequestTimes() []time.Time {
	return append([]time.Time(nil), s.requests...)
}

// String returns a compact description of the state used in logs.
func (s *PeerSyncState) String() string {
	return fmt.Sprintf("%s (id=%d, mode=%v, from=%d, size=%d, best=%d)",
		s.DisplayID, s.ID, s.Mode, s.From, s.Size, s.BestNumber)
}
