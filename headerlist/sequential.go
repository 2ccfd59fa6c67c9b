package headerlist

import "sort"

// Header is the minimal view of a block header needed to keep it ordered.
type Header interface {
	// BlockNumber returns the height of the header.
	BlockNumber() uint64
}

// Sequential is an ordered buffer of headers keyed by block number. Headers
// may arrive out of order or with gaps: every distinct number at or above
// the lowest stored one is retained, while only the run of consecutive
// numbers starting at the minimum is reported by Contiguous.
//
// NOTE: Sequential is not safe for concurrent use.
type Sequential[H Header] struct {
	headers []H
}

// NewSequential creates an empty Sequential buffer with room for capacity
// headers.
func NewSequential[H Header](capacity int) *Sequential[H] {
	return &Sequential[H]{
		headers: make([]H, 0, capacity),
	}
}

// AddAll inserts the given headers. Once the buffer is non-empty, headers
// with a number lower than the current minimum are ignored since the buffer
// only extends forward. A header whose number is already present is
// ignored as well, so the first header stored for a number wins.
func (s *Sequential[H]) AddAll(headers ...H) {
	if len(headers) == 0 {
		return
	}

	// The minimum is captured before inserting so that, for an empty
	// buffer, every header in the batch is a candidate regardless of the
	// order in which it arrives.
	empty := len(s.headers) == 0
	var min uint64
	if !empty {
		min = s.headers[0].BlockNumber()
	}

	for _, h := range headers {
		number := h.BlockNumber()
		if !empty && number < min {
			continue
		}

		i := s.search(number)
		if i < len(s.headers) && s.headers[i].BlockNumber() == number {
			continue
		}

		var zero H
		s.headers = append(s.headers, zero)
		copy(s.headers[i+1:], s.headers[i:])
		s.headers[i] = h
	}
}

// search returns the index at which a header with the given number is, or
// would be inserted.
func (s *Sequential[H]) search(number uint64) int {
	return sort.Search(len(s.headers), func(i int) bool {
		return s.headers[i].BlockNumber() >= number
	})
}

// Len returns the number of distinct block numbers stored, including the
// ones after a gap.
func (s *Sequential[H]) Len() int {
	return len(s.headers)
}

// Get returns the header with the i-th smallest stored number. Callers that
// need consecutive numbers must stay within ContiguousLen.
func (s *Sequential[H]) Get(i int) H {
	return s.headers[i]
}

// ContiguousLen returns the length of the run of consecutive block numbers
// starting at the lowest stored number.
func (s *Sequential[H]) ContiguousLen() int {
	if len(s.headers) == 0 {
		return 0
	}

	first := s.headers[0].BlockNumber()
	n := 1
	for n < len(s.headers) &&
		s.headers[n].BlockNumber() == first+uint64(n) {

		n++
	}

	return n
}

// Contiguous returns a copy of the headers that form the consecutive run
// starting at the lowest stored number.
func (s *Sequential[H]) Contiguous() []H {
	n := s.ContiguousLen()
	out := make([]H, n)
	copy(out, s.headers[:n])

	return out
}
