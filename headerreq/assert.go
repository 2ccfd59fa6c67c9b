package headerreq

import (
	"fmt"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/lightninglabs/blocksync/peer"
)

// AssertUpdateActiveNodes refreshes the tracked peers with the given active
// nodes and compares the resulting internal state with the expectations. Nil
// expectations are not checked. The returned string explains the first
// mismatch.
func (m *Manager) AssertUpdateActiveNodes(current map[int]*peer.Node,
	expectedStored, expectedBooked, expectedAvailable, expectedKnown []int,
	expectedNetworkHeight *uint64) (bool, string) {

	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.updateActiveNodes(current)

	checks := []struct {
		name     string
		expected []int
		actual   mapset.Set[int]
	}{
		{"stored headers", expectedStored, keySet(m.stored)},
		{"booked states", expectedBooked, keySet(m.booked)},
		{"available states", expectedAvailable, keySet(m.available)},
		{"known peers", expectedKnown, m.knownActive},
	}
	for _, check := range checks {
		if check.expected == nil {
			continue
		}

		expected := mapset.NewThreadUnsafeSet(check.expected...)
		if !expected.Equal(check.actual) {
			return false, fmt.Sprintf("the %s were not correctly "+
				"updated: expected=%v, actual=%v", check.name,
				sorted(expected), sorted(check.actual))
		}
	}

	if expectedNetworkHeight != nil &&
		*expectedNetworkHeight != m.networkHeight {

		return false, fmt.Sprintf("the network height was not "+
			"correctly updated: expected=%d, actual=%d",
			*expectedNetworkHeight, m.networkHeight)
	}

	return true, "expected output matched"
}

// AssertUpdateStatesForRequests prepares the request windows of all
// available peers for the given best block and compares the resulting bases
// and sizes with the expectations. Nil expectations are not checked.
func (m *Manager) AssertUpdateStatesForRequests(best uint64,
	expectedFrom map[int]uint64, expectedSize map[int]int) (bool, string) {

	m.mtx.Lock()
	defer m.mtx.Unlock()

	states := make(map[int]*PeerSyncState)
	for _, state := range m.updateStatesForRequests(true, best) {
		states[state.ID] = state
	}

	if expectedFrom != nil {
		if !keySet(expectedFrom).Equal(keySet(states)) {
			return false, fmt.Sprintf("the returned states do not "+
				"match: expected=%v, actual=%v",
				sorted(keySet(expectedFrom)),
				sorted(keySet(states)))
		}
		for id, from := range expectedFrom {
			if states[id].From != from {
				return false, fmt.Sprintf("the base for %v does "+
					"not match: expected=%d, actual=%d",
					states[id], from, states[id].From)
			}
		}
	}

	if expectedSize != nil {
		if !keySet(expectedSize).Equal(keySet(states)) {
			return false, fmt.Sprintf("the returned states do not "+
				"match: expected=%v, actual=%v",
				sorted(keySet(expectedSize)),
				sorted(keySet(states)))
		}
		for id, size := range expectedSize {
			if states[id].Size != size {
				return false, fmt.Sprintf("the size for %v does "+
					"not match: expected=%d, actual=%d",
					states[id], size, states[id].Size)
			}
		}
	}

	return true, "expected output matched"
}

func keySet[V any](m map[int]V) mapset.Set[int] {
	s := mapset.NewThreadUnsafeSetWithSize[int](len(m))
	for k := range m {
		s.Add(k)
	}

	return s
}

func sorted(s mapset.Set[int]) []int {
	out := s.ToSlice()
	sort.Ints(out)

	return out
}
