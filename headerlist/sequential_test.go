package headerlist

import (
	"sort"
	"testing"

	"github.com/lightninglabs/blocksync/wire"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type testHeader struct {
	number uint64
	tag    string
}

func (h testHeader) BlockNumber() uint64 {
	return h.number
}

func headers(numbers ...uint64) []testHeader {
	hs := make([]testHeader, len(numbers))
	for i, n := range numbers {
		hs[i] = testHeader{number: n}
	}

	return hs
}

func numbersOf(s *Sequential[testHeader]) []uint64 {
	out := make([]uint64, s.Len())
	for i := 0; i < s.Len(); i++ {
		out[i] = s.Get(i).BlockNumber()
	}

	return out
}

// TestSequentialAddAll checks the insertion policy of the sequential header
// buffer.
func TestSequentialAddAll(t *testing.T) {
	tests := []struct {
		name          string
		batches       [][]uint64
		expected      []uint64
		contiguousLen int
	}{
		{
			name:          "empty batch",
			batches:       [][]uint64{{}},
			expected:      []uint64{},
			contiguousLen: 0,
		},
		{
			name:          "gaps are retained",
			batches:       [][]uint64{{0, 1, 2, 10, 3, 7, 4, 8, 2, 1, 0}},
			expected:      []uint64{0, 1, 2, 3, 4, 7, 8, 10},
			contiguousLen: 5,
		},
		{
			name: "gaps are filled",
			batches: [][]uint64{
				{0, 1, 2, 10, 3, 7, 4, 8, 2, 1, 0},
				{5, 6, 9},
			},
			expected:      []uint64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
			contiguousLen: 11,
		},
		{
			name:          "lower numbers rejected",
			batches:       [][]uint64{{3}, {0, 1, 2}},
			expected:      []uint64{3},
			contiguousLen: 1,
		},
		{
			name:          "same number as the tip",
			batches:       [][]uint64{{3}, {3}},
			expected:      []uint64{3},
			contiguousLen: 1,
		},
		{
			name:          "unsorted first batch",
			batches:       [][]uint64{{5, 3, 4}},
			expected:      []uint64{3, 4, 5},
			contiguousLen: 3,
		},
		{
			name:          "mixed batch after first insert",
			batches:       [][]uint64{{3}, {1, 4, 2, 6}},
			expected:      []uint64{3, 4, 6},
			contiguousLen: 2,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			s := NewSequential[testHeader](0)
			for _, batch := range test.batches {
				s.AddAll(headers(batch...)...)
			}

			require.Equal(t, test.expected, numbersOf(s))
			require.Equal(t, test.contiguousLen, s.ContiguousLen())
			require.Len(t, s.Contiguous(), test.contiguousLen)
		})
	}
}

// TestSequentialGetMatchesIndex fills all gaps and checks that every index
// maps to the same block number.
func TestSequentialGetMatchesIndex(t *testing.T) {
	s := NewSequential[testHeader](16)
	s.AddAll(headers(0, 1, 2, 10, 3, 7, 4, 8, 2, 1, 0)...)
	s.AddAll(headers(5, 6, 9)...)

	require.Equal(t, 11, s.ContiguousLen())
	for i := 0; i < s.ContiguousLen(); i++ {
		require.Equal(t, uint64(i), s.Get(i).BlockNumber())
	}
}

// TestSequentialFirstWins ensures a duplicate number never replaces the
// header stored first.
func TestSequentialFirstWins(t *testing.T) {
	s := NewSequential[testHeader](0)
	s.AddAll(testHeader{number: 1, tag: "first"})
	s.AddAll(
		testHeader{number: 1, tag: "second"},
		testHeader{number: 1, tag: "third"},
	)

	require.Equal(t, 1, s.Len())
	require.Equal(t, "first", s.Get(0).tag)
}

// TestSequentialBlockHeaders makes sure the wire header type can be stored.
func TestSequentialBlockHeaders(t *testing.T) {
	s := NewSequential[*wire.BlockHeader](2)
	s.AddAll(&wire.BlockHeader{Number: 2}, &wire.BlockHeader{Number: 1})

	require.Equal(t, 2, s.ContiguousLen())
	require.Equal(t, uint64(1), s.Get(0).Number)
}

// TestSequentialOrderIndependence checks that inserting any permutation of a
// batch into an empty buffer yields the same content as inserting the
// sorted batch.
func TestSequentialOrderIndependence(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		numbers := rapid.SliceOf(rapid.Uint64Range(0, 64)).Draw(
			t, "numbers",
		)
		shuffled := rapid.Permutation(numbers).Draw(t, "shuffled")

		sorted := append([]uint64(nil), numbers...)
		sort.Slice(sorted, func(i, j int) bool {
			return sorted[i] < sorted[j]
		})

		a := NewSequential[testHeader](0)
		a.AddAll(headers(sorted...)...)

		b := NewSequential[testHeader](0)
		b.AddAll(headers(shuffled...)...)

		if len(numbersOf(a)) != len(numbersOf(b)) {
			t.Fatalf("length mismatch: %v vs %v", numbersOf(a),
				numbersOf(b))
		}
		for i, n := range numbersOf(a) {
			if numbersOf(b)[i] != n {
				t.Fatalf("content mismatch: %v vs %v",
					numbersOf(a), numbersOf(b))
			}
		}

		// Duplicates never increase the size.
		b.AddAll(headers(shuffled...)...)
		if a.Len() != b.Len() {
			t.Fatalf("duplicates changed size: %d vs %d", a.Len(),
				b.Len())
		}
	})
}
