package chanutils

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/lightningnetwork/lnd/lntest/wait"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const waitTime = time.Second * 5

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// TestBatchWriter tests that the BatchWriter behaves as expected
func TestBatchWriter(t *testing.T) {
	t.Parallel()

	// waitForItems is a helper function that will wait for a given set of
	// items to be processed.
	waitForItems := func(db *mockItemsDB, items ...*item) {
		err := wait.Predicate(func() bool {
			return db.hasItems(items...)
		}, waitTime)
		require.NoError(t, err)
	}

	t.Run("items processed after ticker", func(t *testing.T) {
		t.Parallel()

		db := newMockItemsDB()

		b, err := NewBatchWriter[*item](&BatchWriterConfig[*item]{
			QueueBufferSize: 10,
			MaxBatch:        20,
			FlushInterval:   time.Millisecond * 500,
			PutItems:        db.PutItems,
		})
		require.NoError(t, err)
		b.Start()
		t.Cleanup(b.Stop)

		fs := genItemSet(5)
		for _, f := range fs {
			require.True(t, b.AddItem(f))
		}
		waitForItems(db, fs...)
	})

	t.Run("items processed on forced tick", func(t *testing.T) {
		t.Parallel()

		db := newMockItemsDB()
		force := ticker.NewForce(time.Hour)

		b, err := NewBatchWriter[*item](&BatchWriterConfig[*item]{
			QueueBufferSize: 10,
			MaxBatch:        20,
			FlushTicker:     force,
			PutItems:        db.PutItems,
		})
		require.NoError(t, err)
		b.Start()
		t.Cleanup(b.Stop)

		fs := genItemSet(5)
		for _, f := range fs {
			b.AddItem(f)
		}

		// Nothing is processed until the ticker fires.
		require.Never(t, func() bool {
			return db.count() > 0
		}, 100*time.Millisecond, 10*time.Millisecond)

		err = wait.Predicate(func() bool {
			select {
			case force.Force <- time.Now():
			default:
			}

			return db.hasItems(fs...)
		}, waitTime)
		require.NoError(t, err)
		require.Equal(t, 5, db.count())
	})

	t.Run("write once threshold is reached", func(t *testing.T) {
		t.Parallel()

		db := newMockItemsDB()

		// Make the ticker duration extra long so that we can
		// explicitly test that the batch gets processed if the
		// MaxBatch threshold is reached.
		b, err := NewBatchWriter[*item](&BatchWriterConfig[*item]{
			QueueBufferSize: 10,
			MaxBatch:        20,
			FlushInterval:   time.Hour,
			PutItems:        db.PutItems,
		})
		require.NoError(t, err)
		b.Start()
		t.Cleanup(b.Stop)

		// Generate 30 items and add each one to the batch writer.
		fs := genItemSet(30)
		for _, f := range fs {
			b.AddItem(f)
		}

		// Since the MaxBatch threshold has been reached, we expect the
		// first 20 items to be processed.
		waitForItems(db, fs[:20]...)

		// Since the last 10 items don't reach the threshold and since
		// the ticker has definitely not ticked yet, we don't expect the
		// last 10 items to be processed yet.
		require.False(t, db.hasItems(fs[21:]...))
		require.Equal(t, []int{20}, db.batchSizes())
	})

	t.Run("errors are logged", func(t *testing.T) {
		t.Parallel()

		logger := &recordingLogger{Logger: btclog.Disabled}
		b, err := NewBatchWriter[*item](&BatchWriterConfig[*item]{
			QueueBufferSize: 1,
			MaxBatch:        2,
			FlushInterval:   time.Hour,
			Logger:          logger,
			PutItems: func(...*item) error {
				return errors.New("store closed")
			},
		})
		require.NoError(t, err)
		b.Start()
		t.Cleanup(b.Stop)

		for _, f := range genItemSet(2) {
			b.AddItem(f)
		}

		err = wait.Predicate(func() bool {
			return len(logger.warnings()) == 1
		}, waitTime)
		require.NoError(t, err)
		require.Contains(t, logger.warnings()[0], "store closed")
	})

	t.Run("stress test", func(t *testing.T) {
		t.Parallel()

		db := newMockItemsDB()

		b, err := NewBatchWriter[*item](&BatchWriterConfig[*item]{
			QueueBufferSize: 5,
			MaxBatch:        5,
			FlushInterval:   time.Millisecond * 2,
			PutItems:        db.PutItems,
		})
		require.NoError(t, err)
		b.Start()
		t.Cleanup(b.Stop)

		// Generate lots of items and add each to the batch writer.
		// Sleep for a bit between each item to ensure that we
		// sometimes hit the timeout write and sometimes the threshold
		// write.
		fs := genItemSet(1000)
		for _, f := range fs {
			b.AddItem(f)

			n := rand.Intn(3)
			time.Sleep(time.Duration(n) * time.Millisecond)
		}

		waitForItems(db, fs...)
		require.True(t, db.inOrder())
	})
}

// TestBatchWriterConfig checks that unusable configurations are rejected.
func TestBatchWriterConfig(t *testing.T) {
	_, err := NewBatchWriter[*item](&BatchWriterConfig[*item]{
		PutItems: newMockItemsDB().PutItems,
	})
	require.ErrorIs(t, err, ErrInvalidBatchSize)

	_, err = NewBatchWriter[*item](&BatchWriterConfig[*item]{
		MaxBatch: 1,
	})
	require.ErrorIs(t, err, ErrNoPutItems)
}

// TestAddItemAfterStop makes sure adding an item to a stopped writer does
// not block.
func TestAddItemAfterStop(t *testing.T) {
	b, err := NewBatchWriter[*item](&BatchWriterConfig[*item]{
		MaxBatch:      1,
		FlushInterval: time.Hour,
		PutItems:      newMockItemsDB().PutItems,
	})
	require.NoError(t, err)

	b.Start()
	b.Stop()
	b.Stop()

	require.False(t, b.AddItem(&item{}))
}

type item struct {
	i int
}

// mockItemsDB is a mock DB that holds a set of items.
type mockItemsDB struct {
	items   map[int]bool
	order   []int
	batches []int
	mu      sync.Mutex
}

// newMockItemsDB constructs a new mockItemsDB.
func newMockItemsDB() *mockItemsDB {
	return &mockItemsDB{
		items: make(map[int]bool),
	}
}

// hasItems returns true if the db contains all the given items.
func (m *mockItemsDB) hasItems(items ...*item) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, i := range items {
		_, ok := m.items[i.i]
		if !ok {
			return false
		}
	}

	return true
}

func (m *mockItemsDB) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.items)
}

func (m *mockItemsDB) batchSizes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]int(nil), m.batches...)
}

// inOrder returns true if the items were processed in the order they were
// generated.
func (m *mockItemsDB) inOrder() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, n := range m.order {
		if n != i {
			return false
		}
	}

	return true
}

// PutItems adds a set of items to the db.
func (m *mockItemsDB) PutItems(items ...*item) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, i := range items {
		m.items[i.i] = true
		m.order = append(m.order, i.i)
	}
	m.batches = append(m.batches, len(items))

	return nil
}

// genItemSet generates a set of numItems items.
func genItemSet(numItems int) []*item {
	res := make([]*item, numItems)
	for i := 0; i < numItems; i++ {
		res[i] = &item{i: i}
	}

	return res
}

// recordingLogger records the warnings logged through it.
type recordingLogger struct {
	btclog.Logger

	mu   sync.Mutex
	msgs []string
}

func (l *recordingLogger) Warnf(format string, params ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.msgs = append(l.msgs, fmt.Sprintf(format, params...))
}

func (l *recordingLogger) warnings() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]string(nil), l.msgs...)
}
