package chanutils

import (
	"errors"
	"sync"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/lightningnetwork/lnd/ticker"
)

var (
	// ErrInvalidBatchSize is returned when the batch size is not positive.
	ErrInvalidBatchSize = errors.New("max batch must be positive")

	// ErrNoPutItems is returned when no flush callback is configured.
	ErrNoPutItems = errors.New("no PutItems callback")
)

// BatchWriterConfig holds the configuration options for BatchWriter.
type BatchWriterConfig[T any] struct {
	// QueueBufferSize sets the buffer size of the output channel of the
	// concurrent queue used by the BatchWriter.
	QueueBufferSize int

	// MaxBatch is the maximum number of items handed to PutItems in one
	// go.
	MaxBatch int

	// FlushInterval is the time after receiving an item that the writer
	// will wait for more items before flushing the current batch. It is
	// only used when FlushTicker is nil.
	FlushInterval time.Duration

	// FlushTicker, if set, replaces the ticker created from
	// FlushInterval.
	FlushTicker ticker.Ticker

	// Logger is the logger that the BatchWriter should use for any logs.
	Logger btclog.Logger

	// PutItems will be used by the BatchWriter to process items in
	// batches. Items are handed over in the order they were added.
	PutItems func(...T) error
}

// Validate checks that the configuration can be used.
func (c *BatchWriterConfig[T]) Validate() error {
	if c.MaxBatch <= 0 {
		return ErrInvalidBatchSize
	}
	if c.PutItems == nil {
		return ErrNoPutItems
	}

	return nil
}

// BatchWriter collects items and hands them to a callback in batches, as
// large as possible but never waiting more than a tick for more items.
type BatchWriter[T any] struct {
	started sync.Once
	stopped sync.Once

	cfg *BatchWriterConfig[T]

	queue  *ConcurrentQueue[T]
	ticker ticker.Ticker

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewBatchWriter constructs a new BatchWriter using the given
// BatchWriterConfig.
func NewBatchWriter[T any](cfg *BatchWriterConfig[T]) (*BatchWriter[T],
	error) {

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = btclog.Disabled
	}

	t := cfg.FlushTicker
	if t == nil {
		t = ticker.New(cfg.FlushInterval)
	}

	return &BatchWriter[T]{
		cfg:    cfg,
		queue:  NewConcurrentQueue[T](cfg.QueueBufferSize),
		ticker: t,
		quit:   make(chan struct{}),
	}, nil
}

// Start starts the BatchWriter.
func (b *BatchWriter[T]) Start() {
	b.started.Do(func() {
		b.queue.Start()

		b.wg.Add(1)
		go b.manageNewItems()
	})
}

// Stop stops the BatchWriter. Items that were not handed to PutItems yet
// are dropped.
func (b *BatchWriter[T]) Stop() {
	b.stopped.Do(func() {
		close(b.quit)
		b.wg.Wait()

		b.queue.Stop()
		b.ticker.Stop()
	})
}

// AddItem adds a given item to the BatchWriter queue. It returns false if
// the writer was stopped before the item could be queued.
func (b *BatchWriter[T]) AddItem(item T) bool {
	select {
	case b.queue.ChanIn() <- item:
		return true
	case <-b.quit:
		return false
	}
}

// manageNewItems collects items and hands them to PutItems. There are two
// conditions for flushing a batch: the first is if a certain threshold
// (MaxBatch) of items has been collected and the other is if at least one
// item has been collected and the ticker fired.
//
// NOTE: this must be run in a goroutine.
func (b *BatchWriter[T]) manageNewItems() {
	defer b.wg.Done()

	batch := make([]T, 0, b.cfg.MaxBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}

		items := batch
		batch = make([]T, 0, b.cfg.MaxBatch)

		if err := b.cfg.PutItems(items...); err != nil {
			b.cfg.Logger.Warnf("Unable to process batch of %d "+
				"items: %v", len(items), err)
		}
	}

	for {
		select {
		case item, ok := <-b.queue.ChanOut():
			if !ok {
				return
			}

			batch = append(batch, item)

			if len(batch) >= b.cfg.MaxBatch {
				// Batch is full, so pause the ticker & flush
				// the batch.
				b.ticker.Pause()
				flush()
				continue
			}

			b.ticker.Resume()

		case <-b.ticker.Ticks():
			b.ticker.Pause()

			flush()

		case <-b.quit:
			return
		}
	}
}
