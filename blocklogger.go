package blocksync

import (
	"sync"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/lightningnetwork/lnd/clock"
)

// progressLogInterval is the shortest time between two progress messages.
const progressLogInterval = 10 * time.Second

// blockProgressLogger provides periodic logging for other services in order
// to show users progress of certain "actions" involving some or all current
// blocks. Ex: syncing to best chain, indexing all blocks, etc.
type blockProgressLogger struct {
	receivedLogBlocks int64
	lastBlockLogTime  time.Time

	clock           clock.Clock
	entityType      string
	progressAction  string
	subsystemLogger btclog.Logger
	sync.Mutex
}

// newBlockProgressLogger returns a new block progress logger.
// The progress message is templated as follows:
//
//	{progressAction} {numProcessed} {blocks|block} in the last {timePeriod}
//	(height {lastBlockHeight}, {lastBlockTimeStamp})
func newBlockProgressLogger(progressMessage string, entityType string,
	clk clock.Clock, logger btclog.Logger) *blockProgressLogger {

	return &blockProgressLogger{
		clock:            clk,
		entityType:       entityType,
		lastBlockLogTime: clk.Now(),
		progressAction:   progressMessage,
		subsystemLogger:  logger,
	}
}

// LogBlockHeight logs a new block height as an information message to show
// progress to the user. In order to prevent spam, it limits logging to one
// message every 10 seconds with duration and totals included.
func (b *blockProgressLogger) LogBlockHeight(timestamp time.Time,
	height uint64) {

	b.Lock()
	defer b.Unlock()

	b.receivedLogBlocks++

	now := b.clock.Now()
	duration := now.Sub(b.lastBlockLogTime)
	if duration < progressLogInterval {
		return
	}

	// Truncate the duration to 10s of milliseconds.
	durationMillis := int64(duration / time.Millisecond)
	tDuration := 10 * time.Millisecond * time.Duration(durationMillis/10)

	// Log information about new block height.
	entityStr := b.entityType
	if b.receivedLogBlocks > 1 {
		entityStr += "s"
	}
	b.subsystemLogger.Infof("%s %d %s in the last %s (height %d, %s)",
		b.progressAction, b.receivedLogBlocks, entityStr, tDuration,
		height, timestamp)

	b.receivedLogBlocks = 0
	b.lastBlockLogTime = now
}
