package blocksync

import (
	"fmt"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/lightninglabs/blocksync/syncstats"
)

// statusHandler periodically logs the progress of the sync.
//
// NOTE: this must be run in a goroutine.
func (m *SyncMgr) statusHandler() {
	defer m.wg.Done()

	m.statusTicker.Resume()
	defer m.statusTicker.Stop()

	for {
		select {
		case <-m.statusTicker.Ticks():
			m.logStatus()

		case <-m.quit:
			log.Trace("Status handler done")
			return
		}
	}
}

// logStatus writes a summary of the sync progress.
func (m *SyncMgr) logStatus() {
	var bestNumber uint64
	if best := m.cfg.Chain.BestBlock(); best != nil {
		bestNumber = best.Number()
	}
	m.stats.Update(bestNumber)

	network := m.NetworkStatus()
	_, _, requested := m.headers.Heights()

	log.Infof("Sync status: best=%d, network=%d (peer %s), requested=%d, "+
		"imported=%.2f blocks/sec", bestNumber, network.BestNumber,
		network.DisplayID, requested, m.stats.AvgBlocksPerSec())

	log.Debugf("Request shares: %v", newLogClosure(func() string {
		return formatShares(m.stats.PercentageOfRequestsToPeers())
	}))
	log.Debugf("Blocks received: %v, imported: %v, stored: %v, "+
		"requested: %v",
		newLogClosure(func() string {
			return formatCounts(
				m.stats.TotalBlocksByPeer(syncstats.Received),
			)
		}),
		newLogClosure(func() string {
			return formatCounts(
				m.stats.TotalBlocksByPeer(syncstats.Imported),
			)
		}),
		newLogClosure(func() string {
			return formatCounts(
				m.stats.TotalBlocksByPeer(syncstats.Stored),
			)
		}),
		newLogClosure(func() string {
			return formatCounts(m.stats.TotalBlockRequestsByPeer())
		}),
	)
	log.Debugf("Response stats:\n%v", newLogClosure(func() string {
		return m.stats.DumpResponseStats()
	}))
	log.Tracef("Peer sync states: %v", newLogClosure(func() string {
		return spew.Sdump(m.headers.PeerStates())
	}))
}

func formatShares(shares []syncstats.PeerShare) string {
	if len(shares) == 0 {
		return "none"
	}

	var b strings.Builder
	for i, s := range shares {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s=%.1f%%", s.DisplayID, s.Share*100)
	}

	return b.String()
}

func formatCounts(counts []syncstats.PeerCount) string {
	if len(counts) == 0 {
		return "none"
	}

	var b strings.Builder
	for i, c := range counts {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s=%d", c.DisplayID, c.Count)
	}

	return b.String()
}
