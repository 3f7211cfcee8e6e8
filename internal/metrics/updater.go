package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// NodeStats is the slice of the node RPC surface the updater reads.
type NodeStats interface {
	BlockNumber(ctx context.Context) (uint64, error)
	PeerCount(ctx context.Context) (uint64, error)
	BlockTransactionCount(ctx context.Context, number uint64) (uint64, error)
}

// maxBlocksPerUpdate bounds how many blocks one update walks for transaction counts.
const maxBlocksPerUpdate = 256

// Updater refreshes the blockchain gauges and the transaction counter from the node.
type Updater struct {
	reg *Registry
	src NodeStats
	log *slog.Logger

	mu        sync.Mutex
	lastBlock uint64
	seen      bool
}

func NewUpdater(reg *Registry, src NodeStats, log *slog.Logger) *Updater {
	return &Updater{reg: reg, src: src, log: log}
}

// Update reads block height and peer count and adds the transactions of blocks
// mined since the previous update. On RPC failure previous values are kept.
func (u *Updater) Update(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	height, err := u.src.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("read block height: %w", err)
	}
	u.reg.SetBlockHeight(height)

	var errs []error
	if peers, err := u.src.PeerCount(ctx); err != nil {
		errs = append(errs, fmt.Errorf("read peer count: %w", err))
	} else {
		u.reg.SetPeerCount(peers)
	}

	from := uint64(0)
	if u.seen && height >= u.lastBlock {
		from = u.lastBlock + 1
	}
	// a lower height means the chain was reset (node restarted without persistence)
	if from <= height && height-from+1 > maxBlocksPerUpdate {
		from = height - maxBlocksPerUpdate + 1
	}
	var txs uint64
	for n := from; n <= height; n++ {
		c, err := u.src.BlockTransactionCount(ctx, n)
		if err != nil {
			errs = append(errs, fmt.Errorf("read tx count of block %d: %w", n, err))
			break
		}
		txs += c
		u.lastBlock = n
		u.seen = true
	}
	u.reg.AddTransactions(txs)

	if err := errors.Join(errs...); err != nil {
		return err
	}
	u.log.Debug("Metrics updated", "block_height", height, "transactions", txs)
	return nil
}
