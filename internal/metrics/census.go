package metrics

import (
	"context"
	"time"

	"github.com/mistakeknot/randomizer/internal/platform/logger"
	"github.com/mistakeknot/randomizer/internal/storage"
)

// Census periodically counts the rows of every table in each lifecycle
// state and publishes them as gauges.
type Census struct {
	store    storage.Store
	metrics  *Metrics
	log      *logger.Logger
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewCensus creates a Census. Call Start to begin counting.
func NewCensus(store storage.Store, m *Metrics, log *logger.Logger, interval time.Duration) *Census {
	if log == nil {
		log = logger.Nop()
	}
	return &Census{
		store:    store,
		metrics:  m,
		log:      log.With("component", "census"),
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start runs one census immediately, then one per interval until ctx is
// done or Stop is called.
func (c *Census) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	go func() {
		defer close(c.done)

		c.Run(ctx)

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Run(ctx)
			}
		}
	}()
}

// Stop cancels the census goroutine and waits for it to finish.
func (c *Census) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	<-c.done
}

// Run performs a single census pass.
func (c *Census) Run(ctx context.Context) {
	type tableCounts struct {
		id     int64
		counts storage.StateCounts
	}
	var out []tableCounts
	err := c.store.InTx(ctx, func(tx storage.Tx) error {
		tables, err := tx.ListTables(ctx)
		if err != nil {
			return err
		}
		for _, t := range tables {
			sc, err := tx.StateCounts(ctx, t.ID)
			if err != nil {
				return err
			}
			out = append(out, tableCounts{id: t.ID, counts: sc})
		}
		return nil
	})
	if err != nil {
		if ctx.Err() == nil {
			c.log.Warn("census failed", "error", err)
		}
		c.metrics.censusResult(false)
		return
	}

	c.metrics.resetRows()
	for _, tc := range out {
		c.metrics.SetRowCounts(tc.id, tc.counts.Available, tc.counts.Reserved, tc.counts.Completed)
	}
	c.metrics.censusResult(true)
	c.log.Debug("census complete", "tables", len(out))
}
