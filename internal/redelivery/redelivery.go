// Package redelivery re-injects aged in-flight messages. Every sweep
// pages the ack journal for rows older than the resend interval,
// re-sends each payload under a fresh identifier, evicts the original
// in-flight entry from the broker, and finally drops the journal row.
// A crash between the re-send and the eviction yields a duplicate
// delivery, which at-least-once semantics permit.
package redelivery

import (
	"time"

	"github.com/oriys/quasar/internal/client"
	"github.com/oriys/quasar/internal/journal"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
)

// Worker is the periodic redelivery sweeper.
type Worker struct {
	store    *journal.Store
	pool     *client.Pool
	interval time.Duration

	stopCh chan struct{}
	done   chan struct{}
}

// New builds a worker sweeping the ack journal every interval.
func New(store *journal.Store, pool *client.Pool, interval time.Duration) *Worker {
	return &Worker{
		store:    store,
		pool:     pool,
		interval: interval,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (w *Worker) Start() {
	go w.loop()
}

// Stop ends the loop after the current sweep.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.done
}

func (w *Worker) loop() {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.Sweep()
		}
	}
}

// Sweep processes every aged row it can. Rows whose re-send or eviction
// fails are left untouched for the next sweep.
func (w *Worker) Sweep() {
	cutoff := time.Now().Add(-w.interval).UnixNano()

	for {
		rows, err := w.store.PageOlderThan(cutoff)
		if err != nil {
			logging.Op().Warn("redelivery scan failed", "error", err)
			return
		}
		if len(rows) == 0 {
			return
		}

		redelivered := 0
		for _, row := range rows {
			if w.redeliver(row) {
				redelivered++
			}
		}
		logging.Op().Info("redelivery sweep",
			"aged", len(rows), "redelivered", redelivered)

		// Nothing moved: every remaining row is failing, stop until the
		// next tick instead of spinning on the same page.
		if redelivered == 0 || len(rows) < journal.PageSize {
			return
		}
	}
}

// redeliver pushes one aged row back through the broker. Order matters:
// the payload is re-sent first, then the stale in-flight entry is
// evicted, then the journal row goes away; failing at any step leaves
// the row for the next sweep.
func (w *Worker) redeliver(row journal.Row) bool {
	err := w.pool.Do(func(c *client.Client) error {
		resp, err := c.SendDataToQueue(row.QueueName, row.MessageData)
		if err != nil {
			return err
		}
		if !resp.OK() {
			return errRefused("re-send", row)
		}
		resp, err = c.DeleteAckMessageID(row.QueueName, row.MessageID)
		if err != nil {
			return err
		}
		if !resp.OK() {
			return errRefused("evict", row)
		}
		return nil
	})
	if err != nil {
		logging.Op().Warn("redelivery left for retry",
			"queue", row.QueueName, "message_id", row.MessageID, "error", err)
		return false
	}

	// The broker's admin-drop event already asked the ack worker to
	// delete this row; deleting here as well covers a lost event.
	if err := w.store.DeleteByMessageID(row.MessageID); err != nil {
		logging.Op().Warn("redelivery journal delete failed",
			"message_id", row.MessageID, "error", err)
	}
	metrics.RecordRedelivered()
	return true
}
