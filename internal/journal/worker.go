package journal

import (
	"fmt"

	"github.com/oriys/quasar/internal/client"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/protocol"
)

// Op is a journal event kind.
type Op string

const (
	// OpInsert journals a row: send-accepted for the send journal,
	// delivery-issued for the ack journal.
	OpInsert Op = "insert"
	// OpDelete evicts a row by identifier: delivered for the send
	// journal, ack or admin-drop for the ack journal.
	OpDelete Op = "delete"
	// OpDeleteQueue purges every row of a queue.
	OpDeleteQueue Op = "delete_queue"
)

// Event is one unit of work posted by the broker to a journal worker.
type Event struct {
	Op          Op
	QueueName   string
	MessageID   string
	MessageData string
	PubDate     int64 // unix nanoseconds
}

// eventBuffer bounds the broker→worker channel. Posts block when it is
// full rather than drop: a lost insert or queue purge would corrupt
// recovery, and the worker drains fast enough that blocking is rare.
const eventBuffer = 4096

// Worker owns one journal store, consuming events from the broker and
// replaying the journal into the broker on start-up.
type Worker struct {
	name    string
	store   *Store
	restore func(c *client.Client, row Row) (*protocol.Response, error)

	events chan Event
	stopCh chan struct{}
	done   chan struct{}
}

// NewSendWorker builds the send-log worker over the send journal.
func NewSendWorker(store *Store) *Worker {
	return &Worker{
		name:  "send",
		store: store,
		restore: func(c *client.Client, row Row) (*protocol.Response, error) {
			return c.RestoreSendMessage(row.QueueName, row.MessageID, row.MessageData)
		},
		events: make(chan Event, eventBuffer),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// NewAckWorker builds the ack-log worker over the ack journal.
func NewAckWorker(store *Store) *Worker {
	return &Worker{
		name:  "ack",
		store: store,
		restore: func(c *client.Client, row Row) (*protocol.Response, error) {
			return c.RestoreAckMessageID(row.QueueName, row.MessageID)
		},
		events: make(chan Event, eventBuffer),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Store exposes the worker's journal store.
func (w *Worker) Store() *Store {
	return w.store
}

// Post hands an event to the worker. It blocks when the buffer is full;
// journal events are never dropped.
func (w *Worker) Post(ev Event) {
	w.events <- ev
}

// Start launches the consume loop.
func (w *Worker) Start() {
	go w.loop()
}

// Stop flushes buffered events and stops the loop.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.done
}

func (w *Worker) loop() {
	defer close(w.done)
	for {
		select {
		case ev := <-w.events:
			w.process(ev)
		case <-w.stopCh:
			for {
				select {
				case ev := <-w.events:
					w.process(ev)
				default:
					return
				}
			}
		}
	}
}

// process applies one event to the journal. Failures are logged and
// dropped: the broker's reply to the client never waits on journal I/O,
// and a missed write re-converges at the next restart.
func (w *Worker) process(ev Event) {
	var err error
	switch ev.Op {
	case OpInsert:
		err = w.store.Insert(Row{
			MessageID:   ev.MessageID,
			QueueName:   ev.QueueName,
			MessageData: ev.MessageData,
			PubDate:     ev.PubDate,
		})
	case OpDelete:
		err = w.store.DeleteByMessageID(ev.MessageID)
	case OpDeleteQueue:
		err = w.store.DeleteByQueueName(ev.QueueName)
	default:
		logging.Op().Warn("journal worker: unknown event op",
			"journal", w.name, "op", string(ev.Op))
		return
	}

	metrics.RecordJournalEvent(w.name, string(ev.Op))
	if err != nil {
		logging.Op().Warn("journal write failed",
			"journal", w.name, "op", string(ev.Op),
			"queue", ev.QueueName, "message_id", ev.MessageID, "error", err)
	}
}

// Replay walks the journal oldest-first in pages of PageSize and
// restores every row into the broker over the client pool. Queues are
// declared once each; a declare failure on an already-present queue is
// expected and ignored, as is a restore the broker rejects because the
// identifier already lives in memory (replay is idempotent).
func (w *Worker) Replay(pool *client.Pool) error {
	total, err := w.store.Count()
	if err != nil {
		return fmt.Errorf("replay %s journal: %w", w.name, err)
	}
	if total == 0 {
		return nil
	}
	logging.Op().Info("replaying journal", "journal", w.name, "rows", total)

	declared := make(map[string]bool)
	for page := 1; ; page++ {
		rows, err := w.store.Page(page)
		if err != nil {
			return fmt.Errorf("replay %s journal page %d: %w", w.name, page, err)
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			if !declared[row.QueueName] {
				err := pool.Do(func(c *client.Client) error {
					_, err := c.DeclareQueue(row.QueueName)
					return err
				})
				if err != nil {
					return fmt.Errorf("replay %s journal: declare %s: %w", w.name, row.QueueName, err)
				}
				declared[row.QueueName] = true
			}

			err := pool.Do(func(c *client.Client) error {
				resp, err := w.restore(c, row)
				if err != nil {
					return err
				}
				if !resp.OK() {
					logging.Op().Debug("restore rejected (already in memory)",
						"journal", w.name, "queue", row.QueueName, "message_id", row.MessageID)
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("replay %s journal: restore %s: %w", w.name, row.MessageID, err)
			}
		}

		if len(rows) < PageSize {
			break
		}
	}
	return nil
}
