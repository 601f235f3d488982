package broker

import (
	"errors"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/quasar/internal/journal"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/memory"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/protocol"
)

// requiredFields lists the members each request type must carry. A
// request missing one is answered with DATA_WRONG and the connection is
// closed.
var requiredFields = map[int][]string{
	protocol.TypeLogin:               {"user_name", "passwd"},
	protocol.TypeLogout:              {"user_name", "passwd"},
	protocol.TypeDeclareQueue:        {"queue_name"},
	protocol.TypeSendDataToQueue:     {"queue_name", "message_data"},
	protocol.TypeGetDataFromQueue:    {"queue_name"},
	protocol.TypeAckMessage:          {"queue_name", "message_id"},
	protocol.TypeDeleteQueue:         {"queue_name"},
	protocol.TypeClearQueue:          {"queue_name"},
	protocol.TypeGetSpeed:            {"queue_name"},
	protocol.TypeGetStat:             nil,
	protocol.TypeDeleteAckMessageID:  {"queue_name", "message_id"},
	protocol.TypeRestoreAckMessageID: {"queue_name", "message_id"},
	protocol.TypeRestoreSendMessage:  {"queue_name", "message_id", "message_data"},
	protocol.TypePing:                nil,
}

// session is the per-connection state: whether the peer has presented
// the shared credential, plus identity for the logs.
type session struct {
	id     string
	remote string
	authed bool
}

// handleConn runs the read→dispatch→write loop for one connection.
func (b *Broker) handleConn(conn net.Conn) {
	sess := &session{
		id:     uuid.NewString(),
		remote: conn.RemoteAddr().String(),
	}
	log := logging.Op().With("session", sess.id, "remote", sess.remote)
	log.Debug("connection open")

	defer func() {
		_ = conn.Close()
		b.untrack(conn)
		metrics.ConnClosed()
		log.Debug("connection closed")
	}()

	for {
		body, err := protocol.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug("read failed", "error", err)
			}
			return
		}

		req, err := protocol.ParseRequest(body)
		if err != nil {
			log.Debug("unparseable request", "error", err)
			b.respond(conn, protocol.NewResponse(protocol.TypeDataWrong, protocol.StatusFail, nil))
			return
		}

		resp, closeAfter := b.dispatch(sess, req)
		if !b.respond(conn, resp) {
			return
		}
		metrics.RecordRequest(protocol.TypeName(req.Type), strconv.Itoa(resp.Status))
		if closeAfter {
			return
		}
	}
}

// respond writes one response frame; false means the connection is dead.
func (b *Broker) respond(conn net.Conn, resp *protocol.Response) bool {
	if err := protocol.WriteJSON(conn, resp); err != nil {
		logging.Op().Debug("write response failed", "error", err)
		return false
	}
	return true
}

// dispatch validates and executes one request. The returned flag asks
// the caller to close the connection after the response is written.
func (b *Broker) dispatch(sess *session, req *protocol.Request) (*protocol.Response, bool) {
	fields, known := requiredFields[req.Type]
	if !known {
		// Unknown codes and the response-only codes land here.
		return protocol.NewResponse(protocol.TypeNotFound, protocol.StatusFail, nil), true
	}

	if !sess.authed && req.Type != protocol.TypeLogin {
		return protocol.NewResponse(protocol.TypeForbidden, protocol.StatusFail, nil), true
	}

	for _, field := range fields {
		if !req.Has(field) {
			return protocol.NewResponse(protocol.TypeDataWrong, protocol.StatusFail, nil), true
		}
	}

	switch req.Type {
	case protocol.TypeLogin:
		return b.login(sess, req)
	case protocol.TypeLogout:
		return protocol.NewResponse(protocol.TypeLogout, protocol.StatusSuccess, nil), true
	case protocol.TypeDeclareQueue:
		return b.declareQueue(req.QueueName), false
	case protocol.TypeSendDataToQueue:
		return b.sendToQueue(req.QueueName, req.MessageData), false
	case protocol.TypeGetDataFromQueue:
		return b.getFromQueue(req.QueueName), false
	case protocol.TypeAckMessage:
		return b.ackMessage(req.QueueName, req.MessageID), false
	case protocol.TypeDeleteQueue:
		return b.deleteQueue(req.QueueName), false
	case protocol.TypeClearQueue:
		return b.clearQueue(req.QueueName), false
	case protocol.TypeGetSpeed:
		return b.getSpeed(req.QueueName), false
	case protocol.TypeGetStat:
		return b.getStat(), false
	case protocol.TypeDeleteAckMessageID:
		return b.deleteAckMessageID(req.QueueName, req.MessageID), false
	case protocol.TypeRestoreAckMessageID:
		return b.restoreAckMessageID(req.QueueName, req.MessageID), false
	case protocol.TypeRestoreSendMessage:
		return b.restoreSendMessage(req.QueueName, req.MessageID, req.MessageData), false
	case protocol.TypePing:
		return protocol.NewResponse(protocol.TypePing, protocol.StatusSuccess, nil), false
	}
	return protocol.NewResponse(protocol.TypeNotFound, protocol.StatusFail, nil), true
}

// login checks the shared credential. A second LOGIN on an authed
// session is idempotent; a bad credential closes the connection.
func (b *Broker) login(sess *session, req *protocol.Request) (*protocol.Response, bool) {
	if req.UserName != b.opts.UserName || req.Passwd != b.opts.Passwd {
		logging.Op().Warn("login refused", "remote", sess.remote, "user", req.UserName)
		return protocol.NewResponse(protocol.TypeLogin, protocol.StatusFail, nil), true
	}
	sess.authed = true
	return protocol.NewResponse(protocol.TypeLogin, protocol.StatusSuccess, nil), false
}

func (b *Broker) declareQueue(queueName string) *protocol.Response {
	if queueName == "" {
		return protocol.NewResponse(protocol.TypeDeclareQueue, protocol.StatusFail, nil)
	}

	b.mu.Lock()
	ok := b.queues.Declare(queueName)
	if ok {
		b.acks.Declare(queueName)
		b.stats.Declare(queueName)
	}
	b.mu.Unlock()

	if !ok {
		return protocol.NewResponse(protocol.TypeDeclareQueue, protocol.StatusFail, nil)
	}
	metrics.SetQueueDepth(queueName, 0)
	metrics.SetInflight(queueName, 0)
	return protocol.NewResponse(protocol.TypeDeclareQueue, protocol.StatusSuccess, nil)
}

func (b *Broker) sendToQueue(queueName, messageData string) *protocol.Response {
	task := protocol.Task{
		MessageID:   protocol.NewMessageID(),
		MessageData: messageData,
	}

	b.mu.Lock()
	ok := b.queues.Put(queueName, task)
	var depth int
	if ok {
		b.stats.Incr(memory.SendKey(queueName))
		depth = b.queues.Depth(queueName)
		b.sendLog.Post(journal.Event{
			Op:          journal.OpInsert,
			QueueName:   queueName,
			MessageID:   task.MessageID,
			MessageData: messageData,
			PubDate:     time.Now().UnixNano(),
		})
	}
	b.mu.Unlock()

	if !ok {
		return protocol.NewResponse(protocol.TypeSendDataToQueue, protocol.StatusFail, nil)
	}
	metrics.SetQueueDepth(queueName, float64(depth))
	return protocol.NewResponse(protocol.TypeSendDataToQueue, protocol.StatusSuccess, nil)
}

func (b *Broker) getFromQueue(queueName string) *protocol.Response {
	b.mu.Lock()
	task, ok := b.queues.Get(queueName)
	var depth, inflight int
	if ok {
		b.acks.Put(queueName, task.MessageID)
		b.stats.Incr(memory.GetKey(queueName))
		depth = b.queues.Depth(queueName)
		inflight = b.acks.Inflight(queueName)
		b.ackLog.Post(journal.Event{
			Op:          journal.OpInsert,
			QueueName:   queueName,
			MessageID:   task.MessageID,
			MessageData: task.MessageData,
			PubDate:     time.Now().UnixNano(),
		})
		b.sendLog.Post(journal.Event{
			Op:        journal.OpDelete,
			QueueName: queueName,
			MessageID: task.MessageID,
		})
	}
	b.mu.Unlock()

	if !ok {
		return protocol.NewResponse(protocol.TypeGetDataFromQueue, protocol.StatusFail, []any{nil})
	}
	metrics.SetQueueDepth(queueName, float64(depth))
	metrics.SetInflight(queueName, float64(inflight))
	return protocol.NewResponse(protocol.TypeGetDataFromQueue, protocol.StatusSuccess, []any{task})
}

func (b *Broker) ackMessage(queueName, messageID string) *protocol.Response {
	b.mu.Lock()
	ok := b.acks.Remove(queueName, messageID)
	var inflight int
	if ok {
		b.stats.Incr(memory.AckKey(queueName))
		inflight = b.acks.Inflight(queueName)
		b.ackLog.Post(journal.Event{
			Op:        journal.OpDelete,
			QueueName: queueName,
			MessageID: messageID,
		})
	}
	b.mu.Unlock()

	if !ok {
		return protocol.NewResponse(protocol.TypeAckMessage, protocol.StatusFail, nil)
	}
	metrics.SetInflight(queueName, float64(inflight))
	return protocol.NewResponse(protocol.TypeAckMessage, protocol.StatusSuccess, nil)
}

// deleteAckMessageID is ACK without the acked counter: the redelivery
// worker evicts the original in-flight entry after re-injecting its
// payload under a fresh identifier.
func (b *Broker) deleteAckMessageID(queueName, messageID string) *protocol.Response {
	b.mu.Lock()
	ok := b.acks.Remove(queueName, messageID)
	var inflight int
	if ok {
		inflight = b.acks.Inflight(queueName)
		b.ackLog.Post(journal.Event{
			Op:        journal.OpDelete,
			QueueName: queueName,
			MessageID: messageID,
		})
	}
	b.mu.Unlock()

	if !ok {
		return protocol.NewResponse(protocol.TypeDeleteAckMessageID, protocol.StatusFail, nil)
	}
	metrics.SetInflight(queueName, float64(inflight))
	return protocol.NewResponse(protocol.TypeDeleteAckMessageID, protocol.StatusSuccess, nil)
}

func (b *Broker) deleteQueue(queueName string) *protocol.Response {
	b.mu.Lock()
	ok := b.queues.Delete(queueName)
	if ok {
		b.acks.Delete(queueName)
		b.stats.Delete(queueName)
		b.sendLog.Post(journal.Event{Op: journal.OpDeleteQueue, QueueName: queueName})
		b.ackLog.Post(journal.Event{Op: journal.OpDeleteQueue, QueueName: queueName})
	}
	b.mu.Unlock()

	if !ok {
		return protocol.NewResponse(protocol.TypeDeleteQueue, protocol.StatusFail, nil)
	}
	metrics.DeleteQueueGauges(queueName)
	return protocol.NewResponse(protocol.TypeDeleteQueue, protocol.StatusSuccess, nil)
}

// clearQueue empties the FIFO and in-flight set. Counters and journal
// rows survive; cleared messages that were still journalled may come
// back after a restart, which at-least-once delivery permits.
func (b *Broker) clearQueue(queueName string) *protocol.Response {
	b.mu.Lock()
	ok := b.queues.Clear(queueName)
	if ok {
		b.acks.Clear(queueName)
	}
	b.mu.Unlock()

	if !ok {
		return protocol.NewResponse(protocol.TypeClearQueue, protocol.StatusFail, nil)
	}
	metrics.SetQueueDepth(queueName, 0)
	metrics.SetInflight(queueName, 0)
	return protocol.NewResponse(protocol.TypeClearQueue, protocol.StatusSuccess, nil)
}

// restoreAckMessageID re-inserts an identifier into the in-flight set
// during ack-journal replay. The queue must already be declared; the
// replaying worker declares it first.
func (b *Broker) restoreAckMessageID(queueName, messageID string) *protocol.Response {
	b.mu.Lock()
	ok := b.acks.Put(queueName, messageID)
	var inflight int
	if ok {
		inflight = b.acks.Inflight(queueName)
	}
	b.mu.Unlock()

	if !ok {
		return protocol.NewResponse(protocol.TypeRestoreAckMessageID, protocol.StatusFail, nil)
	}
	metrics.SetInflight(queueName, float64(inflight))
	return protocol.NewResponse(protocol.TypeRestoreAckMessageID, protocol.StatusSuccess, nil)
}

// restoreSendMessage re-enqueues a journalled message preserving its
// identifier. The insert is refused when the identifier already lives
// in the queue or its in-flight set, which makes replay idempotent.
func (b *Broker) restoreSendMessage(queueName, messageID, messageData string) *protocol.Response {
	b.mu.Lock()
	ok := b.queues.Exists(queueName) &&
		!b.queues.Contains(queueName, messageID) &&
		!b.acks.Contains(queueName, messageID)
	var depth int
	if ok {
		b.queues.Put(queueName, protocol.Task{MessageID: messageID, MessageData: messageData})
		depth = b.queues.Depth(queueName)
	}
	b.mu.Unlock()

	if !ok {
		return protocol.NewResponse(protocol.TypeRestoreSendMessage, protocol.StatusFail, nil)
	}
	metrics.SetQueueDepth(queueName, float64(depth))
	return protocol.NewResponse(protocol.TypeRestoreSendMessage, protocol.StatusSuccess, nil)
}

func (b *Broker) getSpeed(queueName string) *protocol.Response {
	b.mu.Lock()
	speeds, ok := b.stats.QueueSpeeds(queueName)
	b.mu.Unlock()

	if !ok {
		return protocol.NewResponse(protocol.TypeGetSpeed, protocol.StatusFail, nil)
	}
	return protocol.NewResponse(protocol.TypeGetSpeed, protocol.StatusSuccess, []any{speeds})
}

// getStat snapshots depth, rates and in-flight counts. Everything is
// copied under one lock acquisition, so the numbers for a queue are
// mutually consistent.
func (b *Broker) getStat() *protocol.Response {
	b.mu.Lock()
	stat := protocol.Stat{
		QueueInfo:   b.queues.Stat(),
		SpeedInfo:   b.stats.Speeds(),
		TaskAckInfo: b.acks.Stat(),
	}
	b.mu.Unlock()

	return protocol.NewResponse(protocol.TypeGetStat, protocol.StatusSuccess, []any{stat})
}
