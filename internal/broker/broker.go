// Package broker implements the quasar runtime: the TCP accept loop,
// the per-connection request handlers, and the in-memory queue,
// in-flight and statistics state. Durability is delegated to the
// journal workers through event channels; the broker itself never
// touches the disk.
package broker

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/oriys/quasar/internal/journal"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/memory"
	"github.com/oriys/quasar/internal/metrics"
)

// EventSink receives journal events from the broker. Both log workers
// implement it.
type EventSink interface {
	Post(ev journal.Event)
}

// nopSink drops events; used when a journal worker is absent (tests).
type nopSink struct{}

func (nopSink) Post(journal.Event) {}

// Options configures a Broker.
type Options struct {
	UserName string
	Passwd   string
	MaxConn  int

	// SendLog and AckLog receive journal events. Nil disables journalling.
	SendLog EventSink
	AckLog  EventSink
}

// Broker holds the in-memory state and serves the framed protocol.
//
// Every store mutation and every statistics snapshot happens under mu
// (concurrency policy (b): one broker-wide lock). Journal events are
// posted while mu is held so the journal sees mutations in the order
// they were applied; the posts go to buffered channels, never to the
// network, and the workers take no broker locks.
type Broker struct {
	opts Options

	mu     sync.Mutex
	queues *memory.QueueMemory
	acks   *memory.AckMemory
	stats  *memory.StatMemory

	sendLog EventSink
	ackLog  EventSink

	connMu   sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	active   int
	closed   bool

	wg sync.WaitGroup
}

// New builds a broker with empty state.
func New(opts Options) *Broker {
	if opts.MaxConn < 1 {
		opts.MaxConn = 100
	}
	b := &Broker{
		opts:    opts,
		queues:  memory.NewQueueMemory(),
		acks:    memory.NewAckMemory(),
		stats:   memory.NewStatMemory(),
		sendLog: opts.SendLog,
		ackLog:  opts.AckLog,
		conns:   make(map[net.Conn]struct{}),
	}
	if b.sendLog == nil {
		b.sendLog = nopSink{}
	}
	if b.ackLog == nil {
		b.ackLog = nopSink{}
	}
	return b
}

// Listen binds the broker's TCP listener. Failure to bind is fatal for
// the daemon.
func (b *Broker) Listen(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("broker: bind %s: %w", addr, err)
	}
	b.connMu.Lock()
	b.listener = l
	b.connMu.Unlock()
	logging.Op().Info("broker listening", "addr", l.Addr().String())
	return nil
}

// Addr returns the bound listener address.
func (b *Broker) Addr() net.Addr {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Serve runs the accept loop until the listener is closed. Connections
// beyond MaxConn are accepted and immediately closed.
func (b *Broker) Serve() error {
	b.connMu.Lock()
	l := b.listener
	b.connMu.Unlock()
	if l == nil {
		return errors.New("broker: Serve before Listen")
	}

	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("broker: accept: %w", err)
		}

		if !b.track(conn) {
			metrics.ConnRejected()
			logging.Op().Warn("connection limit reached, closing",
				"remote", conn.RemoteAddr().String(), "max_conn", b.opts.MaxConn)
			_ = conn.Close()
			continue
		}

		metrics.ConnOpened()
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.handleConn(conn)
		}()
	}
}

// track registers a connection against the MaxConn bound.
func (b *Broker) track(conn net.Conn) bool {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	if b.closed || b.active >= b.opts.MaxConn {
		return false
	}
	b.conns[conn] = struct{}{}
	b.active++
	return true
}

func (b *Broker) untrack(conn net.Conn) {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	if _, ok := b.conns[conn]; ok {
		delete(b.conns, conn)
		b.active--
	}
}

// Stop closes the listener, then every open connection, and waits for
// the handlers to drain.
func (b *Broker) Stop() {
	b.connMu.Lock()
	b.closed = true
	if b.listener != nil {
		_ = b.listener.Close()
	}
	for conn := range b.conns {
		_ = conn.Close()
	}
	b.connMu.Unlock()

	b.wg.Wait()
}
