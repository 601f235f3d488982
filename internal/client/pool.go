package client

import (
	"sync"
	"time"

	"github.com/oriys/quasar/internal/logging"
)

const pingDeadline = 2 * time.Second

// Pool is a bounded free-list of authenticated connections. Checkout
// validates the connection with a deadlined PING and discards it on
// failure; connections are dialed lazily, so a large bound does not
// hold sockets open against the broker's connection cap. Callers are
// background workers and may block on the dial.
type Pool struct {
	addr     string
	userName string
	passwd   string
	size     int

	mu   sync.Mutex
	idle []*Client
}

// NewPool builds a pool for addr with the given credentials. size caps
// the number of idle connections retained.
func NewPool(addr, userName, passwd string, size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{addr: addr, userName: userName, passwd: passwd, size: size}
}

// Get returns a validated connection: an idle one that still answers
// PING, or a freshly dialed and authenticated one.
func (p *Pool) Get() (*Client, error) {
	for {
		p.mu.Lock()
		if len(p.idle) == 0 {
			p.mu.Unlock()
			break
		}
		c := p.idle[0]
		p.idle = p.idle[1:]
		p.mu.Unlock()

		if err := c.Ping(pingDeadline); err != nil {
			logging.Op().Debug("pool: discarding dead connection", "error", err)
			_ = c.Close()
			continue
		}
		return c, nil
	}

	c, err := Dial(p.addr)
	if err != nil {
		return nil, err
	}
	resp, err := c.Login(p.userName, p.passwd)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	if !resp.OK() {
		_ = c.Close()
		return nil, errLoginRefused
	}
	return c, nil
}

// Put returns a connection to the free list, closing it when the list
// is full.
func (p *Pool) Put(c *Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle) >= p.size {
		_ = c.Close()
		return
	}
	p.idle = append(p.idle, c)
}

// Do runs fn with a pooled connection. The connection returns to the
// pool on success and is discarded on error, so a broken socket is
// never handed to the next caller.
func (p *Pool) Do(fn func(c *Client) error) error {
	c, err := p.Get()
	if err != nil {
		return err
	}
	if err := fn(c); err != nil {
		_ = c.Close()
		return err
	}
	p.Put(c)
	return nil
}

// Close discards every idle connection.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.idle {
		_ = c.Close()
	}
	p.idle = nil
}
