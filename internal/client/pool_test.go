package client_test

import (
	"errors"
	"testing"

	"github.com/oriys/quasar/internal/broker"
	"github.com/oriys/quasar/internal/client"
)

const (
	testUser   = "quasar"
	testPasswd = "quasar123"
)

func startBroker(t *testing.T) string {
	t.Helper()
	b := broker.New(broker.Options{UserName: testUser, Passwd: testPasswd})
	if err := b.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("listen: %v", err)
	}
	go b.Serve()
	t.Cleanup(b.Stop)
	return b.Addr().String()
}

func TestPoolHandsOutAuthenticatedConnections(t *testing.T) {
	addr := startBroker(t)
	p := client.NewPool(addr, testUser, testPasswd, 2)
	defer p.Close()

	c, err := p.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	// Already logged in: a queue operation works immediately.
	resp, err := c.DeclareQueue("pooled")
	if err != nil {
		t.Fatalf("declare: %v", err)
	}
	if !resp.OK() {
		t.Errorf("declare refused: %+v", resp)
	}
	p.Put(c)
}

func TestPoolReusesConnections(t *testing.T) {
	addr := startBroker(t)
	p := client.NewPool(addr, testUser, testPasswd, 2)
	defer p.Close()

	c1, err := p.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	p.Put(c1)

	c2, err := p.Get()
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if c2 != c1 {
		t.Error("pool dialed a new connection instead of reusing the idle one")
	}
	p.Put(c2)
}

func TestPoolDiscardsDeadConnections(t *testing.T) {
	addr := startBroker(t)
	p := client.NewPool(addr, testUser, testPasswd, 2)
	defer p.Close()

	c1, err := p.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	p.Put(c1)
	// Kill the pooled connection behind the pool's back; checkout must
	// notice via PING and dial a fresh one.
	c1.Close()

	c2, err := p.Get()
	if err != nil {
		t.Fatalf("get after close: %v", err)
	}
	if c2 == c1 {
		t.Error("pool handed out a closed connection")
	}
	if err := c2.Ping(0); err != nil {
		t.Errorf("replacement connection dead: %v", err)
	}
	p.Put(c2)
}

func TestPoolDoDiscardsOnError(t *testing.T) {
	addr := startBroker(t)
	p := client.NewPool(addr, testUser, testPasswd, 2)
	defer p.Close()

	var held *client.Client
	boom := errors.New("boom")
	err := p.Do(func(c *client.Client) error {
		held = c
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	c, err := p.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c == held {
		t.Error("errored connection returned to the pool")
	}
	p.Put(c)
}

func TestPoolRefusesBadCredentials(t *testing.T) {
	addr := startBroker(t)
	p := client.NewPool(addr, testUser, "wrongpass", 1)
	defer p.Close()

	if _, err := p.Get(); err == nil {
		t.Error("pool login with bad credentials succeeded")
	}
}
