package broker_test

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"testing"

	"github.com/oriys/quasar/internal/broker"
	"github.com/oriys/quasar/internal/protocol"
)

// rawConn drives the broker with hand-built frames to exercise the
// protocol-error paths the client driver never produces.
type rawConn struct {
	t    *testing.T
	conn net.Conn
}

func dialRaw(t *testing.T, addr string) *rawConn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &rawConn{t: t, conn: conn}
}

func (r *rawConn) sendFrame(body []byte) {
	r.t.Helper()
	if err := protocol.WriteFrame(r.conn, body); err != nil {
		r.t.Fatalf("write frame: %v", err)
	}
}

func (r *rawConn) readResponse() *protocol.Response {
	r.t.Helper()
	body, err := protocol.ReadFrame(r.conn)
	if err != nil {
		r.t.Fatalf("read response: %v", err)
	}
	var resp protocol.Response
	if err := json.Unmarshal(body, &resp); err != nil {
		r.t.Fatalf("decode response: %v", err)
	}
	return &resp
}

func (r *rawConn) login() {
	r.t.Helper()
	body, _ := json.Marshal(map[string]any{
		"type": protocol.TypeLogin, "user_name": testUser, "passwd": testPasswd,
	})
	r.sendFrame(body)
	if resp := r.readResponse(); !resp.OK() {
		r.t.Fatalf("login refused: %+v", resp)
	}
}

// expectClosed asserts the peer has closed the connection.
func (r *rawConn) expectClosed() {
	r.t.Helper()
	if _, err := protocol.ReadFrame(r.conn); err == nil {
		r.t.Error("connection still open, expected close")
	}
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	addr := startBroker(t, broker.Options{})
	r := dialRaw(t, addr)

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], protocol.MaxDataLength+1)
	if _, err := r.conn.Write(header[:]); err != nil {
		t.Fatalf("write: %v", err)
	}

	// No response at all: the length itself is the protocol error.
	if _, err := protocol.ReadFrame(r.conn); err != io.EOF {
		t.Errorf("expected EOF, got %v", err)
	}
}

func TestMalformedJSONGetsDataWrong(t *testing.T) {
	addr := startBroker(t, broker.Options{})
	r := dialRaw(t, addr)

	r.sendFrame([]byte(`this is not json`))
	resp := r.readResponse()
	if resp.Type != protocol.TypeDataWrong || resp.OK() {
		t.Errorf("resp = %+v, want DATA_WRONG failure", resp)
	}
	r.expectClosed()
}

func TestNonObjectBodyGetsDataWrong(t *testing.T) {
	addr := startBroker(t, broker.Options{})
	r := dialRaw(t, addr)

	r.sendFrame([]byte(`[0,1,2]`))
	resp := r.readResponse()
	if resp.Type != protocol.TypeDataWrong {
		t.Errorf("type = %d, want DATA_WRONG", resp.Type)
	}
	r.expectClosed()
}

func TestUnknownTypeGetsNotFound(t *testing.T) {
	addr := startBroker(t, broker.Options{})
	r := dialRaw(t, addr)
	r.login()

	r.sendFrame([]byte(`{"type":99}`))
	resp := r.readResponse()
	if resp.Type != protocol.TypeNotFound || resp.OK() {
		t.Errorf("resp = %+v, want NOT_FOUND failure", resp)
	}
	r.expectClosed()
}

func TestResponseOnlyTypeGetsNotFound(t *testing.T) {
	addr := startBroker(t, broker.Options{})
	r := dialRaw(t, addr)
	r.login()

	// FORBIDDEN is a response code; a client must never send it.
	r.sendFrame([]byte(`{"type":7}`))
	resp := r.readResponse()
	if resp.Type != protocol.TypeNotFound {
		t.Errorf("type = %d, want NOT_FOUND", resp.Type)
	}
	r.expectClosed()
}

func TestMissingRequiredFieldGetsDataWrong(t *testing.T) {
	addr := startBroker(t, broker.Options{})
	r := dialRaw(t, addr)
	r.login()

	r.sendFrame([]byte(`{"type":2}`)) // DECLARE_QUEUE without queue_name
	resp := r.readResponse()
	if resp.Type != protocol.TypeDataWrong || resp.OK() {
		t.Errorf("resp = %+v, want DATA_WRONG failure", resp)
	}
	r.expectClosed()
}

func TestLogoutRespondsThenCloses(t *testing.T) {
	addr := startBroker(t, broker.Options{})
	r := dialRaw(t, addr)
	r.login()

	body, _ := json.Marshal(map[string]any{
		"type": protocol.TypeLogout, "user_name": testUser, "passwd": testPasswd,
	})
	r.sendFrame(body)
	resp := r.readResponse()
	if resp.Type != protocol.TypeLogout || !resp.OK() {
		t.Errorf("resp = %+v, want LOGOUT success", resp)
	}
	r.expectClosed()
}
