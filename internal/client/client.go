// Package client is the framed-protocol driver the sidecar workers use
// to talk to the broker: journal replay on start-up and the redelivery
// sweep both go through ordinary client connections, exactly like any
// external producer or consumer would.
package client

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/oriys/quasar/internal/protocol"
)

const dialTimeout = 5 * time.Second

// Client is one authenticated connection to the broker. It is not safe
// for concurrent use; the Pool hands a connection to one caller at a
// time.
type Client struct {
	conn     net.Conn
	userName string
	passwd   string
}

// Dial connects to the broker without authenticating.
func Dial(addr string) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// roundTrip writes one request frame and reads one response frame.
func (c *Client) roundTrip(req *protocol.Request) (*protocol.Response, error) {
	if err := protocol.WriteJSON(c.conn, req); err != nil {
		return nil, err
	}
	body, err := protocol.ReadFrame(c.conn)
	if err != nil {
		return nil, err
	}
	var resp protocol.Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("client: decode response: %w", err)
	}
	return &resp, nil
}

// Login authenticates the session. On success the credentials are
// remembered; Logout echoes them back to the broker.
func (c *Client) Login(userName, passwd string) (*protocol.Response, error) {
	resp, err := c.roundTrip(&protocol.Request{
		Type: protocol.TypeLogin, UserName: userName, Passwd: passwd,
	})
	if err != nil {
		return nil, err
	}
	if resp.OK() {
		c.userName = userName
		c.passwd = passwd
	}
	return resp, nil
}

// Logout ends the session; the broker closes the connection after
// responding.
func (c *Client) Logout() (*protocol.Response, error) {
	return c.roundTrip(&protocol.Request{
		Type: protocol.TypeLogout, UserName: c.userName, Passwd: c.passwd,
	})
}

// DeclareQueue creates a queue.
func (c *Client) DeclareQueue(queueName string) (*protocol.Response, error) {
	return c.roundTrip(&protocol.Request{
		Type: protocol.TypeDeclareQueue, QueueName: queueName,
	})
}

// SendDataToQueue enqueues an opaque payload.
func (c *Client) SendDataToQueue(queueName, messageData string) (*protocol.Response, error) {
	return c.roundTrip(&protocol.Request{
		Type: protocol.TypeSendDataToQueue, QueueName: queueName, MessageData: messageData,
	})
}

// GetDataFromQueue fetches the head message, if any.
func (c *Client) GetDataFromQueue(queueName string) (*protocol.Response, error) {
	return c.roundTrip(&protocol.Request{
		Type: protocol.TypeGetDataFromQueue, QueueName: queueName,
	})
}

// AckMessage acknowledges a delivered message by identifier.
func (c *Client) AckMessage(queueName, messageID string) (*protocol.Response, error) {
	return c.roundTrip(&protocol.Request{
		Type: protocol.TypeAckMessage, QueueName: queueName, MessageID: messageID,
	})
}

// DeleteQueue removes a queue and everything attached to it.
func (c *Client) DeleteQueue(queueName string) (*protocol.Response, error) {
	return c.roundTrip(&protocol.Request{
		Type: protocol.TypeDeleteQueue, QueueName: queueName,
	})
}

// ClearQueue empties a queue but keeps it declared.
func (c *Client) ClearQueue(queueName string) (*protocol.Response, error) {
	return c.roundTrip(&protocol.Request{
		Type: protocol.TypeClearQueue, QueueName: queueName,
	})
}

// GetSpeed returns the send/get/ack rates for one queue.
func (c *Client) GetSpeed(queueName string) (*protocol.Response, error) {
	return c.roundTrip(&protocol.Request{
		Type: protocol.TypeGetSpeed, QueueName: queueName,
	})
}

// GetStat returns depths, rates and in-flight counts for every queue.
func (c *Client) GetStat() (*protocol.Response, error) {
	return c.roundTrip(&protocol.Request{Type: protocol.TypeGetStat})
}

// DeleteAckMessageID drops an in-flight entry without counting an ack;
// the redelivery worker calls this after re-injecting the payload.
func (c *Client) DeleteAckMessageID(queueName, messageID string) (*protocol.Response, error) {
	return c.roundTrip(&protocol.Request{
		Type: protocol.TypeDeleteAckMessageID, QueueName: queueName, MessageID: messageID,
	})
}

// RestoreAckMessageID re-inserts an identifier into a queue's in-flight
// set during ack-journal replay.
func (c *Client) RestoreAckMessageID(queueName, messageID string) (*protocol.Response, error) {
	return c.roundTrip(&protocol.Request{
		Type: protocol.TypeRestoreAckMessageID, QueueName: queueName, MessageID: messageID,
	})
}

// RestoreSendMessage re-enqueues a journalled message preserving its
// original identifier, during send-journal replay.
func (c *Client) RestoreSendMessage(queueName, messageID, messageData string) (*protocol.Response, error) {
	return c.roundTrip(&protocol.Request{
		Type: protocol.TypeRestoreSendMessage, QueueName: queueName,
		MessageID: messageID, MessageData: messageData,
	})
}

// Ping checks liveness within the given deadline.
func (c *Client) Ping(deadline time.Duration) error {
	if deadline > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(deadline)); err != nil {
			return err
		}
		defer c.conn.SetDeadline(time.Time{})
	}
	resp, err := c.roundTrip(&protocol.Request{Type: protocol.TypePing})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("client: ping refused")
	}
	return nil
}
