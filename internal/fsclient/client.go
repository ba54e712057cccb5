// Package fsclient is a small Go SDK for talking to one distfs node over
// its framed TCP protocol, the same role the teacher's internal/client
// plays for the HTTP API: it hides connection setup, message framing, and
// checksum verification behind plain Go method calls.
//
// A Client always talks to exactly one node. That node is responsible for
// replicating the change to the rest of the cluster; the client does not
// implement any distributed logic itself.
package fsclient

import (
	"encoding/json"
	"net"
	"time"

	"distfs/internal/distfserr"
	"distfs/internal/localstore"
	"distfs/internal/protocol"
)

// Client connects to one distfs node's TCP port.
type Client struct {
	addr    string
	timeout time.Duration
}

// New creates a Client targeting addr ("host:port"). timeout bounds both
// the dial and the whole request/response round trip; it defaults to 10s.
func New(addr string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{addr: addr, timeout: timeout}
}

func (c *Client) roundTrip(m *protocol.Message) (*protocol.ResponseBody, error) {
	conn, err := net.DialTimeout("tcp", c.addr, c.timeout)
	if err != nil {
		return nil, distfserr.Wrap(distfserr.KindUnavailable, "dial node", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(c.timeout))

	if err := protocol.WriteFrame(conn, m); err != nil {
		return nil, err
	}
	resp, err := protocol.ReadFrame(conn, 0)
	if err != nil {
		return nil, err
	}
	if !protocol.Verify(resp) {
		return nil, distfserr.New(distfserr.KindIntegrity, "response checksum mismatch")
	}
	var body protocol.ResponseBody
	if len(resp.Content) > 0 {
		if err := json.Unmarshal(resp.Content, &body); err != nil {
			return nil, distfserr.Wrap(distfserr.KindProtocol, "decode response body", err)
		}
	}
	if !body.Success {
		return &body, distfserr.New(distfserr.KindWriteFailed, body.Message)
	}
	return &body, nil
}

func (c *Client) command(action, path string, content any) (*protocol.ResponseBody, error) {
	msg, err := protocol.New(protocol.TypeCommand, action, path, "client", content)
	if err != nil {
		return nil, err
	}
	return c.roundTrip(msg)
}

// Create makes an empty file at path.
func (c *Client) Create(path string) error {
	_, err := c.command(protocol.ActionCreate, path, nil)
	return err
}

// Read returns the bytes of path.
func (c *Client) Read(path string) ([]byte, error) {
	body, err := c.command(protocol.ActionRead, path, nil)
	if err != nil {
		return nil, err
	}
	var data struct {
		Data []byte `json:"data"`
	}
	if err := json.Unmarshal(body.Data, &data); err != nil {
		return nil, distfserr.Wrap(distfserr.KindProtocol, "decode read data", err)
	}
	return data.Data, nil
}

// Write overwrites-or-creates path with data.
func (c *Client) Write(path string, data []byte) error {
	_, err := c.command(protocol.ActionWrite, path, data)
	return err
}

// Delete removes path.
func (c *Client) Delete(path string) error {
	_, err := c.command(protocol.ActionDelete, path, nil)
	return err
}

// Mkdir creates path and any missing parents.
func (c *Client) Mkdir(path string) error {
	_, err := c.command(protocol.ActionMkdir, path, nil)
	return err
}

// List returns the immediate children of path.
func (c *Client) List(path string) ([]localstore.Entry, error) {
	body, err := c.command(protocol.ActionList, path, nil)
	if err != nil {
		return nil, err
	}
	var data struct {
		Entries []localstore.Entry `json:"entries"`
	}
	if err := json.Unmarshal(body.Data, &data); err != nil {
		return nil, distfserr.Wrap(distfserr.KindProtocol, "decode list entries", err)
	}
	return data.Entries, nil
}

// Ping sends heartbeat/ping and reports whether the node answered pong
// within the client's timeout.
func (c *Client) Ping() (bool, error) {
	msg, err := protocol.New(protocol.TypeHeartbeat, protocol.ActionPing, "", "client", nil)
	if err != nil {
		return false, err
	}
	conn, err := net.DialTimeout("tcp", c.addr, c.timeout)
	if err != nil {
		return false, distfserr.Wrap(distfserr.KindUnavailable, "dial node", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(c.timeout))

	if err := protocol.WriteFrame(conn, msg); err != nil {
		return false, err
	}
	resp, err := protocol.ReadFrame(conn, 0)
	if err != nil {
		return false, err
	}
	return resp.Type == protocol.TypeResponse && resp.Action == protocol.ActionPong && protocol.Verify(resp), nil
}

// Addr returns the address this client targets, for display purposes.
func (c *Client) Addr() string { return c.addr }
