package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/turtacn/rigkeeper/pkg/protocol"
)

// Client talks to a running daemon over its control socket.
type Client struct {
	conn net.Conn
	dec  *json.Decoder
	enc  *json.Encoder
}

// Dial connects to the socket at path.
func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("connect control socket %s: %w", path, err)
	}
	return &Client{conn: conn, dec: json.NewDecoder(bufio.NewReader(conn)), enc: json.NewEncoder(conn)}, nil
}

// Do sends req and waits for the response. A response carrying an error is
// returned as an error too.
func (c *Client) Do(ctx context.Context, req protocol.ControlRequest) (protocol.ControlResponse, error) {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
	} else {
		c.conn.SetDeadline(time.Time{})
	}

	var resp protocol.ControlResponse
	if err := c.enc.Encode(req); err != nil {
		return resp, err
	}
	if err := c.dec.Decode(&resp); err != nil {
		return resp, err
	}
	if !resp.OK {
		return resp, fmt.Errorf("%s: %s", req.Op, resp.Error)
	}
	return resp, nil
}

func (c *Client) Close() error { return c.conn.Close() }

// Request dials, sends one request and closes the connection.
func Request(ctx context.Context, path string, req protocol.ControlRequest) (protocol.ControlResponse, error) {
	c, err := Dial(ctx, path)
	if err != nil {
		return protocol.ControlResponse{}, err
	}
	defer c.Close()
	return c.Do(ctx, req)
}
