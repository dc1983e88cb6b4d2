package uds

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrUnavailable means nothing accepted the connection: the process that
// owns the socket is not running.
var ErrUnavailable = errors.New("not running")

const defaultClientTimeout = 30 * time.Second

// Client sends one request per connection to a daemon or overseer socket.
type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: defaultClientTimeout}
}

// SetTimeout bounds the dial and the whole exchange.
func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

func (c *Client) Send(req *Request) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w: %w", c.socketPath, ErrUnavailable, err)
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	if err := WriteFrame(conn, req); err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Command, err)
	}
	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		return nil, fmt.Errorf("read %s response: %w", req.Command, err)
	}
	return &resp, nil
}

func (c *Client) SendCommand(command string, params any) (*Response, error) {
	req, err := NewRequest(command, params)
	if err != nil {
		return nil, err
	}
	return c.Send(req)
}

// Hook delivers a hook event for worker.
func (c *Client) Hook(event, worker string) error {
	params := HookParams{Event: event, Worker: worker}
	if err := params.Validate(); err != nil {
		return err
	}
	resp, err := c.SendCommand(CommandHook, params)
	if err != nil {
		return err
	}
	return resp.Err()
}
