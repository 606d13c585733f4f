package memory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client talks to the memory daemon over its unix socket. Failures are
// surfaced as errors; callers in the message path swallow them so memory
// trouble never blocks a reply.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient builds a client for the daemon at socketPath.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: 30 * time.Second}
}

// call writes one request line and reads one response line.
func (c *Client) call(req Request, timeout time.Duration) (*Response, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	conn, err := net.DialTimeout("unix", c.socketPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial memory socket: %w", err)
	}
	defer conn.Close()
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	payload = append(payload, '\n')
	if _, err := conn.Write(payload); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	reader := bufio.NewReaderSize(conn, 1<<20)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if !resp.OK {
		return nil, fmt.Errorf("memory daemon: %s", resp.Error)
	}
	return &resp, nil
}

// Ping checks daemon liveness.
func (c *Client) Ping() error {
	_, err := c.call(Request{Command: "ping"}, 5*time.Second)
	return err
}

// Retrieve returns the formatted memory block for query, or an error.
func (c *Client) Retrieve(botID, query string, topK int) (string, error) {
	resp, err := c.call(Request{Command: "retrieve", BotID: botID, Query: query, TopK: topK}, 0)
	if err != nil {
		return "", err
	}
	var result string
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", err
	}
	return result, nil
}

// Consolidate asks the daemon to consolidate new conversation turns for
// a bot. Long-running; uses the extended timeout.
func (c *Client) Consolidate(botID string) error {
	_, err := c.call(Request{Command: "consolidate", BotID: botID, Timeout: 150}, 150*time.Second)
	return err
}

// Reconsolidate triggers the maintenance pass.
func (c *Client) Reconsolidate() error {
	_, err := c.call(Request{Command: "reconsolidate", Timeout: 600}, 600*time.Second)
	return err
}
