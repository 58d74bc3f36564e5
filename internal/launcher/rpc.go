package launcher

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// maxLineBytes bounds a single JSON-RPC line; tool lists with embedded
// schemas can get large.
const maxLineBytes = 4 << 20

// stdioClient speaks newline-delimited JSON-RPC 2.0 over a child process's
// stdin/stdout. A single reader goroutine owns stdout; calls are serialized
// and skip interleaved notifications until their response id arrives.
type stdioClient struct {
	mu     sync.Mutex
	in     io.WriteCloser
	lines  chan string
	nextID int64

	closeOnce sync.Once
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      *int64      `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	ID     *int64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func newStdioClient(in io.WriteCloser, out io.Reader) *stdioClient {
	c := &stdioClient{
		in:    in,
		lines: make(chan string, 16),
	}
	go c.readLoop(out)
	return c
}

func (c *stdioClient) readLoop(out io.Reader) {
	sc := bufio.NewScanner(out)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		c.lines <- line
	}
	close(c.lines)
}

// Call sends one request and waits for its response, decoding the result
// into out when out is non-nil. Server-initiated notifications and stray
// responses are skipped.
func (c *stdioClient) Call(ctx context.Context, method string, params, out interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	if err := c.send(rpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params}); err != nil {
		return fmt.Errorf("Call %s: %w", method, err)
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("Call %s: %w", method, ctx.Err())
		case line, ok := <-c.lines:
			if !ok {
				return fmt.Errorf("Call %s: %w", method, io.ErrUnexpectedEOF)
			}
			var resp rpcResponse
			if err := json.Unmarshal([]byte(line), &resp); err != nil {
				continue // not a response; server log noise or notification
			}
			if resp.ID == nil || *resp.ID != id {
				continue
			}
			if resp.Error != nil {
				return fmt.Errorf("Call %s: %w", method, resp.Error)
			}
			if out != nil && len(resp.Result) > 0 {
				if err := json.Unmarshal(resp.Result, out); err != nil {
					return fmt.Errorf("Call %s: decode result: %w", method, err)
				}
			}
			return nil
		}
	}
}

// Notify sends a request without an id; no response is expected.
func (c *stdioClient) Notify(method string, params interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send(rpcRequest{JSONRPC: "2.0", Method: method, Params: params})
}

func (c *stdioClient) send(req rpcRequest) error {
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = c.in.Write(b)
	return err
}

// Close shuts the write side. MCP servers treat stdin EOF as a shutdown
// request.
func (c *stdioClient) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.in.Close() })
	return err
}
