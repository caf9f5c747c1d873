package ws

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// sseWriteWait bounds a single frame write to a stream client.
const sseWriteWait = 5 * time.Second

// SSEClient writes run events as Server-Sent Events frames. Each frame is
// written under a deadline so a client that stops reading fails the write
// instead of holding the stream open.
type SSEClient struct {
	mu     sync.Mutex
	w      http.ResponseWriter
	rc     *http.ResponseController
	logger *slog.Logger
	closed bool
	done   chan struct{}
}

// NewSSEClient wraps a response whose event-stream headers were already sent.
func NewSSEClient(w http.ResponseWriter, logger *slog.Logger) *SSEClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &SSEClient{w: w, rc: http.NewResponseController(w), logger: logger, done: make(chan struct{})}
}

// Send writes payload as a data frame.
func (c *SSEClient) Send(payload []byte) error {
	return c.frame("data: %s\n\n", payload)
}

// Heartbeat writes a comment frame.
func (c *SSEClient) Heartbeat() error {
	return c.frame(": ping\n\n")
}

func (c *SSEClient) frame(format string, args ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	// Recorders and some wrapped writers do not support deadlines.
	_ = c.rc.SetWriteDeadline(time.Now().Add(sseWriteWait))
	_, err := fmt.Fprintf(c.w, format, args...)
	if err == nil {
		err = c.rc.Flush()
	}
	if err != nil {
		c.shutdown()
		c.logger.Warn("sse write failed", "error", err)
		return err
	}
	return nil
}

// Close ends the stream and releases Done.
func (c *SSEClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdown()
}

func (c *SSEClient) shutdown() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

// Done is closed once the stream is closed.
func (c *SSEClient) Done() <-chan struct{} {
	return c.done
}
