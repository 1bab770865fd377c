// Package mock provides scripted transport fakes for channel tests.
package mock

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/velisarios/akroasis/internal/channel"
)

// Conn is a scripted realtime connection. Test code pushes frames or read
// errors with [Conn.Deliver] and [Conn.Fail]; written frames are recorded.
type Conn struct {
	frames chan any // []byte frames or error values

	mu     sync.Mutex
	writes [][]byte
	closed bool

	// WriteErr, when non-nil, is returned by every Write call.
	WriteErr error
}

// NewConn creates an open mock connection.
func NewConn() *Conn {
	return &Conn{frames: make(chan any, 64)}
}

// Deliver queues a frame for the next Read.
func (c *Conn) Deliver(frame []byte) {
	c.frames <- frame
}

// Fail queues a read error, simulating a dropped connection.
func (c *Conn) Fail(err error) {
	c.frames <- err
}

// Read returns the next queued frame, or blocks until one arrives.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case v := <-c.frames:
		switch x := v.(type) {
		case []byte:
			return x, nil
		case error:
			return nil, x
		}
		return nil, errors.New("mock: unexpected frame type")
	}
}

// Write records the frame.
func (c *Conn) Write(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	if c.WriteErr != nil {
		return c.WriteErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	return nil
}

// Close marks the connection closed and unblocks a pending Read.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	select {
	case c.frames <- error(net.ErrClosed):
	default:
	}
	return nil
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Writes returns a copy of all frames written so far.
func (c *Conn) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

// DialResult is one scripted outcome of a Dial call.
type DialResult struct {
	Conn *Conn
	Err  error
}

// Dialer returns scripted results in order. When the script is exhausted it
// returns Default if set, otherwise a fresh open connection.
type Dialer struct {
	Results []DialResult
	Default *DialResult

	mu      sync.Mutex
	calls   int
	urls    []string
	headers []http.Header
}

// Dial implements [channel.Dialer].
func (d *Dialer) Dial(_ context.Context, url string, header http.Header) (channel.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.urls = append(d.urls, url)
	d.headers = append(d.headers, header)
	i := d.calls
	d.calls++

	var res DialResult
	switch {
	case i < len(d.Results):
		res = d.Results[i]
	case d.Default != nil:
		res = *d.Default
	default:
		return NewConn(), nil
	}

	if res.Err != nil {
		return nil, res.Err
	}
	if res.Conn == nil {
		return NewConn(), nil
	}
	return res.Conn, nil
}

// Calls returns how many times Dial was invoked.
func (d *Dialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// Headers returns the headers seen by each Dial call.
func (d *Dialer) Headers() []http.Header {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]http.Header, len(d.headers))
	copy(out, d.headers)
	return out
}
