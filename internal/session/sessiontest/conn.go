// Package sessiontest provides an in-memory session.Conn for tests.
package sessiontest

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// Frame is a decoded outbound frame captured by Conn.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into v, panicking on malformed test data.
func (f Frame) Decode(v any) {
	if err := json.Unmarshal(f.Payload, v); err != nil {
		panic(err)
	}
}

// Conn records every frame written to it.
type Conn struct {
	mu        sync.Mutex
	frames    []Frame
	closed    int
	FailWrite bool
}

func NewConn() *Conn { return &Conn{} }

func (c *Conn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed > 0 {
		return errors.New("write on closed conn")
	}
	if c.FailWrite {
		return errors.New("write failed")
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *Conn) SetWriteDeadline(time.Time) error { return nil }

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

// Closed reports how many times Close was called.
func (c *Conn) Closed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) Frames() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Frame(nil), c.frames...)
}

// OfType returns captured frames with the given type, oldest first.
func (c *Conn) OfType(t string) []Frame {
	var out []Frame
	for _, f := range c.Frames() {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

// Last returns the most recent frame of type t and whether one exists.
func (c *Conn) Last(t string) (Frame, bool) {
	fs := c.OfType(t)
	if len(fs) == 0 {
		return Frame{}, false
	}
	return fs[len(fs)-1], true
}

func (c *Conn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}
