package torlens

import (
	"bufio"
	"context"
	"net"
	"sync"

	"github.com/cenkalti/backoff/v4"
)

// opConnectionManager labels errors originating from ConnectionManager operations.
const opConnectionManager = "connectionManager"

// Connection is one authenticated, event-subscribed link to a Tor
// ControlPort: a line framer, message assembler, dispatcher, command
// pipeline, and event subscriber wired together over a single net.Conn,
// driven by a dedicated read loop goroutine.
type Connection struct {
	conn     net.Conn
	pipeline *commandPipeline
	events   *eventSubscriber
	disp     *dispatcher
	tracker  *Tracker
	logger   Logger

	closeOnce sync.Once
}

// ConnectionManager caches one Connection per "host:port" address so that
// multiple callers asking for the same ControlPort share a single
// authenticated, event-subscribed link rather than each dialing and
// authenticating separately. SETEVENTS subscriptions apply to a connection,
// not additively across connections, so sharing is what lets a single
// SETEVENTS CIRC STREAM registration serve every consumer.
type ConnectionManager struct {
	mu     sync.Mutex
	conns  map[string]*Connection
	logger Logger
}

// NewConnectionManager returns an empty ConnectionManager.
func NewConnectionManager(logger Logger) *ConnectionManager {
	if logger == nil {
		logger = noopLogger{}
	}
	return &ConnectionManager{conns: make(map[string]*Connection), logger: logger}
}

// Open returns the cached Connection for addr, dialing, authenticating, and
// subscribing to CIRC/STREAM events on first use. Dial+authenticate retries
// with exponential backoff (bounded by ctx) so a ControlPort that is still
// bootstrapping does not fail the first caller outright.
func (m *ConnectionManager) Open(ctx context.Context, addr string, auth ControlAuth) (*Connection, error) {
	m.mu.Lock()
	if c, ok := m.conns[addr]; ok {
		m.mu.Unlock()
		return c, nil
	}
	m.mu.Unlock()

	var conn *Connection
	op := func() error {
		c, err := dialAndAuthenticate(ctx, addr, auth, m.logger)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, newError(ErrControlAuthFailed, opConnectionManager, "failed to open connection to "+addr, err)
	}

	m.mu.Lock()
	if existing, ok := m.conns[addr]; ok {
		m.mu.Unlock()
		_ = conn.Close()
		return existing, nil
	}
	m.conns[addr] = conn
	m.mu.Unlock()
	return conn, nil
}

// Close closes every cached Connection and forgets it.
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*Connection)
	m.mu.Unlock()

	var firstErr error
	for _, c := range conns {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// dialAndAuthenticate opens a fresh TCP connection, starts its read loop,
// authenticates, and subscribes to circuit/stream events.
func dialAndAuthenticate(ctx context.Context, addr string, auth ControlAuth, logger Logger) (*Connection, error) {
	dialer := &net.Dialer{}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, newError(ErrControlRequestFail, opConnectionManager, "failed to dial "+addr, err)
	}

	c := &Connection{
		conn:   netConn,
		events: newEventSubscriber(logger),
		logger: logger,
	}
	writer := bufio.NewWriter(netConn)
	c.pipeline = newCommandPipeline(func(line string) error {
		if _, err := writer.WriteString(line); err != nil {
			return err
		}
		return writer.Flush()
	}, logger)
	c.disp = newDispatcher(c.pipeline, c.events, nil, logger)

	go c.readLoop()

	token, err := resolveAuthToken(auth)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	authCmd := "AUTHENTICATE"
	if token != "" {
		authCmd = "AUTHENTICATE " + token
	}
	if _, err := c.pipeline.Submit(ctx, authCmd); err != nil {
		_ = c.Close()
		return nil, newError(ErrControlAuthFailed, opConnectionManager, "AUTHENTICATE failed", err)
	}

	if _, err := c.pipeline.Submit(ctx, "SETEVENTS CIRC STREAM"); err != nil {
		_ = c.Close()
		return nil, newError(ErrControlAuthFailed, opConnectionManager, "SETEVENTS failed", err)
	}

	return c, nil
}

// readLoop reads bytes off the wire, frames them into lines, assembles
// complete ControlMessages, and dispatches each one until the connection
// fails or is closed.
func (c *Connection) readLoop() {
	framer := newLineFramer()
	assembler := newMessageAssembler()
	buf := make([]byte, 4096)

	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			for _, line := range framer.Feed(buf[:n]) {
				msg, perr := assembler.Feed(line)
				if perr != nil {
					c.logger.Log("error", "failed to parse control line", "error", perr, "line", line)
					continue
				}
				if msg == nil {
					continue
				}
				c.disp.Dispatch(msg)
			}
		}
		if err != nil {
			c.pipeline.Close(err)
			return
		}
	}
}

// Submit sends cmd and waits for its reply, subject to ctx.
func (c *Connection) Submit(ctx context.Context, cmd string) (*ControlMessage, error) {
	return c.pipeline.Submit(ctx, cmd)
}

// Watch registers ch for every eventType event seen on this connection.
func (c *Connection) Watch(ctx context.Context, eventType string, ch chan Event) {
	c.events.Watch(ctx, eventType, ch)
}

// AttachTracker wires a Tracker to receive every event this connection
// dispatches, in addition to any explicit Watch subscribers. Call before
// traffic flows; there is no detach, matching the core's single-purpose
// per-connection tracker lifecycle.
func (c *Connection) AttachTracker(t *Tracker) {
	c.disp.tracker = t
}

// Close closes the underlying socket, failing any in-flight or queued
// command with ErrConnectionLost.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
		c.pipeline.Close(nil)
	})
	return err
}
