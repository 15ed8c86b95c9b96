package rpcserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cyberinferno/campusrpc/logger"
	"github.com/cyberinferno/campusrpc/perfmonitor"
	"github.com/cyberinferno/campusrpc/protocol"
)

// State is the lifecycle stage of a Connection.
type State int

const (
	StateConnected     State = iota // Socket open, session inactive
	StateAuthenticated              // Session active
	StateClosed                     // Socket released, session invalidated
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Connection serves one socket. It owns the connection's Session: requests
// see a copy, and only sessions returned on responses (or carried by a
// pre-authenticated request) replace it.
type Connection struct {
	id     uint32
	conn   net.Conn
	server *Server
	logger logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	session *protocol.Session
	state   State

	writeMu   sync.Mutex
	inflight  sync.WaitGroup
	closeOnce sync.Once
}

func newConnection(id uint32, conn net.Conn, server *Server) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	session := protocol.NewSession()

	return &Connection{
		id:     id,
		conn:   conn,
		server: server,
		logger: server.logger.With(
			logger.Field{Key: "conn", Value: id},
			logger.Field{Key: "remote", Value: conn.RemoteAddr().String()},
			logger.Field{Key: "session", Value: session.ID},
		),
		ctx:     ctx,
		cancel:  cancel,
		session: session,
		state:   StateConnected,
	}
}

// ID returns the server-assigned connection id.
func (c *Connection) ID() uint32 {
	return c.id
}

// State returns the current lifecycle stage.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns a copy of the current session.
func (c *Connection) Session() *protocol.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Clone()
}

// Handle reads frames until the socket fails or the connection is closed.
// On end of input it lets in-flight requests write their responses before
// releasing the socket.
func (c *Connection) Handle() {
	c.logger.Debug("connection opened")

	decoder := protocol.NewFrameDecoder(c.server.cfg.MaxFrameSize)
	buf := make([]byte, c.server.cfg.ReadBufferSize)

	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			frames, ferr := decoder.Feed(buf[:n])
			for _, frame := range frames {
				if !c.handleFrame(frame) {
					c.inflight.Wait()
					return
				}
			}

			if ferr != nil {
				c.logger.Warn("closing connection", logger.Err(ferr),
					logger.Field{Key: "limit", Value: c.server.cfg.MaxFrameSize})
				_ = c.Close()
				c.inflight.Wait()
				return
			}
		}

		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.logger.Warn("read failed", logger.Err(err))
			}

			c.inflight.Wait()
			_ = c.Close()
			return
		}
	}
}

// handleFrame decodes one frame and schedules it. It returns false when the
// connection is shutting down.
func (c *Connection) handleFrame(frame protocol.Frame) bool {
	if frame.Err != nil {
		c.server.badFrameTotal.Inc()
		c.logger.Debug("malformed frame", logger.Err(frame.Err), logger.Field{Key: "bytes", Value: len(frame.Payload)})
		c.write(protocol.BadRequest("malformed JSON").WithID(protocol.PeekID(frame.Payload)))
		return true
	}

	req, err := protocol.DecodeRequest(frame.Payload)
	if err != nil {
		c.server.badFrameTotal.Inc()
		c.write(protocol.BadRequest(err.Error()).WithID(protocol.PeekID(frame.Payload)))
		return true
	}

	if err := c.server.workers.Acquire(c.ctx, 1); err != nil {
		return false
	}

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		defer c.server.workers.Release(1)

		c.write(c.serve(req))
	}()

	return true
}

// serve runs one request through session merge, dispatch and session
// adoption. Panics escaping the router are turned into INTERNAL_ERROR.
func (c *Connection) serve(req *protocol.Request) (resp *protocol.Response) {
	pm := perfmonitor.StartNew()

	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("request panicked", logger.Field{Key: "uri", Value: req.URI}, logger.Field{Key: "panic", Value: fmt.Sprint(rec)})
			resp = protocol.InternalError(fmt.Sprintf("internal error: %v", rec)).WithID(req.ID)
		}
	}()

	req.Session = c.attachSession(req.Session)

	resp = c.server.router.Dispatch(c.ctx, req)
	if resp.Session != nil {
		c.adoptSession(resp.Session)
	}

	pm.Stop()
	c.logger.Debug("request served",
		logger.Field{Key: "uri", Value: req.URI},
		logger.Field{Key: "id", Value: string(req.ID)},
		logger.Field{Key: "status", Value: string(resp.Status)},
		logger.Field{Key: "ms", Value: pm.ElapsedMilliseconds()},
	)

	return resp
}

// attachSession returns the session the request is dispatched with. An
// active session carried by the request replaces the connection session
// when the server accepts client sessions.
func (c *Connection) attachSession(carried *protocol.Session) *protocol.Session {
	if carried.IsActive() && c.server.cfg.AcceptClientSessions {
		c.adoptSession(carried)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.session.Touch(time.Now())
	return c.session.Clone()
}

func (c *Connection) adoptSession(next *protocol.Session) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}

	prev := c.session
	adopted := next.Clone()
	if adopted.ID == "" {
		adopted.ID = prev.ID
	}

	c.session = adopted
	if adopted.Active {
		c.state = StateAuthenticated
	} else {
		c.state = StateConnected
	}
	c.mu.Unlock()

	if prev.UserID != adopted.UserID || prev.Active != adopted.Active {
		c.logger.Info("session changed",
			logger.Field{Key: "user", Value: adopted.UserID},
			logger.Field{Key: "active", Value: adopted.Active},
		)
	}

	c.server.refreshOnline(prev.UserID)
	if adopted.UserID != prev.UserID {
		c.server.refreshOnline(adopted.UserID)
	}
}

// write encodes resp and sends it. An encoding failure is reported to the
// peer as INTERNAL_ERROR; a write failure closes the connection.
func (c *Connection) write(resp *protocol.Response) {
	b, err := protocol.Encode(resp)
	if err != nil {
		c.logger.Error("failed to encode response", logger.Err(err), logger.Field{Key: "id", Value: string(resp.ID)})
		b, err = protocol.Encode(protocol.InternalError(err.Error()).WithID(resp.ID))
		if err != nil {
			return
		}
	}

	if err := c.Send(b); err != nil {
		if c.State() != StateClosed {
			c.logger.Warn("write failed", logger.Err(err))
		}

		_ = c.Close()
	}
}

// Send writes one encoded frame. Writes are serialized per connection.
func (c *Connection) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout := c.server.cfg.WriteTimeout; timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}

	_, err := c.conn.Write(data)
	return err
}

// Close releases the socket and invalidates the session. Safe to call more
// than once and from any goroutine.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.conn.Close()

		c.mu.Lock()
		userID := c.session.UserID
		c.session = c.session.Invalidated()
		c.state = StateClosed
		c.mu.Unlock()

		c.server.refreshOnline(userID)
		c.logger.Debug("connection closed")
	})

	return err
}
