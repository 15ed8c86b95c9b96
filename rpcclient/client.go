// Package rpcclient is the caller side of the campus RPC protocol. Many
// requests may be outstanding on one connection; responses are matched to
// their calls purely by id, whatever order they arrive in.
package rpcclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cyberinferno/campusrpc/eventdriventcpclient"
	"github.com/cyberinferno/campusrpc/idgenerator"
	"github.com/cyberinferno/campusrpc/logger"
	"github.com/cyberinferno/campusrpc/protocol"
	"github.com/cyberinferno/campusrpc/safemap"
)

var (
	// ErrNotConnected is returned by Send when the connection is not established.
	ErrNotConnected = errors.New("not connected")
	// ErrDuplicateID is returned by Send when the id is already outstanding.
	ErrDuplicateID = errors.New("duplicate request id")
	// ErrTimeout resolves a call whose response did not arrive in time.
	ErrTimeout = errors.New("request timed out")
	// ErrConnectionLost resolves calls pending when the connection dropped.
	ErrConnectionLost = errors.New("connection lost")
)

// Config holds the client settings.
type Config struct {
	// Address is the server "host:port".
	Address string
	// DefaultTimeout applies to calls whose context has no deadline.
	DefaultTimeout time.Duration
	// ConnectionTimeout bounds a single dial.
	ConnectionTimeout time.Duration
	// WriteTimeout bounds a single request write.
	WriteTimeout time.Duration
	// MaxFrameSize is the largest accepted response frame.
	MaxFrameSize int
	// AutoReconnect re-dials with exponential backoff after a drop. Calls
	// pending at the time of the drop still fail with ErrConnectionLost.
	AutoReconnect bool
	// IDPrefix is prepended to generated request ids.
	IDPrefix string
}

// DefaultConfig returns the settings used by campusctl.
func DefaultConfig(address string) Config {
	return Config{
		Address:           address,
		DefaultTimeout:    10 * time.Second,
		ConnectionTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		MaxFrameSize:      protocol.DefaultMaxFrameSize,
		IDPrefix:          "c-",
	}
}

// Client correlates requests and responses over one TCP connection.
type Client struct {
	cfg       Config
	transport *eventdriventcpclient.EventDrivenTCPClient
	logger    logger.Logger
	ids       *idgenerator.IdGenerator
	pending   *safemap.SafeMap[protocol.ID, *Call]

	decMu   sync.Mutex
	decoder *protocol.FrameDecoder

	mu          sync.RWMutex
	session     *protocol.Session
	onOutOfBand func(*protocol.Response)
}

// New creates a disconnected client; call Connect before sending.
func New(cfg Config, log logger.Logger) *Client {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 10 * time.Second
	}

	tcfg := eventdriventcpclient.DefaultEventDrivenTCPClientConfig(cfg.Address)
	tcfg.AutoReconnect = cfg.AutoReconnect
	if cfg.ConnectionTimeout > 0 {
		tcfg.ConnectionTimeout = cfg.ConnectionTimeout
	}
	tcfg.WriteTimeout = cfg.WriteTimeout

	c := &Client{
		cfg:       cfg,
		transport: eventdriventcpclient.NewEventDrivenTCPClient(tcfg),
		logger:    log.With(logger.Field{Key: "component", Value: "rpcclient"}, logger.Field{Key: "addr", Value: cfg.Address}),
		ids:       idgenerator.NewPrefixedIdGenerator(cfg.IDPrefix, 0),
		pending:   safemap.NewSafeMap[protocol.ID, *Call](),
		decoder:   protocol.NewFrameDecoder(cfg.MaxFrameSize),
	}

	c.transport.OnDataReceived(c.onData)
	c.transport.OnConnectionState(c.onState)
	c.transport.OnError(func(e eventdriventcpclient.ErrorEvent) {
		c.logger.Debug("transport error", logger.Err(e.Error))
	})

	return c
}

// Connect dials the server and returns once requests can be sent.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.ConnectContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.cfg.Address, err)
	}

	return nil
}

// IsConnected reports whether requests can be sent.
func (c *Client) IsConnected() bool {
	return c.transport.IsConnected()
}

// OnOutOfBand registers the handler for responses without an id, such as
// BAD_REQUEST replies to frames the server could not parse at all.
func (c *Client) OnOutOfBand(handler func(*protocol.Response)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOutOfBand = handler
}

// Session returns the last session the server attached to a response, or
// nil if none was seen yet.
func (c *Client) Session() *protocol.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session.Clone()
}

// Pending returns the number of outstanding calls.
func (c *Client) Pending() int {
	return c.pending.Len()
}

// Send registers req and writes it.
//
// Parameters:
//   - ctx: Its deadline, if any, replaces DefaultTimeout; cancelling it
//     resolves the call with the context error
//   - req: The request; an empty ID is filled in
//
// Returns:
//   - The pending call
//   - ErrNotConnected, ErrDuplicateID, or the write error
func (c *Client) Send(ctx context.Context, req *protocol.Request) (*Call, error) {
	if !c.transport.IsConnected() {
		return nil, ErrNotConnected
	}

	if req.ID == "" {
		req.ID = protocol.ID(c.ids.NextString())
	}

	payload, err := protocol.Encode(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	call := newCall(req)
	if _, loaded := c.pending.LoadOrStore(req.ID, call); loaded {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, req.ID)
	}

	timeout := c.cfg.DefaultTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	call.arm(
		time.AfterFunc(timeout, func() { c.fail(call, ErrTimeout) }),
		context.AfterFunc(ctx, func() { c.fail(call, ctx.Err()) }),
	)

	if err := c.transport.Send(payload); err != nil {
		c.fail(call, fmt.Errorf("%w: %v", ErrConnectionLost, err))
		if errors.Is(err, eventdriventcpclient.ErrNotConnected) {
			return nil, ErrNotConnected
		}

		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	return call, nil
}

// Do sends a request for uri and waits for its response.
func (c *Client) Do(ctx context.Context, uri string, params map[string]string) (*protocol.Response, error) {
	call, err := c.Send(ctx, protocol.NewRequest(uri, params))
	if err != nil {
		return nil, err
	}

	return call.Wait()
}

// Close drops the connection and fails every pending call.
func (c *Client) Close() error {
	return c.transport.Close()
}

// fail resolves call with err if it is still the pending entry for its id.
func (c *Client) fail(call *Call, err error) {
	if c.pending.CompareAndDelete(call.ID, call) {
		call.resolve(nil, err)
	}
}

func (c *Client) failAll(err error) {
	for _, call := range c.pending.Drain() {
		call.resolve(nil, err)
	}
}

func (c *Client) onState(e eventdriventcpclient.ConnectionStateEvent) {
	switch e.State {
	case eventdriventcpclient.Connected:
		c.decMu.Lock()
		c.decoder.Reset()
		c.decMu.Unlock()
	case eventdriventcpclient.Disconnected, eventdriventcpclient.Closed:
		c.failAll(ErrConnectionLost)
	}
}

func (c *Client) onData(e eventdriventcpclient.DataReceivedEvent) {
	c.decMu.Lock()
	frames, err := c.decoder.Feed(e.Data)
	c.decMu.Unlock()

	for _, frame := range frames {
		c.dispatch(frame)
	}

	if err != nil {
		c.logger.Warn("dropping connection", logger.Err(err))
		_ = c.transport.Disconnect()
	}
}

func (c *Client) dispatch(frame protocol.Frame) {
	if frame.Err != nil {
		c.logger.Warn("malformed response frame", logger.Err(frame.Err))
		return
	}

	resp, err := protocol.DecodeResponse(frame.Payload)
	if err != nil {
		c.logger.Warn("undecodable response", logger.Err(err))
		return
	}

	if resp.Session != nil {
		c.mu.Lock()
		c.session = resp.Session.Clone()
		c.mu.Unlock()
	}

	if resp.ID == "" {
		c.mu.RLock()
		handler := c.onOutOfBand
		c.mu.RUnlock()

		if handler != nil {
			handler(resp)
		} else {
			c.logger.Warn("out-of-band response", logger.Field{Key: "status", Value: string(resp.Status)}, logger.Field{Key: "message", Value: resp.Message})
		}
		return
	}

	call, ok := c.pending.LoadAndDelete(resp.ID)
	if !ok {
		c.logger.Debug("dropping response for unknown id", logger.Field{Key: "id", Value: string(resp.ID)})
		return
	}

	call.resolve(resp, nil)
}
