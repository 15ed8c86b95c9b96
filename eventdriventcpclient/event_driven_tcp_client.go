// Package eventdriventcpclient provides an event-driven TCP client that notifies
// callers of connection state changes, received data, and errors via registered
// handlers. It supports optional auto-reconnect with exponential backoff and
// configurable timeouts.
package eventdriventcpclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var (
	// ErrClosed is returned by operations on a client after Close.
	ErrClosed = errors.New("client is closed")
	// ErrNotConnected is returned by Send when no connection is established.
	ErrNotConnected = errors.New("not connected")
)

// ConnectionState represents the current state of the TCP connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota // Not connected and not attempting to connect
	Connecting                          // Connection attempt in progress
	Connected                           // Successfully connected
	Reconnecting                        // Disconnected and attempting to reconnect (when AutoReconnect is enabled)
	Closed                              // Client has been closed and will not reconnect
)

// String returns a human-readable name for the connection state.
func (cs ConnectionState) String() string {
	switch cs {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Reconnecting:
		return "Reconnecting"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ConnectionStateEvent is emitted when the connection state changes.
// It is passed to the handler registered with OnConnectionState.
type ConnectionStateEvent struct {
	State     ConnectionState // The new connection state
	Address   string          // The remote address (e.g. "host:port")
	Timestamp time.Time       // When the state change occurred
	Error     error           // Non-nil if the state change was due to an error
}

// DataReceivedEvent is emitted when data is read from the connection.
// It is passed to the handler registered with OnDataReceived.
type DataReceivedEvent struct {
	Data      []byte    // The received bytes; owned by the handler
	Length    int       // Length of Data (same as len(Data))
	Timestamp time.Time // When the data was received
}

// ErrorEvent is emitted when a read, write, or connection error occurs.
// It is passed to the handler registered with OnError.
type ErrorEvent struct {
	Error     error     // The error that occurred
	Timestamp time.Time // When the error occurred
}

// ConnectionStateHandler is called when the connection state changes.
type ConnectionStateHandler func(event ConnectionStateEvent)

// DataReceivedHandler is called with each chunk read from the connection.
// Chunks are delivered one at a time, in stream order, on the read
// goroutine; a slow handler delays further reads.
type DataReceivedHandler func(event DataReceivedEvent)

// ErrorHandler is called when a read, write, or connection error occurs.
type ErrorHandler func(event ErrorEvent)

// Config holds configuration for the event-driven TCP client.
type Config struct {
	// Address is the "host:port" to connect to (e.g. "localhost:8080").
	Address string
	// AutoReconnect enables automatic reconnection when the connection is lost.
	AutoReconnect bool
	// ReconnectInterval is the first delay between reconnection attempts.
	ReconnectInterval time.Duration
	// MaxReconnectInterval caps the exponential reconnect delay.
	MaxReconnectInterval time.Duration
	// ReadBufferSize is the size of each read.
	ReadBufferSize int
	// WriteTimeout is the max duration for a single write; 0 means no timeout.
	WriteTimeout time.Duration
	// ReadTimeout is the max duration to wait for read data; 0 means no timeout.
	ReadTimeout time.Duration
	// ConnectionTimeout is the max duration for establishing a new connection.
	ConnectionTimeout time.Duration
}

// DefaultEventDrivenTCPClientConfig returns a Config with default values for the given address.
// AutoReconnect is false; override fields as needed before passing to NewEventDrivenTCPClient.
//
// Parameters:
//   - address: The "host:port" to connect to
//
// Returns:
//   - A Config with defaults: ReconnectInterval 1s, MaxReconnectInterval 30s,
//     ReadBufferSize 4096, WriteTimeout 10s, ConnectionTimeout 10s, ReadTimeout 0.
func DefaultEventDrivenTCPClientConfig(address string) Config {
	return Config{
		Address:              address,
		AutoReconnect:        false,
		ReconnectInterval:    time.Second,
		MaxReconnectInterval: 30 * time.Second,
		ReadBufferSize:       4096,
		WriteTimeout:         10 * time.Second,
		ReadTimeout:          0,
		ConnectionTimeout:    10 * time.Second,
	}
}

// EventDrivenTCPClient is a TCP client that drives I/O and connection lifecycle
// via events. Register handlers with OnConnectionState, OnDataReceived, and OnError,
// then call Connect to start. It is safe for concurrent use.
//
// Handlers run synchronously on the goroutine that produced the event and
// must not call Close.
type EventDrivenTCPClient struct {
	config Config
	conn   net.Conn
	state  ConnectionState

	onConnectionState ConnectionStateHandler
	onDataReceived    DataReceivedHandler
	onError           ErrorHandler

	mu            sync.RWMutex
	ctx           context.Context
	cancel        context.CancelFunc
	reconnectChan chan struct{}
	reconnectOnce sync.Once
	wg            sync.WaitGroup
	closed        bool
}

// NewEventDrivenTCPClient creates a new event-driven TCP client with the given config.
// The client starts in Disconnected state; call Connect to establish a connection.
//
// Parameters:
//   - config: Connection and behavior settings (e.g. from DefaultEventDrivenTCPClientConfig)
//
// Returns:
//   - A new *EventDrivenTCPClient ready to use; call Close when done to release resources.
func NewEventDrivenTCPClient(config Config) *EventDrivenTCPClient {
	if config.ReadBufferSize <= 0 {
		config.ReadBufferSize = 4096
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &EventDrivenTCPClient{
		config:        config,
		state:         Disconnected,
		ctx:           ctx,
		cancel:        cancel,
		reconnectChan: make(chan struct{}, 1),
	}
}

// OnConnectionState registers the handler for connection state changes.
// Only one handler is active; repeated calls replace the previous handler.
// Pass nil to clear the handler.
//
// Parameters:
//   - handler: Function called on state changes (Connecting, Connected, Disconnected, etc.)
func (c *EventDrivenTCPClient) OnConnectionState(handler ConnectionStateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnectionState = handler
}

// OnDataReceived registers the handler for incoming data.
// Only one handler is active; repeated calls replace the previous handler.
// Pass nil to clear the handler.
//
// Parameters:
//   - handler: Function called with each chunk of received data
func (c *EventDrivenTCPClient) OnDataReceived(handler DataReceivedHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDataReceived = handler
}

// OnError registers the handler for read, write, and connection errors.
// Only one handler is active; repeated calls replace the previous handler.
// Pass nil to clear the handler.
//
// Parameters:
//   - handler: Function called when an error occurs
func (c *EventDrivenTCPClient) OnError(handler ErrorHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = handler
}

// Connect is ConnectContext with a background context.
func (c *EventDrivenTCPClient) Connect() error {
	return c.ConnectContext(context.Background())
}

// ConnectContext establishes a TCP connection to the configured address and
// returns once the connection is usable or the attempt failed.
//
// Parameters:
//   - ctx: Bounds the dial together with ConnectionTimeout
//
// Returns:
//   - nil on success; ErrClosed, an "already connected" error, or the dial error.
func (c *EventDrivenTCPClient) ConnectContext(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == Connected || c.state == Connecting {
		c.mu.Unlock()
		return fmt.Errorf("already connected or connecting")
	}
	c.mu.Unlock()

	return c.connect(ctx, Disconnected)
}

// Disconnect closes the current connection and moves to Disconnected state.
// It does not set the client to Closed and does not trigger a reconnect;
// Connect may be called again.
//
// Returns:
//   - nil if already disconnected/closed, or the error from closing the connection.
func (c *EventDrivenTCPClient) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	err := conn.Close()
	c.setState(Disconnected, nil)
	return err
}

// Close shuts down the client, closes the connection, and stops all goroutines.
// After Close, the client is in Closed state and must not be used further.
// Idempotent; calling Close multiple times is safe and returns nil.
//
// Returns:
//   - nil
func (c *EventDrivenTCPClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		_ = conn.Close()
	}

	c.wg.Wait()
	c.setState(Closed, nil)

	return nil
}

// Send writes data to the connection. It returns ErrNotConnected if there is
// no connection. When WriteTimeout is set in config, each write is limited
// to that duration. A failed write drops the connection, which triggers a
// reconnect when AutoReconnect is enabled.
//
// Parameters:
//   - data: Bytes to send; not modified
//
// Returns:
//   - nil on success; an error if not connected or the write fails.
func (c *EventDrivenTCPClient) Send(data []byte) error {
	c.mu.RLock()
	conn := c.conn
	state := c.state
	c.mu.RUnlock()

	if state != Connected || conn == nil {
		return ErrNotConnected
	}

	if c.config.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
			return err
		}
	}

	if _, err := conn.Write(data); err != nil {
		c.emitError(err)
		c.dropConn(conn, err)
		return err
	}

	return nil
}

// GetState returns the current connection state.
//
// Returns:
//   - The current ConnectionState (Disconnected, Connecting, Connected, Reconnecting, or Closed).
func (c *EventDrivenTCPClient) GetState() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected returns true if the client is in Connected state.
func (c *EventDrivenTCPClient) IsConnected() bool {
	return c.GetState() == Connected
}

// RemoteAddr returns the address of the current connection, or nil.
func (c *EventDrivenTCPClient) RemoteAddr() net.Addr {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.conn == nil {
		return nil
	}

	return c.conn.RemoteAddr()
}

// connect dials once. failState is the state reported when the dial fails.
func (c *EventDrivenTCPClient) connect(ctx context.Context, failState ConnectionState) error {
	c.setState(Connecting, nil)

	dialer := net.Dialer{
		Timeout: c.config.ConnectionTimeout,
	}

	conn, err := dialer.DialContext(ctx, "tcp", c.config.Address)
	if err != nil {
		c.setState(failState, err)
		c.emitError(err)
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.mu.Unlock()

	c.setState(Connected, nil)

	c.wg.Add(1)
	go c.readLoop(conn)

	if c.config.AutoReconnect {
		c.reconnectOnce.Do(func() {
			c.wg.Add(1)
			go c.reconnectHandler()
		})
	}

	return nil
}

func (c *EventDrivenTCPClient) readLoop(conn net.Conn) {
	defer c.wg.Done()

	buffer := make([]byte, c.config.ReadBufferSize)
	for {
		if c.config.ReadTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout)); err != nil {
				c.readFailed(conn, err)
				return
			}
		}

		n, err := conn.Read(buffer)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buffer[:n])
			c.emitDataReceived(data)
		}

		if err != nil {
			c.readFailed(conn, err)
			return
		}
	}
}

func (c *EventDrivenTCPClient) readFailed(conn net.Conn, err error) {
	if c.isClosed() {
		return
	}

	c.mu.RLock()
	current := c.conn == conn
	c.mu.RUnlock()

	if !current {
		return
	}

	c.emitError(err)
	c.dropConn(conn, err)
}

// dropConn forgets conn if it is still the current connection, reports the
// loss and schedules a reconnect.
func (c *EventDrivenTCPClient) dropConn(conn net.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()

	_ = conn.Close()
	c.setState(Disconnected, err)
	c.triggerReconnect()
}

func (c *EventDrivenTCPClient) reconnectHandler() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.reconnectChan:
		}

		if c.IsConnected() || c.isClosed() {
			continue
		}

		c.setState(Reconnecting, nil)

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = c.config.ReconnectInterval
		if c.config.MaxReconnectInterval > 0 {
			b.MaxInterval = c.config.MaxReconnectInterval
		}
		b.MaxElapsedTime = 0

		op := func() error {
			if c.isClosed() {
				return backoff.Permanent(ErrClosed)
			}

			return c.connect(c.ctx, Reconnecting)
		}

		if err := backoff.Retry(op, backoff.WithContext(b, c.ctx)); err != nil {
			return
		}
	}
}

func (c *EventDrivenTCPClient) triggerReconnect() {
	if !c.config.AutoReconnect || c.isClosed() {
		return
	}

	select {
	case c.reconnectChan <- struct{}{}:
	default:
	}
}

func (c *EventDrivenTCPClient) setState(state ConnectionState, err error) {
	c.mu.Lock()
	if c.closed && state != Closed {
		c.mu.Unlock()
		return
	}
	c.state = state
	handler := c.onConnectionState
	c.mu.Unlock()

	if handler != nil {
		handler(ConnectionStateEvent{
			State:     state,
			Address:   c.config.Address,
			Timestamp: time.Now(),
			Error:     err,
		})
	}
}

func (c *EventDrivenTCPClient) emitDataReceived(data []byte) {
	c.mu.RLock()
	handler := c.onDataReceived
	c.mu.RUnlock()

	if handler != nil {
		handler(DataReceivedEvent{
			Data:      data,
			Length:    len(data),
			Timestamp: time.Now(),
		})
	}
}

func (c *EventDrivenTCPClient) emitError(err error) {
	c.mu.RLock()
	handler := c.onError
	c.mu.RUnlock()

	if handler != nil {
		handler(ErrorEvent{
			Error:     err,
			Timestamp: time.Now(),
		})
	}
}

func (c *EventDrivenTCPClient) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
