package tcpserver

// TCPServerSession is the interface that must be implemented by each connection
// session. The server creates a session per connection and runs Handle in a
// goroutine; when Handle returns the server closes the session and forgets it.
type TCPServerSession interface {
	// ID returns the session's unique identifier assigned by the server.
	//
	// Returns:
	//   - The session ID (uint32)
	ID() uint32

	// Handle runs the session's read loop until the connection fails or is
	// closed.
	Handle()

	// Close closes the session and releases resources. It must be safe to
	// call multiple times and from any goroutine; Stop relies on it to
	// unblock Handle.
	//
	// Returns:
	//   - An error if closing failed
	Close() error

	// Send writes data to the connection. Implementations must be safe for
	// concurrent use.
	//
	// Parameters:
	//   - data: The bytes to send
	//
	// Returns:
	//   - An error if the write failed
	Send(data []byte) error
}
