package tcpserver

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/cyberinferno/campusrpc/idgenerator"
	"github.com/cyberinferno/campusrpc/logger"
	"github.com/cyberinferno/campusrpc/safemap"
)

// NewSessionFunc is a function that creates a new TCPServerSession for a given
// connection. It receives the assigned session ID and the accepted net.Conn,
// and returns an implementation of TCPServerSession that will handle the connection.
type NewSessionFunc func(id uint32, conn net.Conn) TCPServerSession

// TCPServer is a TCP server that accepts connections and delegates each one to a
// session created by NewSession. Sessions are stored by ID and removed when
// their Handle loop returns. The server runs its accept loop in a goroutine
// and Stop waits for every session goroutine to exit.
type TCPServer struct {
	Logger         logger.Logger
	Name           string
	Addr           string
	MaxConnections int
	Listener       net.Listener
	Sessions       *safemap.SafeMap[uint32, TCPServerSession]
	Running        atomic.Bool
	NewSession     NewSessionFunc
	IdGenerator    *idgenerator.IdGenerator

	wg sync.WaitGroup
}

// New creates a stopped server.
//
// Parameters:
//   - name: Name used in log lines
//   - addr: The "host:port" to listen on; port 0 picks a free port
//   - log: Logger for lifecycle events
//   - newSession: Factory called for every accepted connection
//
// Returns:
//   - A new *TCPServer; call Start to begin accepting
func New(name, addr string, log logger.Logger, newSession NewSessionFunc) *TCPServer {
	return &TCPServer{
		Logger:      log.With(logger.Field{Key: "server", Value: name}),
		Name:        name,
		Addr:        addr,
		Sessions:    safemap.NewSafeMap[uint32, TCPServerSession](),
		NewSession:  newSession,
		IdGenerator: idgenerator.NewIdGenerator(0),
	}
}

// Start starts the TCP server by binding to Addr and beginning the accept loop
// in a goroutine. It is safe to call only when the server is not already running.
//
// Returns:
//   - An error if the server is already running or if listening on Addr fails
func (s *TCPServer) Start() error {
	if s.Running.Load() {
		s.Logger.Error("server already running")
		return fmt.Errorf("server %s already running", s.Name)
	}

	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		s.Logger.Error("server failed to start", logger.Err(err))
		return fmt.Errorf("server %s failed to start: %w", s.Name, err)
	}

	s.Listener = ln
	s.Running.Store(true)

	s.Logger.Info(fmt.Sprintf("%s server started", s.Name), logger.Field{Key: "addr", Value: ln.Addr().String()})

	s.wg.Add(1)
	go s.AcceptLoop()

	return nil
}

// ListenAddr returns the bound listener address, or nil before Start.
func (s *TCPServer) ListenAddr() net.Addr {
	if s.Listener == nil {
		return nil
	}

	return s.Listener.Addr()
}

// Stop stops the TCP server: it closes the listener, closes all active
// sessions and waits for their Handle loops to return. Safe to call when the
// server is not running.
func (s *TCPServer) Stop() {
	if !s.Running.Swap(false) {
		s.Logger.Info(fmt.Sprintf("%s server not running", s.Name))
		return
	}

	if s.Listener != nil {
		_ = s.Listener.Close()
	}

	s.Sessions.Range(func(key uint32, session TCPServerSession) bool {
		_ = session.Close()
		return true
	})

	s.wg.Wait()
	s.Logger.Info(fmt.Sprintf("%s server stopped", s.Name))
}

// AddSession stores a session under the given id. It is safe for concurrent use.
//
// Parameters:
//   - id: The session ID to associate with the session
//   - session: The session to store
func (s *TCPServer) AddSession(id uint32, session TCPServerSession) {
	s.Sessions.Store(id, session)
}

// RemoveSession removes the session with the given id from the server. It is
// safe for concurrent use.
//
// Parameters:
//   - id: The session ID to remove
func (s *TCPServer) RemoveSession(id uint32) {
	s.Sessions.Delete(id)
}

// GetSession returns the session for the given id, if present.
//
// Parameters:
//   - id: The session ID to look up
//
// Returns:
//   - The session and true if found, or a zero value and false otherwise
func (s *TCPServer) GetSession(id uint32) (TCPServerSession, bool) {
	return s.Sessions.Get(id)
}

// SessionCount returns the number of connected sessions.
func (s *TCPServer) SessionCount() int {
	return s.Sessions.Len()
}

// AcceptLoop runs in a goroutine and accepts incoming connections. For each
// connection it assigns an ID via IdGenerator, creates a session with NewSession,
// stores it with AddSession, and runs session.Handle in a new goroutine.
// Connections beyond MaxConnections (when positive) are closed at once. It
// exits when the listener is closed.
func (s *TCPServer) AcceptLoop() {
	defer s.wg.Done()

	for s.Running.Load() {
		conn, err := s.Listener.Accept()
		if err != nil {
			if !s.Running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}

			s.Logger.Error(fmt.Sprintf("%s server accept error", s.Name), logger.Err(err))
			continue
		}

		if s.MaxConnections > 0 && s.Sessions.Len() >= s.MaxConnections {
			s.Logger.Warn("connection limit reached, rejecting",
				logger.Field{Key: "remote", Value: conn.RemoteAddr().String()},
				logger.Field{Key: "limit", Value: s.MaxConnections},
			)
			_ = conn.Close()
			continue
		}

		id := s.IdGenerator.Id()
		session := s.NewSession(id, conn)
		s.AddSession(id, session)

		s.wg.Add(1)
		go s.serve(session)

		if !s.Running.Load() {
			_ = session.Close()
		}
	}
}

func (s *TCPServer) serve(session TCPServerSession) {
	defer s.wg.Done()
	defer s.RemoveSession(session.ID())
	defer func() { _ = session.Close() }()

	session.Handle()
}
