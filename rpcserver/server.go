// Package rpcserver serves the campus RPC protocol over TCP. Every accepted
// socket gets a Connection that owns one Session, decodes newline-delimited
// JSON requests, dispatches them to a router on a bounded worker pool and
// writes the responses back.
package rpcserver

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"golang.org/x/sync/semaphore"

	"github.com/cyberinferno/campusrpc/logger"
	"github.com/cyberinferno/campusrpc/protocol"
	"github.com/cyberinferno/campusrpc/router"
	"github.com/cyberinferno/campusrpc/safeset"
	"github.com/cyberinferno/campusrpc/tcpserver"
)

// Config holds the server settings.
type Config struct {
	// Name is used in log lines.
	Name string
	// Addr is the "host:port" to listen on.
	Addr string
	// MaxConnections caps concurrent sockets; 0 means unlimited.
	MaxConnections int
	// MaxWorkers bounds concurrently running handlers across all connections.
	MaxWorkers int64
	// MaxFrameSize is the largest accepted request frame in bytes.
	MaxFrameSize int
	// ReadBufferSize is the socket read chunk size.
	ReadBufferSize int
	// WriteTimeout limits every response write; 0 means no deadline.
	WriteTimeout time.Duration
	// AcceptClientSessions lets a request carrying an active session replace
	// the connection session. Used by pre-authenticated automation clients.
	AcceptClientSessions bool
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Name:                 "campus",
		Addr:                 ":9000",
		MaxWorkers:           64,
		MaxFrameSize:         protocol.DefaultMaxFrameSize,
		ReadBufferSize:       4096,
		WriteTimeout:         10 * time.Second,
		AcceptClientSessions: true,
	}
}

// Server accepts connections and serves requests through a router.
type Server struct {
	cfg     Config
	router  *router.Router
	logger  logger.Logger
	tcp     *tcpserver.TCPServer
	workers *semaphore.Weighted
	metrics *metrics.Set

	onlineMu sync.Mutex
	online   *safeset.SafeSet[string]

	acceptedTotal *metrics.Counter
	badFrameTotal *metrics.Counter
}

// New creates a stopped server.
//
// Parameters:
//   - cfg: Server settings; zero numeric fields fall back to DefaultConfig
//   - r: The route table requests are dispatched to
//   - log: Logger for lifecycle and connection events
//
// Returns:
//   - A new *Server; call Start to begin accepting
func New(cfg Config, r *router.Router, log logger.Logger) *Server {
	def := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = def.MaxWorkers
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = def.MaxFrameSize
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = def.ReadBufferSize
	}

	s := &Server{
		cfg:     cfg,
		router:  r,
		logger:  log.With(logger.Field{Key: "component", Value: "rpcserver"}),
		workers: semaphore.NewWeighted(cfg.MaxWorkers),
		metrics: metrics.NewSet(),
		online:  safeset.NewSafeSet[string](),
	}

	s.tcp = tcpserver.New(cfg.Name, cfg.Addr, log, s.newConnection)
	s.tcp.MaxConnections = cfg.MaxConnections

	s.acceptedTotal = s.metrics.NewCounter("rpc_connections_accepted_total")
	s.badFrameTotal = s.metrics.NewCounter("rpc_bad_frames_total")
	s.metrics.NewGauge("rpc_connections_active", func() float64 { return float64(s.ConnectionCount()) })
	s.metrics.NewGauge("rpc_online_users", func() float64 { return float64(s.online.Size()) })

	return s
}

// Start binds the listener and starts accepting.
func (s *Server) Start() error {
	if err := s.tcp.Start(); err != nil {
		return fmt.Errorf("failed to start rpc server: %w", err)
	}

	return nil
}

// Stop closes the listener and every connection and waits for them to exit.
func (s *Server) Stop() {
	s.tcp.Stop()
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	return s.tcp.ListenAddr()
}

// ConnectionCount returns the number of open connections.
func (s *Server) ConnectionCount() int {
	return s.tcp.SessionCount()
}

// OnlineUsers returns the ids of users with at least one authenticated
// connection.
func (s *Server) OnlineUsers() []string {
	return s.online.Values()
}

// Metrics returns the set holding connection counters and gauges.
func (s *Server) Metrics() *metrics.Set {
	return s.metrics
}

// Router returns the route table the server dispatches to.
func (s *Server) Router() *router.Router {
	return s.router
}

func (s *Server) newConnection(id uint32, conn net.Conn) tcpserver.TCPServerSession {
	s.acceptedTotal.Inc()
	return newConnection(id, conn, s)
}

// refreshOnline recomputes whether userID still has an authenticated
// connection. A user may be logged in on several sockets at once.
func (s *Server) refreshOnline(userID string) {
	if userID == "" {
		return
	}

	s.onlineMu.Lock()
	defer s.onlineMu.Unlock()

	found := false
	s.tcp.Sessions.Range(func(_ uint32, session tcpserver.TCPServerSession) bool {
		c, ok := session.(*Connection)
		if !ok || c.State() != StateAuthenticated {
			return true
		}

		if c.Session().UserID == userID {
			found = true
			return false
		}

		return true
	})

	if found {
		s.online.Add(userID)
	} else {
		s.online.Remove(userID)
	}
}
