package webserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/getmockd/scriptbridge/pkg/logging"
	"github.com/getmockd/scriptbridge/pkg/loop"
	"github.com/getmockd/scriptbridge/pkg/metrics"
)

// Server lifecycle errors.
var (
	ErrAlreadyListening = errors.New("server already listening")
	ErrInvalidPort      = errors.New("invalid port")
)

// Options are the per-listen settings scripts can pass.
type Options struct {
	// KeepAlive enables persistent connections.
	KeepAlive bool `json:"keepAlive" yaml:"keepAlive"`
}

// Server is the embedded HTTP server feeding a Bridge.
type Server struct {
	poster  loop.Poster
	handler Handler
	log     *slog.Logger
	maxBody int64
	metrics *metrics.Registry

	readHeaderTimeout time.Duration

	mu         sync.Mutex
	bridge     *Bridge
	httpServer *http.Server
	listener   net.Listener
	serveErr   chan error
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the operational logger for the server and its bridge.
func WithServerLogger(log *slog.Logger) ServerOption {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithServerMaxBodySize limits request bodies handed to scripts.
func WithServerMaxBodySize(n int64) ServerOption {
	return func(s *Server) { s.maxBody = n }
}

// WithServerMetrics registers the bridge's request metrics in reg.
func WithServerMetrics(reg *metrics.Registry) ServerOption {
	return func(s *Server) { s.metrics = reg }
}

// WithReadHeaderTimeout bounds how long a client may take to send headers.
func WithReadHeaderTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.readHeaderTimeout = d }
}

// NewServer creates a server whose requests are handled by h on p's loop.
func NewServer(p loop.Poster, h Handler, opts ...ServerOption) *Server {
	s := &Server{
		poster:            p,
		handler:           h,
		log:               logging.Nop(),
		maxBody:           DefaultMaxBodySize,
		readHeaderTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListenOnPort binds portSpec ("8080" or "host:8080") and starts serving.
func (s *Server) ListenOnPort(portSpec string, opts Options) error {
	addr, err := listenAddr(portSpec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return ErrAlreadyListening
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	bridge := NewBridge(s.poster, s.handler,
		WithLogger(s.log),
		WithMaxBodySize(s.maxBody),
		WithKeepAlive(opts.KeepAlive),
		WithMetrics(s.metrics),
	)
	srv := &http.Server{
		Handler:           bridge,
		ReadHeaderTimeout: s.readHeaderTimeout,
		ConnState: func(c net.Conn, state http.ConnState) {
			if !bridge.HandleEvent(EventConnState, nil, nil) {
				s.log.Debug("connection state", "remote", c.RemoteAddr().String(), "state", state.String())
			}
		},
		ErrorLog: slog.NewLogLogger(s.log.Handler(), slog.LevelDebug),
	}
	srv.SetKeepAlivesEnabled(opts.KeepAlive)

	s.bridge = bridge
	s.httpServer = srv
	s.listener = ln
	s.serveErr = make(chan error, 1)

	go func() {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.serveErr <- err
	}()

	s.log.Info("listening", "addr", ln.Addr().String(), "keepAlive", opts.KeepAlive)
	return nil
}

// Addr returns the bound address, or "" before ListenOnPort.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Port returns the bound TCP port, or 0 before ListenOnPort.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return 0
	}
	if tcp, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// Bridge returns the active bridge, or nil before ListenOnPort.
func (s *Server) Bridge() *Bridge {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bridge
}

// Close releases every worker still waiting on the script, then shuts the
// HTTP server down and waits for its goroutines. Closing a server that never
// listened, or closing twice, is a no-op.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	bridge, srv, serveErr := s.bridge, s.httpServer, s.serveErr
	s.httpServer = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	bridge.Close()

	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-serveErr; err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	s.log.Info("server closed")
	return nil
}

func listenAddr(portSpec string) (string, error) {
	spec := strings.TrimSpace(portSpec)
	host, port := "", spec
	if strings.Contains(spec, ":") {
		var err error
		host, port, err = net.SplitHostPort(spec)
		if err != nil {
			return "", fmt.Errorf("%w: %q: %v", ErrInvalidPort, portSpec, err)
		}
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return "", fmt.Errorf("%w: %q", ErrInvalidPort, portSpec)
	}
	return net.JoinHostPort(host, strconv.Itoa(n)), nil
}
