package webserver

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/getmockd/scriptbridge/pkg/logging"
	"github.com/getmockd/scriptbridge/pkg/loop"
	"github.com/getmockd/scriptbridge/pkg/metrics"
)

// DefaultMaxBodySize is the largest request body read into a Request (10MB).
const DefaultMaxBodySize = 10 * 1024 * 1024

// Event identifies a server lifecycle callback.
type Event int

// Server events. The bridge handles only EventNewRequest.
const (
	EventNewRequest Event = iota
	EventConnState
	EventHTTPError
)

func (e Event) String() string {
	switch e {
	case EventNewRequest:
		return "new-request"
	case EventConnState:
		return "conn-state"
	case EventHTTPError:
		return "http-error"
	default:
		return "unknown"
	}
}

// Handler composes the response to req. It runs on the script goroutine and
// must eventually call resp.Close or resp.CloseGracefully, now or from a later
// loop task; until then the connection's worker stays blocked.
type Handler func(req *Request, resp *Response)

// Bridge turns net/http's goroutine-per-connection callbacks into requests
// delivered to the script goroutine. Each worker blocks until the script
// closes the response it was handed.
type Bridge struct {
	poster    loop.Poster
	handler   Handler
	log       *slog.Logger
	maxBody   int64
	keepAlive bool
	registry  *metrics.Registry
	metrics   *bridgeMetrics

	// mu guards closing and pending, the only state workers share.
	mu      sync.Mutex
	closing bool
	pending map[*Response]struct{}
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithLogger sets the operational logger.
func WithLogger(log *slog.Logger) BridgeOption {
	return func(b *Bridge) {
		if log != nil {
			b.log = log
		}
	}
}

// WithMaxBodySize limits how many request body bytes are read.
func WithMaxBodySize(n int64) BridgeOption {
	return func(b *Bridge) {
		if n > 0 {
			b.maxBody = n
		}
	}
}

// WithKeepAlive controls whether responses allow connection reuse.
func WithKeepAlive(enabled bool) BridgeOption {
	return func(b *Bridge) { b.keepAlive = enabled }
}

// WithMetrics registers the bridge's request metrics in reg.
func WithMetrics(reg *metrics.Registry) BridgeOption {
	return func(b *Bridge) { b.registry = reg }
}

// NewBridge creates a bridge delivering requests to h through p.
func NewBridge(p loop.Poster, h Handler, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		poster:  p,
		handler: h,
		log:     logging.Nop(),
		maxBody: DefaultMaxBodySize,
		pending: make(map[*Response]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.registry != nil {
		b.metrics = newBridgeMetrics(b.registry, b)
	}
	return b
}

// ServeHTTP handles a new request on the calling worker goroutine.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.HandleEvent(EventNewRequest, w, r)
}

// HandleEvent processes one server callback and reports whether it was
// handled. Only EventNewRequest is.
func (b *Bridge) HandleEvent(ev Event, w http.ResponseWriter, r *http.Request) bool {
	if ev != EventNewRequest {
		return false
	}
	b.serve(w, r)
	return true
}

func (b *Bridge) serve(w http.ResponseWriter, hr *http.Request) {
	if b.isClosing() {
		b.reject(w)
		return
	}

	req := decodeRequest(hr, b.maxBody, b.log)
	resp := newResponse(w, b.keepAlive, b.log)

	if !b.register(resp) {
		b.reject(w)
		return
	}
	defer b.deregister(resp)
	b.metrics.request()

	// Ownership of req and resp moves to the script goroutine here; this
	// goroutine only waits from now on.
	err := b.poster.Post(func() { b.dispatch(req, resp) })
	if err != nil {
		b.log.Warn("script loop unavailable, dropping request", "url", req.URL, "error", err)
		if resp.release() {
			b.metrics.release()
		}
		// The script never saw resp, so w is still ours.
		writeUnavailable(w)
	}

	<-resp.Done()
}

func (b *Bridge) reject(w http.ResponseWriter) {
	b.metrics.reject()
	writeUnavailable(w)
}

func writeUnavailable(w http.ResponseWriter) {
	w.Header().Set("Connection", "close")
	w.WriteHeader(http.StatusServiceUnavailable)
}

func (b *Bridge) dispatch(req *Request, resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("request handler panicked", "url", req.URL, "panic", r)
			if resp.release() {
				b.metrics.release()
			}
			panic(r)
		}
	}()
	b.handler(req, resp)
}

func (b *Bridge) isClosing() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closing
}

func (b *Bridge) register(resp *Response) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closing {
		return false
	}
	b.pending[resp] = struct{}{}
	return true
}

func (b *Bridge) deregister(resp *Response) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, resp)
}

// Pending returns the number of workers currently waiting on the script.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Close stops accepting requests and releases every waiting worker. When it
// returns no worker is blocked on the script goroutine, so the HTTP server
// can be shut down without deadlocking.
func (b *Bridge) Close() {
	b.mu.Lock()
	b.closing = true
	pending := make([]*Response, 0, len(b.pending))
	for resp := range b.pending {
		pending = append(pending, resp)
	}
	b.mu.Unlock()

	released := 0
	for _, resp := range pending {
		if resp.release() {
			released++
			b.metrics.release()
		}
	}
	if len(pending) > 0 {
		b.log.Info("released pending requests", "pending", len(pending), "released", released)
	}
}
