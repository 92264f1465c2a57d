// Package netreply implements reply.Reply on top of net/http.
//
// Each transfer runs on its own goroutine. That goroutine never touches reply
// state; it posts every notification to the script loop, and the state change
// plus the observer callback happen together inside the posted task.
package netreply

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/getmockd/scriptbridge/pkg/logging"
	"github.com/getmockd/scriptbridge/pkg/loop"
	"github.com/getmockd/scriptbridge/pkg/reply"
)

// DefaultChunkSize is the read size used while streaming a response body.
// Each chunk becomes one ReadyRead notification.
const DefaultChunkSize = 32 * 1024

// Manager starts replies and delivers their notifications to one loop.
type Manager struct {
	poster    loop.Poster
	client    *http.Client
	log       *slog.Logger
	userAgent string
	chunkSize int
	timeout   time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithClient replaces the HTTP client. The default client does not follow
// redirects; the redirect target is reported as an attribute instead.
func WithClient(c *http.Client) Option {
	return func(m *Manager) {
		if c != nil {
			m.client = c
		}
	}
}

// WithLogger sets the operational logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithUserAgent sets the User-Agent sent when a request has none.
func WithUserAgent(ua string) Option {
	return func(m *Manager) { m.userAgent = ua }
}

// WithTimeout bounds each whole transfer. A transfer that runs out of time
// finishes with a Timeout error.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithChunkSize sets the body read size.
func WithChunkSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.chunkSize = n
		}
	}
}

// NewManager creates a manager posting to p.
func NewManager(p loop.Poster, opts ...Option) *Manager {
	m := &Manager{
		poster: p,
		client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log:       logging.Nop(),
		chunkSize: DefaultChunkSize,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.timeout > 0 {
		c := *m.client
		c.Timeout = m.timeout
		m.client = &c
	}
	return m
}

// Get starts a GET request for rawURL.
func (m *Manager) Get(rawURL string) (*Reply, error) {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	return m.Do(req), nil
}

// Do starts req and returns its reply immediately. It must be called on the
// loop goroutine; the first notification is delivered by a later loop task,
// so an observer installed before the current task returns sees everything.
func (m *Manager) Do(req *http.Request) *Reply {
	ctx, cancel := context.WithCancel(req.Context())
	r := &Reply{
		url:    req.URL.String(),
		cancel: cancel,
		poster: m.poster,
		log:    m.log,
		header: make(http.Header),
	}
	if m.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", m.userAgent)
	}
	go r.transfer(m.client, req.WithContext(ctx), m.chunkSize)
	return r
}

// Reply is one in-flight HTTP transfer.
type Reply struct {
	url    string
	cancel context.CancelFunc
	poster loop.Poster
	log    *slog.Logger

	// Loop-owned from here on.
	observer reply.Observer
	buf      []byte
	header   http.Header
	attrs    reply.Attributes
	errKind  reply.ErrorKind
	errText  string
	done     bool
}

var _ reply.Reply = (*Reply)(nil)

// SetObserver installs the observer that receives the reply's notifications.
func (r *Reply) SetObserver(o reply.Observer) { r.observer = o }

// ReadAll drains the bytes received since the last call.
func (r *Reply) ReadAll() []byte {
	out := r.buf
	r.buf = nil
	return out
}

// Header returns the response headers received so far.
func (r *Reply) Header() http.Header { return r.header }

// Attributes returns the status and transport attributes known so far.
func (r *Reply) Attributes() reply.Attributes { return r.attrs }

// ErrorString describes the last failure, or "" if none.
func (r *Reply) ErrorString() string { return r.errText }

// URL returns the request URL.
func (r *Reply) URL() string { return r.url }

// Abort cancels the transfer and finishes the reply with OperationCanceled.
func (r *Reply) Abort() { r.stop() }

// Close stops the download the same way Abort does.
func (r *Reply) Close() { r.stop() }

func (r *Reply) stop() {
	if r.done {
		return
	}
	r.cancel()
	r.setError(reply.OperationCanceled, "Operation canceled")
	r.finish()
}

func (r *Reply) setError(kind reply.ErrorKind, text string) {
	if r.errKind != reply.NoError {
		return
	}
	r.errKind = kind
	r.errText = text
	if r.observer != nil {
		r.observer.ErrorOccurred(kind)
	}
}

func (r *Reply) finish() {
	r.done = true
	r.cancel()
	if r.observer != nil {
		r.observer.Finished()
	}
}

// post runs fn on the loop unless the reply already finished there.
func (r *Reply) post(fn func()) bool {
	err := r.poster.Post(func() {
		if r.done {
			return
		}
		fn()
	})
	if err != nil {
		r.log.Debug("dropping reply notification", "url", r.url, "error", err)
		r.cancel()
		return false
	}
	return true
}

func (r *Reply) transfer(client *http.Client, req *http.Request, chunkSize int) {
	resp, err := client.Do(req)
	if err != nil {
		r.post(func() { r.fail(err) })
		return
	}
	defer func() { _ = resp.Body.Close() }()

	header := resp.Header.Clone()
	attrs := reply.Attributes{
		StatusCode:   resp.StatusCode,
		ReasonPhrase: reasonPhrase(resp),
		Encrypted:    resp.TLS != nil,
	}
	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		if loc, err := resp.Location(); err == nil {
			attrs.RedirectTarget = loc.String()
		}
	}
	if !r.post(func() {
		r.header = header
		r.attrs = attrs
		if r.observer != nil {
			r.observer.MetadataChanged()
		}
	}) {
		return
	}

	buf := make([]byte, chunkSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if !r.post(func() {
				r.buf = append(r.buf, chunk...)
				if r.observer != nil {
					r.observer.ReadyRead()
				}
			}) {
				return
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			r.post(func() { r.fail(err) })
			return
		}
	}

	status, text := resp.StatusCode, resp.Status
	r.post(func() {
		if kind := reply.KindForStatus(status); kind != reply.NoError {
			r.setError(kind, text)
		}
		r.finish()
	})
}

// fail reports err and finishes the reply. Runs on the loop.
func (r *Reply) fail(err error) {
	kind, certErrs := Classify(err)
	if len(certErrs) > 0 && r.observer != nil {
		r.observer.SSLErrors(certErrs)
	}
	r.setError(kind, err.Error())
	r.finish()
}

func reasonPhrase(resp *http.Response) string {
	if text, ok := strings.CutPrefix(resp.Status, strconv.Itoa(resp.StatusCode)+" "); ok && text != "" {
		return text
	}
	return http.StatusText(resp.StatusCode)
}

// Classify maps a transport error to an error kind. Certificate verification
// failures are also returned as a list for the SSLErrors notification.
func Classify(err error) (reply.ErrorKind, []error) {
	var (
		verifyErr   *tls.CertificateVerificationError
		unknownAuth x509.UnknownAuthorityError
		hostErr     x509.HostnameError
		invalidErr  x509.CertificateInvalidError
		recordErr   tls.RecordHeaderError
		dnsErr      *net.DNSError
		netErr      net.Error
	)

	switch {
	case errors.As(err, &verifyErr):
		return reply.SSLHandshakeFailed, []error{verifyErr.Err}
	case errors.As(err, &unknownAuth), errors.As(err, &hostErr), errors.As(err, &invalidErr):
		return reply.SSLHandshakeFailed, []error{err}
	case errors.As(err, &recordErr):
		return reply.SSLHandshakeFailed, nil
	case errors.Is(err, context.Canceled):
		return reply.OperationCanceled, nil
	case errors.Is(err, context.DeadlineExceeded):
		return reply.Timeout, nil
	case errors.As(err, &dnsErr):
		return reply.HostNotFound, nil
	case errors.Is(err, syscall.ECONNREFUSED):
		return reply.ConnectionRefused, nil
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return reply.RemoteHostClosed, nil
	case errors.As(err, &netErr) && netErr.Timeout():
		return reply.Timeout, nil
	default:
		return reply.UnknownNetworkError, nil
	}
}
