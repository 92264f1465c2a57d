package webserver

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/net/http/httpguts"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

// Contract violations. Response methods panic with these; they signal a
// scripting bug, not a condition the caller can recover from.
var (
	ErrHeadersSent   = errors.New("response headers already sent")
	ErrAlreadyClosed = errors.New("response already closed")
	ErrInvalidHeader = errors.New("invalid response header")
	ErrInvalidStatus = errors.New("invalid response status code")
)

// Encoding names understood by SetEncoding besides the htmlindex names.
const (
	EncodingUTF8   = "utf-8"
	EncodingBinary = "binary"
)

// Response builds the reply to one inbound request and, when closed,
// releases the worker goroutine blocked on it.
//
// All methods belong to the script goroutine. The only other caller is the
// bridge's shutdown path, which may release the worker early; after that the
// response silently drops further writes.
type Response struct {
	w         http.ResponseWriter
	log       *slog.Logger
	keepAlive bool

	status       int
	header       http.Header
	headersSent  bool
	encodingName string
	encoder      *encoding.Encoder
	binary       bool

	mu     sync.Mutex
	closed bool
	forced bool
	done   chan struct{}
}

func newResponse(w http.ResponseWriter, keepAlive bool, log *slog.Logger) *Response {
	return &Response{
		w:            w,
		log:          log,
		keepAlive:    keepAlive,
		status:       http.StatusOK,
		header:       make(http.Header),
		encodingName: EncodingUTF8,
		done:         make(chan struct{}),
	}
}

// StatusCode returns the status that will be (or was) sent.
func (r *Response) StatusCode() int { return r.status }

// SetStatusCode sets the status to send. It panics once headers are sent.
func (r *Response) SetStatusCode(code int) {
	r.mustBePending()
	if code < 100 || code > 999 {
		panic(fmt.Errorf("%w: %d", ErrInvalidStatus, code))
	}
	r.status = code
}

// Header returns the pending value of the named header.
func (r *Response) Header(name string) string { return r.header.Get(name) }

// Headers returns the pending headers, one value per name.
func (r *Response) Headers() map[string]string {
	out := make(map[string]string, len(r.header))
	for name, values := range r.header {
		if len(values) > 0 {
			out[name] = values[len(values)-1]
		}
	}
	return out
}

// SetHeader sets one header, replacing any earlier value. It panics once
// headers are sent.
func (r *Response) SetHeader(name, value string) {
	r.mustBePending()
	validateHeader(name, value)
	r.header.Set(name, value)
}

// SetHeaders replaces every pending header. It panics once headers are sent.
func (r *Response) SetHeaders(headers map[string]string) {
	r.mustBePending()
	for name, value := range headers {
		validateHeader(name, value)
	}
	r.header = make(http.Header, len(headers))
	for name, value := range headers {
		r.header.Set(name, value)
	}
}

// HeadersSent reports whether the status line and headers went out.
func (r *Response) HeadersSent() bool { return r.headersSent }

// WriteHead sets the status and merges headers, then sends them immediately.
func (r *Response) WriteHead(code int, headers map[string]string) {
	r.SetStatusCode(code)
	for name, value := range headers {
		r.SetHeader(name, value)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.forced {
		return
	}
	if r.closed {
		panic(ErrAlreadyClosed)
	}
	r.sendHeadersLocked()
}

// Write sends pending headers if needed, then data encoded with the current
// encoding.
func (r *Response) Write(data string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.forced {
		return
	}
	if r.closed {
		panic(ErrAlreadyClosed)
	}
	r.sendHeadersLocked()
	if data == "" {
		return
	}
	if _, err := r.w.Write(r.encode(data)); err != nil {
		r.log.Debug("response write failed", "error", err)
	}
}

// SetEncoding selects the encoding for later writes: "utf-8" (the default),
// "binary" (the string's bytes are written unchanged, the same one byte per
// unit view reply.Proxy.CapturedBody returns), or any name known to the WHATWG
// encoding index. Unknown names fall back to UTF-8.
func (r *Response) SetEncoding(name string) {
	norm := strings.ToLower(strings.TrimSpace(name))
	r.encoder = nil
	r.binary = false
	r.encodingName = EncodingUTF8

	switch norm {
	case "", EncodingUTF8, "utf8":
		return
	case EncodingBinary:
		r.binary = true
		r.encodingName = EncodingBinary
		return
	}

	enc, err := htmlindex.Get(norm)
	if err != nil {
		r.log.Warn("unknown response encoding, using utf-8", "encoding", name)
		return
	}
	r.encoder = enc.NewEncoder()
	r.encodingName = norm
}

// Encoding returns the current output encoding name.
func (r *Response) Encoding() string { return r.encodingName }

// Close releases the worker waiting on this response. Closing twice is a
// scripting bug and panics, unless the bridge already released the response
// during shutdown.
func (r *Response) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.forced {
		return
	}
	if r.closed {
		panic(ErrAlreadyClosed)
	}
	r.closed = true
	close(r.done)
}

// CloseGracefully sends pending headers and then closes.
func (r *Response) CloseGracefully() {
	r.Write("")
	r.Close()
}

// Done is closed when the response is released.
func (r *Response) Done() <-chan struct{} { return r.done }

// release frees the worker without the script's involvement. It reports
// whether this call did the release.
func (r *Response) release() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.closed = true
	r.forced = true
	close(r.done)
	return true
}

func (r *Response) mustBePending() {
	if r.headersSent {
		panic(ErrHeadersSent)
	}
}

func (r *Response) sendHeadersLocked() {
	if r.headersSent {
		return
	}
	r.headersSent = true

	dst := r.w.Header()
	for name, values := range r.header {
		dst[name] = values
	}
	if !r.keepAlive {
		dst.Set("Connection", "close")
	}
	r.w.WriteHeader(r.status)
}

func (r *Response) encode(data string) []byte {
	switch {
	case r.binary:
		return []byte(data)
	case r.encoder != nil:
		out, err := r.encoder.Bytes([]byte(data))
		if err != nil {
			r.log.Warn("response encoding failed, sending utf-8", "encoding", r.encodingName, "error", err)
			return []byte(data)
		}
		return out
	default:
		return []byte(data)
	}
}

func validateHeader(name, value string) {
	if !httpguts.ValidHeaderFieldName(name) {
		panic(fmt.Errorf("%w: name %q", ErrInvalidHeader, name))
	}
	if !httpguts.ValidHeaderFieldValue(value) {
		panic(fmt.Errorf("%w: value for %q", ErrInvalidHeader, name))
	}
}
