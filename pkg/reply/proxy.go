package reply

import (
	"bytes"
	"net/http"
)

// ProxyHooks are the notifications a Proxy re-emits. Nil fields are skipped.
type ProxyHooks struct {
	MetadataChanged func(p *Proxy)
	ReadyRead       func(p *Proxy)
	Error           func(p *Proxy, kind ErrorKind)
	SSLErrors       func(p *Proxy, errs []error)
	Finished        func(p *Proxy)
}

// Proxy presents one Reply as a buffered, pollable byte source plus a
// metadata snapshot that survives the reply's completion.
//
// A Proxy is Open until the reply finishes. It then detaches from the reply
// and every forwarding method becomes a no-op; the buffers and the snapshot
// stay readable.
type Proxy struct {
	reply   Reply
	url     string
	capture bool
	hooks   ProxyHooks

	captured bytes.Buffer
	pending  bytes.Buffer

	header http.Header
	attrs  Attributes
	err    *ReplyError

	closed    bool
	completed bool
}

// NewProxy wraps r. The proxy is subscribed to r before NewProxy returns, so
// no notification emitted afterwards is missed. When capture is true every
// body byte is also kept in an append-only buffer exposed by CapturedBody.
func NewProxy(r Reply, capture bool) *Proxy {
	p := &Proxy{
		reply:   r,
		url:     r.URL(),
		capture: capture,
		header:  make(http.Header),
	}
	r.SetObserver(proxyObserver{p})
	p.snapshot()
	return p
}

// SetHooks replaces the notification targets.
func (p *Proxy) SetHooks(h ProxyHooks) {
	p.hooks = h
}

// URL returns the request URL of the wrapped reply.
func (p *Proxy) URL() string { return p.url }

// Read removes and returns up to maxLen bytes from the pending buffer.
// It returns an empty slice when nothing is buffered and never blocks.
func (p *Proxy) Read(maxLen int) []byte {
	if maxLen <= 0 || p.pending.Len() == 0 {
		return []byte{}
	}
	n := min(maxLen, p.pending.Len())
	out := make([]byte, n)
	_, _ = p.pending.Read(out)
	return out
}

// BytesAvailable returns the number of bytes Read can return right now.
func (p *Proxy) BytesAvailable() int { return p.pending.Len() }

// CapturedBody returns every body byte received so far, one byte per
// character with no charset interpretation. It is empty unless capture was
// requested.
func (p *Proxy) CapturedBody() string {
	if !p.capture {
		return ""
	}
	return p.captured.String()
}

// Capturing reports whether the proxy keeps the full body.
func (p *Proxy) Capturing() bool { return p.capture }

// Header returns the first snapshot value for name.
func (p *Proxy) Header(name string) string { return p.header.Get(name) }

// Headers returns a copy of the header snapshot.
func (p *Proxy) Headers() http.Header { return p.header.Clone() }

// Attributes returns the attribute snapshot.
func (p *Proxy) Attributes() Attributes { return p.attrs }

// Err returns the recorded terminal error, or nil.
func (p *Proxy) Err() *ReplyError { return p.err }

// Completed reports whether the wrapped reply has finished.
func (p *Proxy) Completed() bool { return p.completed }

// Abort cancels the wrapped reply. It is a no-op once closed or completed.
func (p *Proxy) Abort() {
	if p.completed || p.closed {
		return
	}
	p.closed = true
	p.reply.Abort()
}

// Close stops the wrapped reply. It is a no-op once closed or completed.
func (p *Proxy) Close() {
	if p.completed || p.closed {
		return
	}
	p.closed = true
	p.reply.Close()
}

func (p *Proxy) snapshot() {
	src := p.reply.Header()
	for _, name := range snapshotHeaders {
		if values := src.Values(name); len(values) > 0 {
			p.header[name] = append([]string(nil), values...)
		}
	}
	p.attrs = p.reply.Attributes()
}

func (p *Proxy) onMetadata() {
	if p.completed {
		return
	}
	p.snapshot()
	if p.hooks.MetadataChanged != nil {
		p.hooks.MetadataChanged(p)
	}
}

func (p *Proxy) onData() {
	if p.completed {
		return
	}
	data := p.reply.ReadAll()
	p.pending.Write(data)
	if p.capture {
		p.captured.Write(data)
	}
	if p.hooks.ReadyRead != nil {
		p.hooks.ReadyRead(p)
	}
}

func (p *Proxy) onError(kind ErrorKind) {
	if p.completed {
		return
	}
	p.err = &ReplyError{Kind: kind, Message: p.reply.ErrorString()}
	if p.hooks.Error != nil {
		p.hooks.Error(p, kind)
	}
}

func (p *Proxy) onSSLErrors(errs []error) {
	if p.completed {
		return
	}
	if p.hooks.SSLErrors != nil {
		p.hooks.SSLErrors(p, errs)
	}
}

func (p *Proxy) onFinished() {
	if p.completed {
		return
	}
	p.snapshot()
	p.completed = true
	p.reply.SetObserver(nil)
	p.reply = nil
	if p.hooks.Finished != nil {
		p.hooks.Finished(p)
	}
}

// proxyObserver keeps the Observer methods off Proxy's exported surface.
type proxyObserver struct{ p *Proxy }

func (o proxyObserver) MetadataChanged() { o.p.onMetadata() }
func (o proxyObserver) ReadyRead() { o.p.onData() }
func (o proxyObserver) ErrorOccurred(k ErrorKind) { o.p.onError(k) }
func (o proxyObserver) SSLErrors(errs []error) { o.p.onSSLErrors(errs) }
func (o proxyObserver) Finished() { o.p.onFinished() }
