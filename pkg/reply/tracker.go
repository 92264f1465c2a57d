package reply

import (
	"log/slog"

	"github.com/getmockd/scriptbridge/pkg/logging"
)

// FinishedEvent is the single terminal notification for a tracked request.
type FinishedEvent struct {
	Proxy      *Proxy
	RequestID  RequestID
	StatusCode int
	StatusText string
	Body       string
	BodySize   int
}

// Listener receives the tracker's script-visible events.
type Listener interface {
	Started(p *Proxy, id RequestID)
	Finished(ev FinishedEvent)
	SSLErrors(p *Proxy, errs []error)
	Error(p *Proxy, id RequestID, kind ErrorKind)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	OnStarted   func(p *Proxy, id RequestID)
	OnFinished  func(ev FinishedEvent)
	OnSSLErrors func(p *Proxy, errs []error)
	OnError     func(p *Proxy, id RequestID, kind ErrorKind)
}

func (f ListenerFuncs) Started(p *Proxy, id RequestID) {
	if f.OnStarted != nil {
		f.OnStarted(p, id)
	}
}

func (f ListenerFuncs) Finished(ev FinishedEvent) {
	if f.OnFinished != nil {
		f.OnFinished(ev)
	}
}

func (f ListenerFuncs) SSLErrors(p *Proxy, errs []error) {
	if f.OnSSLErrors != nil {
		f.OnSSLErrors(p, errs)
	}
}

func (f ListenerFuncs) Error(p *Proxy, id RequestID, kind ErrorKind) {
	if f.OnError != nil {
		f.OnError(p, id, kind)
	}
}

// Key names a tracked request either by the wrapped Reply or by its Proxy.
// Build one with ByReply or ByProxy.
type Key struct {
	reply Reply
	proxy *Proxy
}

// ByReply returns a Key that resolves through the wrapped reply.
func ByReply(r Reply) Key { return Key{reply: r} }

// ByProxy returns a Key that resolves through the proxy itself.
func ByProxy(p *Proxy) Key { return Key{proxy: p} }

type finishStatus struct {
	code int
	text string
}

// Tracker owns the active proxies and emits exactly one Started and exactly
// one Finished per tracked request.
type Tracker struct {
	listener Listener
	log      *slog.Logger

	byReply map[Reply]*Proxy
	replies map[*Proxy]Reply
	ids     map[*Proxy]RequestID
	started map[*Proxy]struct{}
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithLogger sets the tracker's logger.
func WithLogger(log *slog.Logger) TrackerOption {
	return func(t *Tracker) {
		if log != nil {
			t.log = log
		}
	}
}

// NewTracker creates a tracker that reports to l.
func NewTracker(l Listener, opts ...TrackerOption) *Tracker {
	if l == nil {
		l = ListenerFuncs{}
	}
	t := &Tracker{
		listener: l,
		log:      logging.Nop(),
		byReply:  make(map[Reply]*Proxy),
		replies:  make(map[*Proxy]Reply),
		ids:      make(map[*Proxy]RequestID),
		started:  make(map[*Proxy]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Track starts tracking r under id and returns its proxy.
func (t *Tracker) Track(r Reply, id RequestID, capture bool) *Proxy {
	p := NewProxy(r, capture)
	p.SetHooks(ProxyHooks{
		ReadyRead: t.handleReadyRead,
		Error:     t.handleError,
		SSLErrors: t.handleSSLErrors,
		Finished:  func(p *Proxy) { t.finish(p, nil) },
	})

	t.byReply[r] = p
	t.replies[p] = r
	t.ids[p] = id

	t.log.Debug("tracking reply", "requestId", id, "url", p.URL(), "capture", capture)
	return p
}

// Abort finishes the request named by key with the given status, ahead of
// whatever the reply would have reported, then closes the reply. A later
// natural completion of the same reply is ignored. Unknown keys are ignored.
func (t *Tracker) Abort(key Key, status int, statusText string) {
	p, _, ok := t.Lookup(key)
	if !ok {
		return
	}
	t.log.Debug("aborting reply", "requestId", t.ids[p], "status", status)
	t.finish(p, &finishStatus{code: status, text: statusText})
	p.Close()
}

// Lookup resolves key to its proxy and request id.
func (t *Tracker) Lookup(key Key) (*Proxy, RequestID, bool) {
	p := key.proxy
	if p == nil {
		if key.reply == nil {
			return nil, 0, false
		}
		p = t.byReply[key.reply]
	}
	if p == nil {
		return nil, 0, false
	}
	id, ok := t.ids[p]
	if !ok {
		return nil, 0, false
	}
	return p, id, true
}

// Len returns the number of requests currently tracked.
func (t *Tracker) Len() int { return len(t.ids) }

func (t *Tracker) handleReadyRead(p *Proxy) {
	id, ok := t.ids[p]
	if !ok {
		return
	}
	if _, seen := t.started[p]; seen {
		return
	}
	t.started[p] = struct{}{}
	t.listener.Started(p, id)
}

func (t *Tracker) handleError(p *Proxy, kind ErrorKind) {
	id, ok := t.ids[p]
	if !ok {
		return
	}
	t.listener.Error(p, id, kind)
}

func (t *Tracker) handleSSLErrors(p *Proxy, errs []error) {
	t.listener.SSLErrors(p, errs)
}

// finish emits Finished for p if it is still tracked. A proxy can get here
// twice (an abort followed by the reply's own completion); the second call
// finds nothing and returns.
func (t *Tracker) finish(p *Proxy, override *finishStatus) {
	id, ok := t.ids[p]
	if !ok {
		return
	}

	delete(t.byReply, t.replies[p])
	delete(t.replies, p)
	delete(t.ids, p)
	delete(t.started, p)

	status := finishStatus{code: p.attrs.StatusCode, text: p.attrs.ReasonPhrase}
	if override != nil {
		status = *override
	}

	body := p.CapturedBody()
	t.log.Debug("reply finished", "requestId", id, "status", status.code, "bodySize", len(body))
	t.listener.Finished(FinishedEvent{
		Proxy:      p,
		RequestID:  id,
		StatusCode: status.code,
		StatusText: status.text,
		Body:       body,
		BodySize:   len(body),
	})
}
