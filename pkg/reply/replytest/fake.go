// Package replytest provides a scriptable reply.Reply for tests.
package replytest

import (
	"net/http"

	"github.com/getmockd/scriptbridge/pkg/reply"
)

// Fake is a reply.Reply driven entirely by the test. Each helper delivers one
// notification synchronously to the installed observer, the way a transport
// would deliver it on the script goroutine.
type Fake struct {
	url      string
	observer reply.Observer
	buf      []byte
	header   http.Header
	attrs    reply.Attributes
	errText  string

	AbortCalls int
	CloseCalls int
}

// New returns a fake reply for url.
func New(url string) *Fake {
	return &Fake{url: url, header: make(http.Header)}
}

func (f *Fake) SetObserver(o reply.Observer) { f.observer = o }

// Observed reports whether an observer is currently installed.
func (f *Fake) Observed() bool { return f.observer != nil }

func (f *Fake) ReadAll() []byte {
	out := f.buf
	f.buf = nil
	return out
}

func (f *Fake) Header() http.Header { return f.header }
func (f *Fake) Attributes() reply.Attributes { return f.attrs }
func (f *Fake) ErrorString() string { return f.errText }
func (f *Fake) URL() string { return f.url }
func (f *Fake) Abort() { f.AbortCalls++ }
func (f *Fake) Close() { f.CloseCalls++ }
func (f *Fake) SetAttributes(a reply.Attributes) { f.attrs = a }

// Metadata sets status and headers and emits MetadataChanged.
func (f *Fake) Metadata(status int, reason string, header http.Header) {
	f.attrs.StatusCode = status
	f.attrs.ReasonPhrase = reason
	for k, v := range header {
		f.header[k] = v
	}
	if f.observer != nil {
		f.observer.MetadataChanged()
	}
}

// Data buffers chunk and emits ReadyRead.
func (f *Fake) Data(chunk []byte) {
	f.buf = append(f.buf, chunk...)
	if f.observer != nil {
		f.observer.ReadyRead()
	}
}

// Fail records msg and emits ErrorOccurred.
func (f *Fake) Fail(kind reply.ErrorKind, msg string) {
	f.errText = msg
	if f.observer != nil {
		f.observer.ErrorOccurred(kind)
	}
}

// SSLErrors emits SSLErrors.
func (f *Fake) SSLErrors(errs ...error) {
	if f.observer != nil {
		f.observer.SSLErrors(errs)
	}
}

// Finish emits Finished.
func (f *Fake) Finish() {
	if f.observer != nil {
		f.observer.Finished()
	}
}
