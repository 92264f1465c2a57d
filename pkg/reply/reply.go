// Package reply tracks asynchronous network replies on behalf of the script
// goroutine.
//
// A Reply is an opaque in-flight network operation owned by some transport.
// Proxy wraps one Reply, buffers its body, and snapshots its metadata so the
// values stay readable after the transport has moved on. Tracker gives each
// Proxy a caller-assigned RequestID and turns the raw notification stream into
// exactly one Started and exactly one Finished per request.
//
// Nothing in this package locks. Replies must deliver their notifications on
// the script goroutine (see package loop) and every method here must be called
// from that goroutine.
package reply

import (
	"fmt"
	"net/http"
)

// RequestID correlates a tracked reply with the caller's bookkeeping.
// It is supplied by the caller and never generated or reused here.
type RequestID uint64

// Reply is an asynchronous network operation.
//
// A Reply delivers notifications to at most one Observer. Passing nil to
// SetObserver detaches the current one; nothing is delivered afterwards.
type Reply interface {
	// SetObserver installs the notification target.
	SetObserver(o Observer)

	// ReadAll drains and returns every byte currently buffered by the reply.
	ReadAll() []byte

	// Header returns the response headers received so far.
	Header() http.Header

	// Attributes returns the reply attributes known so far.
	Attributes() Attributes

	// ErrorString describes the last error, or "" if none occurred.
	ErrorString() string

	// URL is the request URL.
	URL() string

	// Abort cancels the operation immediately.
	Abort()

	// Close stops reading further data.
	Close()
}

// Observer receives a reply's notifications in the order they occur.
type Observer interface {
	MetadataChanged()
	ReadyRead()
	ErrorOccurred(kind ErrorKind)
	SSLErrors(errs []error)
	Finished()
}

// Attributes are the non-header facts a reply reports about itself.
type Attributes struct {
	StatusCode       int    `json:"statusCode"`
	ReasonPhrase     string `json:"reasonPhrase"`
	RedirectTarget   string `json:"redirectTarget,omitempty"`
	Encrypted        bool   `json:"encrypted"`
	FromCache        bool   `json:"fromCache"`
	CacheSaveControl bool   `json:"cacheSaveControl"`
}

// snapshotHeaders are the response headers copied eagerly on every metadata
// notification. Everything else is dropped.
var snapshotHeaders = []string{
	"Content-Type",
	"Content-Length",
	"Location",
	"Last-Modified",
	"Set-Cookie",
}

// ErrorKind classifies transport failures. Values are stable and exposed to
// scripts as numbers.
type ErrorKind int

// Error kinds.
const (
	NoError ErrorKind = 0

	ConnectionRefused       ErrorKind = 1
	RemoteHostClosed        ErrorKind = 2
	HostNotFound            ErrorKind = 3
	Timeout                 ErrorKind = 4
	OperationCanceled       ErrorKind = 5
	SSLHandshakeFailed      ErrorKind = 6
	TemporaryNetworkFailure ErrorKind = 7
	UnknownNetworkError     ErrorKind = 99

	ProxyConnectionRefused ErrorKind = 101
	ProxyTimeout           ErrorKind = 104
	ProxyAuthRequired      ErrorKind = 105

	ContentAccessDenied          ErrorKind = 201
	ContentOperationNotPermitted ErrorKind = 202
	ContentNotFound              ErrorKind = 203
	AuthenticationRequired       ErrorKind = 204
	UnknownContentError          ErrorKind = 299

	ProtocolUnknown ErrorKind = 301
	ProtocolFailure ErrorKind = 399

	InternalServerError     ErrorKind = 401
	OperationNotImplemented ErrorKind = 402
	ServiceUnavailable      ErrorKind = 403
	UnknownServerError      ErrorKind = 499
)

var errorKindNames = map[ErrorKind]string{
	NoError:                      "no error",
	ConnectionRefused:            "connection refused",
	RemoteHostClosed:             "remote host closed",
	HostNotFound:                 "host not found",
	Timeout:                      "timeout",
	OperationCanceled:            "operation canceled",
	SSLHandshakeFailed:           "ssl handshake failed",
	TemporaryNetworkFailure:      "temporary network failure",
	UnknownNetworkError:          "unknown network error",
	ProxyConnectionRefused:       "proxy connection refused",
	ProxyTimeout:                 "proxy timeout",
	ProxyAuthRequired:            "proxy authentication required",
	ContentAccessDenied:          "content access denied",
	ContentOperationNotPermitted: "content operation not permitted",
	ContentNotFound:              "content not found",
	AuthenticationRequired:       "authentication required",
	UnknownContentError:          "unknown content error",
	ProtocolUnknown:              "protocol unknown",
	ProtocolFailure:              "protocol failure",
	InternalServerError:          "internal server error",
	OperationNotImplemented:      "operation not implemented",
	ServiceUnavailable:           "service unavailable",
	UnknownServerError:           "unknown server error",
}

// KindForStatus maps an HTTP error status to the error kind a reply reports
// for it. Statuses below 400 map to NoError.
func KindForStatus(status int) ErrorKind {
	switch {
	case status < 400:
		return NoError
	case status == 401:
		return AuthenticationRequired
	case status == 403:
		return ContentAccessDenied
	case status == 404:
		return ContentNotFound
	case status == 405:
		return ContentOperationNotPermitted
	case status == 407:
		return ProxyAuthRequired
	case status < 500:
		return UnknownContentError
	case status == 500:
		return InternalServerError
	case status == 501:
		return OperationNotImplemented
	case status == 503:
		return ServiceUnavailable
	default:
		return UnknownServerError
	}
}

// String returns a human-readable name for the kind.
func (k ErrorKind) String() string {
	if name, ok := errorKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("error %d", int(k))
}

// ReplyError is the terminal error recorded by a Proxy.
type ReplyError struct {
	Kind    ErrorKind
	Message string
}

func (e *ReplyError) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Message
}
