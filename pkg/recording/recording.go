// Package recording captures finished network replies so a fetch session can
// be inspected or exported after the fact.
package recording

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/getmockd/scriptbridge/pkg/reply"
)

// Recording is one finished reply.
type Recording struct {
	ID        string          `json:"id"`
	RequestID reply.RequestID `json:"requestId"`
	URL       string          `json:"url"`

	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
	Duration   time.Duration `json:"duration"`

	// Started is false when the reply finished without delivering any data.
	Started bool `json:"started"`

	StatusCode int              `json:"statusCode"`
	StatusText string           `json:"statusText"`
	Headers    http.Header      `json:"headers,omitempty"`
	Attributes reply.Attributes `json:"attributes"`

	Error     *ErrorInfo `json:"error,omitempty"`
	SSLErrors []string   `json:"sslErrors,omitempty"`

	Body     []byte `json:"body,omitempty"`
	BodySize int    `json:"bodySize"`
}

// ErrorInfo is the terminal transport error of a reply.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewRecording creates a recording with a unique ID for the reply tracked as id.
func NewRecording(id reply.RequestID, url string) *Recording {
	return &Recording{
		ID:        uuid.NewString(),
		RequestID: id,
		URL:       url,
		StartedAt: time.Now(),
	}
}

// CaptureFinished fills the recording from a finished event.
func (r *Recording) CaptureFinished(ev reply.FinishedEvent) {
	r.FinishedAt = time.Now()
	r.Duration = r.FinishedAt.Sub(r.StartedAt)
	r.StatusCode = ev.StatusCode
	r.StatusText = ev.StatusText
	r.BodySize = ev.BodySize
	if ev.Body != "" {
		r.Body = []byte(ev.Body)
	}

	if p := ev.Proxy; p != nil {
		r.Headers = p.Headers()
		r.Attributes = p.Attributes()
		if e := p.Err(); e != nil {
			r.Error = &ErrorInfo{Kind: e.Kind.String(), Code: int(e.Kind), Message: e.Message}
		}
	}
}

// Failed reports whether the reply ended with a transport or HTTP error.
func (r *Recording) Failed() bool {
	return r.Error != nil || r.StatusCode >= 400
}

// DurationString returns a human-readable duration string.
func (r *Recording) DurationString() string {
	return r.Duration.String()
}
