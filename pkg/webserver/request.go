package webserver

import (
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"
)

// Request is the inbound request as the script sees it.
type Request struct {
	Method      string `json:"method"`
	HTTPVersion string `json:"httpVersion"`

	// StatusCode is nil until a status is known; inbound requests never have one.
	StatusCode *int `json:"statusCode,omitempty"`

	// URL is the percent-encoded path plus query. See RequestURL.
	URL string `json:"url"`

	// Headers holds one value per name; the last value wins on duplicates.
	Headers map[string]string `json:"headers"`

	// Post is set only for POST and PUT requests with a Content-Length header.
	// It is a Form when the body is form-encoded and a string otherwise.
	Post any `json:"post,omitempty"`

	// PostRaw is the undecoded body text, set alongside a Form-valued Post.
	PostRaw string `json:"postRaw,omitempty"`

	RemoteAddr string    `json:"remoteAddr"`
	Received   time.Time `json:"-"`
}

// Form returns the decoded form body, if any.
func (r *Request) Form() (Form, bool) {
	f, ok := r.Post.(Form)
	return f, ok
}

// Body returns the raw body text and whether a body was read.
func (r *Request) Body() (string, bool) {
	switch v := r.Post.(type) {
	case Form:
		return r.PostRaw, true
	case string:
		return v, true
	}
	return "", false
}

// Header returns the value of the named header, ignoring case.
func (r *Request) Header(name string) string {
	if v, ok := r.Headers[name]; ok {
		return v
	}
	canonical := http.CanonicalHeaderKey(name)
	return r.Headers[canonical]
}

// decodeRequest builds the script-facing descriptor for hr. A malformed
// Content-Length is logged and the request continues without a body.
// Bodies larger than maxBody are dropped the same way.
func decodeRequest(hr *http.Request, maxBody int64, log *slog.Logger) *Request {
	req := &Request{
		Method:      hr.Method,
		HTTPVersion: fmt.Sprintf("%d.%d", hr.ProtoMajor, hr.ProtoMinor),
		URL:         RequestURL(hr.URL.Path, hr.URL.RawQuery),
		Headers:     make(map[string]string, len(hr.Header)+1),
		RemoteAddr:  hr.RemoteAddr,
		Received:    time.Now(),
	}
	if hr.Host != "" {
		req.Headers["Host"] = hr.Host
	}
	for name, values := range hr.Header {
		if len(values) > 0 {
			req.Headers[name] = values[len(values)-1]
		}
	}

	if hr.Method != http.MethodPost && hr.Method != http.MethodPut {
		return req
	}
	rawLength := hr.Header.Get("Content-Length")
	if rawLength == "" {
		return req
	}
	length, err := strconv.ParseInt(rawLength, 10, 64)
	if err != nil || length < 0 {
		log.Warn("ignoring request body with malformed content-length",
			"method", hr.Method, "url", req.URL, "contentLength", rawLength)
		return req
	}
	if length > maxBody {
		log.Warn("ignoring oversized request body",
			"url", req.URL, "contentLength", length, "limit", maxBody)
		return req
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(hr.Body, buf); err != nil {
		log.Warn("short request body", "url", req.URL, "contentLength", length, "error", err)
		return req
	}
	body := string(buf)

	mediaType, _, _ := mime.ParseMediaType(hr.Header.Get("Content-Type"))
	if mediaType == FormContentType {
		req.Post = DecodeForm(body)
		req.PostRaw = body
		return req
	}
	req.Post = body
	return req
}
