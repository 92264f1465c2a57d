package netreply

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getmockd/scriptbridge/pkg/loop"
	"github.com/getmockd/scriptbridge/pkg/reply"
)

type outcome struct {
	started  int
	errors   []reply.ErrorKind
	ssl      int
	finished reply.FinishedEvent
	proxy    *reply.Proxy
}

// fetch tracks one request on a running loop and waits for its Finished.
func fetch(t *testing.T, build func(m *Manager) (*Reply, error), opts ...Option) outcome {
	t.Helper()

	l := loop.New()
	go func() { _ = l.Run(context.Background()) }()
	t.Cleanup(l.Stop)

	var out outcome
	done := make(chan struct{})
	tracker := reply.NewTracker(reply.ListenerFuncs{
		OnStarted: func(*reply.Proxy, reply.RequestID) { out.started++ },
		OnError: func(_ *reply.Proxy, _ reply.RequestID, k reply.ErrorKind) {
			out.errors = append(out.errors, k)
		},
		OnSSLErrors: func(*reply.Proxy, []error) { out.ssl++ },
		OnFinished: func(ev reply.FinishedEvent) {
			out.finished = ev
			close(done)
		},
	})

	m := NewManager(l, opts...)
	errCh := make(chan error, 1)
	require.NoError(t, l.Post(func() {
		r, err := build(m)
		if err != nil {
			errCh <- err
			return
		}
		out.proxy = tracker.Track(r, 1, true)
		errCh <- nil
	}))
	require.NoError(t, <-errCh)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reply never finished")
	}
	return out
}

func TestReply_StreamsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("X-Ignored", "1")
		flusher := w.(http.Flusher)
		for i := 0; i < 5; i++ {
			fmt.Fprintf(w, "chunk%d;", i)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	out := fetch(t, func(m *Manager) (*Reply, error) { return m.Get(srv.URL + "/data") }, WithChunkSize(4))

	assert.Equal(t, 1, out.started)
	assert.Empty(t, out.errors)
	assert.Equal(t, 200, out.finished.StatusCode)
	assert.Equal(t, "OK", out.finished.StatusText)
	assert.Equal(t, "chunk0;chunk1;chunk2;chunk3;chunk4;", out.finished.Body)
	assert.Equal(t, "text/plain", out.proxy.Header("Content-Type"))
	assert.Empty(t, out.proxy.Header("X-Ignored"))
	assert.False(t, out.proxy.Attributes().Encrypted)
}

func TestReply_HTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "missing", http.StatusNotFound)
	}))
	defer srv.Close()

	out := fetch(t, func(m *Manager) (*Reply, error) { return m.Get(srv.URL) })

	assert.Equal(t, []reply.ErrorKind{reply.ContentNotFound}, out.errors)
	assert.Equal(t, 404, out.finished.StatusCode)
	assert.Equal(t, "Not Found", out.finished.StatusText)
	assert.Equal(t, "missing\n", out.finished.Body)
}

func TestReply_RedirectNotFollowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	out := fetch(t, func(m *Manager) (*Reply, error) { return m.Get(srv.URL + "/start") })

	assert.Equal(t, 302, out.finished.StatusCode)
	assert.Equal(t, srv.URL+"/elsewhere", out.proxy.Attributes().RedirectTarget)
	assert.Equal(t, "/elsewhere", out.proxy.Header("Location"))
}

func TestReply_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	out := fetch(t, func(m *Manager) (*Reply, error) { return m.Get("http://" + addr + "/") })

	assert.Equal(t, []reply.ErrorKind{reply.ConnectionRefused}, out.errors)
	assert.Zero(t, out.finished.StatusCode)
	assert.Zero(t, out.started)
	require.NotNil(t, out.proxy.Err())
	assert.Contains(t, out.proxy.Err().Message, "refused")
}

func TestReply_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	out := fetch(t, func(m *Manager) (*Reply, error) { return m.Get(srv.URL) }, WithTimeout(50*time.Millisecond))

	assert.Equal(t, []reply.ErrorKind{reply.Timeout}, out.errors)
	assert.Zero(t, out.started)
}

func TestReply_UntrustedCertificate(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("secret"))
	}))
	defer srv.Close()

	out := fetch(t, func(m *Manager) (*Reply, error) { return m.Get(srv.URL) })

	assert.Equal(t, 1, out.ssl)
	assert.Equal(t, []reply.ErrorKind{reply.SSLHandshakeFailed}, out.errors)
	assert.Empty(t, out.finished.Body)
}

func TestReply_TrustedTLSIsEncrypted(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("secret"))
	}))
	defer srv.Close()

	client := srv.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	out := fetch(t, func(m *Manager) (*Reply, error) { return m.Get(srv.URL) }, WithClient(client))

	assert.Empty(t, out.errors)
	assert.True(t, out.proxy.Attributes().Encrypted)
	assert.Equal(t, "secret", out.finished.Body)
}

func TestReply_UserAgent(t *testing.T) {
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.UserAgent()
	}))
	defer srv.Close()

	fetch(t, func(m *Manager) (*Reply, error) { return m.Get(srv.URL) }, WithUserAgent("scriptbridge-test"))
	assert.Equal(t, "scriptbridge-test", <-got)
}

func TestReply_AbortFinishesOnce(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("first"))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	l := loop.New()
	go func() { _ = l.Run(context.Background()) }()
	defer l.Stop()

	finished := make(chan reply.FinishedEvent, 4)
	var tracker *reply.Tracker
	tracker = reply.NewTracker(reply.ListenerFuncs{
		OnStarted: func(p *reply.Proxy, _ reply.RequestID) {
			tracker.Abort(reply.ByProxy(p), 499, "aborted by script")
		},
		OnFinished: func(ev reply.FinishedEvent) { finished <- ev },
	})
	m := NewManager(l)
	require.NoError(t, l.Post(func() {
		r, err := m.Get(srv.URL)
		if err == nil {
			tracker.Track(r, 11, true)
		}
	}))

	var ev reply.FinishedEvent
	select {
	case ev = <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("abort did not finish the request")
	}
	assert.Equal(t, 499, ev.StatusCode)
	assert.Equal(t, "aborted by script", ev.StatusText)
	assert.Equal(t, "first", ev.Body)

	// Give any late transport notification a chance to arrive.
	barrier := make(chan struct{})
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, l.Post(func() { close(barrier) }))
	<-barrier
	assert.Empty(t, finished)
}

func TestReply_StopWithoutLoop(t *testing.T) {
	l := loop.New()
	l.Stop()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	m := NewManager(l)
	r, err := m.Get(srv.URL)
	require.NoError(t, err)
	// Nothing runs the loop; the transfer must give up instead of leaking.
	assert.Equal(t, srv.URL, r.URL())
}

func TestManager_GetInvalidURL(t *testing.T) {
	m := NewManager(loop.New())
	_, err := m.Get("http://[::1")
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want reply.ErrorKind
	}{
		{"canceled", context.Canceled, reply.OperationCanceled},
		{"deadline", fmt.Errorf("get: %w", context.DeadlineExceeded), reply.Timeout},
		{"dns", &net.DNSError{Err: "no such host", Name: "nope.invalid", IsNotFound: true}, reply.HostNotFound},
		{"unknown", fmt.Errorf("read: %w", errors.New("boom")), reply.UnknownNetworkError},
		{"unexpected eof", fmt.Errorf("read: %w", io.ErrUnexpectedEOF), reply.RemoteHostClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, certs := Classify(tt.err)
			assert.Equal(t, tt.want, got)
			assert.Empty(t, certs)
		})
	}
}

