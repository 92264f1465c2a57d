package reply_test

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getmockd/scriptbridge/pkg/reply"
	"github.com/getmockd/scriptbridge/pkg/reply/replytest"
)

type recorder struct {
	events   []string
	started  []reply.RequestID
	finished []reply.FinishedEvent
	errors   []reply.ErrorKind
	ssl      [][]error
}

func (r *recorder) listener() reply.Listener {
	return reply.ListenerFuncs{
		OnStarted: func(_ *reply.Proxy, id reply.RequestID) {
			r.events = append(r.events, "started")
			r.started = append(r.started, id)
		},
		OnFinished: func(ev reply.FinishedEvent) {
			r.events = append(r.events, "finished")
			r.finished = append(r.finished, ev)
		},
		OnError: func(_ *reply.Proxy, _ reply.RequestID, kind reply.ErrorKind) {
			r.events = append(r.events, "error")
			r.errors = append(r.errors, kind)
		},
		OnSSLErrors: func(_ *reply.Proxy, errs []error) {
			r.events = append(r.events, "ssl")
			r.ssl = append(r.ssl, errs)
		},
	}
}

func TestTracker_StartedAtMostOnce(t *testing.T) {
	for _, chunks := range []int{0, 1, 50} {
		rec := &recorder{}
		tr := reply.NewTracker(rec.listener())
		fake := replytest.New("http://example.test/")
		tr.Track(fake, 9, false)

		for i := 0; i < chunks; i++ {
			fake.Data([]byte("x"))
		}
		fake.Finish()

		wantStarted := 0
		if chunks > 0 {
			wantStarted = 1
		}
		assert.Len(t, rec.started, wantStarted, "chunks=%d", chunks)
		assert.Len(t, rec.finished, 1, "chunks=%d", chunks)
	}
}

func TestTracker_StartedPrecedesFinished(t *testing.T) {
	rec := &recorder{}
	tr := reply.NewTracker(rec.listener())
	fake := replytest.New("http://example.test/")
	tr.Track(fake, 1, true)

	fake.Metadata(200, "OK", nil)
	fake.Data([]byte("a"))
	fake.Data([]byte("b"))
	fake.Finish()

	assert.Equal(t, []string{"started", "finished"}, rec.events)
}

func TestTracker_FinishedCarriesSnapshot(t *testing.T) {
	rec := &recorder{}
	tr := reply.NewTracker(rec.listener())
	fake := replytest.New("http://example.test/")
	p := tr.Track(fake, 42, true)

	fake.Metadata(201, "Created", http.Header{"Content-Type": {"application/json"}})
	fake.Data([]byte(`{"ok":`))
	fake.Data([]byte(`true}`))
	fake.Finish()

	require.Len(t, rec.finished, 1)
	ev := rec.finished[0]
	assert.Same(t, p, ev.Proxy)
	assert.Equal(t, reply.RequestID(42), ev.RequestID)
	assert.Equal(t, 201, ev.StatusCode)
	assert.Equal(t, "Created", ev.StatusText)
	assert.Equal(t, `{"ok":true}`, ev.Body)
	assert.Equal(t, 11, ev.BodySize)
	assert.Zero(t, tr.Len())
}

func TestTracker_AbortThenNaturalCompletion(t *testing.T) {
	rec := &recorder{}
	tr := reply.NewTracker(rec.listener())
	fake := replytest.New("http://example.test/")
	tr.Track(fake, 3, true)

	fake.Metadata(200, "OK", nil)
	fake.Data([]byte("partial"))

	tr.Abort(reply.ByReply(fake), 408, "Request Timeout")

	// The transport keeps going for a moment, then completes on its own.
	fake.Data([]byte(" more"))
	fake.Finish()

	require.Len(t, rec.finished, 1)
	ev := rec.finished[0]
	assert.Equal(t, 408, ev.StatusCode)
	assert.Equal(t, "Request Timeout", ev.StatusText)
	// The abort's finish wins and carries what was captured up to the abort.
	assert.Equal(t, "partial", ev.Body)
	assert.Equal(t, 1, fake.CloseCalls)
	assert.Equal(t, []string{"started", "finished"}, rec.events)
}

func TestTracker_AbortByProxy(t *testing.T) {
	rec := &recorder{}
	tr := reply.NewTracker(rec.listener())
	fake := replytest.New("http://example.test/")
	p := tr.Track(fake, 5, false)

	tr.Abort(reply.ByProxy(p), 0, "cancelled")
	tr.Abort(reply.ByProxy(p), 0, "cancelled")
	fake.Finish()

	require.Len(t, rec.finished, 1)
	assert.Equal(t, "cancelled", rec.finished[0].StatusText)
	assert.Equal(t, 1, fake.CloseCalls)
}

func TestTracker_AbortUnknownIsNoop(t *testing.T) {
	rec := &recorder{}
	tr := reply.NewTracker(rec.listener())

	tr.Abort(reply.ByReply(replytest.New("http://x/")), 500, "x")
	tr.Abort(reply.Key{}, 500, "x")

	assert.Empty(t, rec.events)
}

func TestTracker_TransportFailureStillFinishes(t *testing.T) {
	rec := &recorder{}
	tr := reply.NewTracker(rec.listener())
	fake := replytest.New("http://example.test/")
	p := tr.Track(fake, 8, true)

	fake.Data([]byte("half"))
	fake.Fail(reply.RemoteHostClosed, "connection reset")
	assert.Equal(t, 1, tr.Len(), "errors do not change tracking state")
	fake.Finish()

	assert.Equal(t, []reply.ErrorKind{reply.RemoteHostClosed}, rec.errors)
	require.Len(t, rec.finished, 1)
	assert.Equal(t, "half", rec.finished[0].Body)
	assert.Equal(t, "connection reset", p.Err().Message)
}

func TestTracker_SSLErrorsForwarded(t *testing.T) {
	rec := &recorder{}
	tr := reply.NewTracker(rec.listener())
	fake := replytest.New("https://example.test/")
	tr.Track(fake, 2, false)

	certErr := errors.New("x509: certificate signed by unknown authority")
	fake.SSLErrors(certErr)

	require.Len(t, rec.ssl, 1)
	assert.Equal(t, []error{certErr}, rec.ssl[0])
	assert.Equal(t, 1, tr.Len())
}

func TestTracker_LookupResolvesBothKeys(t *testing.T) {
	tr := reply.NewTracker(nil)
	fake := replytest.New("http://example.test/")
	p := tr.Track(fake, 77, false)

	byReply, id, ok := tr.Lookup(reply.ByReply(fake))
	require.True(t, ok)
	assert.Same(t, p, byReply)
	assert.Equal(t, reply.RequestID(77), id)

	byProxy, _, ok := tr.Lookup(reply.ByProxy(p))
	require.True(t, ok)
	assert.Same(t, p, byProxy)

	fake.Finish()
	_, _, ok = tr.Lookup(reply.ByReply(fake))
	assert.False(t, ok)
}

func TestTracker_IndependentRequests(t *testing.T) {
	rec := &recorder{}
	tr := reply.NewTracker(rec.listener())
	a := replytest.New("http://a/")
	b := replytest.New("http://b/")
	tr.Track(a, 1, true)
	tr.Track(b, 2, true)

	a.Data([]byte("A"))
	b.Data([]byte("B"))
	b.Finish()
	a.Finish()

	assert.Equal(t, []reply.RequestID{1, 2}, rec.started)
	require.Len(t, rec.finished, 2)
	assert.Equal(t, reply.RequestID(2), rec.finished[0].RequestID)
	assert.Equal(t, "B", rec.finished[0].Body)
	assert.Equal(t, reply.RequestID(1), rec.finished[1].RequestID)
}
