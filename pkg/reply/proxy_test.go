package reply_test

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getmockd/scriptbridge/pkg/reply"
	"github.com/getmockd/scriptbridge/pkg/reply/replytest"
)

func TestProxy_CapturedBodyIsOrderedConcatenation(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
	}{
		{"no chunks", nil},
		{"single chunk", []string{"hello"}},
		{"several chunks", []string{"a", "bc", "", "def"}},
		{"binary bytes", []string{"\x00\xff", "\x80\x81\x82", "\xc3"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := replytest.New("http://example.test/")
			p := reply.NewProxy(fake, true)

			for _, c := range tt.chunks {
				fake.Data([]byte(c))
			}
			fake.Finish()

			assert.Equal(t, strings.Join(tt.chunks, ""), p.CapturedBody())
			assert.True(t, p.Completed())
		})
	}
}

func TestProxy_ManyChunks(t *testing.T) {
	fake := replytest.New("http://example.test/")
	p := reply.NewProxy(fake, true)

	var want strings.Builder
	for i := 0; i < 50; i++ {
		chunk := strings.Repeat(string(rune('a'+i%26)), i+1)
		want.WriteString(chunk)
		fake.Data([]byte(chunk))
	}
	fake.Finish()

	assert.Equal(t, want.String(), p.CapturedBody())
	assert.Len(t, p.CapturedBody(), want.Len())
}

func TestProxy_NoCaptureKeepsBodyEmpty(t *testing.T) {
	fake := replytest.New("http://example.test/")
	p := reply.NewProxy(fake, false)

	fake.Data([]byte("payload"))

	assert.False(t, p.Capturing())
	assert.Empty(t, p.CapturedBody())
	assert.Equal(t, "payload", string(p.Read(100)))
}

func TestProxy_ReadIsFIFOAndNonBlocking(t *testing.T) {
	fake := replytest.New("http://example.test/")
	p := reply.NewProxy(fake, false)

	assert.Empty(t, p.Read(10))

	fake.Data([]byte("abcdef"))
	fake.Data([]byte("gh"))
	assert.Equal(t, 8, p.BytesAvailable())

	assert.Equal(t, "abc", string(p.Read(3)))
	assert.Equal(t, "defgh", string(p.Read(100)))
	assert.Empty(t, p.Read(1))
	assert.Empty(t, p.Read(0))
}

func TestProxy_OneReadyReadPerNotification(t *testing.T) {
	fake := replytest.New("http://example.test/")
	p := reply.NewProxy(fake, false)

	count := 0
	p.SetHooks(reply.ProxyHooks{ReadyRead: func(*reply.Proxy) { count++ }})

	fake.Data([]byte("a"))
	fake.Data([]byte("b"))
	fake.Data(nil)

	assert.Equal(t, 3, count)
}

func TestProxy_MetadataSnapshotSurvivesCompletion(t *testing.T) {
	fake := replytest.New("https://example.test/page")
	p := reply.NewProxy(fake, false)

	fake.SetAttributes(reply.Attributes{Encrypted: true, FromCache: true})
	fake.Metadata(302, "Found", http.Header{
		"Content-Type":   {"text/html"},
		"Location":       {"/next"},
		"Set-Cookie":     {"a=1", "b=2"},
		"X-Not-Captured": {"nope"},
	})
	fake.Finish()

	// Changing the underlying reply after completion must not leak through.
	fake.Header().Set("Content-Type", "changed")

	assert.Equal(t, "text/html", p.Header("Content-Type"))
	assert.Equal(t, "/next", p.Header("Location"))
	assert.Equal(t, []string{"a=1", "b=2"}, p.Headers().Values("Set-Cookie"))
	assert.Empty(t, p.Header("X-Not-Captured"))

	attrs := p.Attributes()
	assert.Equal(t, 302, attrs.StatusCode)
	assert.Equal(t, "Found", attrs.ReasonPhrase)
	assert.True(t, attrs.Encrypted)
	assert.True(t, attrs.FromCache)
	assert.Equal(t, "https://example.test/page", p.URL())
}

func TestProxy_ErrorIsRecordedNotTerminal(t *testing.T) {
	fake := replytest.New("http://example.test/")
	p := reply.NewProxy(fake, true)

	var kinds []reply.ErrorKind
	p.SetHooks(reply.ProxyHooks{Error: func(_ *reply.Proxy, k reply.ErrorKind) { kinds = append(kinds, k) }})

	fake.Fail(reply.ConnectionRefused, "dial tcp: refused")
	require.NotNil(t, p.Err())
	assert.Equal(t, reply.ConnectionRefused, p.Err().Kind)
	assert.Equal(t, "connection refused: dial tcp: refused", p.Err().Error())
	assert.False(t, p.Completed())

	fake.Data([]byte("late"))
	assert.Equal(t, "late", p.CapturedBody())
	assert.Equal(t, []reply.ErrorKind{reply.ConnectionRefused}, kinds)
}

func TestProxy_DetachesOnFinish(t *testing.T) {
	fake := replytest.New("http://example.test/")
	p := reply.NewProxy(fake, true)

	finished := 0
	p.SetHooks(reply.ProxyHooks{Finished: func(*reply.Proxy) { finished++ }})

	require.True(t, fake.Observed())
	fake.Finish()
	assert.False(t, fake.Observed())
	assert.Equal(t, 1, finished)

	p.Abort()
	p.Close()
	assert.Zero(t, fake.AbortCalls)
	assert.Zero(t, fake.CloseCalls)
}

func TestProxy_AbortAndCloseAreIdempotent(t *testing.T) {
	fake := replytest.New("http://example.test/")
	p := reply.NewProxy(fake, false)

	p.Abort()
	p.Abort()
	p.Close()

	assert.Equal(t, 1, fake.AbortCalls)
	assert.Zero(t, fake.CloseCalls)

	other := replytest.New("http://example.test/2")
	q := reply.NewProxy(other, false)
	q.Close()
	q.Close()
	assert.Equal(t, 1, other.CloseCalls)
}

func TestErrorKind_String(t *testing.T) {
	assert.Equal(t, "host not found", reply.HostNotFound.String())
	assert.Equal(t, "error 12345", reply.ErrorKind(12345).String())
	assert.Equal(t, "timeout", (&reply.ReplyError{Kind: reply.Timeout}).Error())
}

func TestKindForStatus(t *testing.T) {
	tests := []struct {
		status int
		want   reply.ErrorKind
	}{
		{200, reply.NoError},
		{304, reply.NoError},
		{401, reply.AuthenticationRequired},
		{403, reply.ContentAccessDenied},
		{404, reply.ContentNotFound},
		{405, reply.ContentOperationNotPermitted},
		{407, reply.ProxyAuthRequired},
		{418, reply.UnknownContentError},
		{500, reply.InternalServerError},
		{501, reply.OperationNotImplemented},
		{503, reply.ServiceUnavailable},
		{502, reply.UnknownServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, reply.KindForStatus(tt.status), "status %d", tt.status)
	}
}
