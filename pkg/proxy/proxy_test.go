package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngoyal88/searchlog/pkg/config"
)

func newForwarder(t *testing.T, baseURL string) *Forwarder {
	t.Helper()
	f, err := New(config.UpstreamConfig{BaseURL: baseURL, DialTimeout: time.Second, FirstByteTimeout: 2 * time.Second})
	require.NoError(t, err)
	return f
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New(config.UpstreamConfig{BaseURL: "not a url"})
	assert.Error(t, err)
	_, err = New(config.UpstreamConfig{BaseURL: "/relative"})
	assert.Error(t, err)
}

func TestForwardBufferedRelaysBodyUnchanged(t *testing.T) {
	const completion = `{"id":"chatcmpl-1","object":"chat.completion","choices":[{"message":{"role":"assistant","content":"CC(=O)OC1=CC=CC=C1C(=O)O"}}]}`
	const reqBody = `{"messages":[{"role":"user","content":"What is the SMILES for aspirin?"}],"model":"chemistry_agent","stream":false}`

	var seen *http.Request
	var seenBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen, seenBody = r, string(b)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Upstream", "agents")
		_, _ = io.WriteString(w, completion)
	}))
	defer upstream.Close()

	f := newForwarder(t, upstream.URL)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions?trace=1", strings.NewReader(reqBody))
	req.Header.Set("Authorization", "Bearer sk-1")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Connection", "X-Private")
	req.Header.Set("X-Private", "drop me")
	req.Header.Set("X-Request-ID", "rid-1")
	rec := httptest.NewRecorder()

	res := f.Forward(rec, req, []byte(reqBody))

	require.NoError(t, res.Err)
	assert.True(t, res.OK())
	assert.False(t, res.Streamed)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, completion, rec.Body.String())
	assert.Equal(t, "agents", rec.Header().Get("X-Upstream"))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	require.NotNil(t, seen)
	assert.Equal(t, reqBody, seenBody)
	assert.Equal(t, "/v1/chat/completions", seen.URL.Path)
	assert.Equal(t, "trace=1", seen.URL.RawQuery)
	assert.Equal(t, "Bearer sk-1", seen.Header.Get("Authorization"))
	assert.Equal(t, "rid-1", seen.Header.Get("X-Request-ID"))
	assert.Equal(t, "192.0.2.1", seen.Header.Get("X-Forwarded-For"))
	assert.Empty(t, seen.Header.Get("X-Private"))
}

func TestForwardStreamsEventsInOrder(t *testing.T) {
	events := []string{
		"data: {\"choices\":[{\"delta\":{\"content\":\"CC\"}}]}\n\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\"(=O)\"}}]}\n\n",
		": keep-alive\n\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\"OC1\"}}]}\n\n",
		"data: [DONE]\n\n",
	}

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		flusher := w.(http.Flusher)
		for _, ev := range events {
			_, _ = io.WriteString(w, ev)
			flusher.Flush()
			time.Sleep(5 * time.Millisecond)
		}
	}))
	defer upstream.Close()

	f := newForwarder(t, upstream.URL)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()

	res := f.Forward(rec, req, []byte(`{"stream":true,"messages":[]}`))

	require.NoError(t, res.Err)
	assert.True(t, res.Streamed)
	assert.True(t, res.EventStream)
	assert.True(t, res.Done)
	assert.Equal(t, len(events), res.Chunks)
	assert.Equal(t, strings.Join(events, ""), rec.Body.String())
	assert.Equal(t, 1, strings.Count(rec.Body.String(), "data: [DONE]"))
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.True(t, rec.Flushed)
}

func TestForwardStreamsLongLines(t *testing.T) {
	long := "data: " + strings.Repeat("x", 3*streamBufferSize) + "\n\n"
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, long)
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer upstream.Close()

	rec := httptest.NewRecorder()
	res := newForwarder(t, upstream.URL).Forward(rec, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil), []byte(`{}`))

	require.NoError(t, res.Err)
	assert.Equal(t, long+"data: [DONE]\n\n", rec.Body.String())
	assert.Equal(t, 2, res.Chunks)
	assert.True(t, res.Done)
}

func TestForwardRelaysUpstreamErrorsUnchanged(t *testing.T) {
	const body = `{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, body)
	}))
	defer upstream.Close()

	rec := httptest.NewRecorder()
	res := newForwarder(t, upstream.URL).Forward(rec, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil), []byte(`{}`))

	require.NoError(t, res.Err)
	assert.False(t, res.OK())
	assert.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, body, rec.Body.String())
	assert.Equal(t, "7", rec.Header().Get("Retry-After"))
}

func TestForwardUnreachableUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	url := upstream.URL
	upstream.Close()

	rec := httptest.NewRecorder()
	res := newForwarder(t, url).Forward(rec, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil), []byte(`{}`))

	assert.Error(t, res.Err)
	assert.Zero(t, res.StatusCode)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.JSONEq(t, `{"detail":"Upstream agent service is unavailable"}`, rec.Body.String())
}

func TestForwardFirstByteTimeout(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()
	defer close(release)

	f, err := New(config.UpstreamConfig{BaseURL: upstream.URL, FirstByteTimeout: 100 * time.Millisecond})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	start := time.Now()
	res := f.Forward(rec, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil), []byte(`{}`))

	assert.Error(t, res.Err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestForwardSlowStreamIsNotCut(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		for i := 0; i < 3; i++ {
			time.Sleep(80 * time.Millisecond)
			fmt.Fprintf(w, "data: %d\n\n", i)
			w.(http.Flusher).Flush()
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer upstream.Close()

	// Gaps between events exceed the first-byte timeout.
	f, err := New(config.UpstreamConfig{BaseURL: upstream.URL, FirstByteTimeout: 50 * time.Millisecond})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	res := f.Forward(rec, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil), []byte(`{}`))

	require.NoError(t, res.Err)
	assert.Equal(t, "data: 0\n\ndata: 1\n\ndata: 2\n\ndata: [DONE]\n\n", rec.Body.String())
}

func TestForwardMidStreamDrop(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"partial\":true}\n\n")
		w.(http.Flusher).Flush()

		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			conn.Close()
		}
	}))
	defer upstream.Close()

	rec := httptest.NewRecorder()
	res := newForwarder(t, upstream.URL).Forward(rec, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil), []byte(`{}`))

	assert.Error(t, res.Err)
	assert.False(t, res.OK())
	assert.Equal(t, http.StatusOK, rec.Code, "headers were already sent")
	assert.Equal(t, "data: {\"partial\":true}\n\n", rec.Body.String())
	assert.False(t, res.Done)
}

func TestForwardClientCancelReleasesUpstream(t *testing.T) {
	started := make(chan struct{})
	upstreamDone := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: first\n\n")
		w.(http.Flusher).Flush()
		close(started)
		<-r.Context().Done()
		close(upstreamDone)
	}))
	defer upstream.Close()

	f := newForwarder(t, upstream.URL)
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil).WithContext(ctx)

	results := make(chan Result, 1)
	go func() {
		results <- f.Forward(httptest.NewRecorder(), req, []byte(`{"stream":true}`))
	}()

	<-started
	cancel()

	select {
	case res := <-results:
		assert.Error(t, res.Err)
	case <-time.After(3 * time.Second):
		t.Fatal("Forward did not return after the client went away")
	}
	select {
	case <-upstreamDone:
	case <-time.After(3 * time.Second):
		t.Fatal("upstream request was not cancelled")
	}
}

func TestServeHTTPPassthrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/v1/models", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"data":[{"id":"chemistry_agent"}]}`)
	}))
	defer upstream.Close()

	f := newForwarder(t, upstream.URL+"/api")
	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/models", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":[{"id":"chemistry_agent"}]}`, rec.Body.String())
}

func TestJoinPath(t *testing.T) {
	tests := []struct{ base, path, want string }{
		{"", "/v1/models", "/v1/models"},
		{"/", "/v1/models", "/v1/models"},
		{"/api", "/v1/models", "/api/v1/models"},
		{"/api/", "/v1/models", "/api/v1/models"},
		{"/api", "v1", "/api/v1"},
		{"", "", "/"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, joinPath(tt.base, tt.path), "%q + %q", tt.base, tt.path)
	}
}
