// Package proxy relays requests to the upstream model backend.
package proxy

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ngoyal88/searchlog/pkg/config"
	"github.com/ngoyal88/searchlog/pkg/logging"
)

const (
	streamBufferSize = 32 << 10

	unavailableBody = `{"detail":"Upstream agent service is unavailable"}`
)

// Hop-by-hop headers, removed in both directions.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

var doneSentinel = []byte("data: [DONE]")

// Result describes how a forwarded exchange ended.
type Result struct {
	StatusCode  int  // upstream status, 0 when the upstream was not reached
	Streamed    bool // body relayed incrementally
	EventStream bool // upstream answered with text/event-stream
	Chunks      int  // events (or raw reads) relayed while streaming
	Bytes       int64
	Done        bool // a "data: [DONE]" line was relayed
	Err         error
}

// OK reports whether the upstream answered 2xx and the body was relayed in full.
func (r Result) OK() bool {
	return r.Err == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Forwarder relays requests to a single upstream base URL.
type Forwarder struct {
	target *url.URL
	client *http.Client
	logger *log.Entry
}

// New creates a Forwarder for cfg.BaseURL.
func New(cfg config.UpstreamConfig) (*Forwarder, error) {
	parsedURL, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL %q: %w", cfg.BaseURL, err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("invalid upstream URL %q: scheme and host are required", cfg.BaseURL)
	}

	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = config.DefaultDialTimeout
	}
	firstByte := cfg.FirstByteTimeout
	if firstByte <= 0 {
		firstByte = config.DefaultFirstByteTimeout
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: firstByte,
		// Bodies are relayed as the upstream encoded them.
		DisableCompression: true,
	}

	return &Forwarder{
		target: parsedURL,
		// No Client.Timeout: it would cut long streams. The first byte is
		// bounded by ResponseHeaderTimeout instead.
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logging.Component("proxy"),
	}, nil
}

// ServeHTTP relays r as is, without inspecting its body.
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.Forward(w, r, nil)
}

// Forward sends r to the upstream and relays the response to w. When body is
// non-nil it is sent instead of r.Body (which the caller already consumed).
// Forward always writes a response unless the client went away.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, body []byte) Result {
	start := time.Now()

	out, err := f.outgoing(r, body)
	if err != nil {
		f.logger.WithError(err).Error("[PROXY] could not build upstream request")
		writeUnavailable(w)
		return Result{Err: err}
	}

	resp, err := f.client.Do(out)
	upstreamLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		if r.Context().Err() != nil {
			// Client gave up before the upstream answered.
			return Result{Err: r.Context().Err()}
		}
		upstreamErrors.WithLabelValues("unreachable").Inc()
		f.logger.WithError(err).WithField("url", out.URL.Redacted()).Error("[PROXY] upstream error")
		writeUnavailable(w)
		return Result{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		upstreamErrors.WithLabelValues(statusClass(resp.StatusCode)).Inc()
	}

	res := Result{
		StatusCode:  resp.StatusCode,
		EventStream: isEventStream(resp.Header),
	}

	switch {
	case res.EventStream:
		res.Streamed = true
		copyHeaders(w.Header(), resp.Header)
		w.Header().Del("Content-Length")
		w.WriteHeader(resp.StatusCode)
		f.relayEvents(w, resp.Body, &res)
	case resp.ContentLength < 0 && r.Method != http.MethodHead:
		res.Streamed = true
		copyHeaders(w.Header(), resp.Header)
		w.Header().Del("Content-Length")
		w.WriteHeader(resp.StatusCode)
		f.relayRaw(w, resp.Body, &res)
	default:
		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			upstreamErrors.WithLabelValues("read").Inc()
			f.logger.WithError(err).Error("[PROXY] failed reading upstream body")
			writeUnavailable(w)
			res.Err = err
			return res
		}
		copyHeaders(w.Header(), resp.Header)
		w.Header().Set("Content-Length", fmt.Sprint(len(payload)))
		w.WriteHeader(resp.StatusCode)
		n, err := w.Write(payload)
		res.Bytes = int64(n)
		res.Err = err
	}

	if res.Err != nil && r.Context().Err() == nil {
		upstreamErrors.WithLabelValues("stream").Inc()
		f.logger.WithError(res.Err).WithField("bytes", res.Bytes).Warn("[PROXY] stream ended early")
	}
	if res.EventStream {
		f.logger.WithFields(log.Fields{
			"chunks": res.Chunks,
			"bytes":  res.Bytes,
			"done":   res.Done,
		}).Debug("[PROXY] event stream finished")
	}
	return res
}

// relayEvents copies a server-sent event stream line by line. Lines are
// written verbatim; the writer is flushed at the end of every event and
// whenever no more input is buffered.
func (f *Forwarder) relayEvents(w http.ResponseWriter, body io.Reader, res *Result) {
	flusher, _ := w.(http.Flusher)
	br := bufio.NewReaderSize(body, streamBufferSize)
	atLineStart := true

	for {
		line, err := br.ReadSlice('\n')
		if len(line) > 0 {
			n, werr := w.Write(line)
			res.Bytes += int64(n)
			if werr != nil {
				res.Err = werr
				return
			}

			complete := line[len(line)-1] == '\n'
			if atLineStart && complete {
				trimmed := bytes.TrimRight(line, "\r\n")
				switch {
				case len(trimmed) == 0:
					res.Chunks++
					streamChunks.Inc()
				case bytes.Equal(trimmed, doneSentinel):
					res.Done = true
				}
			}
			atLineStart = complete

			if flusher != nil && (len(bytes.TrimRight(line, "\r\n")) == 0 || br.Buffered() == 0) {
				flusher.Flush()
			}
		}

		switch {
		case err == nil, errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if flusher != nil {
				flusher.Flush()
			}
			return
		default:
			res.Err = err
			return
		}
	}
}

// relayRaw copies a chunked body read by read.
func (f *Forwarder) relayRaw(w http.ResponseWriter, body io.Reader, res *Result) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, streamBufferSize)

	for {
		n, err := body.Read(buf)
		if n > 0 {
			written, werr := w.Write(buf[:n])
			res.Bytes += int64(written)
			if werr != nil {
				res.Err = werr
				return
			}
			if bytes.Contains(buf[:n], doneSentinel) {
				res.Done = true
			}
			res.Chunks++
			streamChunks.Inc()
			if flusher != nil {
				flusher.Flush()
			}
		}
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			res.Err = err
			return
		}
	}
}

func (f *Forwarder) outgoing(r *http.Request, body []byte) (*http.Request, error) {
	target := *f.target
	target.Path = joinPath(f.target.Path, r.URL.Path)
	target.RawPath = ""
	target.RawQuery = r.URL.RawQuery

	var reader io.Reader = r.Body
	if body != nil {
		reader = bytes.NewReader(body)
	}
	out, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), reader)
	if err != nil {
		return nil, err
	}
	if body == nil {
		out.ContentLength = r.ContentLength
		if r.Body == nil || r.Body == http.NoBody {
			out.Body = http.NoBody
		}
	}

	copyHeaders(out.Header, r.Header)
	out.Header.Del("Host")
	out.Header.Del("Content-Length")

	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := r.Header.Values("X-Forwarded-For"); len(prior) > 0 {
			ip = strings.Join(prior, ", ") + ", " + ip
		}
		out.Header.Set("X-Forwarded-For", ip)
	}
	if id := r.Header.Get("X-Request-ID"); id != "" {
		out.Header.Set("X-Request-ID", id)
	}
	return out, nil
}

// copyHeaders copies src into dst, skipping hop-by-hop headers and any
// header named in src's Connection header.
func copyHeaders(dst, src http.Header) {
	skip := map[string]bool{}
	for _, h := range hopHeaders {
		skip[h] = true
	}
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				skip[http.CanonicalHeaderKey(name)] = true
			}
		}
	}

	for k, vv := range src {
		if skip[k] || k == "Content-Length" {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func joinPath(base, path string) string {
	switch {
	case base == "" || base == "/":
		if path == "" {
			return "/"
		}
		return path
	case strings.HasSuffix(base, "/") && strings.HasPrefix(path, "/"):
		return base + path[1:]
	case !strings.HasSuffix(base, "/") && !strings.HasPrefix(path, "/"):
		return base + "/" + path
	}
	return base + path
}

func isEventStream(h http.Header) bool {
	ct := strings.ToLower(h.Get("Content-Type"))
	return strings.HasPrefix(ct, "text/event-stream")
}

func statusClass(code int) string {
	return fmt.Sprintf("%dxx", code/100)
}

func writeUnavailable(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	_, _ = io.WriteString(w, unavailableBody)
}
