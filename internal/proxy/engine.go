// Package proxy implements the intercepting forward proxy: it accepts
// CONNECT tunnels and terminates TLS on every one with a session-local CA,
// except for hosts whose client already failed a MITM handshake earlier in
// the session (certificate pinning), which get a blind byte tunnel. Plain HTTP
// requests are forwarded directly. Every observed exchange is turned into
// an eventlog.Event and handed to Submit.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tracewarden/tracewarden/internal/cost"
	"github.com/tracewarden/tracewarden/internal/errs"
	"github.com/tracewarden/tracewarden/internal/eventlog"
	"github.com/tracewarden/tracewarden/internal/metrics"
	"github.com/tracewarden/tracewarden/internal/proxy/certs"
)

// generateID creates a correlation ID with the "cor_" prefix followed by
// random alphanumeric characters, matching the session package's ID scheme.
func generateID() string {
	const charset = "abcdefghijklmnopqrstuvwxyz0123456789"
	const length = 20
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("cor_%d", time.Now().UnixNano())
	}
	for i := range b {
		b[i] = charset[b[i]%byte(len(charset))]
	}
	return "cor_" + string(b)
}

// errWebSocketClosed is returned by handleTLSRequest once a WebSocket relay
// on the connection has run to completion, signaling handleTLSConnection's
// request loop to stop: the connection is no longer speaking HTTP/1.1 framing.
var errWebSocketClosed = errors.New("websocket relay closed connection")

// Options configures a new Engine.
type Options struct {
	SessionID      string
	MaxBodySize    int64
	IdleTunnelMs   int
	CAOrganization string

	// CaptureRequestBodies/CaptureResponseBodies gate whether the
	// corresponding body is attached to an emitted event at all. Traffic is
	// always forwarded in full regardless of these flags; they only affect
	// what's captured into the log.
	CaptureRequestBodies  bool
	CaptureResponseBodies bool
	// CaptureAllRequests, when false, reduces non-AI exchanges to a
	// headers-only http_request/http_response pair with no body, per
	// spec.md's captureAllRequests option.
	CaptureAllRequests bool
}

// StartResult is returned from Start once the listener is bound.
type StartResult struct {
	Addr      string
	CACertPEM []byte
}

// Engine is the intercepting proxy for one session.
type Engine struct {
	opts       Options
	classifier *Classifier
	accounting *cost.Accounting
	submit     func(eventlog.Event) bool
	logger     *slog.Logger

	ca        *certs.CA
	leafCache *certs.LeafCache

	client   *http.Client
	server   *http.Server
	listener net.Listener

	// pinnedHosts remembers, for the lifetime of the session, every host
	// whose client has already failed a MITM TLS handshake once (almost
	// always because it pins the upstream's real certificate). The CONNECT
	// tunnel that discovered this can't itself be recovered -- by the time
	// the handshake fails the client has already torn its side down -- but
	// every later CONNECT to the same host skips straight to a blind
	// tunnel instead of repeating a handshake known to fail.
	pinnedMu sync.Mutex
	pinned   map[string]struct{}

	seq   uint64
	seqMu sync.Mutex
}

// New builds an Engine. submit is the pipeline's non-blocking Submit
// function; Engine never blocks forwarded traffic on it.
func New(opts Options, classifier *Classifier, accounting *cost.Accounting, submit func(eventlog.Event) bool, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = 1 << 20
	}
	ca, err := certs.NewCA(opts.CAOrganization)
	if err != nil {
		return nil, errs.Wrap(errs.CodeCertGeneration, "generating session CA", err)
	}
	e := &Engine{
		opts:       opts,
		classifier: classifier,
		accounting: accounting,
		submit:     submit,
		logger:     logger.With("component", "proxy.Engine", "session_id", opts.SessionID),
		ca:         ca,
		leafCache:  certs.NewLeafCache(ca, 256),
		pinned:     make(map[string]struct{}),
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
				TLSClientConfig: &tls.Config{
					NextProtos: []string{"http/1.1"},
				},
				ForceAttemptHTTP2:   false,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	return e, nil
}

// Start binds bindAddress and begins serving. It returns once the listener
// is bound; Serve runs in a background goroutine.
func (e *Engine) Start(bindAddress string) (*StartResult, error) {
	ln, err := net.Listen("tcp", bindAddress)
	if err != nil {
		return nil, errs.Wrap(errs.CodeBindFailed, fmt.Sprintf("binding %s", bindAddress), err)
	}
	e.listener = ln
	e.server = &http.Server{
		Handler:      e,
		ReadTimeout:  0,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		if err := e.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			e.logger.Error("proxy server exited", "error", err)
		}
	}()
	return &StartResult{Addr: ln.Addr().String(), CACertPEM: e.ca.CertPEM()}, nil
}

// Stop gracefully shuts down the proxy, waiting up to graceMs.
func (e *Engine) Stop(ctx context.Context, graceMs int) error {
	if e.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, time.Duration(graceMs)*time.Millisecond)
	defer cancel()
	return e.server.Shutdown(shutdownCtx)
}

func (e *Engine) nextSeq() uint64 {
	e.seqMu.Lock()
	defer e.seqMu.Unlock()
	e.seq++
	return e.seq
}

func (e *Engine) emit(ev eventlog.Event) {
	ev.SessionID = e.opts.SessionID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if !e.submit(ev) {
		e.logger.Warn("event buffer full, dropping event and emitting overflow marker", "kind", ev.Kind)
		e.submit(eventlog.Event{
			Kind:         eventlog.KindError,
			SessionID:    e.opts.SessionID,
			Timestamp:    time.Now().UTC(),
			ErrorCode:    string(errs.CodeEventBufferOverflow),
			ErrorMessage: "event buffer full; event dropped",
		})
		return
	}
	metrics.RecordEvent(string(ev.Kind))
}

// isPinned reports whether host has already failed a MITM handshake this
// session and should go straight to a blind tunnel.
func (e *Engine) isPinned(host string) bool {
	host = strings.ToLower(stripPort(host))
	e.pinnedMu.Lock()
	defer e.pinnedMu.Unlock()
	_, ok := e.pinned[host]
	return ok
}

func (e *Engine) markPinned(host string) {
	host = strings.ToLower(stripPort(host))
	e.pinnedMu.Lock()
	e.pinned[host] = struct{}{}
	e.pinnedMu.Unlock()
}

// ServeHTTP dispatches CONNECT tunnels to handleConnect and everything else
// to handleHTTP.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		e.handleConnect(w, r)
		return
	}
	e.handleHTTP(w, r, r.URL.Scheme, r.Host)
}

// handleHTTP forwards a plain (already-decrypted, for the MITM case) HTTP
// request to its destination and captures the exchange.
func (e *Engine) handleHTTP(w http.ResponseWriter, r *http.Request, scheme, host string) {
	start := time.Now().UTC()
	correlationID := generateID()

	fullReqBody, _ := io.ReadAll(r.Body)
	r.Body.Close()
	reqBody := fullReqBody
	if int64(len(reqBody)) > e.opts.MaxBodySize {
		reqBody = reqBody[:e.opts.MaxBodySize]
	}

	classification := e.classifier.Classify(r.Method, scheme, host, r.URL.Path, r.Header, reqBody)

	if isWebSocketUpgrade(r.Header) {
		r.URL.Scheme = scheme
		r.URL.Host = host
		e.relayWebSocket(w, r, classification)
		return
	}

	outURL := *r.URL
	outURL.Scheme = scheme
	outURL.Host = host
	outReq, err := http.NewRequest(r.Method, outURL.String(), bytes.NewReader(fullReqBody))
	if err != nil {
		e.respondError(w, http.StatusBadGateway, errs.CodeUpstreamUnreach, err)
		return
	}
	outReq.Header = r.Header.Clone()
	outReq.Header.Del("Accept-Encoding")
	outReq.Header.Del("Proxy-Connection")

	e.emitExchangeRequest(classification, correlationID, start, r.Method, outURL.String(), outReq.Header, reqBody, int64(len(fullReqBody)))

	resp, err := e.client.Do(outReq)
	if err != nil {
		e.respondError(w, http.StatusBadGateway, errs.CodeUpstreamUnreach, err)
		e.emitError(correlationID, errs.CodeUpstreamUnreach, err.Error())
		return
	}
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}

	contentType := resp.Header.Get("Content-Type")
	if isSSEResponse(contentType) {
		w.WriteHeader(resp.StatusCode)
		flusher, _ := w.(http.Flusher)
		flush := func() {
			if flusher != nil {
				flusher.Flush()
			}
		}
		body, _, _ := streamSSE(w, flush, resp.Body)
		e.emitExchangeResponse(classification, correlationID, start, resp.StatusCode, body, true, false, 0)
		return
	}

	fullRespBody, _ := io.ReadAll(resp.Body)
	respBody := fullRespBody
	truncatedResp := int64(len(respBody)) > e.opts.MaxBodySize
	if truncatedResp {
		respBody = respBody[:e.opts.MaxBodySize]
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(fullRespBody)
	e.emitExchangeResponse(classification, correlationID, start, resp.StatusCode, respBody, false, truncatedResp, int64(len(fullRespBody)))
}

func (e *Engine) respondError(w http.ResponseWriter, status int, code errs.Code, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":{"code":%q,"message":%q}}`, code, err.Error())
}

// includeBody reports whether a captured body should be attached to an
// emitted event, given whether the exchange is AI traffic and which
// direction's capture flag applies.
func (e *Engine) includeBody(isAI, directionCapture bool) bool {
	if !isAI && !e.opts.CaptureAllRequests {
		return false
	}
	return directionCapture
}

func (e *Engine) emitExchangeRequest(c Classification, correlationID string, start time.Time, method, url string, headers http.Header, body []byte, originalSize int64) {
	isAI := c.Kind == KindAI
	kind := eventlog.KindHTTPRequest
	if isAI {
		kind = eventlog.KindAIRequest
	}
	metrics.RecordBytes("request", len(body))

	ev := eventlog.Event{
		Kind:          kind,
		Timestamp:     start,
		CorrelationID: correlationID,
		Method:        method,
		URL:           url,
		Provider:      c.Provider,
		Model:         c.Model,
		Headers:       flattenHeaders(headers),
	}
	if e.includeBody(isAI, e.opts.CaptureRequestBodies) {
		ev.Body = string(body)
		if originalSize > int64(len(body)) {
			ev.BodyTruncated = true
			ev.BodyOriginalSize = originalSize
		}
	}
	e.emit(ev)
}

func (e *Engine) emitExchangeResponse(c Classification, correlationID string, start time.Time, status int, body []byte, streamed, truncated bool, originalSize int64) {
	isAI := c.Kind == KindAI
	kind := eventlog.KindHTTPResponse
	if isAI {
		kind = eventlog.KindAIResponse
	}
	metrics.RecordBytes("response", len(body))

	ev := eventlog.Event{
		Kind:              kind,
		Timestamp:         time.Now().UTC(),
		ParentCorrelation: correlationID,
		StatusCode:        status,
		Provider:          c.Provider,
		Model:             c.Model,
		Streamed:          streamed,
	}
	if e.includeBody(isAI, e.opts.CaptureResponseBodies) {
		captured := body
		if int64(len(captured)) > e.opts.MaxBodySize {
			captured = captured[:e.opts.MaxBodySize]
			truncated = true
			originalSize = int64(len(body))
		}
		ev.Body = string(captured)
		ev.BodyTruncated = truncated
		if truncated {
			ev.BodyOriginalSize = originalSize
		}
	}

	if isAI && e.accounting != nil {
		var usage cost.Usage
		if streamed {
			usage = e.accounting.ExtractStreaming(body)
		} else {
			usage = e.accounting.ExtractResponse(body)
		}
		ev.Usage = &eventlog.Usage{
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
			TotalTokens:  usage.InputTokens + usage.OutputTokens,
			Method:       string(usage.Method),
		}
		if price := e.accounting.Calculate(c.Provider, c.Model, usage); price != nil {
			ev.Cost = &eventlog.Cost{
				Input:    price.Input,
				Output:   price.Output,
				Total:    price.Total,
				Currency: price.Currency,
			}
			metrics.RecordCost(c.Provider, price.Currency, price.Total)
		}
		metrics.ObserveRequestDuration(c.Provider, time.Since(start))
	}

	e.emit(ev)
}

func (e *Engine) emitError(correlationID string, code errs.Code, message string) {
	e.emit(eventlog.Event{
		Kind:              eventlog.KindError,
		Timestamp:         time.Now().UTC(),
		ParentCorrelation: correlationID,
		ErrorCode:         string(code),
		ErrorMessage:      message,
	})
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vv := range h {
		out[k] = strings.Join(vv, ", ")
	}
	return out
}

// handleConnect routes CONNECT tunnels to MITM termination or a blind
// passthrough tunnel. Every host is MITM'd by default; a host only falls
// back to a blind tunnel once it's been marked pinned by a prior failed
// handshake on this same session.
func (e *Engine) handleConnect(w http.ResponseWriter, r *http.Request) {
	if e.isPinned(r.Host) {
		e.handleConnectPassthrough(w, r)
		return
	}
	if e.handleConnectMITM(w, r) {
		return
	}
	// TLS termination failed (e.g. certificate pinning); the connection was
	// already consumed attempting the handshake, so we cannot also fall back
	// to a passthrough tunnel on the same hijacked socket. The host is now
	// marked pinned so the *next* CONNECT to it skips straight to a blind
	// tunnel.
}

func hostWithPort(host, defaultPort string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, defaultPort)
}

func (e *Engine) handleConnectPassthrough(w http.ResponseWriter, r *http.Request) {
	target := hostWithPort(r.Host, "443")
	upstream, err := net.DialTimeout("tcp", target, 10*time.Second)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close()
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		upstream.Close()
		return
	}
	clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))

	e.emit(eventlog.Event{
		Kind:      eventlog.KindHTTPSConnect,
		Host:      stripPort(r.Host),
		Port:      "443",
		Intercept: false,
	})

	idle := time.Duration(e.opts.IdleTunnelMs) * time.Millisecond
	go tunnel(clientConn, upstream, idle)
}

// tunnel relays bytes bidirectionally until either side closes or, when
// idle is positive, until idle passes with no traffic in either direction.
func tunnel(a, b net.Conn, idle time.Duration) {
	defer a.Close()
	defer b.Close()
	done := make(chan struct{}, 2)
	go func() { io.Copy(idleDeadlineWriter{a, idle}, b); done <- struct{}{} }()
	go func() { io.Copy(idleDeadlineWriter{b, idle}, a); done <- struct{}{} }()
	<-done
}

// idleDeadlineWriter refreshes its connection's deadline on every write so a
// tunnel that's gone quiet for longer than idle gets torn down instead of
// leaking a goroutine and a socket forever.
type idleDeadlineWriter struct {
	net.Conn
	idle time.Duration
}

func (w idleDeadlineWriter) Write(p []byte) (int, error) {
	if w.idle > 0 {
		w.Conn.SetDeadline(time.Now().Add(w.idle))
	}
	return w.Conn.Write(p)
}

// handleConnectMITM terminates TLS toward the client with a dynamically
// issued leaf certificate, dials upstream over TLS, and relays successive
// HTTP/1.1 requests over the decrypted stream. Returns false if the TLS
// handshake with the client fails (most commonly because the client pins
// certificates), in which case the hijacked connection has already been
// closed and no further action is possible on it.
func (e *Engine) handleConnectMITM(w http.ResponseWriter, r *http.Request) bool {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return true
	}
	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		return true
	}
	clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))

	tlsConn := tls.Server(clientConn, &tls.Config{
		GetCertificate: e.leafCache.GetCertificate,
		NextProtos:     []string{"http/1.1"},
	})
	if err := tlsConn.Handshake(); err != nil {
		e.logger.Debug("TLS handshake with client failed, client likely pins certificates", "host", r.Host, "error", err)
		e.markPinned(r.Host)
		e.emit(eventlog.Event{
			Kind:         eventlog.KindHTTPSConnect,
			Host:         stripPort(r.Host),
			Port:         "443",
			Intercept:    false,
			ErrorCode:    string(errs.CodeTLSHandshake),
			ErrorMessage: err.Error(),
		})
		clientConn.Close()
		return false
	}

	e.emit(eventlog.Event{
		Kind:      eventlog.KindHTTPSConnect,
		Host:      stripPort(r.Host),
		Port:      "443",
		Intercept: true,
	})

	target := hostWithPort(r.Host, "443")
	upstreamConn, err := tls.Dial("tcp", target, &tls.Config{NextProtos: []string{"http/1.1"}})
	if err != nil {
		tlsConn.Close()
		return true
	}

	e.handleTLSConnection(tlsConn, upstreamConn, r.Host)
	return true
}

// handleTLSConnection loops reading successive HTTP/1.1 requests off the
// decrypted client stream and forwarding each to the decrypted upstream
// connection.
func (e *Engine) handleTLSConnection(clientConn, upstreamConn net.Conn, host string) {
	defer clientConn.Close()
	defer upstreamConn.Close()

	clientReader := bufio.NewReader(clientConn)
	for {
		req, err := http.ReadRequest(clientReader)
		if err != nil {
			return
		}
		req.URL.Scheme = "https"
		req.URL.Host = host
		if e.handleTLSRequest(clientConn, upstreamConn, clientReader, req) != nil {
			return
		}
	}
}

func (e *Engine) handleTLSRequest(clientConn, upstreamConn net.Conn, clientReader *bufio.Reader, req *http.Request) error {
	start := time.Now().UTC()
	correlationID := generateID()

	fullReqBody, _ := io.ReadAll(req.Body)
	req.Body.Close()
	reqBody := fullReqBody
	if int64(len(reqBody)) > e.opts.MaxBodySize {
		reqBody = reqBody[:e.opts.MaxBodySize]
	}
	req.Body = io.NopCloser(bytes.NewReader(fullReqBody))
	req.ContentLength = int64(len(fullReqBody))
	req.Header.Del("Accept-Encoding")

	classification := e.classifier.Classify(req.Method, "https", req.URL.Host, req.URL.Path, req.Header, reqBody)

	if isWebSocketUpgrade(req.Header) {
		e.relayWebSocketOverRawConn(clientConn, clientReader, req, classification)
		return errWebSocketClosed
	}

	e.emitExchangeRequest(classification, correlationID, start, req.Method, req.URL.String(), req.Header, reqBody, int64(len(fullReqBody)))

	if err := req.Write(upstreamConn); err != nil {
		e.emitError(correlationID, errs.CodeUpstreamUnreach, err.Error())
		return err
	}

	resp, err := http.ReadResponse(bufio.NewReader(upstreamConn), req)
	if err != nil {
		e.emitError(correlationID, errs.CodeUpstreamTimeout, err.Error())
		return err
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if isSSEResponse(contentType) {
		resp.Header.Del("Content-Length")
		resp.Header.Set("Transfer-Encoding", "chunked")
		if err := writeStatusAndHeaders(clientConn, resp); err != nil {
			return err
		}
		cw := newChunkedWriter(clientConn)
		body, _, _ := streamSSE(cw, nil, resp.Body)
		cw.Close()
		e.emitExchangeResponse(classification, correlationID, start, resp.StatusCode, body, true, false, 0)
		return nil
	}

	fullRespBody, _ := io.ReadAll(resp.Body)
	respBody := fullRespBody
	truncatedResp := int64(len(respBody)) > e.opts.MaxBodySize
	if truncatedResp {
		respBody = respBody[:e.opts.MaxBodySize]
	}
	resp.Header.Del("Transfer-Encoding")
	resp.ContentLength = int64(len(fullRespBody))
	resp.Header.Set("Content-Length", fmt.Sprintf("%d", len(fullRespBody)))
	if err := writeStatusAndHeaders(clientConn, resp); err != nil {
		return err
	}
	if _, err := clientConn.Write(fullRespBody); err != nil {
		return err
	}
	e.emitExchangeResponse(classification, correlationID, start, resp.StatusCode, respBody, false, truncatedResp, int64(len(fullRespBody)))
	return nil
}

func writeStatusAndHeaders(w io.Writer, resp *http.Response) error {
	if _, err := fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n", resp.StatusCode, http.StatusText(resp.StatusCode)); err != nil {
		return err
	}
	if err := resp.Header.Write(w); err != nil {
		return err
	}
	_, err := fmt.Fprint(w, "\r\n")
	return err
}

// chunkedWriter re-frames a byte stream into valid HTTP/1.1 chunked
// transfer encoding. Needed because Go's http.ReadResponse automatically
// de-chunks an upstream's Transfer-Encoding: chunked body, so the outgoing
// re-encoding has to be done by hand.
type chunkedWriter struct {
	w io.Writer
}

func newChunkedWriter(w io.Writer) *chunkedWriter {
	return &chunkedWriter{w: w}
}

func (c *chunkedWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if _, err := fmt.Fprintf(c.w, "%x\r\n", len(p)); err != nil {
		return 0, err
	}
	if _, err := c.w.Write(p); err != nil {
		return 0, err
	}
	if _, err := c.w.Write([]byte("\r\n")); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *chunkedWriter) Close() error {
	_, err := c.w.Write([]byte("0\r\n\r\n"))
	return err
}
