package proxy

import (
	"bufio"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tracewarden/tracewarden/internal/eventlog"
)

// isWebSocketUpgrade reports whether a request is asking to upgrade to the
// WebSocket protocol (used by realtime/voice AI APIs alongside plain HTTP).
func isWebSocketUpgrade(h http.Header) bool {
	return strings.EqualFold(h.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(h.Get("Connection")), "upgrade")
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// relayWebSocket upgrades the client side of an intercepted WebSocket
// handshake, dials the same upgrade to the real upstream, and relays frames
// in both directions, emitting a ws_connection event on open and one
// ws_message event per observed frame. Grounded on the corpus's own
// WebSocket hub, adapted from a server broadcasting to dashboard clients
// into a transparent two-sided relay observing agent-originated traffic.
func (e *Engine) relayWebSocket(w http.ResponseWriter, r *http.Request, classification Classification) {
	clientConn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.Debug("websocket upgrade with client failed", "error", err)
		return
	}
	defer clientConn.Close()

	upstreamURL := *r.URL
	if upstreamURL.Scheme == "https" {
		upstreamURL.Scheme = "wss"
	} else {
		upstreamURL.Scheme = "ws"
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	upstreamConn, _, err := dialer.Dial(upstreamURL.String(), stripHopHeaders(r.Header))
	if err != nil {
		e.logger.Warn("websocket dial to upstream failed", "error", err, "url", upstreamURL.String())
		return
	}
	defer upstreamConn.Close()

	e.emit(eventlog.Event{
		Kind:     eventlog.KindWSConnection,
		Host:     stripPort(r.Host),
		URL:      upstreamURL.String(),
		Provider: classification.Provider,
		Model:    classification.Model,
	})

	done := make(chan struct{}, 2)
	go e.pumpWebSocket(clientConn, upstreamConn, "outbound", classification, done)
	go e.pumpWebSocket(upstreamConn, clientConn, "inbound", classification, done)
	<-done
}

// rawHijackWriter adapts an already-dialed net.Conn (and the bufio.Reader
// that was reading its HTTP request line off it) into an http.ResponseWriter
// so websocket.Upgrader, which only knows how to upgrade via Hijack, can be
// reused on the MITM path's raw post-TLS-handshake connection loop.
type rawHijackWriter struct {
	conn   net.Conn
	reader *bufio.Reader
	header http.Header
}

func (w *rawHijackWriter) Header() http.Header {
	if w.header == nil {
		w.header = make(http.Header)
	}
	return w.header
}

func (w *rawHijackWriter) Write(p []byte) (int, error) { return w.conn.Write(p) }
func (w *rawHijackWriter) WriteHeader(int)              {}

func (w *rawHijackWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return w.conn, bufio.NewReadWriter(w.reader, bufio.NewWriter(w.conn)), nil
}

// relayWebSocketOverRawConn performs the same relay as relayWebSocket but
// for a connection already terminated by the MITM TLS loop, where there is
// no http.ResponseWriter available, only the raw net.Conn and the
// bufio.Reader that parsed the upgrade request off it.
func (e *Engine) relayWebSocketOverRawConn(conn net.Conn, reader *bufio.Reader, r *http.Request, classification Classification) {
	e.relayWebSocket(&rawHijackWriter{conn: conn, reader: reader}, r, classification)
}

func stripHopHeaders(h http.Header) http.Header {
	out := h.Clone()
	out.Del("Upgrade")
	out.Del("Connection")
	out.Del("Sec-Websocket-Key")
	out.Del("Sec-Websocket-Version")
	out.Del("Sec-Websocket-Extensions")
	return out
}

// pumpWebSocket relays frames from src to dst, emitting a ws_message event
// per frame, until either side closes.
func (e *Engine) pumpWebSocket(src, dst *websocket.Conn, direction string, classification Classification, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			return
		}
		truncated := int64(len(data)) > e.opts.MaxBodySize
		recorded := data
		if truncated {
			recorded = data[:e.opts.MaxBodySize]
		}
		e.emit(eventlog.Event{
			Kind:          eventlog.KindWSMessage,
			Direction:     direction,
			Opcode:        opcodeName(msgType),
			Provider:      classification.Provider,
			Model:         classification.Model,
			Body:          string(recorded),
			BodyTruncated: truncated,
		})
		if err := dst.WriteMessage(msgType, data); err != nil {
			return
		}
	}
}

func opcodeName(t int) string {
	switch t {
	case websocket.TextMessage:
		return "text"
	case websocket.BinaryMessage:
		return "binary"
	case websocket.CloseMessage:
		return "close"
	case websocket.PingMessage:
		return "ping"
	case websocket.PongMessage:
		return "pong"
	default:
		return "unknown"
	}
}
