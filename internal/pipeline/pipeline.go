// Package pipeline implements the six-stage event pipeline: validate,
// redact, deduplicate, correlate, order, append. It is grounded on the
// async-channel + WaitGroup drain pattern used for evidence recording in the
// wider example corpus, generalized from a single accumulation stage to the
// full six-stage chain the capture system requires.
package pipeline

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/url"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/tracewarden/tracewarden/internal/errs"
	"github.com/tracewarden/tracewarden/internal/eventlog"
	"github.com/tracewarden/tracewarden/internal/metrics"
)

// fingerprintBodyBytes is how much of a request body is hashed for
// deduplication purposes; matching on a prefix is enough to catch retried
// requests without paying to hash multi-megabyte payloads.
const fingerprintBodyBytes = 256

// Appender is the sink the pipeline flushes ordered batches to (the store's
// AppendBatch). Kept as a narrow interface so the pipeline doesn't import
// the store package directly.
type Appender interface {
	AppendBatch(ctx context.Context, sessionID string, events []eventlog.Event) error
}

// Options configures pipeline behavior; all fields have sane zero-value
// fallbacks applied by New.
type Options struct {
	QueueSize        int
	DedupeWindow     time.Duration
	DedupeCacheSize  int
	CorrelationTTL   time.Duration
	OrderFlushWindow time.Duration
	SensitiveHeaders []string
	SensitiveBody    []string
	RedactionMarker  string
	AppendRetries    int
	AppendBackoff    time.Duration

	// OnAppendFailure, if set, is called once a batch has exhausted
	// AppendRetries without successfully appending. It's the pipeline's only
	// way to tell the caller (session.Supervisor) that the session's log is
	// no longer reliably durable, so the session can be transitioned to a
	// failed status instead of reporting a clean exit.
	OnAppendFailure func(error)
}

func (o *Options) applyDefaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 4096
	}
	if o.DedupeWindow <= 0 {
		o.DedupeWindow = 2 * time.Second
	}
	if o.DedupeCacheSize <= 0 {
		o.DedupeCacheSize = 1024
	}
	if o.CorrelationTTL <= 0 {
		o.CorrelationTTL = 5 * time.Minute
	}
	if o.OrderFlushWindow <= 0 {
		o.OrderFlushWindow = 100 * time.Millisecond
	}
	if o.RedactionMarker == "" {
		o.RedactionMarker = "[REDACTED]"
	}
	if o.AppendRetries <= 0 {
		o.AppendRetries = 3
	}
	if o.AppendBackoff <= 0 {
		o.AppendBackoff = 100 * time.Millisecond
	}
}

// Pipeline consumes raw events from the proxy, applies the six stages in
// order, and hands ordered batches to an Appender.
type Pipeline struct {
	opts      Options
	appender  Appender
	sessionID string
	logger    *slog.Logger

	in chan eventlog.Event

	dedupe  *fingerprintLRU
	sensHdr map[string]struct{}
	sensRe  []*regexp.Regexp

	pending   map[string]*pendingRequest
	pendingMu sync.Mutex

	seq uint64

	done chan struct{}
	wg   sync.WaitGroup

	overflow func(eventlog.Event)
}

type pendingRequest struct {
	event   eventlog.Event
	expires time.Time
}

// New builds a Pipeline bound to the given session and appender.
func New(sessionID string, appender Appender, opts Options, logger *slog.Logger) *Pipeline {
	opts.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		opts:      opts,
		appender:  appender,
		sessionID: sessionID,
		logger:    logger.With("component", "pipeline", "session_id", sessionID),
		in:        make(chan eventlog.Event, opts.QueueSize),
		dedupe:    newFingerprintLRU(opts.DedupeCacheSize),
		pending:   make(map[string]*pendingRequest),
		done:      make(chan struct{}),
	}
	p.sensHdr = make(map[string]struct{}, len(opts.SensitiveHeaders))
	for _, h := range opts.SensitiveHeaders {
		p.sensHdr[normalizeHeader(h)] = struct{}{}
	}
	for _, pat := range opts.SensitiveBody {
		if re, err := regexp.Compile(pat); err == nil {
			p.sensRe = append(p.sensRe, re)
		} else {
			p.logger.Warn("ignoring invalid sensitive body pattern", "pattern", pat, "error", err)
		}
	}
	return p
}

// Run starts the pipeline's consuming goroutine and returns immediately. The
// goroutine runs until Stop is called, which drains whatever remains queued,
// or until ctx is canceled, which flushes already-processed events without
// draining the queue.
func (p *Pipeline) Run(ctx context.Context) {
	p.wg.Add(1)
	go p.loop(ctx)
}

// Submit enqueues a raw event for processing. It never blocks: if the queue
// is full it returns false immediately. The proxy, its main caller, then
// submits an event_buffer_overflow error event in place of the dropped one.
func (p *Pipeline) Submit(ev eventlog.Event) bool {
	select {
	case p.in <- ev:
		return true
	default:
		return false
	}
}

// Stop signals the pipeline to drain and exit, waiting up to the given
// context's deadline.
func (p *Pipeline) Stop(ctx context.Context) {
	close(p.done)
	waitCh := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(waitCh)
	}()
	select {
	case <-waitCh:
	case <-ctx.Done():
	}
}

func (p *Pipeline) loop(ctx context.Context) {
	defer p.wg.Done()

	flushTicker := time.NewTicker(p.opts.OrderFlushWindow)
	defer flushTicker.Stop()
	ttlTicker := time.NewTicker(p.opts.CorrelationTTL / 2)
	defer ttlTicker.Stop()

	var buffer []eventlog.Event

	flush := func() {
		if len(buffer) == 0 {
			return
		}
		sort.SliceStable(buffer, func(i, j int) bool {
			return buffer[i].Timestamp.Before(buffer[j].Timestamp)
		})
		p.appendWithRetry(ctx, buffer)
		buffer = buffer[:0]
	}

	for {
		select {
		case ev, ok := <-p.in:
			if !ok {
				flush()
				return
			}
			if out, keep := p.process(ev); keep {
				buffer = append(buffer, out)
			}
			metrics.SetQueueDepth(len(p.in))
		case <-flushTicker.C:
			flush()
		case <-ttlTicker.C:
			p.sweepExpired()
		case <-p.done:
			// Drain whatever is already queued, then exit.
			for {
				select {
				case ev := <-p.in:
					if out, keep := p.process(ev); keep {
						buffer = append(buffer, out)
					}
				default:
					flush()
					return
				}
			}
		case <-ctx.Done():
			flush()
			return
		}
	}
}

// process runs stages 1-4 (validate, redact, dedupe, correlate) on one raw
// event and returns the transformed event plus whether it should continue
// to the order/append stages.
func (p *Pipeline) process(ev eventlog.Event) (eventlog.Event, bool) {
	if !validate(ev) {
		return p.syntheticError("invalid_event", "event missing required fields"), true
	}

	p.seq++
	ev.Sequence = p.seq

	ev = p.redact(ev)

	if p.isRequestKind(ev.Kind) {
		fp := fingerprint(ev)
		if p.dedupe.seenRecently(fp, p.opts.DedupeWindow) {
			return ev, false
		}
		p.dedupe.record(fp)
		if ev.CorrelationID != "" {
			p.pendingMu.Lock()
			p.pending[ev.CorrelationID] = &pendingRequest{event: ev, expires: time.Now().Add(p.opts.CorrelationTTL)}
			p.pendingMu.Unlock()
		}
	} else if p.isResponseKind(ev.Kind) && ev.ParentCorrelation != "" {
		p.pendingMu.Lock()
		if pending, ok := p.pending[ev.ParentCorrelation]; ok {
			ev.DurationMs = ev.Timestamp.Sub(pending.event.Timestamp).Milliseconds()
			delete(p.pending, ev.ParentCorrelation)
		}
		p.pendingMu.Unlock()
	}

	return ev, true
}

func (p *Pipeline) isRequestKind(k eventlog.Kind) bool {
	return k == eventlog.KindAIRequest || k == eventlog.KindHTTPRequest
}

func (p *Pipeline) isResponseKind(k eventlog.Kind) bool {
	return k == eventlog.KindAIResponse || k == eventlog.KindHTTPResponse
}

func (p *Pipeline) sweepExpired() {
	now := time.Now()
	p.pendingMu.Lock()
	for id, pr := range p.pending {
		if now.After(pr.expires) {
			delete(p.pending, id)
		}
	}
	p.pendingMu.Unlock()
}

func (p *Pipeline) syntheticError(code, message string) eventlog.Event {
	p.seq++
	return eventlog.Event{
		Kind:         eventlog.KindError,
		Timestamp:    time.Now().UTC(),
		SessionID:    p.sessionID,
		Sequence:     p.seq,
		ErrorCode:    code,
		ErrorMessage: message,
	}
}

func (p *Pipeline) appendWithRetry(ctx context.Context, batch []eventlog.Event) {
	cp := make([]eventlog.Event, len(batch))
	copy(cp, batch)

	backoff := p.opts.AppendBackoff
	var err error
	for attempt := 0; attempt < p.opts.AppendRetries; attempt++ {
		if err = p.appender.AppendBatch(ctx, p.sessionID, cp); err == nil {
			for _, ev := range cp {
				metrics.RecordEvent(string(ev.Kind))
			}
			return
		}
		p.logger.Warn("append attempt failed", "attempt", attempt, "error", err)
		time.Sleep(backoff)
		backoff *= 2
	}

	wrapped := errs.Wrap(errs.CodeLogWriteFailed, "append exhausted retries", err)
	p.logger.Error("append failed after retries, session will be marked failed", "error", wrapped)

	// Best-effort: try once to get a record of the failure itself into the
	// log. If the store is genuinely unwritable this also fails silently --
	// there's nothing further to retry onto.
	p.seq++
	failureEv := eventlog.Event{
		Kind:         eventlog.KindError,
		Timestamp:    time.Now().UTC(),
		SessionID:    p.sessionID,
		Sequence:     p.seq,
		ErrorCode:    string(errs.CodeLogWriteFailed),
		ErrorMessage: wrapped.Error(),
	}
	p.appender.AppendBatch(ctx, p.sessionID, []eventlog.Event{failureEv})

	if p.opts.OnAppendFailure != nil {
		p.opts.OnAppendFailure(wrapped)
	}
}

func validate(ev eventlog.Event) bool {
	return ev.Kind != "" && !ev.Timestamp.IsZero() && ev.SessionID != ""
}

func (p *Pipeline) redact(ev eventlog.Event) eventlog.Event {
	if len(ev.Headers) > 0 {
		redactedHeaders := make(map[string]string, len(ev.Headers))
		for k, v := range ev.Headers {
			if _, sensitive := p.sensHdr[normalizeHeader(k)]; sensitive {
				redactedHeaders[k] = p.opts.RedactionMarker
			} else {
				redactedHeaders[k] = v
			}
		}
		ev.Headers = redactedHeaders
	}
	if ev.Body != "" {
		body := ev.Body
		for _, re := range p.sensRe {
			body = re.ReplaceAllString(body, p.opts.RedactionMarker)
		}
		ev.Body = body
	}
	return ev
}

func normalizeHeader(h string) string {
	b := []byte(h)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// fingerprint derives a stable hash of a request event's method, host, and
// path (query string excluded, since query params commonly carry nonces or
// cache-busters that would otherwise defeat deduplication) plus the first
// fingerprintBodyBytes of its body, used for within-window deduplication.
func fingerprint(ev eventlog.Event) string {
	host, path := ev.Host, ev.URL
	if u, err := url.Parse(ev.URL); err == nil {
		host = u.Host
		path = u.Path
	}

	body := ev.Body
	if len(body) > fingerprintBodyBytes {
		body = body[:fingerprintBodyBytes]
	}

	h := sha256.New()
	h.Write([]byte(ev.Method))
	h.Write([]byte(host))
	h.Write([]byte(path))
	h.Write([]byte(body))
	return hex.EncodeToString(h.Sum(nil))
}

// fingerprintLRU is a bounded LRU of recently seen fingerprints, used for
// the dedupe stage.
type fingerprintLRU struct {
	capacity int
	mu       sync.Mutex
	entries  map[string]*list.Element
	order    *list.List
}

type fpEntry struct {
	fp   string
	seen time.Time
}

func newFingerprintLRU(capacity int) *fingerprintLRU {
	return &fingerprintLRU{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (l *fingerprintLRU) seenRecently(fp string, window time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	el, ok := l.entries[fp]
	if !ok {
		return false
	}
	entry := el.Value.(*fpEntry)
	return time.Since(entry.seen) < window
}

func (l *fingerprintLRU) record(fp string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.entries[fp]; ok {
		el.Value.(*fpEntry).seen = time.Now()
		l.order.MoveToFront(el)
		return
	}
	el := l.order.PushFront(&fpEntry{fp: fp, seen: time.Now()})
	l.entries[fp] = el
	for l.order.Len() > l.capacity {
		oldest := l.order.Back()
		if oldest == nil {
			break
		}
		l.order.Remove(oldest)
		delete(l.entries, oldest.Value.(*fpEntry).fp)
	}
}
