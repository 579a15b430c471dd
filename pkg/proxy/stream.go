package proxy

import (
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/getmockd/faultd/internal/event"
	"github.com/getmockd/faultd/pkg/fault"
	"github.com/getmockd/faultd/pkg/httputil"
	"github.com/getmockd/faultd/pkg/tracing"
)

// errBodyTooLarge is logged when a delayed request body overflows the
// request buffer limit.
var errBodyTooLarge = errors.New("request body exceeds buffer limit")

type localReply struct {
	status int
	body   string
}

// stream hosts one request's fault filter. Every filter hook and every
// callback the filter makes runs on loop; the handler goroutine reaches the
// filter only through loop.Do.
type stream struct {
	p     *Proxy
	route *Route
	w     http.ResponseWriter
	r     *http.Request
	span  trace.Span

	loop   *event.Loop
	filter *fault.Filter

	// decided receives one signal when a paused request continues or is
	// answered locally. reply is set before the signal in the latter case.
	decided chan struct{}
	reply   *localReply

	paused atomic.Bool
	resume chan struct{}

	ended     chan struct{}
	endOnce   sync.Once
	writeFail bool

	done chan struct{}
}

var (
	_ fault.DecoderCallbacks = (*stream)(nil)
	_ fault.EncoderCallbacks = (*stream)(nil)
)

func newStream(p *Proxy, route *Route, w http.ResponseWriter, r *http.Request) *stream {
	return &stream{
		p:       p,
		route:   route,
		w:       w,
		r:       r,
		span:    trace.SpanFromContext(r.Context()),
		loop:    event.NewLoop(),
		decided: make(chan struct{}, 1),
		resume:  make(chan struct{}, 1),
		ended:   make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Dispatcher implements fault.DecoderCallbacks.
func (s *stream) Dispatcher() event.Dispatcher { return s.loop }

// ContinueDecoding implements fault.DecoderCallbacks.
func (s *stream) ContinueDecoding() { s.signal() }

// SendLocalReply implements fault.DecoderCallbacks. The reply is written
// by the handler goroutine.
func (s *stream) SendLocalReply(status int, body string) {
	s.reply = &localReply{status: status, body: body}
	s.signal()
}

func (s *stream) signal() {
	select {
	case s.decided <- struct{}{}:
	default:
	}
}

// PauseProducer implements ratelimit.Producer.
func (s *stream) PauseProducer() { s.paused.Store(true) }

// ResumeProducer implements ratelimit.Producer.
func (s *stream) ResumeProducer() {
	s.paused.Store(false)
	select {
	case s.resume <- struct{}{}:
	default:
	}
}

// ForwardBytes implements ratelimit.Producer. It writes to the client from
// the loop goroutine while the handler goroutine only reads upstream.
func (s *stream) ForwardBytes(p []byte, endStream bool) {
	if len(p) > 0 && !s.writeFail {
		if _, err := s.w.Write(p); err != nil {
			s.writeFail = true
		} else if f, ok := s.w.(http.Flusher); ok {
			f.Flush()
		}
	}
	if endStream {
		s.endOnce.Do(func() { close(s.ended) })
	}
}

// BufferLimit implements fault.EncoderCallbacks.
func (s *stream) BufferLimit() int { return s.p.respLimit }

func (s *stream) serve() {
	go s.loop.Run()
	defer s.teardown()

	var caller string
	if s.p.callerHeader != "" {
		caller = s.r.Header.Get(s.p.callerHeader)
	}

	var res fault.HeadersResult
	s.loop.Do(func() {
		s.filter = s.route.Fault.NewFilter(s, s)
		res = s.filter.OnRequestHeaders(s.r.Context(), s.r.Header, caller, s.route.Upstream)
	})

	var body io.Reader = s.r.Body
	switch res.Action {
	case fault.ActionTerminate:
		s.writeLocalReply()
		return
	case fault.ActionPause:
		tracing.RecordFault(s.span, tracing.EventDelay)
		held, ok := s.waitForDecision()
		if !ok {
			return
		}
		if s.reply != nil {
			s.writeLocalReply()
			return
		}
		body = held
	}

	var rateLimited bool
	s.loop.Do(func() { rateLimited = s.filter.RateLimited() })
	if !rateLimited {
		s.p.forward(s.w, s.r, s.route, body)
		return
	}
	tracing.RecordFault(s.span, tracing.EventRateLimit)
	s.forwardThrottled(body)
}

// waitForDecision holds a delayed request until the filter continues or
// answers it. Body chunks that arrive meanwhile are buffered up to the
// request buffer limit. It returns the body to forward, or false when the
// request was already finished.
func (s *stream) waitForDecision() (io.Reader, bool) {
	if s.r.Body == nil || s.r.Body == http.NoBody {
		select {
		case <-s.decided:
			return http.NoBody, true
		case <-s.r.Context().Done():
			return nil, false
		}
	}

	held := startPump(s.r.Body, s.done)
	chunks := held.chunks
	for {
		select {
		case <-s.decided:
			return held, true

		case c, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if c.err != nil {
				held.err = c.err
				chunks = nil
			}
			if c.err == io.EOF && len(s.r.Trailer) > 0 {
				s.loop.Do(func() {
					if s.filter.OnRequestTrailers() == fault.TrailersStop {
						s.p.log.Debug("proxy: request trailers held", "route", s.route.Name)
					}
				})
			}
			if len(c.data) == 0 {
				continue
			}
			var status fault.DataStatus
			s.loop.Do(func() { status = s.filter.OnRequestData(c.data, c.err == io.EOF) })
			if status == fault.DataStopIteration {
				continue
			}
			held.pending = append(held.pending, c.data...)
			if len(held.pending) > s.p.reqLimit {
				s.loop.Do(s.filter.OnDestroy)
				s.p.log.Warn("proxy: request rejected", "route", s.route.Name, "error", errBodyTooLarge, "limit", s.p.reqLimit)
				httputil.WriteText(s.w, http.StatusRequestEntityTooLarge, "request body too large")
				return nil, false
			}

		case <-s.r.Context().Done():
			return nil, false
		}
	}
}

func (s *stream) writeLocalReply() {
	tracing.RecordFault(s.span, tracing.EventAbort, attribute.Int("http.response.status_code", s.reply.status))
	httputil.WriteText(s.w, s.reply.status, s.reply.body)
}

// forwardThrottled copies the upstream response through the filter's rate
// limiter. Reading stops while the limiter has the producer paused.
func (s *stream) forwardThrottled(body io.Reader) {
	resp, err := s.p.roundTrip(s.r, s.route, body)
	if err != nil {
		s.p.badGateway(s.w, s.route, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	copyHeaders(s.w.Header(), resp.Header)
	s.w.WriteHeader(resp.StatusCode)

	ctx := s.r.Context()
	buf := make([]byte, copyChunkSize)
	for {
		for s.paused.Load() {
			select {
			case <-s.resume:
			case <-ctx.Done():
				return
			}
		}

		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.loop.Do(func() { s.filter.OnResponseData(chunk, false) })
		}
		if err == io.EOF {
			s.loop.Do(func() { s.filter.OnResponseData(nil, true) })
			break
		}
		if err != nil {
			s.p.log.Warn("proxy: upstream response failed", "route", s.route.Name, "error", err)
			return
		}
	}

	select {
	case <-s.ended:
	case <-ctx.Done():
	}
}

// teardown destroys the filter, which releases its budget slot and stops
// its timers, and then stops the loop.
func (s *stream) teardown() {
	close(s.done)
	s.loop.Do(func() {
		if s.filter != nil {
			s.filter.OnDestroy()
		}
	})
	s.loop.Stop()
}

type chunk struct {
	data []byte
	err  error
}

// bodyPump reads a request body on its own goroutine so a delayed request
// can buffer it without blocking on the client. As an io.Reader it yields
// the buffered bytes first and then the rest of the body.
type bodyPump struct {
	chunks  chan chunk
	pending []byte
	err     error
}

func startPump(body io.Reader, done <-chan struct{}) *bodyPump {
	p := &bodyPump{chunks: make(chan chunk)}
	go func() {
		defer close(p.chunks)
		for {
			buf := make([]byte, copyChunkSize)
			n, err := body.Read(buf)
			select {
			case p.chunks <- chunk{data: buf[:n], err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return p
}

func (p *bodyPump) Read(b []byte) (int, error) {
	for len(p.pending) == 0 {
		if p.err != nil {
			return 0, p.err
		}
		c, ok := <-p.chunks
		if !ok {
			p.err = io.EOF
			continue
		}
		p.pending = c.data
		if c.err != nil {
			p.err = c.err
		}
	}
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

// copyFlushing copies body to w, flushing after every chunk so streamed
// responses reach the client as they arrive.
func copyFlushing(w http.ResponseWriter, body io.Reader) {
	f, _ := w.(http.Flusher)
	buf := make([]byte, copyChunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if f != nil {
				f.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}
