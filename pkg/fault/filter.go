package fault

import (
	"context"
	"fmt"
	"net/http"

	"github.com/getmockd/faultd/internal/event"
	"github.com/getmockd/faultd/pkg/ratelimit"
)

// AbortBody is the body of the local reply sent for an injected abort.
const AbortBody = "fault filter abort"

// Phase is the lifecycle state of a Filter.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseEvaluating
	PhaseDelayPending
	PhaseAborted
	PhaseForwarding
	PhaseDestroyed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseEvaluating:
		return "evaluating"
	case PhaseDelayPending:
		return "delay_pending"
	case PhaseAborted:
		return "aborted"
	case PhaseForwarding:
		return "forwarding"
	case PhaseDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// legalTransitions lists every allowed move. Destroyed is reachable from
// anywhere and is handled separately.
var legalTransitions = map[Phase][]Phase{
	PhaseIdle:         {PhaseEvaluating},
	PhaseEvaluating:   {PhaseDelayPending, PhaseAborted, PhaseForwarding},
	PhaseDelayPending: {PhaseEvaluating},
}

// Action tells the host what to do after OnRequestHeaders.
type Action int

const (
	// ActionContinue lets the request proceed.
	ActionContinue Action = iota
	// ActionPause holds the request until DecoderCallbacks.ContinueDecoding
	// or DecoderCallbacks.SendLocalReply is called.
	ActionPause
	// ActionTerminate ends the request; the local reply was already sent.
	ActionTerminate
)

func (a Action) String() string {
	switch a {
	case ActionContinue:
		return "continue"
	case ActionPause:
		return "pause"
	case ActionTerminate:
		return "terminate"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// HeadersResult is the outcome of OnRequestHeaders. Status is set for
// ActionTerminate.
type HeadersResult struct {
	Action Action
	Status int
}

// DataStatus is the outcome of a body hook.
type DataStatus int

const (
	// DataContinue passes the chunk on.
	DataContinue DataStatus = iota
	// DataBuffer asks the host to hold the chunk until decoding continues.
	DataBuffer
	// DataStopIteration drops the chunk; the stream is finished.
	DataStopIteration
	// DataStopIterationNoBuffer means the filter took ownership of the chunk.
	DataStopIterationNoBuffer
)

// TrailersStatus is the outcome of OnRequestTrailers.
type TrailersStatus int

const (
	TrailersContinue TrailersStatus = iota
	TrailersStop
)

// DecoderCallbacks is the request-side capability a Filter needs from its
// host.
type DecoderCallbacks interface {
	// Dispatcher is the event loop every hook of this request runs on.
	Dispatcher() event.Dispatcher
	// ContinueDecoding resumes a request that was paused.
	ContinueDecoding()
	// SendLocalReply answers the request without contacting the upstream.
	SendLocalReply(status int, body string)
}

// EncoderCallbacks is the response-side capability a Filter needs from its
// host.
type EncoderCallbacks interface {
	ratelimit.Producer
	// BufferLimit is the number of response bytes that may be held before
	// the upstream is paused.
	BufferLimit() int
}

// Filter is the fault state of one request. All hooks, including timer
// callbacks, run on the request's dispatcher and never concurrently.
type Filter struct {
	cfg     *Config
	decoder DecoderCallbacks
	encoder EncoderCallbacks

	phase      Phase
	caller     string
	holdsSlot  bool
	overflowed bool
	delayTimer event.Timer
	limiter    *ratelimit.StreamRateLimiter
}

// NewFilter creates the per-request filter.
func (c *Config) NewFilter(decoder DecoderCallbacks, encoder EncoderCallbacks) *Filter {
	return &Filter{cfg: c, decoder: decoder, encoder: encoder}
}

// Phase returns the current phase.
func (f *Filter) Phase() Phase { return f.phase }

// HoldsSlot reports whether the request holds an active fault budget slot.
func (f *Filter) HoldsSlot() bool { return f.holdsSlot }

// RateLimited reports whether the response is throttled.
func (f *Filter) RateLimited() bool { return f.limiter != nil }

func (f *Filter) transition(to Phase) {
	from := f.phase
	if to == PhaseDestroyed && from != PhaseDestroyed {
		f.phase = to
		return
	}
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			f.phase = to
			return
		}
	}
	panic(fmt.Sprintf("fault: illegal phase transition %s -> %s", from, to))
}

// OnRequestHeaders decides which faults apply to the request.
func (f *Filter) OnRequestHeaders(ctx context.Context, headers http.Header, caller, upstream string) HeadersResult {
	f.transition(PhaseEvaluating)
	f.caller = caller

	if !f.cfg.rule.Matches(headers, caller, upstream) {
		f.transition(PhaseForwarding)
		return HeadersResult{Action: ActionContinue}
	}

	if f.cfg.rule.HasDelay() {
		pct := f.cfg.delayPercent(caller)
		dur := f.cfg.delayDuration(caller)
		if pct.Hit(f.cfg.sampler.Sample()) && dur > 0 && f.tryAcquire(ctx) {
			if f.delayTimer == nil {
				f.delayTimer = f.decoder.Dispatcher().NewTimer(f.onDelayTimer)
			}
			f.delayTimer.Enable(dur)
			f.transition(PhaseDelayPending)

			f.cfg.stats.IncCounter(StatDelaysInjected, caller)
			if obs, ok := f.cfg.stats.(DelayObserver); ok {
				obs.ObserveDelay(dur)
			}
			f.cfg.log.Debug("fault: delay injected", "caller", caller, "duration", dur)
			return HeadersResult{Action: ActionPause}
		}
	}

	return f.evaluateAbortAndRateLimit(ctx)
}

func (f *Filter) onDelayTimer() {
	if f.phase != PhaseDelayPending {
		return
	}
	f.transition(PhaseEvaluating)
	// The request context belongs to the host goroutine; the timer fires
	// on the loop without one.
	if res := f.evaluateAbortAndRateLimit(context.Background()); res.Action == ActionContinue {
		f.decoder.ContinueDecoding()
	}
}

func (f *Filter) evaluateAbortAndRateLimit(ctx context.Context) HeadersResult {
	rule := f.cfg.rule

	if rule.HasAbort() {
		pct := f.cfg.abortPercent(f.caller)
		if pct.Hit(f.cfg.sampler.Sample()) && (f.holdsSlot || f.tryAcquire(ctx)) {
			status := f.cfg.abortStatus(f.caller)
			f.transition(PhaseAborted)
			f.cfg.stats.IncCounter(StatAbortsInjected, f.caller)
			f.cfg.log.Debug("fault: abort injected", "caller", f.caller, "status", status)
			f.decoder.SendLocalReply(status, AbortBody)
			return HeadersResult{Action: ActionTerminate, Status: status}
		}
	}

	if bps, pct, ok := f.cfg.rateLimit(f.caller); ok && pct.Hit(f.cfg.sampler.Sample()) {
		f.limiter = ratelimit.NewStreamRateLimiter(bps, f.encoder.BufferLimit(), f.encoder, f.decoder.Dispatcher())
		f.cfg.stats.IncCounter(StatResponseRateLimited, f.caller)
		f.cfg.log.Debug("fault: response rate limited", "caller", f.caller, "bytes_per_second", bps)
	}

	f.transition(PhaseForwarding)
	return HeadersResult{Action: ActionContinue}
}

// tryAcquire takes a budget slot for this request. Overflow is counted at
// most once per request.
func (f *Filter) tryAcquire(ctx context.Context) bool {
	active, ok := f.cfg.budget.TryAcquire(ctx, f.cfg.maxActiveFaults())
	if ok {
		f.holdsSlot = true
		f.cfg.stats.AddGauge(StatActiveFaults, 1)
		return true
	}
	if !f.overflowed {
		f.overflowed = true
		f.cfg.stats.IncCounter(StatFaultsOverflow, f.caller)
		f.cfg.log.Debug("fault: max active faults reached", "caller", f.caller, "active", active)
	}
	return false
}

// OnRequestData tells the host what to do with a request body chunk.
func (f *Filter) OnRequestData(_ []byte, _ bool) DataStatus {
	switch f.phase {
	case PhaseDelayPending:
		return DataBuffer
	case PhaseAborted, PhaseDestroyed:
		return DataStopIteration
	default:
		return DataContinue
	}
}

// OnRequestTrailers follows the same rule as OnRequestData.
func (f *Filter) OnRequestTrailers() TrailersStatus {
	switch f.phase {
	case PhaseDelayPending, PhaseAborted, PhaseDestroyed:
		return TrailersStop
	default:
		return TrailersContinue
	}
}

// OnResponseData hands the chunk to the rate limiter when the response is
// throttled. The limiter then owns the chunk and forwards it through
// EncoderCallbacks.ForwardBytes.
func (f *Filter) OnResponseData(chunk []byte, endStream bool) DataStatus {
	if f.limiter == nil || f.phase == PhaseDestroyed {
		return DataContinue
	}
	f.limiter.Submit(chunk, endStream)
	return DataStopIterationNoBuffer
}

// OnDestroy releases everything the request holds. It is safe to call more
// than once.
func (f *Filter) OnDestroy() {
	if f.phase == PhaseDestroyed {
		return
	}
	if f.delayTimer != nil {
		f.delayTimer.Disable()
	}
	if f.holdsSlot {
		f.holdsSlot = false
		f.cfg.budget.Release()
		f.cfg.stats.AddGauge(StatActiveFaults, -1)
	}
	if f.limiter != nil {
		f.limiter.Destroy()
	}
	f.transition(PhaseDestroyed)
}
