package fault

import (
	"context"
	"math/rand/v2"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getmockd/faultd/internal/event"
)

type localReply struct {
	status int
	body   string
}

type fakeDecoder struct {
	dispatcher event.Dispatcher
	continues  int
	replies    []localReply
}

func (d *fakeDecoder) Dispatcher() event.Dispatcher { return d.dispatcher }
func (d *fakeDecoder) ContinueDecoding()            { d.continues++ }
func (d *fakeDecoder) SendLocalReply(status int, body string) {
	d.replies = append(d.replies, localReply{status: status, body: body})
}

type fakeEncoder struct {
	limit     int
	forwarded int
	ended     bool
	pauses    int
	resumes   int
}

func (e *fakeEncoder) PauseProducer()  { e.pauses++ }
func (e *fakeEncoder) ResumeProducer() { e.resumes++ }
func (e *fakeEncoder) BufferLimit() int {
	return e.limit
}
func (e *fakeEncoder) ForwardBytes(p []byte, endStream bool) {
	e.forwarded += len(p)
	if endStream {
		e.ended = true
	}
}

type recordingStats struct {
	mu         sync.Mutex
	counters   map[string]int
	downstream map[string]int
	gauge      int64
	delays     []time.Duration
}

func newRecordingStats() *recordingStats {
	return &recordingStats{counters: map[string]int{}, downstream: map[string]int{}}
}

func (s *recordingStats) IncCounter(name, downstream string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[name]++
	if downstream != "" {
		s.downstream[downstream+"."+name]++
	}
}

func (s *recordingStats) AddGauge(_ string, delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gauge += delta
}

func (s *recordingStats) gaugeValue() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gauge
}

// peakBudget records the highest active count a LocalBudget reached.
type peakBudget struct {
	*LocalBudget
	mu   sync.Mutex
	peak int64
}

func (b *peakBudget) TryAcquire(ctx context.Context, limit int64) (int64, bool) {
	active, ok := b.LocalBudget.TryAcquire(ctx, limit)
	if ok {
		b.mu.Lock()
		b.peak = max(b.peak, active)
		b.mu.Unlock()
	}
	return active, ok
}

func (s *recordingStats) ObserveDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
}

func (s *recordingStats) count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[name]
}

type harness struct {
	sim     *event.Simulated
	decoder *fakeDecoder
	encoder *fakeEncoder
	filter  *Filter
}

func newHarness(cfg *Config) *harness {
	sim := event.NewSimulated(time.Unix(0, 0))
	h := &harness{
		sim:     sim,
		decoder: &fakeDecoder{dispatcher: sim},
		encoder: &fakeEncoder{limit: 1 << 20},
	}
	h.filter = cfg.NewFilter(h.decoder, h.encoder)
	return h
}

func (h *harness) headers(caller string) HeadersResult {
	return h.filter.OnRequestHeaders(context.Background(), http.Header{}, caller, "")
}

func uint64p(v uint64) *uint64 { return &v }

func delayRule(t *testing.T, pct uint64, d time.Duration) *Rule {
	t.Helper()
	r, err := NewRule(RuleSpec{Delay: &DelaySpec{Percent: NewPercent(pct, Hundred), Duration: d}})
	require.NoError(t, err)
	return r
}

func TestFilter_DelayScenario(t *testing.T) {
	t.Parallel()
	stats := newRecordingStats()
	cfg := NewConfig(delayRule(t, 100, time.Second), WithStats(stats), WithSampler(NewSequenceSampler(0)))
	h := newHarness(cfg)

	res := h.headers("")
	assert.Equal(t, ActionPause, res.Action)
	assert.Equal(t, PhaseDelayPending, h.filter.Phase())
	assert.Equal(t, 1, stats.count(StatDelaysInjected))
	assert.Equal(t, int64(1), stats.gauge)
	assert.Equal(t, []time.Duration{time.Second}, stats.delays)

	assert.Equal(t, DataBuffer, h.filter.OnRequestData([]byte("body"), false))
	assert.Equal(t, TrailersStop, h.filter.OnRequestTrailers())

	h.sim.Advance(999 * time.Millisecond)
	assert.Zero(t, h.decoder.continues)

	h.sim.Advance(time.Millisecond)
	assert.Equal(t, 1, h.decoder.continues)
	assert.Equal(t, PhaseForwarding, h.filter.Phase())
	assert.Equal(t, DataContinue, h.filter.OnRequestData([]byte("body"), true))

	h.filter.OnDestroy()
	assert.Equal(t, int64(0), cfg.Budget().Active())
}

func TestFilter_AbortScenario(t *testing.T) {
	t.Parallel()
	stats := newRecordingStats()
	rule := MustRule(RuleSpec{Abort: &AbortSpec{Percent: NewPercent(100, Hundred), Status: 503}})
	cfg := NewConfig(rule, WithStats(stats))
	h := newHarness(cfg)

	res := h.headers("")
	assert.Equal(t, HeadersResult{Action: ActionTerminate, Status: 503}, res)
	assert.Equal(t, []localReply{{status: 503, body: AbortBody}}, h.decoder.replies)
	assert.Equal(t, PhaseAborted, h.filter.Phase())
	assert.Equal(t, 1, stats.count(StatAbortsInjected))
	assert.Equal(t, DataStopIteration, h.filter.OnRequestData([]byte("x"), true))
	assert.Equal(t, int64(1), cfg.Budget().Active())

	h.filter.OnDestroy()
	assert.Equal(t, int64(0), cfg.Budget().Active())
}

func TestFilter_MaxActiveFaultsScenario(t *testing.T) {
	t.Parallel()
	stats := newRecordingStats()
	rule := MustRule(RuleSpec{
		Delay:           &DelaySpec{Percent: Always(), Duration: time.Second},
		MaxActiveFaults: uint64p(1),
	})
	cfg := NewConfig(rule, WithStats(stats), WithSampler(NewSequenceSampler(0)))

	first := newHarness(cfg)
	second := newHarness(cfg)

	assert.Equal(t, ActionPause, first.headers("").Action)
	assert.Equal(t, ActionContinue, second.headers("").Action)
	assert.False(t, second.filter.HoldsSlot())
	assert.Equal(t, 1, stats.count(StatFaultsOverflow))
	assert.Equal(t, 1, stats.count(StatDelaysInjected))

	first.filter.OnDestroy()
	second.filter.OnDestroy()
	assert.Equal(t, int64(0), cfg.Budget().Active())

	third := newHarness(cfg)
	assert.Equal(t, ActionPause, third.headers("").Action)
	third.filter.OnDestroy()
}

func TestFilter_OverflowCountedOncePerRequest(t *testing.T) {
	t.Parallel()
	stats := newRecordingStats()
	rule := MustRule(RuleSpec{
		Delay:           &DelaySpec{Percent: Always(), Duration: time.Second},
		Abort:           &AbortSpec{Percent: Always(), Status: 500},
		MaxActiveFaults: uint64p(0),
	})
	cfg := NewConfig(rule, WithStats(stats))
	h := newHarness(cfg)

	assert.Equal(t, ActionContinue, h.headers("").Action)
	assert.Equal(t, 1, stats.count(StatFaultsOverflow))
	assert.Zero(t, stats.count(StatDelaysInjected))
	assert.Zero(t, stats.count(StatAbortsInjected))
	assert.Empty(t, h.decoder.replies)
	h.filter.OnDestroy()
}

func TestFilter_DelayThenAbortReusesSlot(t *testing.T) {
	t.Parallel()
	stats := newRecordingStats()
	rule := MustRule(RuleSpec{
		Delay:           &DelaySpec{Percent: Always(), Duration: 200 * time.Millisecond},
		Abort:           &AbortSpec{Percent: Always(), Status: 502},
		MaxActiveFaults: uint64p(1),
	})
	cfg := NewConfig(rule, WithStats(stats))
	h := newHarness(cfg)

	require.Equal(t, ActionPause, h.headers("").Action)
	h.sim.Advance(200 * time.Millisecond)

	assert.Equal(t, PhaseAborted, h.filter.Phase())
	assert.Equal(t, []localReply{{status: 502, body: AbortBody}}, h.decoder.replies)
	assert.Zero(t, h.decoder.continues)
	assert.Zero(t, stats.count(StatFaultsOverflow))
	assert.Equal(t, int64(1), cfg.Budget().Active())

	h.filter.OnDestroy()
	assert.Equal(t, int64(0), cfg.Budget().Active())
}

func TestFilter_DestroyDuringDelay(t *testing.T) {
	t.Parallel()
	cfg := NewConfig(delayRule(t, 100, time.Second))
	h := newHarness(cfg)

	require.Equal(t, ActionPause, h.headers("").Action)
	require.Equal(t, 1, h.sim.ArmedTimers())

	h.filter.OnDestroy()
	h.filter.OnDestroy()
	assert.Equal(t, 0, h.sim.ArmedTimers())
	assert.Equal(t, PhaseDestroyed, h.filter.Phase())
	assert.Equal(t, int64(0), cfg.Budget().Active())

	h.sim.Advance(5 * time.Second)
	assert.Zero(t, h.decoder.continues)
}

func TestFilter_DestroyBeforeHeaders(t *testing.T) {
	t.Parallel()
	cfg := NewConfig(delayRule(t, 100, time.Second))
	h := newHarness(cfg)

	h.filter.OnDestroy()
	assert.Equal(t, PhaseDestroyed, h.filter.Phase())
	assert.Equal(t, int64(0), cfg.Budget().Active())
}

func TestFilter_HeadersTwicePanics(t *testing.T) {
	t.Parallel()
	cfg := NewConfig(MustRule(RuleSpec{}))
	h := newHarness(cfg)

	h.headers("")
	assert.Panics(t, func() { h.headers("") })
}

func TestFilter_DownstreamNodeFilter(t *testing.T) {
	t.Parallel()
	sampler := NewSequenceSampler(0)
	rule := MustRule(RuleSpec{
		Delay:           &DelaySpec{Percent: Always(), Duration: time.Second},
		DownstreamNodes: []string{"node-A"},
	})
	cfg := NewConfig(rule, WithSampler(sampler))

	other := newHarness(cfg)
	assert.Equal(t, ActionContinue, other.headers("node-B").Action)
	assert.Equal(t, PhaseForwarding, other.filter.Phase())
	assert.Zero(t, sampler.Drawn())

	missing := newHarness(cfg)
	assert.Equal(t, ActionContinue, missing.headers("").Action)

	listed := newHarness(cfg)
	assert.Equal(t, ActionPause, listed.headers("node-A").Action)
	listed.filter.OnDestroy()
}

func TestFilter_UpstreamAndHeaderFilters(t *testing.T) {
	t.Parallel()
	rule := MustRule(RuleSpec{
		Abort:           &AbortSpec{Percent: Always(), Status: 500},
		UpstreamCluster: "users",
		Headers:         []HeaderMatcherSpec{{Name: "x-fault", Kind: MatchExact, Value: "on"}},
	})
	cfg := NewConfig(rule)

	tests := []struct {
		name     string
		upstream string
		header   string
		want     Action
	}{
		{name: "all match", upstream: "users", header: "on", want: ActionTerminate},
		{name: "other upstream", upstream: "orders", header: "on", want: ActionContinue},
		{name: "header mismatch", upstream: "users", header: "off", want: ActionContinue},
		{name: "header missing", upstream: "users", want: ActionContinue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(cfg)
			hdr := http.Header{}
			if tt.header != "" {
				hdr.Set("X-Fault", tt.header)
			}
			res := h.filter.OnRequestHeaders(context.Background(), hdr, "", tt.upstream)
			assert.Equal(t, tt.want, res.Action)
			h.filter.OnDestroy()
		})
	}
}

func TestFilter_RuntimeOverrides(t *testing.T) {
	t.Parallel()
	rule := MustRule(RuleSpec{Abort: &AbortSpec{Percent: Never(), Status: 503}})
	rt := MapRuntime{
		ScopedKey(KeyAbortPercent, "svc"): 100,
		ScopedKey(KeyAbortStatus, "svc"):  418,
		ScopedKey(KeyAbortPercent, "bad"): 100,
		ScopedKey(KeyAbortStatus, "bad"):  700,
	}
	cfg := NewConfig(rule, WithRuntime(rt))

	tests := []struct {
		caller string
		want   HeadersResult
	}{
		{caller: "svc", want: HeadersResult{Action: ActionTerminate, Status: 418}},
		{caller: "bad", want: HeadersResult{Action: ActionTerminate, Status: 503}},
		{caller: "other", want: HeadersResult{Action: ActionContinue}},
	}
	for _, tt := range tests {
		h := newHarness(cfg)
		assert.Equal(t, tt.want, h.headers(tt.caller), "caller %s", tt.caller)
		h.filter.OnDestroy()
	}
}

func TestFilter_RuntimeDelayDuration(t *testing.T) {
	t.Parallel()
	rt := MapRuntime{KeyDelayDurationMs: 50}
	cfg := NewConfig(delayRule(t, 100, time.Second), WithRuntime(rt))
	h := newHarness(cfg)

	require.Equal(t, ActionPause, h.headers("").Action)
	h.sim.Advance(50 * time.Millisecond)
	assert.Equal(t, 1, h.decoder.continues)
	h.filter.OnDestroy()
}

func TestFilter_ZeroDelayDurationSkipsDelay(t *testing.T) {
	t.Parallel()
	rt := MapRuntime{KeyDelayDurationMs: 0}
	stats := newRecordingStats()
	cfg := NewConfig(delayRule(t, 100, time.Second), WithRuntime(rt), WithStats(stats))
	h := newHarness(cfg)

	assert.Equal(t, ActionContinue, h.headers("").Action)
	assert.Zero(t, stats.count(StatDelaysInjected))
	assert.Equal(t, int64(0), cfg.Budget().Active())
}

func TestFilter_MaxActiveFaultsOverride(t *testing.T) {
	t.Parallel()
	rule := MustRule(RuleSpec{
		Delay:           &DelaySpec{Percent: Always(), Duration: time.Second},
		MaxActiveFaults: uint64p(1),
	})
	cfg := NewConfig(rule, WithRuntime(MapRuntime{KeyMaxActiveFaults: 2}))

	a, b, c := newHarness(cfg), newHarness(cfg), newHarness(cfg)
	assert.Equal(t, ActionPause, a.headers("").Action)
	assert.Equal(t, ActionPause, b.headers("").Action)
	assert.Equal(t, ActionContinue, c.headers("").Action)
}

func TestFilter_ResponseRateLimit(t *testing.T) {
	t.Parallel()
	stats := newRecordingStats()
	rule := MustRule(RuleSpec{ResponseRateLimit: &RateLimitSpec{BytesPerSecond: 1024}})
	cfg := NewConfig(rule, WithStats(stats))
	h := newHarness(cfg)

	require.Equal(t, ActionContinue, h.headers("caller").Action)
	require.True(t, h.filter.RateLimited())
	assert.False(t, h.filter.HoldsSlot())
	assert.Equal(t, 1, stats.count(StatResponseRateLimited))
	assert.Equal(t, 1, stats.downstream["caller."+StatResponseRateLimited])

	assert.Equal(t, DataStopIterationNoBuffer, h.filter.OnResponseData(make([]byte, 4096), true))
	assert.Less(t, h.encoder.forwarded, 4096)

	h.sim.Advance(5 * time.Second)
	assert.Equal(t, 4096, h.encoder.forwarded)
	assert.True(t, h.encoder.ended)

	h.filter.OnDestroy()
	assert.Equal(t, 0, h.sim.ArmedTimers())
}

func TestFilter_ResponseRateLimitPercentOverride(t *testing.T) {
	t.Parallel()
	rule := MustRule(RuleSpec{ResponseRateLimit: &RateLimitSpec{BytesPerSecond: 1024}})
	cfg := NewConfig(rule, WithRuntime(MapRuntime{KeyRateLimitPercent: 0}))
	h := newHarness(cfg)

	h.headers("")
	assert.False(t, h.filter.RateLimited())
	assert.Equal(t, DataContinue, h.filter.OnResponseData([]byte("x"), true))
}

func TestFilter_AbortConvergesToPercent(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(7, 11))
	stats := newRecordingStats()
	rule := MustRule(RuleSpec{Abort: &AbortSpec{Percent: NewPercent(3000, TenThousand), Status: 500}})
	cfg := NewConfig(rule, WithStats(stats), WithSampler(SamplerFunc(rng.Float64)))

	const n = 100_000
	for i := 0; i < n; i++ {
		h := newHarness(cfg)
		h.headers("")
		h.filter.OnDestroy()
	}

	got := float64(stats.count(StatAbortsInjected)) / n
	assert.InDelta(t, 0.30, got, 0.01)
	assert.Equal(t, int64(0), cfg.Budget().Active())
}

func TestFilter_ConcurrentRequestsRespectBudget(t *testing.T) {
	t.Parallel()
	stats := newRecordingStats()
	rule := MustRule(RuleSpec{
		Delay:           &DelaySpec{Percent: NewPercent(50, Hundred), Duration: 10 * time.Millisecond},
		Abort:           &AbortSpec{Percent: NewPercent(50, Hundred), Status: 503},
		MaxActiveFaults: uint64p(8),
	})
	budget := &peakBudget{LocalBudget: NewLocalBudget()}
	cfg := NewConfig(rule, WithStats(stats), WithBudget(budget))

	var wg sync.WaitGroup
	for g := 0; g < 32; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				h := newHarness(cfg)
				h.headers("")
				if i%3 == 0 {
					h.sim.Advance(10 * time.Millisecond)
				}
				h.filter.OnDestroy()
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, budget.peak, int64(8))
	assert.Equal(t, int64(0), cfg.Budget().Active())
	assert.Equal(t, int64(0), stats.gaugeValue())
}

// gatedStats blocks the first gauge change while it is held.
type gatedStats struct {
	*recordingStats
	gated   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (s *gatedStats) AddGauge(name string, delta int64) {
	if delta < 0 && s.gated.CompareAndSwap(false, true) {
		close(s.entered)
		<-s.release
	}
	s.recordingStats.AddGauge(name, delta)
}

func TestFilter_GaugeReturnsToZeroWhenReleasesInterleave(t *testing.T) {
	t.Parallel()
	stats := &gatedStats{
		recordingStats: newRecordingStats(),
		entered:        make(chan struct{}),
		release:        make(chan struct{}),
	}
	rule := MustRule(RuleSpec{Abort: &AbortSpec{Percent: NewPercent(100, Hundred), Status: 503}})
	cfg := NewConfig(rule, WithStats(stats))

	a, b := newHarness(cfg), newHarness(cfg)
	a.headers("")
	b.headers("")
	require.Equal(t, int64(2), stats.gaugeValue())

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.filter.OnDestroy()
	}()
	<-stats.entered
	b.filter.OnDestroy()
	close(stats.release)
	<-done

	assert.Equal(t, int64(0), cfg.Budget().Active())
	assert.Equal(t, int64(0), stats.gaugeValue())
}
