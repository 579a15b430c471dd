// Package fault decides, per request, whether to inject an artificial delay,
// an artificial abort, or a response byte-rate limit.
//
// # Rules
//
// A Rule is built once from a RuleSpec and shared by every request on a
// route. Percentages are clamped at construction and header matchers are
// compiled, so evaluation never fails:
//
//	rule, err := fault.NewRule(fault.RuleSpec{
//	    Delay: &fault.DelaySpec{
//	        Percent:  fault.NewPercent(50, fault.Hundred),
//	        Duration: time.Second,
//	    },
//	    Abort: &fault.AbortSpec{
//	        Percent: fault.NewPercent(10, fault.Hundred),
//	        Status:  http.StatusServiceUnavailable,
//	    },
//	})
//
// # Filters
//
// A Config binds a Rule to the shared collaborators of its scope: the
// runtime override source, the random sampler, the active fault budget and
// the stats sink. Each request gets its own Filter from Config.NewFilter.
// The host calls the filter hooks on the request's event.Dispatcher:
//
//	f := cfg.NewFilter(decoder, encoder)
//	defer f.OnDestroy()
//	switch res := f.OnRequestHeaders(ctx, r.Header, caller, upstream); res.Action {
//	case fault.ActionPause:
//	    // wait for decoder.ContinueDecoding or decoder.SendLocalReply
//	case fault.ActionTerminate:
//	    // the local reply was already sent
//	}
//
// # Runtime overrides
//
// Every rule value can be overridden at runtime under the fault.http.*
// keys in RuntimeKeys. A caller-scoped key (fault.http.<caller>.<rest>)
// takes precedence over the global key, which takes precedence over the
// static rule.
//
// # Budget
//
// A Budget bounds the number of requests with an active delay or abort.
// A request takes at most one slot and holds it until OnDestroy.
// Requests that would exceed the bound skip the fault and count
// faults_overflow once.
package fault
