package fault

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// MatchKind selects how a HeaderMatcher compares a header value.
type MatchKind int

const (
	// MatchPresent matches when the header is present.
	MatchPresent MatchKind = iota
	// MatchExact matches the value byte for byte.
	MatchExact
	// MatchRegex matches when the whole value matches a regular expression.
	MatchRegex
	// MatchRange matches an integer value in [RangeStart, RangeEnd).
	MatchRange
	// MatchPrefix matches a value prefix.
	MatchPrefix
	// MatchSuffix matches a value suffix.
	MatchSuffix
	// MatchGlob matches a doublestar glob pattern.
	MatchGlob
)

var matchKindNames = map[MatchKind]string{
	MatchPresent: "present",
	MatchExact:   "exact",
	MatchRegex:   "regex",
	MatchRange:   "range",
	MatchPrefix:  "prefix",
	MatchSuffix:  "suffix",
	MatchGlob:    "glob",
}

func (k MatchKind) String() string {
	if s, ok := matchKindNames[k]; ok {
		return s
	}
	return "unknown(" + strconv.Itoa(int(k)) + ")"
}

// HeaderMatcherSpec describes a single header condition.
type HeaderMatcherSpec struct {
	Name       string
	Kind       MatchKind
	Value      string
	RangeStart int64
	RangeEnd   int64
	Invert     bool
}

// HeaderMatcher is a compiled HeaderMatcherSpec.
type HeaderMatcher struct {
	name   string
	kind   MatchKind
	value  string
	re     *regexp.Regexp
	start  int64
	end    int64
	invert bool
}

// NewHeaderMatcher compiles spec.
func NewHeaderMatcher(spec HeaderMatcherSpec) (*HeaderMatcher, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("header matcher: name is required")
	}
	m := &HeaderMatcher{
		name:   http.CanonicalHeaderKey(spec.Name),
		kind:   spec.Kind,
		value:  spec.Value,
		start:  spec.RangeStart,
		end:    spec.RangeEnd,
		invert: spec.Invert,
	}

	switch spec.Kind {
	case MatchPresent, MatchExact, MatchPrefix, MatchSuffix:
	case MatchRegex:
		re, err := regexp.Compile("^(?:" + spec.Value + ")$")
		if err != nil {
			return nil, fmt.Errorf("header matcher %s: invalid regex: %w", spec.Name, err)
		}
		m.re = re
	case MatchRange:
		if spec.RangeEnd <= spec.RangeStart {
			return nil, fmt.Errorf("header matcher %s: empty range [%d, %d)", spec.Name, spec.RangeStart, spec.RangeEnd)
		}
	case MatchGlob:
		if !doublestar.ValidatePattern(spec.Value) {
			return nil, fmt.Errorf("header matcher %s: invalid glob %q", spec.Name, spec.Value)
		}
	default:
		return nil, fmt.Errorf("header matcher %s: unknown kind %s", spec.Name, spec.Kind)
	}
	return m, nil
}

// Name returns the canonical header name.
func (m *HeaderMatcher) Name() string {
	return m.name
}

// Matches evaluates the matcher against h. Repeated header lines are
// joined with "," before comparison. An absent header only matches an
// inverted presence check.
func (m *HeaderMatcher) Matches(h http.Header) bool {
	values, ok := h[m.name]
	if !ok {
		return m.invert && m.kind == MatchPresent
	}
	v := strings.Join(values, ",")

	var matched bool
	switch m.kind {
	case MatchPresent:
		matched = true
	case MatchExact:
		matched = v == m.value
	case MatchRegex:
		matched = m.re.MatchString(v)
	case MatchRange:
		n, err := strconv.ParseInt(v, 10, 64)
		matched = err == nil && n >= m.start && n < m.end
	case MatchPrefix:
		matched = strings.HasPrefix(v, m.value)
	case MatchSuffix:
		matched = strings.HasSuffix(v, m.value)
	case MatchGlob:
		matched, _ = doublestar.Match(m.value, v)
	}
	return matched != m.invert
}

// MatchAll reports whether every matcher matches h. No matchers match
// everything.
func MatchAll(h http.Header, matchers []*HeaderMatcher) bool {
	for _, m := range matchers {
		if !m.Matches(h) {
			return false
		}
	}
	return true
}
