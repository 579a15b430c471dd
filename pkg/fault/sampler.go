package fault

import (
	"math/rand/v2"
	"sync"
)

// Sampler draws uniform samples from [0, 1). Implementations must be safe
// for concurrent use.
type Sampler interface {
	Sample() float64
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func() float64

// Sample implements Sampler.
func (f SamplerFunc) Sample() float64 { return f() }

// RandSampler draws from the math/rand/v2 global source.
func RandSampler() Sampler {
	return SamplerFunc(rand.Float64)
}

// SequenceSampler returns its values in order and then repeats the last
// one. It makes decisions reproducible in tests and dry runs.
type SequenceSampler struct {
	mu     sync.Mutex
	values []float64
	next   int
}

// NewSequenceSampler creates a SequenceSampler. With no values it always
// returns 0.
func NewSequenceSampler(values ...float64) *SequenceSampler {
	return &SequenceSampler{values: values}
}

// Sample implements Sampler.
func (s *SequenceSampler) Sample() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.values) == 0 {
		return 0
	}
	i := s.next
	if i >= len(s.values) {
		i = len(s.values) - 1
	} else {
		s.next++
	}
	return s.values[i]
}

// Drawn returns how many samples were consumed from the sequence.
func (s *SequenceSampler) Drawn() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}
