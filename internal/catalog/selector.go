package catalog

import (
	"math/rand"
	"sync"
)

// Candidate is a resolved provider choice for one request. The credential
// may be overridden per request without touching shared catalog state.
type Candidate struct {
	ProviderID string            // Provider registry ID.
	Model      string            // Provider-specific model string.
	BaseURL    string            // Upstream base API URL.
	APIKey     string            // Resolved credential for this request.
	HeaderMap  map[string]string // Inbound header name -> upstream header name.
}

// Selector picks a provider candidate for a model using weighted random
// selection. The random source is injectable for deterministic tests.
type Selector struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSelector constructs a Selector around a random source.
func NewSelector(rng *rand.Rand) *Selector { return &Selector{rng: rng} }

// intn draws from the random source under a lock; rand.Rand itself is not
// safe for concurrent use.
func (s *Selector) intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Intn(n)
}

// Pick selects among the enabled provider entries of a model. Each entry
// appears weight times (default 1) in a flattened pool and the draw is
// uniform over the pool, so effective probability is proportional to weight.
// The second return is false when no enabled entry exists or the chosen
// provider ID is not registered in the snapshot.
func (s *Selector) Pick(snapshot *Snapshot, model *Model) (Candidate, bool) {
	if snapshot == nil || model == nil {
		return Candidate{}, false
	}

	pool := make([]*ProviderEntry, 0, len(model.Providers))
	for i := range model.Providers {
		entry := &model.Providers[i]
		if entry.Disabled {
			continue
		}
		weight := entry.Weight
		if weight < 1 {
			weight = 1
		}
		for n := 0; n < weight; n++ {
			pool = append(pool, entry)
		}
	}
	if len(pool) == 0 {
		return Candidate{}, false
	}

	entry := pool[s.intn(len(pool))]
	provider := snapshot.Provider(entry.Provider)
	if provider == nil {
		return Candidate{}, false
	}

	return Candidate{
		ProviderID: provider.ID,
		Model:      entry.Model,
		BaseURL:    provider.BaseURL,
		APIKey:     provider.APIKey,
		HeaderMap:  provider.HeaderMap,
	}, true
}
