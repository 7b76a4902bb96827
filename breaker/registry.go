package breaker

import (
	"sync"
	"time"
)

// Well-known circuit names. Auth gets a longer recovery timeout and a
// single probe: login attempts are costly and risky to repeat.
const (
	CircuitMarketplaceAPI  = "marketplace-api"
	CircuitMarketplaceAuth = "marketplace-auth"
	CircuitLLMAPI          = "llm-api"
)

// Registry hands out named circuit singletons. It replaces the usual pile
// of package-level globals: construct one at process start and thread it
// through.
type Registry struct {
	mu       sync.Mutex
	configs  map[string]Config
	breakers map[string]*Breaker
}

func NewRegistry() *Registry {
	r := &Registry{
		configs:  make(map[string]Config),
		breakers: make(map[string]*Breaker),
	}
	r.Configure(CircuitMarketplaceAPI, Config{
		FailureThreshold: 5,
		Timeout:          60 * time.Second,
		HalfOpenMaxCalls: 3,
		SuccessThreshold: 2,
	})
	r.Configure(CircuitMarketplaceAuth, Config{
		FailureThreshold: 3,
		Timeout:          5 * time.Minute,
		HalfOpenMaxCalls: 1,
		SuccessThreshold: 1,
	})
	r.Configure(CircuitLLMAPI, Config{
		FailureThreshold: 5,
		Timeout:          30 * time.Second,
		HalfOpenMaxCalls: 2,
		SuccessThreshold: 2,
	})
	return r
}

// Configure registers (or replaces) the config used when the named circuit
// is first requested. Existing circuits keep their config.
func (r *Registry) Configure(name string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[name] = cfg
}

// Get returns the named circuit, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	cfg, ok := r.configs[name]
	if !ok {
		cfg = DefaultConfig()
	}
	b := New(name, cfg)
	r.breakers[name] = b
	return b
}

// CircuitStatus is the read-only view exposed on the status surface.
type CircuitStatus struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	HalfOpenSuccesses   int       `json:"half_open_successes"`
	HalfOpenInFlight    int       `json:"half_open_in_flight"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
}

// Snapshot reports every instantiated circuit.
func (r *Registry) Snapshot() []CircuitStatus {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	out := make([]CircuitStatus, 0, len(breakers))
	for _, b := range breakers {
		counts := b.Counts()
		out = append(out, CircuitStatus{
			Name:                b.Name(),
			State:               b.State().String(),
			ConsecutiveFailures: counts.ConsecutiveFailures,
			HalfOpenSuccesses:   counts.HalfOpenSuccesses,
			HalfOpenInFlight:    counts.HalfOpenInFlight,
			LastFailure:         counts.LastFailure,
		})
	}
	return out
}
