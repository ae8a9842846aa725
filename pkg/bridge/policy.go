package bridge

import (
	"math/rand"
	"sync"

	"workdeck/pkg/config"
)

// selector picks a provider when the caller does not name one.
type selector struct {
	mu        sync.Mutex
	policy    string
	providers []string // Stable config order
	defGet    string
	cursor    int
}

func newSelector(policy string, providers []string, defaultProvider string) *selector {
	return &selector{
		policy:    policy,
		providers: providers,
		defGet:    defaultProvider,
	}
}

// next returns the provider chosen by the configured policy.
func (s *selector) next() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.providers) == 0 {
		return s.defGet
	}

	switch s.policy {
	case config.PolicyRoundRobin:
		chosen := s.providers[s.cursor%len(s.providers)]
		s.cursor++
		return chosen
	case config.PolicyRandom:
		return s.providers[rand.Intn(len(s.providers))] //nolint:gosec // Selection policy, not cryptographic
	default:
		if s.defGet != "" {
			return s.defGet
		}
		return s.providers[0]
	}
}
