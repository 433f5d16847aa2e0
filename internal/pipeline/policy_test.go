package pipeline

import (
	"sync"

	"github.com/duckmesh/nlq/internal/config"
)

type swappablePolicy struct {
	mu     sync.Mutex
	policy config.Policy
}

func (s *swappablePolicy) set(schemas []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = config.Policy{AllowedSchemas: schemas}
}

func (s *swappablePolicy) Current() config.Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

func configGuard() config.GuardConfig {
	return config.GuardConfig{RequireLimit: true, DefaultLimit: 250}
}
