package services

import (
	"context"
	"fmt"
	"time"
)

// Pinger is anything the health check can reach, such as the database or redis.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthService struct {
	deps    map[string]Pinger
	timeout time.Duration
}

func NewHealthService(deps map[string]Pinger) *HealthService {
	return &HealthService{deps: deps, timeout: 2 * time.Second}
}

// Get pings every dependency and reports the first one that is down.
func (s *HealthService) Get(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	for name, dep := range s.deps {
		if dep == nil {
			continue
		}
		if err := dep.Ping(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}
