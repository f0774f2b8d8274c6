package balancer

import (
	"fmt"
	"sync"

	"github.com/nareth/helmsman/internal/config"
	"github.com/nareth/helmsman/internal/core/domain"
)

const (
	AlgorithmWeighted         = "weighted"
	AlgorithmFastestResponse  = "fastest-response"
	AlgorithmStreaming        = "streaming-optimized"
	AlgorithmRoundRobin       = "round-robin"
	AlgorithmLeastConnections = "least-connections"
	AlgorithmRandom           = "random"
)

type Factory struct {
	creators map[string]func(config.LoadBalancerConfig) domain.ServerSelector
	cfg      config.LoadBalancerConfig
	mu       sync.RWMutex
}

func NewFactory(cfg config.LoadBalancerConfig) *Factory {
	factory := &Factory{
		creators: make(map[string]func(config.LoadBalancerConfig) domain.ServerSelector),
		cfg:      cfg,
	}

	factory.Register(AlgorithmWeighted, func(cfg config.LoadBalancerConfig) domain.ServerSelector {
		return NewWeightedSelector(cfg)
	})
	factory.Register(AlgorithmFastestResponse, func(cfg config.LoadBalancerConfig) domain.ServerSelector {
		return NewFastestSelector(cfg)
	})
	factory.Register(AlgorithmStreaming, func(cfg config.LoadBalancerConfig) domain.ServerSelector {
		return NewStreamingSelector(cfg)
	})
	factory.Register(AlgorithmRoundRobin, func(cfg config.LoadBalancerConfig) domain.ServerSelector {
		return NewRoundRobinSelector(cfg)
	})
	factory.Register(AlgorithmLeastConnections, func(cfg config.LoadBalancerConfig) domain.ServerSelector {
		return NewLeastConnectionsSelector(cfg)
	})
	factory.Register(AlgorithmRandom, func(cfg config.LoadBalancerConfig) domain.ServerSelector {
		return NewRandomSelector(cfg)
	})

	return factory
}

func (f *Factory) Register(name string, creator func(config.LoadBalancerConfig) domain.ServerSelector) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creators[name] = creator
}

func (f *Factory) Create(name string) (domain.ServerSelector, error) {
	f.mu.RLock()
	creator, exists := f.creators[name]
	f.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown load balancer algorithm: %s", name)
	}

	return creator(f.cfg), nil
}

func (f *Factory) AvailableAlgorithms() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	algorithms := make([]string, 0, len(f.creators))
	for name := range f.creators {
		algorithms = append(algorithms, name)
	}
	return algorithms
}
