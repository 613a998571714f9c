package executor

import (
	"fmt"
	"sync"

	"github.com/spachava753/matrixci/internal/environment"
	"github.com/spachava753/matrixci/internal/environment/docker"
	"github.com/spachava753/matrixci/internal/environment/local"
	"github.com/spachava753/matrixci/internal/environment/modal"
	"github.com/spachava753/matrixci/internal/models"
)

// NewProvider creates the environment provider a runner is configured with.
func NewProvider(runner models.RunnerConfig) (environment.Provider, error) {
	switch runner.Provider {
	case "", "local":
		return local.NewProvider(), nil
	case "docker":
		return docker.NewProvider(), nil
	case "modal":
		return modal.NewProvider(modal.ParseProviderConfig(runner.ProviderConfig))
	default:
		return nil, fmt.Errorf("unsupported environment provider: %s", runner.Provider)
	}
}

// providerCache creates each runner label's provider once per run.
type providerCache struct {
	cfg         models.RunConfig
	newProvider func(models.RunnerConfig) (environment.Provider, error)

	mu      sync.Mutex
	byLabel map[string]environment.Provider
}

func newProviderCache(cfg models.RunConfig, newProvider func(models.RunnerConfig) (environment.Provider, error)) *providerCache {
	if newProvider == nil {
		newProvider = NewProvider
	}
	return &providerCache{cfg: cfg, newProvider: newProvider, byLabel: make(map[string]environment.Provider)}
}

// get returns the runner config and provider for a runs-on label.
func (c *providerCache) get(label string) (models.RunnerConfig, environment.Provider, error) {
	runner := c.cfg.Runner(label)

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.byLabel[label]; ok {
		return runner, p, nil
	}
	p, err := c.newProvider(runner)
	if err != nil {
		return runner, nil, fmt.Errorf("runner %q: %w", label, err)
	}
	c.byLabel[label] = p
	return runner, p, nil
}
