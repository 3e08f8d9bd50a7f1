// Package traffic owns the percentage split between the two environments
// during a migration and translates target percentages into proxy weight
// updates.
package traffic

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bluegreen-deploy/agent/internal/envstore"
)

// ProxyWeighter applies a weight pair to the reverse proxy. Implemented by
// the external proxy integration.
type ProxyWeighter interface {
	SetWeights(ctx context.Context, target envstore.Environment, targetPercent int, active envstore.Environment, activePercent int) error
}

// Split is the current traffic distribution.
type Split struct {
	Target        envstore.Environment `json:"target"`
	TargetPercent int                  `json:"target_percent"`
	Active        envstore.Environment `json:"active"`
	ActivePercent int                  `json:"active_percent"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// Controller computes and requests weight pairs. It carries no retry logic;
// retries and compensation belong to the migration controller.
type Controller struct {
	proxy  ProxyWeighter
	logger *slog.Logger

	// OnChange, if set, observes every accepted split. Used for metrics.
	OnChange func(Split)

	mu    sync.Mutex
	split Split
}

// New creates a Controller over the given proxy integration.
func New(proxy ProxyWeighter, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{proxy: proxy, logger: logger}
}

// SetDistribution routes percent% of traffic to target and the remainder to
// active. The split is recorded only after the proxy accepts the request.
func (c *Controller) SetDistribution(ctx context.Context, target envstore.Environment, percent int, active envstore.Environment) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("traffic: percentage %d out of range [0,100]", percent)
	}
	if !target.Valid() || !active.Valid() {
		return fmt.Errorf("traffic: invalid environment pair %q/%q", target, active)
	}

	if err := c.proxy.SetWeights(ctx, target, percent, active, 100-percent); err != nil {
		return fmt.Errorf("traffic: proxy rejected %d%% to %s: %w", percent, target, err)
	}

	s := Split{
		Target:        target,
		TargetPercent: percent,
		Active:        active,
		ActivePercent: 100 - percent,
		UpdatedAt:     time.Now().UTC(),
	}
	c.mu.Lock()
	c.split = s
	c.mu.Unlock()

	c.logger.Info("traffic distribution updated",
		"target", target, "target_percent", percent,
		"active", active, "active_percent", 100-percent,
	)
	if c.OnChange != nil {
		c.OnChange(s)
	}
	return nil
}

// Current returns the last accepted split.
func (c *Controller) Current() Split {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.split
}
