package monitoring

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/leadflow/internal/config"
)

// Checker watches pipeline health while `leadflow serve` runs: the store,
// the classifier and sink circuits, and the review and retry backlogs.
// A condition is alerted when it first appears and again only after it
// has cleared, so an hour-long scorer outage is one alert, not twelve.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig

	// active holds the keys of conditions already alerted.
	active map[string]bool
}

// NewChecker creates a health checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		active:    make(map[string]bool),
	}
}

// Run checks once at start and then every CheckIntervalSecs until ctx is
// cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("health checker started",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if ctx.Err() == nil {
			c.check(ctx, log)
		}
		select {
		case <-ctx.Done():
			log.Info("health checker stopped")
			return
		case <-ticker.C:
		}
	}
}

// check runs one pass and returns the alerts it sent.
func (c *Checker) check(ctx context.Context, log *zap.Logger) []Alert {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("monitoring: collect failed", zap.Error(err))
		return nil
	}
	for dep, state := range snap.Circuits {
		if state != "closed" {
			log.Warn("monitoring: dependency degraded", zap.String("dependency", dep), zap.String("circuit", state))
		}
	}

	fresh := c.newConditions(c.alerter.Evaluate(snap))
	if len(fresh) == 0 {
		log.Debug("monitoring: no new conditions",
			zap.Int("review_backlog", snap.ReviewBacklog),
			zap.Int("retry_backlog", snap.RetryBacklog),
		)
		return nil
	}

	sent := c.alerter.SendAlerts(ctx, fresh)
	log.Info("monitoring: health check raised alerts",
		zap.Int("alerts_triggered", len(fresh)),
		zap.Int("alerts_sent", sent),
	)
	return fresh
}

// newConditions keeps the alerts whose condition was not active on the last
// pass and forgets conditions that have cleared.
func (c *Checker) newConditions(alerts []Alert) []Alert {
	seen := make(map[string]bool, len(alerts))
	var fresh []Alert
	for _, a := range alerts {
		key := conditionKey(a)
		seen[key] = true
		if !c.active[key] {
			fresh = append(fresh, a)
		}
	}
	c.active = seen
	return fresh
}

// conditionKey distinguishes circuits by dependency; other alert types
// are one condition each.
func conditionKey(a Alert) string {
	if dep, ok := a.Details["dependency"]; ok {
		return fmt.Sprintf("%s:%v", a.Type, dep)
	}
	return string(a.Type)
}
