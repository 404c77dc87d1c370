// Package notify delivers qualified-lead alerts to Salesforce, Slack and
// generic webhooks.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/leadflow/internal/metrics"
	"github.com/sells-group/leadflow/internal/model"
	"github.com/sells-group/leadflow/internal/resilience"
)

// Sink delivers a lead alert to one destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, alert model.LeadAlert) error
}

// Fanout sends every alert to all sinks concurrently. It satisfies
// attribution.Notifier.
type Fanout struct {
	sinks    []Sink
	breakers []*resilience.CircuitBreaker
	retry    resilience.RetryConfig
}

// NewFanout creates a Fanout. Each sink call is retried under retry, and
// each sink has its own breaker so a CRM outage fails fast without
// slowing the others.
func NewFanout(retry resilience.RetryConfig, sinks ...Sink) *Fanout {
	breakers := make([]*resilience.CircuitBreaker, len(sinks))
	for i, s := range sinks {
		breakers[i] = resilience.NewCircuitBreaker("sink:"+s.Name(), resilience.SinkCircuitBreakerConfig())
	}
	return &Fanout{sinks: sinks, breakers: breakers, retry: retry}
}

// Breakers returns the per-sink circuit breakers for health reporting.
func (f *Fanout) Breakers() []*resilience.CircuitBreaker {
	return f.breakers
}

// Sinks returns the names of the configured sinks.
func (f *Fanout) Sinks() []string {
	names := make([]string, len(f.sinks))
	for i, s := range f.sinks {
		names[i] = s.Name()
	}
	return names
}

// Notify sends alert to every sink. A failing sink does not stop the
// others; the returned error names each sink that failed.
func (f *Fanout) Notify(ctx context.Context, alert model.LeadAlert) error {
	if len(f.sinks) == 0 {
		zap.L().Debug("notify: no sinks configured", zap.String("inquiry_id", alert.InquiryID))
		return nil
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range f.sinks {
		cb := f.breakers[i]
		g.Go(func() error {
			cfg := f.retry
			cfg.OnRetry = resilience.RetryLogger("notify", s.Name())
			err := resilience.Do(gctx, cfg, func(ctx context.Context) error {
				return cb.Execute(ctx, func(ctx context.Context) error {
					return s.Send(ctx, alert)
				})
			})

			status := "sent"
			if err != nil {
				status = "failed"
				zap.L().Error("notify: sink failed",
					zap.String("sink", s.Name()),
					zap.String("inquiry_id", alert.InquiryID),
					zap.Int("version", alert.Version),
					zap.Error(err),
				)
				mu.Lock()
				errs = append(errs, eris.Wrapf(err, "notify: %s", s.Name()))
				mu.Unlock()
			}
			metrics.LeadAlerts.WithLabelValues(s.Name(), status).Inc()
			// Never cancel sibling sinks.
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) > 0 {
		return eris.Wrapf(errors.Join(errs...), "notify: %d of %d sinks failed", len(errs), len(f.sinks))
	}
	return nil
}

// Summary renders a one-line human description of alert.
func Summary(alert model.LeadAlert) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s lead %s", strings.ToUpper(string(alert.Tier)), alert.InquiryID)
	if alert.Confidence != nil {
		fmt.Fprintf(&sb, " (confidence %.2f)", *alert.Confidence)
	}
	fmt.Fprintf(&sb, ", est. value $%.0f", alert.EstimatedValue)
	if len(alert.AttributedContentIDs) > 0 {
		fmt.Fprintf(&sb, ", content: %s", strings.Join(alert.AttributedContentIDs, ", "))
	} else {
		sb.WriteString(", no attributed content")
	}
	return sb.String()
}
