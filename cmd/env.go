package main

import (
	"context"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadflow/internal/analytics"
	"github.com/sells-group/leadflow/internal/attribution"
	"github.com/sells-group/leadflow/internal/classifier"
	"github.com/sells-group/leadflow/internal/config"
	"github.com/sells-group/leadflow/internal/experiment"
	"github.com/sells-group/leadflow/internal/ingest"
	"github.com/sells-group/leadflow/internal/monitoring"
	"github.com/sells-group/leadflow/internal/notify"
	"github.com/sells-group/leadflow/internal/resilience"
	"github.com/sells-group/leadflow/internal/store"
	"github.com/sells-group/leadflow/pkg/anthropic"
	"github.com/sells-group/leadflow/pkg/notion"
	sfpkg "github.com/sells-group/leadflow/pkg/salesforce"
)

// appEnv holds the wired components shared by commands.
type appEnv struct {
	Store      store.Store
	Classifier *classifier.Classifier
	Ledger     *attribution.Ledger
	Engine     *experiment.Engine
	Aggregator *analytics.Aggregator
	Importer   *ingest.ContentImporter
	Opener     *ingest.Opener
	Notifier   *notify.Fanout
	Alerter    *monitoring.Alerter
}

// breakers lists the circuit of every guarded dependency: the scorer and
// each lead sink.
func (e *appEnv) breakers() []*resilience.CircuitBreaker {
	var out []*resilience.CircuitBreaker
	if e.Classifier != nil {
		out = append(out, e.Classifier.Breaker())
	}
	if e.Notifier != nil {
		out = append(out, e.Notifier.Breakers()...)
	}
	return out
}

// Close releases the store.
func (e *appEnv) Close() {
	if e.Store != nil {
		if err := e.Store.Close(); err != nil {
			zap.L().Warn("close store", zap.Error(err))
		}
	}
}

// initEnv opens the store and wires every component over it. The scorer and
// alert sinks are only built when withScorer and withSinks are set.
func initEnv(ctx context.Context, withScorer, withSinks bool) (*appEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	return buildEnv(st, withScorer, withSinks)
}

func buildEnv(st store.Store, withScorer, withSinks bool) (*appEnv, error) {
	env := &appEnv{
		Store:   st,
		Alerter: monitoring.NewAlerter(cfg.Monitoring),
		Opener: ingest.NewOpener(ingest.Options{
			RatePerSec: cfg.Ingest.RatePerSec,
			Timeout:    time.Duration(cfg.Ingest.TimeoutSecs) * time.Second,
			UserAgent:  "leadflow/1.0",
		}),
	}

	retry := retryConfig(cfg.Retry)

	var sinks []notify.Sink
	if withSinks {
		s, err := buildSinks()
		if err != nil {
			env.Close()
			return nil, err
		}
		sinks = s
	}
	env.Notifier = notify.NewFanout(retry, sinks...)

	scorer := classifier.Scorer(classifier.NewHeuristicScorer())
	if withScorer {
		s, err := buildScorer(cfg)
		if err != nil {
			env.Close()
			return nil, err
		}
		scorer = s
	}

	c, err := classifier.New(scorer, st, classifierConfig(cfg, retry), classifier.WithAlerts(env.Alerter))
	if err != nil {
		env.Close()
		return nil, configError(err)
	}
	env.Classifier = c

	env.Ledger = attribution.NewLedger(st, attribution.Config{
		Params: attribution.Params{
			WindowDays: cfg.Attribution.WindowDays,
			Lambda:     attribution.LambdaForHalfLife(cfg.Attribution.HalfLifeDays),
		},
		Values: attribution.ValuesFromConfig(cfg.Attribution.Values),
	}, env.Notifier)

	env.Engine = experiment.New(st, experiment.Config{
		DefaultAlpha: cfg.Experiment.DefaultAlpha,
		DefaultPower: cfg.Experiment.DefaultPower,
	})

	env.Aggregator = analytics.New(st, analytics.Config{
		CheckpointEvery: cfg.Analytics.CheckpointEvery,
		MinViews:        cfg.Analytics.MinViews,
	})

	env.Importer = ingest.NewContentImporter(st, env.Engine)
	return env, nil
}

func retryConfig(rc config.RetryConfig) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    rc.MaxAttempts,
		AttemptTimeout: time.Duration(rc.AttemptTimeoutSecs) * time.Second,
		InitialBackoff: time.Duration(rc.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:     time.Duration(rc.MaxBackoffMs) * time.Millisecond,
		Multiplier:     rc.Multiplier,
		JitterFraction: rc.JitterFraction,
	}
}

func classifierConfig(c *config.Config, retry resilience.RetryConfig) classifier.Config {
	retry.OnRetry = resilience.RetryLogger("scorer", "score")
	return classifier.Config{
		Thresholds: classifier.Thresholds{
			Hot:          c.Classifier.HotThreshold,
			Warm:         c.Classifier.WarmThreshold,
			ReviewMargin: c.Classifier.ReviewMargin,
		},
		Cooldown: time.Duration(c.Classifier.CooldownMins) * time.Minute,
		Retry:    retry,
		RetryQueue: resilience.RetryConfig{
			InitialBackoff: time.Duration(c.Classifier.RetryQueue.InitialBackoffSecs) * time.Second,
			MaxBackoff:     time.Duration(c.Classifier.RetryQueue.MaxBackoffSecs) * time.Second,
			Multiplier:     c.Classifier.RetryQueue.Multiplier,
			JitterFraction: c.Classifier.RetryQueue.JitterFraction,
		},
		Circuit: resilience.CircuitBreakerConfig{
			FailureThreshold: c.Circuit.FailureThreshold,
			ResetTimeout:     time.Duration(c.Circuit.ResetTimeoutSecs) * time.Second,
		},
		RatePerSec: c.Classifier.RatePerSec,
		MaxRetries: c.Classifier.MaxRetries,
	}
}

func buildScorer(c *config.Config) (classifier.Scorer, error) {
	switch c.Classifier.Scorer {
	case "", "heuristic":
		return classifier.NewHeuristicScorer(), nil
	case "llm":
		if c.Anthropic.Key == "" {
			return nil, configError(eris.New("anthropic.key is required for the llm scorer (LEADFLOW_ANTHROPIC_KEY)"))
		}
		client := anthropic.NewClient(c.Anthropic.Key)
		return classifier.NewLLMScorer(client, c.Anthropic.Model, c.Anthropic.MaxTokens), nil
	default:
		return nil, configError(eris.Errorf("unknown classifier.scorer %q", c.Classifier.Scorer))
	}
}

// buildSinks returns a sink per configured alert destination.
func buildSinks() ([]notify.Sink, error) {
	var sinks []notify.Sink

	if cfg.Salesforce.ClientID != "" {
		sf, err := initSalesforce()
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, notify.NewSalesforceSink(sf, cfg.Salesforce.LeadSource))
	}
	if cfg.Slack.Token != "" && cfg.Slack.Channel != "" {
		sinks = append(sinks, notify.NewSlackSink(cfg.Slack.Token, cfg.Slack.Channel))
	}
	if cfg.Webhook.URL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.Webhook.URL, time.Duration(cfg.Webhook.TimeoutSecs)*time.Second))
	}
	return sinks, nil
}

func initSalesforce() (sfpkg.Client, error) {
	pemData, err := os.ReadFile(cfg.Salesforce.KeyPath)
	if err != nil {
		return nil, configError(eris.Wrap(err, "read salesforce JWT private key"))
	}

	sf, err := sfpkg.Connect(sfpkg.Creds{
		LoginURL: cfg.Salesforce.LoginURL,
		Username: cfg.Salesforce.Username,
		ClientID: cfg.Salesforce.ClientID,
		KeyPEM:   string(pemData),
	})
	if err != nil {
		return nil, eris.Wrap(err, "init salesforce")
	}
	return sf, nil
}

func initNotionSource(env *appEnv) *ingest.NotionContentSource {
	return ingest.NewNotionContentSource(notion.NewClient(cfg.Notion.Token), cfg.Notion.ContentDB, env.Importer)
}
