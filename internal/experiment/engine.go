// Package experiment runs pre-registered content experiments: lifecycle,
// variant assignment and two-sample evaluation.
package experiment

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadflow/internal/keylock"
	"github.com/sells-group/leadflow/internal/model"
	"github.com/sells-group/leadflow/internal/store"
)

// ErrInvalidTransition is returned when a lifecycle change is not allowed
// from the experiment's current status.
var ErrInvalidTransition = eris.New("invalid experiment transition")

// Store is the persistence the engine needs.
type Store interface {
	CreateExperiment(ctx context.Context, e *model.Experiment) error
	GetExperiment(ctx context.Context, id string) (*model.Experiment, error)
	UpdateExperiment(ctx context.Context, e *model.Experiment) error
	ListExperiments(ctx context.Context, status model.ExperimentStatus) ([]model.Experiment, error)

	InsertAssignment(ctx context.Context, a model.ExperimentAssignment) error
	GetAssignment(ctx context.Context, contentID string) (*model.ExperimentAssignment, error)
	CountAssignments(ctx context.Context, experimentID string) (int, error)
	ListAssignments(ctx context.Context, experimentID string) ([]model.ExperimentAssignment, error)

	CountEvents(ctx context.Context, contentID string, from, to time.Time) (store.EventCounts, error)
	ListCandidates(ctx context.Context, filter store.CandidateFilter) ([]model.InquiryCandidate, error)
	ListAttributions(ctx context.Context, filter store.AttributionFilter) ([]model.AttributionRecord, error)
}

var transitions = map[model.ExperimentStatus][]model.ExperimentStatus{
	model.ExperimentDraft:        {model.ExperimentRunning},
	model.ExperimentRunning:      {model.ExperimentConcluded, model.ExperimentInconclusive},
	model.ExperimentConcluded:    {model.ExperimentArchived},
	model.ExperimentInconclusive: {model.ExperimentArchived},
}

// CanTransition reports whether from -> to is a valid lifecycle step.
func CanTransition(from, to model.ExperimentStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Config holds the defaults applied to new experiments.
type Config struct {
	DefaultAlpha float64
	DefaultPower float64
}

// DefaultConfig returns alpha 0.05 and power 0.8.
func DefaultConfig() Config {
	return Config{DefaultAlpha: 0.05, DefaultPower: 0.8}
}

// Engine manages experiments.
type Engine struct {
	store Store
	cfg   Config
	now   func() time.Time
	// sequences serializes round-robin count-then-insert per experiment.
	sequences *keylock.Locker
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine.
func New(st Store, cfg Config, opts ...Option) *Engine {
	if cfg.DefaultAlpha <= 0 {
		cfg.DefaultAlpha = 0.05
	}
	if cfg.DefaultPower <= 0 {
		cfg.DefaultPower = 0.8
	}
	e := &Engine{store: st, cfg: cfg, now: time.Now, sequences: keylock.New()}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Create registers exp as a draft. Alpha, power, test and assignment method
// fall back to defaults; the minimum sample per variant is computed from
// the baseline and minimum detectable effect when not given.
func (e *Engine) Create(ctx context.Context, exp *model.Experiment) error {
	if exp.Alpha == 0 {
		exp.Alpha = e.cfg.DefaultAlpha
	}
	if exp.Power == 0 {
		exp.Power = e.cfg.DefaultPower
	}
	if exp.Test == "" {
		exp.Test = model.TestProportions
		if exp.Metric == model.MetricAttributedRevenue {
			exp.Test = model.TestMeans
		}
	}
	if exp.AssignmentMethod == "" {
		exp.AssignmentMethod = model.AssignRandom
	}
	if err := exp.Validate(); err != nil {
		return err
	}
	if exp.MinSamplePerVariant <= 0 {
		n, err := MinSampleSize(exp)
		if err != nil {
			return eris.Wrapf(err, "experiment %s: pre-register a minimum sample", exp.ID)
		}
		exp.MinSamplePerVariant = n
	}

	exp.Status = model.ExperimentDraft
	exp.Result = nil
	exp.CreatedAt = e.now().UTC()
	if err := e.store.CreateExperiment(ctx, exp); err != nil {
		return eris.Wrap(err, "experiment: create")
	}
	zap.L().Info("experiment: created",
		zap.String("experiment_id", exp.ID),
		zap.Int("variants", len(exp.Variants)),
		zap.Int("min_sample_per_variant", exp.MinSamplePerVariant),
	)
	return nil
}

// Get loads an experiment.
func (e *Engine) Get(ctx context.Context, id string) (*model.Experiment, error) {
	exp, err := e.store.GetExperiment(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "experiment: get %s", id)
	}
	return exp, nil
}

// List returns experiments, optionally filtered by status.
func (e *Engine) List(ctx context.Context, status model.ExperimentStatus) ([]model.Experiment, error) {
	out, err := e.store.ListExperiments(ctx, status)
	return out, eris.Wrap(err, "experiment: list")
}

// Start moves a draft with at least two variants to running.
func (e *Engine) Start(ctx context.Context, id string) (*model.Experiment, error) {
	exp, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.transition(exp, model.ExperimentRunning); err != nil {
		return nil, err
	}
	if len(exp.Variants) < 2 {
		return nil, eris.Wrapf(ErrInvalidTransition, "experiment %s: start needs at least 2 variants, has %d", id, len(exp.Variants))
	}
	if exp.StartAt == nil {
		now := e.now().UTC()
		exp.StartAt = &now
	}
	exp.Status = model.ExperimentRunning
	if err := e.store.UpdateExperiment(ctx, exp); err != nil {
		return nil, eris.Wrap(err, "experiment: start")
	}
	zap.L().Info("experiment: started", zap.String("experiment_id", id))
	return exp, nil
}

// Status evaluates a running experiment without changing it. Evaluations
// below the minimum sample report insufficient_sample and no p-value.
func (e *Engine) Status(ctx context.Context, id string) (*model.Experiment, *model.StatisticalResult, error) {
	exp, err := e.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if exp.Status != model.ExperimentRunning {
		return exp, exp.Result, nil
	}
	res, err := e.evaluate(ctx, exp)
	if err != nil {
		return nil, nil, err
	}
	return exp, res, nil
}

// Conclude applies the stopping rule to a running experiment. A significant
// result concludes it. Without one, an explicit end (or a passed EndAt)
// marks it inconclusive; otherwise it keeps running and the interim result
// is returned.
func (e *Engine) Conclude(ctx context.Context, id string, end bool) (*model.Experiment, error) {
	exp, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if exp.Status != model.ExperimentRunning {
		return nil, eris.Wrapf(ErrInvalidTransition, "experiment %s: conclude from %s", id, exp.Status)
	}

	res, err := e.evaluate(ctx, exp)
	if err != nil {
		return nil, err
	}
	exp.Result = res

	now := e.now()
	expired := exp.EndAt != nil && !now.Before(*exp.EndAt)
	switch {
	case res.Significant():
		exp.Status = model.ExperimentConcluded
	case end || expired:
		exp.Status = model.ExperimentInconclusive
	default:
		zap.L().Info("experiment: still running",
			zap.String("experiment_id", id),
			zap.String("outcome", string(res.Outcome)),
		)
		return exp, nil
	}
	if exp.EndAt == nil || now.Before(*exp.EndAt) {
		at := now.UTC()
		exp.EndAt = &at
	}

	if err := e.store.UpdateExperiment(ctx, exp); err != nil {
		return nil, eris.Wrap(err, "experiment: conclude")
	}
	fields := []zap.Field{
		zap.String("experiment_id", id),
		zap.String("status", string(exp.Status)),
		zap.String("outcome", string(res.Outcome)),
	}
	if res.Winner != nil {
		fields = append(fields, zap.String("winner", *res.Winner))
	}
	zap.L().Info("experiment: finished", fields...)
	return exp, nil
}

// Archive retires a concluded or inconclusive experiment.
func (e *Engine) Archive(ctx context.Context, id string) (*model.Experiment, error) {
	exp, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.transition(exp, model.ExperimentArchived); err != nil {
		return nil, err
	}
	exp.Status = model.ExperimentArchived
	if err := e.store.UpdateExperiment(ctx, exp); err != nil {
		return nil, eris.Wrap(err, "experiment: archive")
	}
	return exp, nil
}

func (e *Engine) transition(exp *model.Experiment, to model.ExperimentStatus) error {
	if !CanTransition(exp.Status, to) {
		return eris.Wrapf(ErrInvalidTransition, "experiment %s: %s -> %s", exp.ID, exp.Status, to)
	}
	return nil
}

func (e *Engine) evaluate(ctx context.Context, exp *model.Experiment) (*model.StatisticalResult, error) {
	until := e.now()
	if exp.EndAt != nil && exp.EndAt.Before(until) {
		until = *exp.EndAt
	}
	samples, err := e.Samples(ctx, exp, until)
	if err != nil {
		return nil, err
	}
	res := Evaluate(exp, samples, e.now().UTC())
	return &res, nil
}

// IsInvalidTransition reports whether err is a rejected lifecycle change.
func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}
