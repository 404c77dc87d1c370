package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/leadflow/internal/keylock"
	"github.com/sells-group/leadflow/internal/metrics"
	"github.com/sells-group/leadflow/internal/model"
	"github.com/sells-group/leadflow/internal/monitoring"
	"github.com/sells-group/leadflow/internal/resilience"
)

// Store is the persistence the classifier needs.
type Store interface {
	SaveCandidate(ctx context.Context, c *model.InquiryCandidate) error
	GetCandidate(ctx context.Context, inquiryID string) (*model.InquiryCandidate, error)
	FindCandidate(ctx context.Context, actorRef, contentID string, from, to time.Time) (*model.InquiryCandidate, error)
	EnqueueAttribution(ctx context.Context, inquiryID string) error
	AddReviewItem(ctx context.Context, item *model.ReviewItem) error

	EnqueueRetry(ctx context.Context, entry resilience.RetryEntry) error
	DueRetries(ctx context.Context, filter resilience.RetryFilter) ([]resilience.RetryEntry, error)
	RemoveRetry(ctx context.Context, id string) error
}

// AlertSender delivers operational alerts.
type AlertSender interface {
	SendAlerts(ctx context.Context, alerts []monitoring.Alert) int
}

// Config tunes the classifier.
type Config struct {
	Thresholds Thresholds
	// Cooldown collapses events from the same actor on the same content
	// that occur within this distance of each other.
	Cooldown time.Duration
	// Retry is the per-call policy for scorer requests.
	Retry resilience.RetryConfig
	// RetryQueue spaces retry-queue passes for events the scorer could not
	// handle. Its backoff is minutes to hours, not the per-call seconds.
	RetryQueue resilience.RetryConfig
	// Circuit guards the scorer across events.
	Circuit resilience.CircuitBreakerConfig
	// RatePerSec limits scorer calls across all workers. Zero is unlimited.
	RatePerSec float64
	// MaxRetries is how many retry-queue passes an unscorable event gets
	// before it is routed to review unscored.
	MaxRetries int
}

// DefaultConfig returns the standard thresholds, a 15 minute cooldown and
// five retry-queue passes.
func DefaultConfig() Config {
	return Config{
		Thresholds: DefaultThresholds(),
		Cooldown:   15 * time.Minute,
		Retry:      resilience.DefaultRetryConfig(),
		RetryQueue: resilience.DefaultRetryQueueConfig(),
		Circuit:    resilience.DefaultCircuitBreakerConfig(),
		MaxRetries: 5,
	}
}

// Result describes what Classify did with one event.
type Result struct {
	Candidate *model.InquiryCandidate
	// Deduplicated is set when an equal or better candidate already
	// existed; nothing was written.
	Deduplicated bool
	// Superseded is set when a lower-confidence duplicate was replaced by a
	// new version of the same inquiry.
	Superseded bool
	// Review is set when the candidate was routed to human review.
	Review bool
}

// Classifier scores events and records candidates.
type Classifier struct {
	scorer  Scorer
	store   Store
	cfg     Config
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
	locks   *keylock.Locker
	explain signaler
	alerts  AlertSender
	now     func() time.Time
}

// signaler names the intent signals found in text. Review items carry them
// so a reviewer sees why a score landed where it did.
type signaler interface {
	Signals(text string) []string
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithAlerts sends Degraded-Classifier alerts to a.
func WithAlerts(a AlertSender) Option {
	return func(c *Classifier) { c.alerts = a }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Classifier) { c.now = now }
}

// New creates a Classifier.
func New(scorer Scorer, st Store, cfg Config, opts ...Option) (*Classifier, error) {
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, err
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	c := &Classifier{
		scorer:  scorer,
		store:   st,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		breaker: resilience.NewCircuitBreaker("scorer:"+scorer.Name(), cfg.Circuit),
		locks:   keylock.New(),
		now:     time.Now,
	}
	// Scorers that cannot explain themselves fall back to the keyword table.
	if sg, ok := scorer.(signaler); ok {
		c.explain = sg
	} else {
		c.explain = NewHeuristicScorer()
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Breaker exposes the scorer circuit breaker for health reporting.
func (c *Classifier) Breaker() *resilience.CircuitBreaker {
	return c.breaker
}

// Classify scores one event and records the resulting candidate. Events
// without text return model.ErrNoText. If the scorer cannot be reached after
// retries the error matches model.ErrClassifierUnavailable and nothing is
// stored; the caller owns queueing the event.
func (c *Classifier) Classify(ctx context.Context, event model.EngagementEvent) (*Result, error) {
	event.EnsureID()
	if !event.HasText() {
		return nil, eris.Wrapf(model.ErrNoText, "classifier: event %s", event.ID)
	}

	conf, err := c.score(ctx, event.Text)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, eris.Wrapf(model.ErrClassifierUnavailable, "classifier: event %s: %v", event.ID, err)
	}

	return c.record(ctx, event, &conf, "")
}

// score runs the scorer under the rate limiter, circuit breaker and retry
// policy.
func (c *Classifier) score(ctx context.Context, text string) (float64, error) {
	policy := c.cfg.Retry
	if policy.OnRetry == nil {
		policy.OnRetry = resilience.RetryLogger("scorer", c.scorer.Name())
	}
	return resilience.DoVal(ctx, policy, func(ctx context.Context) (float64, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, err
		}
		start := time.Now()
		conf, err := resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) (float64, error) {
			return c.scorer.Score(ctx, text)
		})
		metrics.ScoreSeconds.WithLabelValues(c.scorer.Name()).Observe(time.Since(start).Seconds())
		if err != nil {
			return 0, err
		}
		if math.IsNaN(conf) {
			return 0, eris.New("classifier: scorer returned NaN")
		}
		return clamp01(conf), nil
	})
}

// record applies deduplication and writes the candidate. conf is nil for a
// degraded (unscored) event.
func (c *Classifier) record(ctx context.Context, event model.EngagementEvent, conf *float64, lastErr string) (*Result, error) {
	unlock := c.locks.Lock(event.ActorRef + "\x00" + event.ContentID)
	defer unlock()

	existing, err := c.store.FindCandidate(ctx, event.ActorRef, event.ContentID,
		event.OccurredAt.Add(-c.cfg.Cooldown), event.OccurredAt.Add(c.cfg.Cooldown))
	if err != nil {
		return nil, eris.Wrap(err, "classifier: find duplicate")
	}

	cand := &model.InquiryCandidate{
		InquiryID:  "inq_" + event.ID,
		EventID:    event.ID,
		ContentID:  event.ContentID,
		ActorRef:   event.ActorRef,
		Text:       event.Text,
		Confidence: conf,
		Scorer:     c.scorer.Name(),
		OccurredAt: event.OccurredAt.UTC(),
		CreatedAt:  c.now().UTC(),
	}

	res := &Result{Candidate: cand}
	if existing != nil {
		if !supersedes(conf, existing) {
			return &Result{Candidate: existing, Deduplicated: true}, nil
		}
		cand.InquiryID = existing.InquiryID
		res.Superseded = true
	}

	var kind model.ReviewKind
	switch {
	case conf == nil:
		cand.Tier = model.TierUnscored
		cand.ReviewStatus = model.ReviewPending
		kind = model.ReviewUnscored
	case c.cfg.Thresholds.Borderline(*conf):
		cand.Tier = c.cfg.Thresholds.Tier(*conf)
		cand.ReviewStatus = model.ReviewPending
		kind = model.ReviewBorderline
	default:
		cand.Tier = c.cfg.Thresholds.Tier(*conf)
		cand.ReviewStatus = model.ReviewAutoAccepted
	}

	if err := c.store.SaveCandidate(ctx, cand); err != nil {
		return nil, eris.Wrap(err, "classifier: save candidate")
	}
	metrics.CandidatesTotal.WithLabelValues(string(cand.Tier)).Inc()

	if kind != "" {
		res.Review = true
		if err := c.addReview(ctx, cand, kind, lastErr); err != nil {
			return nil, err
		}
		return res, nil
	}

	if err := c.store.EnqueueAttribution(ctx, cand.InquiryID); err != nil {
		return nil, eris.Wrap(err, "classifier: enqueue attribution")
	}
	return res, nil
}

// supersedes reports whether a new confidence should replace existing. A
// human override always wins, and an unscored event never replaces anything.
func supersedes(conf *float64, existing *model.InquiryCandidate) bool {
	if existing.ReviewStatus == model.ReviewOverridden || conf == nil {
		return false
	}
	if !existing.Scored() {
		return true
	}
	return *conf > *existing.Confidence
}

func (c *Classifier) addReview(ctx context.Context, cand *model.InquiryCandidate, kind model.ReviewKind, lastErr string) error {
	rc, err := json.Marshal(model.ReviewContext{
		Text:       cand.Text,
		Confidence: cand.Confidence,
		Tier:       cand.Tier,
		Signals:    c.explain.Signals(cand.Text),
		Error:      lastErr,
	})
	if err != nil {
		return eris.Wrap(err, "classifier: marshal review context")
	}

	summary := "Borderline " + string(cand.Tier) + " inquiry from " + cand.ActorRef
	if kind == model.ReviewUnscored {
		summary = "Unscored inquiry from " + cand.ActorRef + " (classifier unavailable)"
	}
	item := &model.ReviewItem{
		ID:        uuid.NewString(),
		Kind:      kind,
		RefID:     cand.InquiryID,
		Summary:   summary,
		Context:   rc,
		CreatedAt: c.now().UTC(),
	}
	if err := c.store.AddReviewItem(ctx, item); err != nil {
		return eris.Wrap(err, "classifier: add review item")
	}
	return nil
}

// Degrade routes an event that exhausted its retries to review with a null
// confidence and raises a Degraded-Classifier alert.
func (c *Classifier) Degrade(ctx context.Context, entry resilience.RetryEntry) (*Result, error) {
	event := entry.Event
	event.EnsureID()

	res, err := c.record(ctx, event, nil, entry.Error)
	if err != nil {
		return nil, err
	}

	zap.L().Warn("classifier: event degraded to review",
		zap.String("event_id", event.ID),
		zap.Int("retries", entry.RetryCount),
		zap.String("last_error", entry.Error),
	)
	if c.alerts != nil {
		c.alerts.SendAlerts(ctx, []monitoring.Alert{
			monitoring.DegradedClassifier(event.ID, entry.RetryCount, entry.Error),
		})
	}
	return res, nil
}

// Override records a reviewer's decision as a new candidate version and
// queues the inquiry for attribution. For TierRejected the ledger supersedes
// any record already written with a voided one.
func (c *Classifier) Override(ctx context.Context, inquiryID string, tier model.Tier, note string) (*model.InquiryCandidate, error) {
	cur, err := c.store.GetCandidate(ctx, inquiryID)
	if err != nil {
		return nil, eris.Wrapf(err, "classifier: get candidate %s", inquiryID)
	}
	if _, err := model.ParseTier(string(tier)); err != nil {
		return nil, eris.Wrap(err, "classifier: override")
	}

	next := *cur
	next.Tier = tier
	next.ReviewStatus = model.ReviewOverridden
	next.Note = note
	next.Scorer = "review"
	next.CreatedAt = c.now().UTC()
	if err := c.store.SaveCandidate(ctx, &next); err != nil {
		return nil, eris.Wrap(err, "classifier: save override")
	}

	// Rejection is queued too: the ledger voids any record already written.
	if next.Accepted() || next.Tier == model.TierRejected {
		if err := c.store.EnqueueAttribution(ctx, next.InquiryID); err != nil {
			return nil, eris.Wrap(err, "classifier: enqueue attribution")
		}
	}
	return &next, nil
}

// IsUnavailable reports whether err means the event should be retried later.
func IsUnavailable(err error) bool {
	return errors.Is(err, model.ErrClassifierUnavailable)
}
