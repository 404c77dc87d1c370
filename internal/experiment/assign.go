package experiment

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadflow/internal/metrics"
	"github.com/sells-group/leadflow/internal/model"
)

// ErrNotRunning is returned when content is assigned to an experiment that
// is not accepting assignments.
var ErrNotRunning = eris.New("experiment is not running")

// ErrUnknownVariant is returned when a scheduled variant tag is not one of
// the experiment's variants.
var ErrUnknownVariant = eris.New("unknown variant")

// AssignRequest asks for a variant for one content piece.
type AssignRequest struct {
	ExperimentID string
	ContentID    string
	// Segment is the audience segment, used by the segment method.
	Segment string
	// VariantTag is set when the scheduling system already chose the
	// variant. It overrides the experiment's method.
	VariantTag string
}

// Assign picks and stores the variant of one content piece. It returns
// model.ErrAssignmentConflict when the content is already assigned; callers
// that can tolerate that use AssignOrGet.
func (e *Engine) Assign(ctx context.Context, req AssignRequest) (*model.ExperimentAssignment, error) {
	if strings.TrimSpace(req.ContentID) == "" {
		return nil, eris.New("experiment: content_id is required")
	}
	exp, err := e.Get(ctx, req.ExperimentID)
	if err != nil {
		return nil, err
	}
	if exp.Status != model.ExperimentRunning {
		return nil, eris.Wrapf(ErrNotRunning, "experiment %s is %s", exp.ID, exp.Status)
	}

	// Round-robin position is read from the store, so the count and the
	// insert must not interleave with another writer of the same experiment.
	if exp.AssignmentMethod == model.AssignRoundRobin && req.VariantTag == "" {
		unlock := e.sequences.Lock(exp.ID)
		defer unlock()
	}

	variant, method, err := e.pick(ctx, exp, req)
	if err != nil {
		return nil, err
	}

	a := model.ExperimentAssignment{
		ContentID:    req.ContentID,
		ExperimentID: exp.ID,
		Variant:      variant,
		Method:       method,
		Segment:      req.Segment,
		AssignedAt:   e.now().UTC(),
	}
	if err := e.store.InsertAssignment(ctx, a); err != nil {
		if errors.Is(err, model.ErrAssignmentConflict) {
			return nil, err
		}
		return nil, eris.Wrap(err, "experiment: insert assignment")
	}
	metrics.Assignments.WithLabelValues(string(method)).Inc()
	zap.L().Debug("experiment: assigned",
		zap.String("experiment_id", exp.ID),
		zap.String("content_id", req.ContentID),
		zap.String("variant", variant),
		zap.String("method", string(method)),
	)
	return &a, nil
}

// AssignOrGet returns the existing assignment of the content piece, or
// assigns one. A lost insert race is resolved by re-reading the winner's
// assignment, so concurrent callers always agree on the variant.
func (e *Engine) AssignOrGet(ctx context.Context, req AssignRequest) (*model.ExperimentAssignment, error) {
	for attempt := 0; attempt < 2; attempt++ {
		existing, err := e.store.GetAssignment(ctx, req.ContentID)
		switch {
		case err == nil:
			if existing.ExperimentID != req.ExperimentID {
				return nil, eris.Wrapf(model.ErrAssignmentConflict,
					"experiment: content %s already belongs to experiment %s", req.ContentID, existing.ExperimentID)
			}
			return existing, nil
		case !errors.Is(err, model.ErrNotFound):
			return nil, eris.Wrap(err, "experiment: get assignment")
		}

		a, err := e.Assign(ctx, req)
		if errors.Is(err, model.ErrAssignmentConflict) {
			continue
		}
		return a, err
	}
	return nil, eris.Wrapf(model.ErrAssignmentConflict, "experiment: content %s", req.ContentID)
}

func (e *Engine) pick(ctx context.Context, exp *model.Experiment, req AssignRequest) (string, model.AssignmentMethod, error) {
	names := exp.VariantNames()
	if len(names) == 0 {
		return "", "", eris.Errorf("experiment %s: no variants", exp.ID)
	}

	if req.VariantTag != "" {
		if _, ok := exp.Variant(req.VariantTag); !ok {
			return "", "", eris.Wrapf(ErrUnknownVariant, "experiment %s: variant tag %q", exp.ID, req.VariantTag)
		}
		return req.VariantTag, model.AssignScheduled, nil
	}

	switch exp.AssignmentMethod {
	case model.AssignRandom:
		return names[bucket(exp.ID+"\x00"+req.ContentID, len(names))], model.AssignRandom, nil

	case model.AssignRoundRobin:
		// Sequence position comes from the store, not a process counter.
		n, err := e.store.CountAssignments(ctx, exp.ID)
		if err != nil {
			return "", "", eris.Wrap(err, "experiment: count assignments")
		}
		return names[n%len(names)], model.AssignRoundRobin, nil

	case model.AssignSegment:
		if req.Segment == "" {
			return "", "", eris.Errorf("experiment %s: segment assignment needs a segment", exp.ID)
		}
		if v, ok := exp.SegmentMap[req.Segment]; ok {
			if _, known := exp.Variant(v); !known {
				return "", "", eris.Errorf("experiment %s: segment %q maps to unknown variant %q", exp.ID, req.Segment, v)
			}
			return v, model.AssignSegment, nil
		}
		return names[bucket(exp.ID+"\x00segment\x00"+req.Segment, len(names))], model.AssignSegment, nil

	default:
		return "", "", eris.Errorf("experiment %s: unknown assignment method %q", exp.ID, exp.AssignmentMethod)
	}
}

// bucket hashes key into [0, n). Keys are usually sequential ids, so the
// hash must mix every input byte into the bits the modulo keeps.
func bucket(key string, n int) int {
	sum := sha256.Sum256([]byte(key))
	return int(binary.BigEndian.Uint64(sum[:8]) % uint64(n))
}
