package classifier

import (
	"context"
	"encoding/json"
	"math"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leadflow/internal/resilience"
	"github.com/sells-group/leadflow/pkg/anthropic"
)

const llmSystemPrompt = `You review comments and direct messages left on a consulting firm's social media posts.
Estimate the probability that the author is asking to buy, scope, or discuss a paid consulting engagement.
Praise, generic questions about the post, job seeking, and self-promotion are not inquiries.
Respond with a single JSON object and nothing else: {"confidence": <number between 0 and 1>}`

// LLMScorer asks an Anthropic model for the inquiry probability.
type LLMScorer struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewLLMScorer creates a scorer backed by client.
func NewLLMScorer(client anthropic.Client, model string, maxTokens int) *LLMScorer {
	if maxTokens <= 0 {
		maxTokens = 64
	}
	return &LLMScorer{client: client, model: model, maxTokens: int64(maxTokens)}
}

// Name implements Scorer.
func (s *LLMScorer) Name() string { return "llm:" + s.model }

// Score implements Scorer. API failures with retryable status codes (and
// network errors, which have none) are returned as transient errors.
func (s *LLMScorer) Score(ctx context.Context, text string) (float64, error) {
	temp := 0.0
	resp, err := s.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       s.model,
		MaxTokens:   s.maxTokens,
		System:      anthropic.BuildCachedSystemBlocks(llmSystemPrompt),
		Messages:    []anthropic.Message{{Role: "user", Content: text}},
		Temperature: &temp,
	})
	if err != nil {
		status := anthropic.StatusCode(err)
		if status == 0 || resilience.IsTransientHTTPStatus(status) {
			return 0, resilience.NewTransientError(err, status)
		}
		return 0, eris.Wrap(err, "classifier: llm score")
	}
	resp.Usage.LogCost(s.model, "classify")

	return parseConfidence(resp.Text())
}

// parseConfidence extracts {"confidence": x} from a model reply, tolerating
// prose or code fences around the object.
func parseConfidence(reply string) (float64, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return 0, eris.Errorf("classifier: no JSON object in model reply %q", truncate(reply, 80))
	}

	var out struct {
		Confidence *float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(reply[start:end+1]), &out); err != nil {
		return 0, eris.Wrap(err, "classifier: decode model reply")
	}
	if out.Confidence == nil {
		return 0, eris.New("classifier: model reply missing confidence")
	}
	c := *out.Confidence
	if math.IsNaN(c) || c < 0 || c > 1 {
		return 0, eris.Errorf("classifier: model confidence %v out of range", c)
	}
	return c, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
