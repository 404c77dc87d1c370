package classifier

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadflow/internal/resilience"
	"github.com/sells-group/leadflow/pkg/anthropic"
)

type mockAnthropic struct {
	mock.Mock
}

func (m *mockAnthropic) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func textResponse(s string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{Content: []anthropic.ContentBlock{{Type: "text", Text: s}}}
}

func TestLLMScorer_Score(t *testing.T) {
	mc := new(mockAnthropic)
	mc.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == "claude-haiku-4-5-20251001" &&
			len(req.System) == 1 && req.System[0].CacheControl != nil &&
			req.Messages[0].Content == "Can we talk pricing?" &&
			req.Temperature != nil && *req.Temperature == 0
	})).Return(textResponse(`{"confidence": 0.72}`), nil)

	s := NewLLMScorer(mc, "claude-haiku-4-5-20251001", 0)
	assert.Equal(t, "llm:claude-haiku-4-5-20251001", s.Name())

	conf, err := s.Score(context.Background(), "Can we talk pricing?")
	require.NoError(t, err)
	assert.InDelta(t, 0.72, conf, 1e-9)
	mc.AssertExpectations(t)
}

func TestLLMScorer_NetworkErrorIsTransient(t *testing.T) {
	mc := new(mockAnthropic)
	mc.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("connection reset by peer"))

	_, err := NewLLMScorer(mc, "m", 64).Score(context.Background(), "hello")
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestParseConfidence(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		want    float64
		wantErr bool
	}{
		{"bare", `{"confidence":0.9}`, 0.9, false},
		{"fenced", "```json\n{\"confidence\": 0.1}\n```", 0.1, false},
		{"prose", `Sure. {"confidence": 0} is my answer`, 0, false},
		{"missing", `{"score": 0.5}`, 0, true},
		{"out of range", `{"confidence": 1.5}`, 0, true},
		{"no json", `I think it is an inquiry`, 0, true},
		{"malformed", `{"confidence": }`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseConfidence(tt.reply)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}
