package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/slack-go/slack"

	"github.com/sells-group/leadflow/internal/model"
	"github.com/sells-group/leadflow/internal/resilience"
)

// slackPoster is the part of *slack.Client the sink uses.
type slackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackSink posts the alert to a Slack channel.
type SlackSink struct {
	api     slackPoster
	channel string
}

// NewSlackSink creates a SlackSink authenticated with a bot token.
func NewSlackSink(token, channel string, opts ...slack.Option) *SlackSink {
	return &SlackSink{api: slack.New(token, opts...), channel: channel}
}

func (s *SlackSink) Name() string { return "slack" }

func (s *SlackSink) Send(ctx context.Context, alert model.LeadAlert) error {
	text := Summary(alert)
	_, _, err := s.api.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionBlocks(slackBlocks(alert, text)...),
	)
	if err == nil {
		return nil
	}

	var rl *slack.RateLimitedError
	if errors.As(err, &rl) {
		return resilience.NewTransientError(eris.Wrap(err, "slack: rate limited"), 429)
	}
	var se slack.StatusCodeError
	if errors.As(err, &se) && resilience.IsTransientHTTPStatus(se.Code) {
		return resilience.NewTransientError(eris.Wrap(err, "slack: post message"), se.Code)
	}
	return eris.Wrap(err, "slack: post message")
}

func slackBlocks(alert model.LeadAlert, summary string) []slack.Block {
	header := slack.NewSectionBlock(
		slack.NewTextBlockObject(slack.MarkdownType, "*"+summary+"*", false, false), nil, nil)

	fields := []*slack.TextBlockObject{
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Tier*\n%s", alert.Tier), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Estimated value*\n$%.0f", alert.EstimatedValue), false, false),
	}
	if alert.ActorRef != "" {
		fields = append(fields, slack.NewTextBlockObject(slack.MarkdownType, "*Actor*\n"+alert.ActorRef, false, false))
	}
	if len(alert.AttributedContentIDs) > 0 {
		fields = append(fields, slack.NewTextBlockObject(slack.MarkdownType,
			"*Content*\n"+strings.Join(alert.AttributedContentIDs, ", "), false, false))
	}
	blocks := []slack.Block{header, slack.NewSectionBlock(nil, fields, nil)}

	if alert.Text != "" {
		blocks = append(blocks, slack.NewContextBlock("",
			slack.NewTextBlockObject(slack.PlainTextType, truncate(alert.Text, 280), false, false)))
	}
	return blocks
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
