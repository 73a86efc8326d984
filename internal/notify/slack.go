package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// SlackNotifier posts notifications to one Slack channel with a bot token.
type SlackNotifier struct {
	client    *slack.Client
	channelID string
	logger    *zap.Logger
}

// NewSlackNotifier creates a Slack notifier. Extra client options (such as
// slack.OptionAPIURL) are passed through.
func NewSlackNotifier(botToken, channelID string, logger *zap.Logger, opts ...slack.Option) *SlackNotifier {
	return &SlackNotifier{
		client:    slack.New(botToken, opts...),
		channelID: channelID,
		logger:    logger,
	}
}

func (s *SlackNotifier) Platform() string { return "slack" }

// Connect verifies the token.
func (s *SlackNotifier) Connect(ctx context.Context) error {
	auth, err := s.client.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	s.logger.Info("slack notifier ready",
		zap.String("team", auth.Team),
		zap.String("channel", s.channelID))
	return nil
}

// Notify posts n as a mrkdwn message.
func (s *SlackNotifier) Notify(ctx context.Context, n *Notification) error {
	_, _, err := s.client.PostMessageContext(ctx, s.channelID,
		slack.MsgOptionText(slackText(n), false),
	)
	if err != nil {
		return fmt.Errorf("slack send: %w", err)
	}
	return nil
}

func slackText(n *Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*[%s] %s*", n.Kind, n.Title)
	if n.Content != "" {
		b.WriteString("\n" + n.Content)
	}
	for _, f := range n.Fields {
		fmt.Fprintf(&b, "\n• %s: %s", f.Name, f.Value)
	}
	return b.String()
}

// Close is a no-op; the web API client holds no connection.
func (s *SlackNotifier) Close() error { return nil }
