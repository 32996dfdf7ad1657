package slack

import (
	"context"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"
)

// SlackAPI abstracts the subset of slack.Client methods used by the
// transport. This allows tests to substitute a mock implementation without
// a live Slack connection.
type SlackAPI interface {
	AuthTest() (response *slack.AuthTestResponse, err error)
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	GetUserInfoContext(ctx context.Context, userID string) (*slack.User, error)
}

// socketClient is the part of socketmode.Client the transport drives.
type socketClient interface {
	RunContext(ctx context.Context) error
	Ack(req socketmode.Request, payload ...interface{})
}
