// Package notify implements internal/cycle.Notifier over Slack, posting
// one message per task-level event (ready-for-merge, completed, failed,
// iteration warning) to a configured channel.
package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/forgepilot/forgepilot/internal/cycle"
	"github.com/forgepilot/forgepilot/internal/logging"
)

// Config holds the Slack destination for task notifications.
type Config struct {
	Token   string
	Channel string
}

// Notifier posts cycle.Event notifications to Slack.
type Notifier struct {
	client  *slack.Client
	channel string
	log     *logging.Logger
}

// New creates a Notifier. A zero Config.Token yields a Notifier whose
// methods are no-ops, so a daemon run without Slack configured degrades
// to silent logging instead of failing to start.
func New(cfg Config, log *logging.Logger) *Notifier {
	if log == nil {
		log = logging.NewNop()
	}
	var client *slack.Client
	if cfg.Token != "" {
		client = slack.New(cfg.Token)
	}
	return &Notifier{client: client, channel: cfg.Channel, log: log}
}

func (n *Notifier) post(ctx context.Context, emoji, headline string, ev cycle.Event) error {
	if n.client == nil {
		n.log.With("task_id", ev.TaskID).Info("notification suppressed: no Slack token configured", "headline", headline)
		return nil
	}

	text := fmt.Sprintf("%s *%s*\n%s", emoji, headline, summarize(ev))
	_, _, err := n.client.PostMessageContext(ctx, n.channel, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("posting slack notification: %w", err)
	}
	return nil
}

func summarize(ev cycle.Event) string {
	s := fmt.Sprintf("task: %s (%s)\nmode: %s\niteration: %d", ev.TaskID, ev.TaskTitle, ev.Mode, ev.Iteration)
	if ev.PRNumber != nil {
		s += fmt.Sprintf("\nPR: #%d", *ev.PRNumber)
	}
	if ev.ReviewScore != nil {
		s += fmt.Sprintf("\nreview score: %.2f", *ev.ReviewScore)
	}
	if ev.Error != "" {
		s += fmt.Sprintf("\nerror: %s", ev.Error)
	}
	return s
}

// NotifyReadyForMerge reports that a semi-auto task is awaiting human
// approval to merge.
func (n *Notifier) NotifyReadyForMerge(ctx context.Context, ev cycle.Event) error {
	return n.post(ctx, ":large_yellow_circle:", "ready for merge, awaiting approval", ev)
}

// NotifyCompleted reports that a task's cycle merged successfully.
func (n *Notifier) NotifyCompleted(ctx context.Context, ev cycle.Event) error {
	return n.post(ctx, ":large_green_circle:", "task completed", ev)
}

// NotifyFailed reports that a task's cycle exhausted its budget or hit
// an unrecoverable error.
func (n *Notifier) NotifyFailed(ctx context.Context, ev cycle.Event) error {
	return n.post(ctx, ":red_circle:", "task failed", ev)
}

// NotifyWarning reports a non-fatal concern, such as a high iteration
// count, alongside message.
func (n *Notifier) NotifyWarning(ctx context.Context, ev cycle.Event, message string) error {
	return n.post(ctx, ":warning:", "warning: "+message, ev)
}
