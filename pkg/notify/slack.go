// Package notify implements outbound incident notifications: a single
// Slack message posted when the aggregator opens an incident, without the
// acknowledge/escalate buttons, modals, or knowledge-base search a fuller
// on-call integration would carry.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"

	"github.com/guardant/guardant/pkg/incident"
)

// Slack posts incident notifications to a single configured channel.
type Slack struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewSlack creates a Slack notifier. If botToken is empty the notifier is a
// no-op, so a nest can run without Slack configured at all.
func NewSlack(botToken, channel string, logger *slog.Logger) *Slack {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Slack{client: client, channel: channel, logger: logger}
}

// IsEnabled reports whether this notifier has a usable client and channel.
func (s *Slack) IsEnabled() bool {
	return s.client != nil && s.channel != ""
}

// NotifyIncidentOpened posts a message when the aggregator opens an
// incident, satisfying pkg/ingest.Notifier.
func (s *Slack) NotifyIncidentOpened(ctx context.Context, nestSchema string, inc incident.Response) error {
	if !s.IsEnabled() {
		s.logger.Debug("slack notifier disabled, skipping incident post", "incident_id", inc.ID)
		return nil
	}

	blocks := incidentOpenedBlocks(nestSchema, inc)
	opts := []goslack.MsgOption{
		goslack.MsgOptionBlocks(blocks...),
		goslack.MsgOptionText(fmt.Sprintf("%s incident opened: %s", severityEmoji(inc.Severity), inc.ID), false),
	}

	_, ts, err := s.client.PostMessageContext(ctx, s.channel, opts...)
	if err != nil {
		return fmt.Errorf("posting incident to slack: %w", err)
	}

	s.logger.Info("posted incident to slack", "incident_id", inc.ID, "nest_schema", nestSchema, "ts", ts)
	return nil
}

func incidentOpenedBlocks(nestSchema string, inc incident.Response) []goslack.Block {
	header := goslack.NewHeaderBlock(
		goslack.NewTextBlockObject(goslack.PlainTextType,
			fmt.Sprintf("%s Incident opened (%s)", severityEmoji(inc.Severity), inc.Severity), true, false),
	)

	fields := []*goslack.TextBlockObject{
		goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Nest:* %s", nestSchema), false, false),
		goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Services:* %d affected", len(inc.AffectedServiceIDs)), false, false),
		goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Started:* %s", inc.StartedAt.Format("15:04:05 MST")), false, false),
	}
	section := goslack.NewSectionBlock(nil, fields, nil)

	return []goslack.Block{header, section}
}

func severityEmoji(severity string) string {
	switch severity {
	case "critical":
		return "🔴"
	case "major":
		return "🟠"
	default:
		return "🟡"
	}
}
