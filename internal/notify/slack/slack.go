// Package slack announces created and resolved incidents on a Slack
// incoming webhook.
package slack

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/slack-go/slack"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/ekarasync/internal/incident"
)

const (
	maxDescriptionLen = 2000
	httpTimeout       = 10 * time.Second
)

// Notifier posts incident events to a Slack webhook. It implements
// incident.Notifier.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, Notify is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout:   httpTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

// Notify posts ev to the configured webhook.
func (n *Notifier) Notify(ctx context.Context, ev incident.Event) error {
	if n.webhookURL == "" || ev.Record == nil {
		return nil
	}

	if err := slack.PostWebhookCustomHTTPContext(ctx, n.webhookURL, n.client, buildMessage(ev)); err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	n.logger.Info(ctx, "slack notification sent",
		"kind", string(ev.Kind),
		"incident_number", ev.Record.Number,
	)
	return nil
}

func buildMessage(ev incident.Event) *slack.WebhookMessage {
	rec := ev.Record
	return &slack.WebhookMessage{
		Text: fallbackText(ev),
		Blocks: &slack.Blocks{BlockSet: []slack.Block{
			headerBlock(ev),
			slack.NewDividerBlock(),
			fieldsBlock(ev),
			descriptionBlock(rec),
			contextBlock(rec),
		}},
	}
}

func title(kind incident.EventKind) (emoji, verb string) {
	if kind == incident.EventResolved {
		return "\U0001f7e2", "Resolved" // green circle
	}
	return "\U0001f534", "Opened" // red circle
}

func fallbackText(ev incident.Event) string {
	_, verb := title(ev.Kind)
	return fmt.Sprintf("Incident %s %s: %s", ev.Record.Number, verb, ev.Record.ShortDescription)
}

func headerBlock(ev incident.Event) *slack.HeaderBlock {
	emoji, verb := title(ev.Kind)
	text := fmt.Sprintf("%s Incident %s: %s", emoji, verb, ev.Record.Number)
	return slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, text, true, false))
}

func fieldsBlock(ev incident.Event) *slack.SectionBlock {
	rec := ev.Record
	scenario := ev.Scenario
	if scenario == "" {
		scenario = "_not provided_"
	}
	fields := []*slack.TextBlockObject{
		mrkdwn("*Scenario:* %s", scenario),
		mrkdwn("*State:* %s", rec.State),
		mrkdwn("*Alert ID:* `%s`", rec.AlertID),
		mrkdwn("*Table:* %s", rec.Table),
	}
	if ev.Application != "" {
		fields = append(fields, mrkdwn("*Application:* %s", ev.Application))
	}
	if ev.Kind == incident.EventResolved && rec.CloseNotes != "" {
		fields = append(fields, mrkdwn("*Close notes:* %s", rec.CloseNotes))
	}
	return slack.NewSectionBlock(nil, fields, nil)
}

func descriptionBlock(rec *incident.Record) *slack.SectionBlock {
	text := truncate(rec.Description, maxDescriptionLen)
	if text == "" {
		text = "_No alert details._"
	} else {
		text = "```" + text + "```"
	}
	return slack.NewSectionBlock(mrkdwn("*Alert*\n%s", text), nil, nil)
}

func contextBlock(rec *incident.Record) *slack.ContextBlock {
	ts := rec.CreatedAt
	if rec.ClosedAt != nil {
		ts = *rec.ClosedAt
	}
	return slack.NewContextBlock("",
		mrkdwn("ekarasync • %s • %s", rec.Number, ts.UTC().Format("2006-01-02 15:04 UTC")),
	)
}

func mrkdwn(format string, args ...any) *slack.TextBlockObject {
	return slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf(format, args...), false, false)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
