package notify

import (
	"context"
	"log/slog"
	"testing"

	"github.com/guardant/guardant/pkg/incident"
)

func TestSlackDisabledWithoutToken(t *testing.T) {
	s := NewSlack("", "#alerts", slog.Default())
	if s.IsEnabled() {
		t.Fatal("notifier without a bot token must be disabled")
	}
	if err := s.NotifyIncidentOpened(context.Background(), "nest_acme", incident.Response{}); err != nil {
		t.Fatalf("disabled notifier must no-op, got error: %v", err)
	}
}

func TestSlackDisabledWithoutChannel(t *testing.T) {
	s := NewSlack("xoxb-fake", "", slog.Default())
	if s.IsEnabled() {
		t.Fatal("notifier without a channel must be disabled")
	}
}

func TestSeverityEmoji(t *testing.T) {
	cases := map[string]string{"critical": "🔴", "major": "🟠", "minor": "🟡", "": "🟡"}
	for sev, want := range cases {
		if got := severityEmoji(sev); got != want {
			t.Errorf("severityEmoji(%q) = %q, want %q", sev, got, want)
		}
	}
}
