// Package notification is the severity-filtered, pluggable out-of-band
// status channel. Transport failures never propagate to callers.
package notification

import (
	"context"
	"log"
)

// Severity bands. Anything below a notifier's MinSeverity is dropped.
const (
	SeverityInfo     = 30
	SeverityWarn     = 50
	SeverityCritical = 80

	// SeveritySummary is the level of end-of-run summaries.
	SeveritySummary = 80
)

// Notifier is one transport variant (console, chat webhook, ...). Each
// variant declares the minimum severity it cares about.
type Notifier interface {
	Name() string
	MinSeverity() int
	Send(ctx context.Context, message string) error
}

// Service fans a notification out to every registered variant whose
// threshold admits it.
type Service struct {
	notifiers []Notifier
}

func NewService(notifiers ...Notifier) *Service {
	return &Service{notifiers: notifiers}
}

// Notify delivers the message at the given severity (0..100). Errors from
// transports are logged and swallowed; notification must never fail a sync.
func (s *Service) Notify(ctx context.Context, message string, severity int) {
	if severity < 0 {
		severity = 0
	}
	if severity > 100 {
		severity = 100
	}

	for _, n := range s.notifiers {
		if severity < n.MinSeverity() {
			continue
		}

		if err := n.Send(ctx, message); err != nil {
			log.Printf("⚠️  notifier %s failed (severity %d): %v", n.Name(), severity, err)
		}
	}
}

// NotifySuccess reports a successful outcome at info level.
func (s *Service) NotifySuccess(ctx context.Context, message string) {
	s.Notify(ctx, message, SeverityInfo)
}

// NotifyError reports a failure at critical level.
func (s *Service) NotifyError(ctx context.Context, message string) {
	s.Notify(ctx, message, SeverityCritical)
}

// NotifySummary emits the end-of-run summary.
func (s *Service) NotifySummary(ctx context.Context, message string) {
	s.Notify(ctx, message, SeveritySummary)
}

// LogNotifier writes notifications to the process log.
type LogNotifier struct {
	Min int
}

func (n *LogNotifier) Name() string     { return "log" }
func (n *LogNotifier) MinSeverity() int { return n.Min }

func (n *LogNotifier) Send(_ context.Context, message string) error {
	log.Printf("📣 %s", message)
	return nil
}

// MockNotifier records messages for tests.
type MockNotifier struct {
	Min      int
	Messages []string
	Err      error
}

func (n *MockNotifier) Name() string     { return "mock" }
func (n *MockNotifier) MinSeverity() int { return n.Min }

func (n *MockNotifier) Send(_ context.Context, message string) error {
	if n.Err != nil {
		return n.Err
	}
	n.Messages = append(n.Messages, message)
	return nil
}
