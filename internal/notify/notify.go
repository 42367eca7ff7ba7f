// Package notify sends end-of-execution notifications.
package notify

import (
	"fmt"

	"github.com/hochfrequenz/testbed-orchestrator/internal/config"
	"github.com/hochfrequenz/testbed-orchestrator/internal/domain"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification represents a notification to be sent
type Notification struct {
	Title       string
	Message     string
	Type        NotificationType
	ExecutionID domain.ExecutionID // Optional execution reference
	URL         string             // Optional dashboard or archive link
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// TypeForVerdict maps a verdict onto a notification severity
func TypeForVerdict(v domain.Verdict) NotificationType {
	switch v {
	case domain.VerdictPass:
		return NotifySuccess
	case domain.VerdictInconclusive, domain.VerdictCancel:
		return NotifyWarning
	case domain.VerdictFail, domain.VerdictError:
		return NotifyError
	default:
		return NotifyInfo
	}
}

// ExecutionFinished builds the notification sent when an execution ends
func ExecutionFinished(id domain.ExecutionID, status domain.CoarseStatus, verdict domain.Verdict) Notification {
	typ := TypeForVerdict(verdict)
	if status == domain.CoarseErrored {
		typ = NotifyError
	}
	return Notification{
		Title:       fmt.Sprintf("Execution %d %s", id, status),
		Message:     fmt.Sprintf("Execution %d ended with status %s (verdict: %s)", id, status, verdict),
		Type:        typ,
		ExecutionID: id,
	}
}

// New builds the notifier described by the configuration
func New(cfg config.NotificationsConfig) Notifier {
	var notifiers []Notifier
	if cfg.Desktop {
		notifiers = append(notifiers, NewDesktopNotifier(true))
	}
	if cfg.SlackWebhook != "" {
		notifiers = append(notifiers, NewSlackNotifier(cfg.SlackWebhook))
	}
	switch len(notifiers) {
	case 0:
		return NoopNotifier{}
	case 1:
		return notifiers[0]
	default:
		return NewMultiNotifier(notifiers...)
	}
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers
func (m *MultiNotifier) Send(n Notification) error {
	var lastErr error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(n Notification) error { return nil }
