// Package notify announces batch results to operators.
package notify

import (
	"errors"
	"fmt"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Failure is one target that did not succeed
type Failure struct {
	TargetID string
	Error    string
}

// Notification is a batch completion notice
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	BatchID string
	Link    string // where the batch state can be fetched

	Processed int
	Total     int
	Failures  []Failure
}

// Summary renders the counts as "processed/total processed, n failed"
func (n Notification) Summary() string {
	return fmt.Sprintf("%d/%d processed, %d failed", n.Processed, n.Total, len(n.Failures))
}

// Notifier delivers notifications
type Notifier interface {
	Send(n Notification) error
}

// MultiNotifier fans a notification out to several notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send delivers to every notifier, even when an earlier one fails
func (m *MultiNotifier) Send(n Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NoopNotifier discards notifications
type NoopNotifier struct{}

func (NoopNotifier) Send(Notification) error { return nil }
