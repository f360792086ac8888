package notify

import (
	"fmt"
	"strconv"
	"time"

	"github.com/hochfrequenz/tbench-runner/internal/config"
	"github.com/hochfrequenz/tbench-runner/internal/domain"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Field is a labelled value shown alongside the message where the channel supports it
type Field struct {
	Name  string
	Value string
}

// Notification represents a notification to be sent
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	TaskID  int64 // Optional task reference
	Fields  []Field
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
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

// FromConfig builds the notifiers enabled in cfg
func FromConfig(cfg config.NotificationsConfig) Notifier {
	var notifiers []Notifier
	if cfg.Desktop {
		notifiers = append(notifiers, NewDesktopNotifier(true))
	}
	if cfg.SlackWebhook != "" {
		notifiers = append(notifiers, NewSlackNotifier(cfg.SlackWebhook))
	}
	if len(notifiers) == 0 {
		return NoopNotifier{}
	}
	return NewMultiNotifier(notifiers...)
}

// TaskCompleted describes a task whose runs have all finished
func TaskCompleted(task *domain.Task) Notification {
	typ := NotifySuccess
	switch {
	case task.PassedRuns == 0:
		typ = NotifyError
	case task.FailedRuns > 0:
		typ = NotifyWarning
	}

	msg := fmt.Sprintf("%d/%d runs passed (%.0f%%)", task.PassedRuns, task.TotalRuns, task.PassRate()*100)
	if task.StartedAt != nil && task.CompletedAt != nil {
		msg += ", took " + task.CompletedAt.Sub(*task.StartedAt).Round(time.Second).String()
	}

	fields := []Field{
		{Name: "Agent", Value: task.Agent},
		{Name: "Passed", Value: strconv.Itoa(task.PassedRuns)},
		{Name: "Failed", Value: strconv.Itoa(task.FailedRuns)},
	}
	if task.Model != "" {
		fields = append(fields, Field{Name: "Model", Value: task.Model})
	}

	return Notification{
		Title:   fmt.Sprintf("Task %q completed", task.Name),
		Message: msg,
		Type:    typ,
		TaskID:  task.ID,
		Fields:  fields,
	}
}
