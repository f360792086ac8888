package notify

import (
	"context"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// desktopTimeout bounds a notification helper that hangs, e.g. without a session bus
const desktopTimeout = 5 * time.Second

// DesktopNotifier shows notifications through osascript (macOS) or notify-send (Linux).
// Other platforms are silently skipped.
type DesktopNotifier struct {
	enabled bool
}

// NewDesktopNotifier creates a desktop notifier
func NewDesktopNotifier(enabled bool) *DesktopNotifier {
	return &DesktopNotifier{enabled: enabled}
}

// Send shows n on the local desktop
func (d *DesktopNotifier) Send(n Notification) error {
	if !d.enabled {
		return nil
	}
	argv := desktopCommand(runtime.GOOS, n)
	if argv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), desktopTimeout)
	defer cancel()
	return exec.CommandContext(ctx, argv[0], argv[1:]...).Run()
}

// desktopCommand returns the helper invocation for goos, nil if unsupported
func desktopCommand(goos string, n Notification) []string {
	switch goos {
	case "darwin":
		script := "display notification " + appleQuote(n.Message) + " with title " + appleQuote(n.Title)
		return []string{"osascript", "-e", script}
	case "linux":
		return []string{"notify-send", "--app-name=tbench-runner", "--icon", IconForType(n.Type), n.Title, n.Message}
	}
	return nil
}

// appleQuote renders s as an AppleScript string literal
func appleQuote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

// IconForType returns a freedesktop icon name for the notification type
func IconForType(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "dialog-positive"
	case NotifyWarning:
		return "dialog-warning"
	case NotifyError:
		return "dialog-error"
	}
	return "dialog-information"
}
