package notify

import (
	"os/exec"
	"runtime"
	"strconv"
)

// DesktopNotifier pops up a notice for the operator running the CLI. It is a
// no-op on systems without a notification command.
type DesktopNotifier struct {
	enabled bool
	goos    string
	run     func(name string, args ...string) error
}

// NewDesktopNotifier creates a desktop notifier
func NewDesktopNotifier(enabled bool) *DesktopNotifier {
	return &DesktopNotifier{
		enabled: enabled,
		goos:    runtime.GOOS,
		run: func(name string, args ...string) error {
			if _, err := exec.LookPath(name); err != nil {
				return nil
			}
			return exec.Command(name, args...).Run()
		},
	}
}

// Send shows the notification
func (d *DesktopNotifier) Send(n Notification) error {
	if !d.enabled {
		return nil
	}
	name, args, ok := desktopCommand(d.goos, n)
	if !ok {
		return nil
	}
	return d.run(name, args...)
}

// desktopCommand returns the command that displays n on goos
func desktopCommand(goos string, n Notification) (string, []string, bool) {
	body := n.Message
	if body == "" && n.Total > 0 {
		body = n.Summary()
	}
	switch goos {
	case "darwin":
		script := `display notification ` + strconv.Quote(body) + ` with title ` + strconv.Quote(n.Title)
		if n.BatchID != "" {
			script += ` subtitle ` + strconv.Quote("batch "+n.BatchID)
		}
		return "osascript", []string{"-e", script}, true
	case "linux":
		urgency := "normal"
		if n.Type == NotifyError {
			urgency = "critical"
		}
		return "notify-send", []string{"-u", urgency, "-i", IconForType(n.Type), n.Title, body}, true
	default:
		return "", nil, false
	}
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
	default:
		return "dialog-information"
	}
}
