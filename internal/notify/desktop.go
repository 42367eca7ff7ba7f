package notify

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"time"
)

const desktopTimeout = 5 * time.Second

// DesktopNotifier pops up a notification on the operator's workstation
type DesktopNotifier struct {
	enabled bool
	goos    string
}

// NewDesktopNotifier creates a desktop notifier for the running OS
func NewDesktopNotifier(enabled bool) *DesktopNotifier {
	return &DesktopNotifier{enabled: enabled, goos: runtime.GOOS}
}

// Send runs the platform notifier; unsupported platforms are a no-op
func (d *DesktopNotifier) Send(n Notification) error {
	if !d.enabled {
		return nil
	}
	name, args, ok := desktopCommand(d.goos, n)
	if !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), desktopTimeout)
	defer cancel()
	if out, err := exec.CommandContext(ctx, name, args...).CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, out)
	}
	return nil
}

// desktopCommand returns the command line that shows n on goos
func desktopCommand(goos string, n Notification) (string, []string, bool) {
	body := n.Message
	if n.URL != "" {
		body += "\n" + n.URL
	}
	switch goos {
	case "darwin":
		script := fmt.Sprintf("display notification %q with title %q", body, n.Title)
		return "osascript", []string{"-e", script}, true
	case "linux":
		return "notify-send", []string{
			"-a", "testbed-orch",
			"-u", urgencyForType(n.Type),
			"-i", IconForType(n.Type),
			n.Title, body,
		}, true
	default:
		return "", nil, false
	}
}

func urgencyForType(t NotificationType) string {
	switch t {
	case NotifyError:
		return "critical"
	case NotifyInfo:
		return "low"
	default:
		return "normal"
	}
}

// IconForType returns the freedesktop icon name for a notification type
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
