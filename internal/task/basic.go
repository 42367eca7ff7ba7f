package task

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/hochfrequenz/testbed-orchestrator/internal/notify"
)

// StopMilestone is the milestone that tells a long-running task to stop
func StopMilestone(name string) string {
	return "STOP_" + name
}

func parseSeverity(name string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO", "":
		return slog.LevelInfo, nil
	case "WARNING", "WARN":
		return slog.LevelWarn, nil
	case "ERROR", "CRITICAL":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown severity %q", name)
	}
}

func message(_ context.Context, t *Task) error {
	level, err := parseSeverity(t.Params.String("Severity"))
	if err != nil {
		t.Log(slog.LevelWarn, "%v, using INFO", err)
	}
	t.Log(level, "%s", t.Params.String("Message"))
	if verdict := t.Params.String("Verdict"); verdict != "" {
		if v, ok := t.VerdictFromName(verdict); ok {
			t.Verdict = v
		}
	}
	return nil
}

func delay(ctx context.Context, t *Task) error {
	d := t.Params.Seconds("Time")
	t.Log(slog.LevelInfo, "Waiting for %s", d)
	if err := Sleep(ctx, d); err != nil {
		t.Log(slog.LevelInfo, "Delay interrupted")
		return err
	}
	return nil
}

var publishReserved = map[string]bool{
	"VerdictOnError": true,
	ConditionParam:   true,
}

func publish(_ context.Context, t *Task) error {
	keys := make([]string, 0, len(t.Params))
	for k := range t.Params {
		if !publishReserved[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		t.Publish(k, t.Params[k])
	}
	return nil
}

func addMilestone(_ context.Context, t *Task) error {
	name := t.Params.String("Milestone")
	t.host.AddMilestone(name)
	t.Log(slog.LevelInfo, "Milestone '%s' added", name)
	return nil
}

// waitForMilestone polls until the milestone is recorded. A timeout applies
// the error verdict but does not fail the stage.
func waitForMilestone(ctx context.Context, t *Task) error {
	name := t.Params.String("Milestone")
	timeout := t.Params.Seconds("Timeout")
	interval := t.Params.Seconds("Interval")
	if interval <= 0 {
		interval = t.host.Services().milestonePoll()
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	t.Log(slog.LevelInfo, "Waiting for milestone '%s'", name)
	for !t.host.ReadMilestone(name) {
		if !deadline.IsZero() && time.Now().After(deadline) {
			t.fail("Milestone '%s' not reached after %s", name, timeout)
			return nil
		}
		if err := Sleep(ctx, interval); err != nil {
			return err
		}
	}
	t.Log(slog.LevelInfo, "Milestone '%s' reached", name)
	return nil
}

func stopTask(_ context.Context, t *Task) error {
	name := t.Params.String("Name")
	t.host.AddMilestone(StopMilestone(name))
	t.Log(slog.LevelInfo, "Stop requested for task '%s'", name)
	return nil
}

func sendNotification(_ context.Context, t *Task) error {
	services := t.host.Services()
	if services == nil || services.Notifier == nil {
		t.Log(slog.LevelWarn, "Notifications are not configured, skipping")
		return nil
	}
	typ := notify.NotifyInfo
	switch strings.ToLower(t.Params.String("Type")) {
	case "success":
		typ = notify.NotifySuccess
	case "warning":
		typ = notify.NotifyWarning
	case "error":
		typ = notify.NotifyError
	}
	n := notify.Notification{
		Title:       ExpandString(t.Params.String("Title"), t.host, nil),
		Message:     t.Params.String("Message"),
		Type:        typ,
		ExecutionID: t.host.ExecutionID(),
	}
	if err := services.Notifier.Send(n); err != nil {
		t.fail("Could not send notification: %v", err)
	}
	return nil
}
