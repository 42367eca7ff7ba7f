package experiment

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// DefaultEvictPackages are stopped on the device when its execution is
// cancelled
var DefaultEvictPackages = []string{"com.testbed.agent", "com.testbed.iperf"}

// ADBEvictor force-stops test applications on an Android device through adb
type ADBEvictor struct {
	Binary   string
	Packages []string
	Logger   *slog.Logger
}

// Evict force-stops every configured package on the device. All packages
// are attempted; the first failure is returned.
func (e *ADBEvictor) Evict(ctx context.Context, deviceID string) error {
	binary := e.Binary
	if binary == "" {
		binary = "adb"
	}
	packages := e.Packages
	if len(packages) == 0 {
		packages = DefaultEvictPackages
	}
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var first error
	for _, pkg := range packages {
		cmd := exec.CommandContext(ctx, binary, "-s", deviceID, "shell", "am", "force-stop", pkg)
		out, err := cmd.CombinedOutput()
		if err != nil {
			logger.Warn("evict failed", "device", deviceID, "package", pkg, "error", err,
				"output", strings.TrimSpace(string(out)))
			if first == nil {
				first = fmt.Errorf("evict %s on %s: %w", pkg, deviceID, err)
			}
			continue
		}
		logger.Info("evicted application", "device", deviceID, "package", pkg)
	}
	return first
}
