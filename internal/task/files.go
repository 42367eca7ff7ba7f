package task

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hochfrequenz/testbed-orchestrator/internal/archive"
)

func compressFiles(_ context.Context, t *Task) error {
	var files []string
	for _, f := range t.Params.Strings("Files") {
		if abs, err := filepath.Abs(f); err == nil {
			files = append(files, abs)
		}
	}
	for _, folder := range t.Params.Strings("Folders") {
		found, err := archive.GetAllFiles(folder)
		if err != nil {
			t.Log(slog.LevelWarn, "Could not list folder %s: %v", folder, err)
			continue
		}
		files = append(files, found...)
	}
	output := t.Params.String("Output")

	t.Log(slog.LevelInfo, "Compressing files to output: %s", output)
	t.Log(slog.LevelDebug, "Files to compress: %v", files)

	res, err := archive.Zip(output, files, t.Params.Bool("Flat"))
	if err != nil {
		t.fail("Exception while creating zip file: %v", err)
		return nil
	}
	if len(res.Skipped) > 0 {
		t.Log(slog.LevelWarn, "Skipped missing files: %v", res.Skipped)
	}
	t.Log(slog.LevelInfo, "File created")
	t.host.AddGeneratedFile(output)
	return nil
}

// cliExecute runs a command and logs each output line, so a following
// PublishFromPreviousTaskLog can pick values out of it
func cliExecute(ctx context.Context, t *Task) error {
	args := strings.Fields(t.Params.String("Parameters"))
	if len(args) == 0 {
		t.fail("No command given")
		return nil
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = t.Params.String("CWD")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.fail("Could not start '%s': %v", args[0], err)
		return nil
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		t.fail("Could not start '%s': %v", args[0], err)
		return nil
	}
	if err := cmd.Start(); err != nil {
		t.fail("Could not start '%s': %v", args[0], err)
		return nil
	}

	var wg sync.WaitGroup
	forward := func(scanner *bufio.Scanner, level slog.Level) {
		defer wg.Done()
		for scanner.Scan() {
			t.Log(level, "%s", scanner.Text())
		}
	}
	wg.Add(2)
	go forward(bufio.NewScanner(stdout), slog.LevelInfo)
	go forward(bufio.NewScanner(stderr), slog.LevelWarn)
	wg.Wait()

	err = cmd.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		t.fail("Command exited with code %d", exitErr.ExitCode())
		return nil
	}
	if err != nil {
		t.fail("Command failed: %v", err)
		return nil
	}
	t.Log(slog.LevelInfo, "Command finished")
	return nil
}
