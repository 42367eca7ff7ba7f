package experiment

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/hochfrequenz/testbed-orchestrator/internal/archive"
	"github.com/hochfrequenz/testbed-orchestrator/internal/domain"
	"github.com/hochfrequenz/testbed-orchestrator/internal/notify"
	"github.com/hochfrequenz/testbed-orchestrator/internal/telemetry"
)

const (
	// RemotePrefix is prepended to measurements retrieved from a remote peer
	RemotePrefix = "Remote_"
	// ReportFile is the archive entry holding the execution report
	ReportFile = "report.json"
)

// Report summarizes the telemetry of an execution
type Report struct {
	ExecutionID  domain.ExecutionID `json:"execution_id"`
	Name         string             `json:"name"`
	Verdict      string             `json:"verdict"`
	CoarseStatus string             `json:"coarse_status"`
	Measurements map[string]int     `json:"measurements"`
	Milestones   []string           `json:"milestones"`
}

// ArchivePath returns where the result archive of an execution is written
func ArchivePath(resultsDir string, id domain.ExecutionID) string {
	return filepath.Join(resultsDir, fmt.Sprintf("%d.zip", id))
}

// ReportURL is the API path serving an execution's report
func ReportURL(id domain.ExecutionID) string {
	return fmt.Sprintf("/api/executions/%d/report", id)
}

// handleExecutionEnd gathers remote results, compresses the generated
// files and writes the report. Every step logs its own failure so later
// steps still run; the temp folder is removed last in any case.
func (r *Run) handleExecutionEnd(ctx context.Context) {
	defer func() {
		r.logger.Debug("clearing temp folder", "path", r.tempDir)
		if err := os.RemoveAll(r.tempDir); err != nil {
			r.logger.Warn("could not remove temp folder", "path", r.tempDir, "error", err)
		}
	}()

	files := r.GeneratedFiles()

	r.step("remote results", func() error {
		file, err := r.collectRemote(ctx)
		if file != "" {
			files = append(files, file)
		}
		return err
	})

	if r.Executor.Started() != nil {
		r.step("report", func() error {
			path, err := r.writeReport(ctx)
			if err != nil {
				return err
			}
			files = append(files, path)
			r.mu.Lock()
			r.dashboardURL = ReportURL(r.id)
			r.mu.Unlock()
			return nil
		})
	} else {
		r.logger.Debug("execution aborted during PreRun, skipping report")
	}

	archivePath := ArchivePath(r.deps.ResultsDir, r.id)
	archived := false
	r.step("compress", func() error {
		r.logger.Info("compressing generated files", "files", files)
		if err := os.MkdirAll(r.deps.ResultsDir, 0o755); err != nil {
			return err
		}
		if _, err := archive.Zip(archivePath, files, true); err != nil {
			return err
		}
		archived = true
		return nil
	})

	if archived && r.deps.Uploader != nil {
		r.step("upload", func() error {
			key, err := r.deps.Uploader.Upload(ctx, r.id, archivePath)
			if err == nil {
				r.logger.Info("results uploaded", "key", key)
			}
			return err
		})
	}

	if services := r.deps.Services; services != nil {
		if services.Resources != nil {
			if held := services.Resources.Withdraw(r.id); len(held) != 0 {
				r.logger.Warn("released resources still held at end of execution", "resources", held)
			}
		}
		if services.Notifier != nil {
			r.step("notify", func() error {
				n := notify.ExecutionFinished(r.id, r.CoarseStatus(), r.Verdict())
				n.URL = r.DashboardURL()
				return services.Notifier.Send(n)
			})
		}
	}
}

// step runs one finalization step, logging its error or panic
func (r *Run) step(name string, fn func() error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("finalization step panicked", "step", name, "panic", p)
		}
	}()
	if err := fn(); err != nil {
		r.logger.Error("finalization step failed", "step", name, "error", err)
	}
}

// collectRemote copies the peer's telemetry into the local store under
// prefixed measurement names and downloads the peer's result archive. It
// only applies to the coordinating side of a distributed experiment.
func (r *Run) collectRemote(ctx context.Context) (string, error) {
	remoteID, ok := r.RemoteID()
	r.mu.RLock()
	api := r.remote
	r.mu.RUnlock()
	if !ok || api == nil || !r.descriptor.IsRemoteMaster() {
		return "", nil
	}

	if store := r.telemetry(); store != nil {
		r.logger.Info("retrieving results from remote side", "remote_id", int64(remoteID))
		payloads, err := api.GetResults(ctx, remoteID)
		if err != nil {
			r.logger.Error("could not retrieve remote results", "error", err)
		}
		for _, p := range payloads {
			p.Measurement = RemotePrefix + p.Measurement
			if p.Tags == nil {
				p.Tags = map[string]string{}
			}
			p.Tags[telemetry.ExecutionIDTag] = telemetry.Tag(r.id)
			if err := store.Send(ctx, p); err != nil {
				r.logger.Error("could not store remote payload", "measurement", p.Measurement, "error", err)
				continue
			}
			r.logger.Debug("stored remote payload", "measurement", p.Measurement)
		}
	}

	r.logger.Info("retrieving remote side files")
	file, err := api.GetFiles(ctx, remoteID, r.tempDir)
	if err != nil {
		return "", fmt.Errorf("could not retrieve remote side files: %w", err)
	}
	if file == "" {
		r.logger.Warn("could not retrieve remote side files")
	}
	return file, nil
}

// writeReport writes the execution report into the temp folder
func (r *Run) writeReport(ctx context.Context) (string, error) {
	report := Report{
		ExecutionID:  r.id,
		Name:         r.descriptor.Identifier(),
		Verdict:      r.Verdict().String(),
		CoarseStatus: r.CoarseStatus().String(),
		Measurements: map[string]int{},
		Milestones:   r.Milestones(),
	}
	if store := r.telemetry(); store != nil {
		names, err := store.Measurements(ctx, r.id)
		if err != nil {
			return "", err
		}
		sort.Strings(names)
		for _, name := range names {
			payload, err := store.Values(ctx, r.id, name)
			if err != nil {
				return "", err
			}
			report.Measurements[name] = len(payload.Points)
		}
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(r.tempDir, ReportFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (r *Run) telemetry() telemetry.Store {
	if r.deps.Services == nil {
		return nil
	}
	return r.deps.Services.Telemetry
}
