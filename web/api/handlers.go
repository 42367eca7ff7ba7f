package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/hochfrequenz/testbed-orchestrator/internal/archive"
	"github.com/hochfrequenz/testbed-orchestrator/internal/composer"
	"github.com/hochfrequenz/testbed-orchestrator/internal/domain"
	"github.com/hochfrequenz/testbed-orchestrator/internal/executor"
	"github.com/hochfrequenz/testbed-orchestrator/internal/experiment"
	"github.com/hochfrequenz/testbed-orchestrator/internal/facility"
	"github.com/hochfrequenz/testbed-orchestrator/internal/queue"
	"github.com/hochfrequenz/testbed-orchestrator/internal/runstore"
	"github.com/hochfrequenz/testbed-orchestrator/internal/task"
)

const maxDescriptorBytes = 1 << 20

// ExecutionResponse is the API response for an execution
type ExecutionResponse struct {
	ID           domain.ExecutionID  `json:"id"`
	Name         string              `json:"name,omitempty"`
	Live         bool                `json:"live"`
	CoarseStatus string              `json:"coarse_status"`
	Status       string              `json:"status"`
	PerCent      int                 `json:"per_cent"`
	Verdict      string              `json:"verdict"`
	Cancelled    bool                `json:"cancelled"`
	Created      string              `json:"created"`
	Milestones   []string            `json:"milestones"`
	LastMessage  string              `json:"last_message,omitempty"`
	RemoteID     *domain.ExecutionID `json:"remote_id,omitempty"`
	DashboardURL string              `json:"dashboard_url,omitempty"`
	Stages       []executor.Snapshot `json:"stages,omitempty"`
}

// StatusResponse is the API response for overall status
type StatusResponse struct {
	Live          int            `json:"live"`
	ByStatus      map[string]int `json:"by_status"`
	Resources     int            `json:"resources"`
	BusyResources int            `json:"busy_resources"`
}

// FacilityResponse lists the loaded definitions and reload findings
type FacilityResponse struct {
	TestCases  []string              `json:"test_cases"`
	UEs        []string              `json:"ues"`
	Scenarios  []string              `json:"scenarios"`
	Validation []facility.Validation `json:"validation"`
}

func runToResponse(r *experiment.Run, withStages bool) ExecutionResponse {
	resp := ExecutionResponse{
		ID:           r.ID(),
		Name:         r.Descriptor().Identifier(),
		Live:         true,
		CoarseStatus: r.CoarseStatus().String(),
		Status:       r.Status(),
		PerCent:      r.PerCent(),
		Verdict:      r.Verdict().String(),
		Cancelled:    r.Cancelled(),
		Created:      r.Created().Format(time.RFC3339),
		Milestones:   r.Milestones(),
		LastMessage:  r.LastMessage(),
		DashboardURL: r.DashboardURL(),
	}
	if id, ok := r.RemoteID(); ok {
		resp.RemoteID = &id
	}
	if withStages {
		resp.Stages = []executor.Snapshot{r.PreRunner.Snapshot(), r.Executor.Snapshot(), r.PostRunner.Snapshot()}
	}
	return resp
}

func recordToResponse(rec *domain.ExecutionRecord) ExecutionResponse {
	resp := ExecutionResponse{
		ID:           rec.ID,
		CoarseStatus: rec.CoarseStatus,
		Status:       rec.CoarseStatus,
		Verdict:      rec.Verdict,
		Cancelled:    rec.Cancelled,
		Created:      rec.Created.Format(time.RFC3339),
		Milestones:   rec.Milestones,
		RemoteID:     rec.RemoteID,
		DashboardURL: rec.DashboardURL,
	}
	var d domain.ExperimentDescriptor
	if len(rec.Descriptor) > 0 && json.Unmarshal(rec.Descriptor, &d) == nil {
		resp.Name = d.Identifier()
	}
	if rec.CoarseStatus == domain.CoarseFinished.String() {
		resp.PerCent = 100
	}
	return resp
}

func tombstoneToResponse(t *experiment.Tombstone) ExecutionResponse {
	resp := recordToResponse(t.ExecutionRecord)
	for _, s := range []*executor.Stage{t.PreRunner, t.Executor, t.PostRunner} {
		if s != nil {
			resp.Stages = append(resp.Stages, s.Snapshot())
		}
	}
	return resp
}

func pathID(r *http.Request) (domain.ExecutionID, error) {
	raw := r.PathValue("id")
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid execution id %q", raw)
	}
	return domain.ExecutionID(n), nil
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := StatusResponse{ByStatus: map[string]int{}}
		for _, run := range s.opts.Queue.Retrieve() {
			status.Live++
			status.ByStatus[run.CoarseStatus().String()]++
		}
		if s.opts.Facility != nil {
			registry := s.opts.Facility.Registry()
			status.Resources = len(registry.Resources())
			status.BusyResources = len(registry.Busy())
		}
		writeJSON(w, status)
	}
}

func (s *Server) listExecutionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := r.URL.Query().Get("status")
		var statuses []domain.CoarseStatus
		if filter != "" {
			status, err := domain.ParseCoarseStatus(filter)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			statuses = append(statuses, status)
		}

		resp := []ExecutionResponse{}
		live := make(map[domain.ExecutionID]bool)
		for _, run := range s.opts.Queue.Retrieve(statuses...) {
			resp = append(resp, runToResponse(run, false))
			live[run.ID()] = true
		}

		if s.opts.Store != nil && r.URL.Query().Get("live") != "true" {
			limit := 50
			if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
				limit = v
			}
			records, err := s.opts.Store.ListExecutions(runstore.ListOptions{CoarseStatus: filter, Limit: limit})
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			for _, rec := range records {
				if !live[rec.ID] {
					resp = append(resp, recordToResponse(rec))
				}
			}
		}

		writeJSON(w, resp)
	}
}

func (s *Server) getExecutionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if run, ok := s.opts.Queue.Find(id); ok {
			writeJSON(w, runToResponse(run, true))
			return
		}
		if s.opts.Store == nil {
			writeError(w, http.StatusNotFound, "execution not found")
			return
		}
		tomb, err := experiment.LoadRecord(s.opts.Store, id)
		if errors.Is(err, runstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "execution not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, tombstoneToResponse(tomb))
	}
}

// SubmitResponse answers a submission
type SubmitResponse struct {
	ID           domain.ExecutionID `json:"id"`
	Requirements []string           `json:"requirements"`
	Exclusive    bool               `json:"exclusive"`
}

func (s *Server) submitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var d domain.ExperimentDescriptor
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDescriptorBytes)).Decode(&d); err != nil {
			writeError(w, http.StatusBadRequest, "invalid descriptor: "+err.Error())
			return
		}
		run, err := s.opts.Queue.Create(&d)
		if err != nil {
			writeError(w, submitErrorCode(err), err.Error())
			return
		}
		cfg := run.Configuration()
		writeStatusJSON(w, http.StatusCreated, SubmitResponse{
			ID:           run.ID(),
			Requirements: cfg.Requirements,
			Exclusive:    cfg.Exclusive,
		})
	}
}

func submitErrorCode(err error) int {
	if errors.Is(err, composer.ErrUnknownDefinition) || errors.Is(err, task.ErrUnknownTask) || errors.Is(err, task.ErrMissingParameter) {
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (s *Server) cancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.opts.Queue.Cancel(id); err != nil {
			if errors.Is(err, queue.ErrNotFound) {
				writeError(w, http.StatusNotFound, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, map[string]string{"status": "cancelling"})
	}
}

func (s *Server) reportHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		data, err := archive.ReadFile(experiment.ArchivePath(s.opts.ResultsDir, id), experiment.ReportFile)
		if err != nil {
			writeError(w, http.StatusNotFound, "report not available")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}
}

func (s *Server) archiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		path := experiment.ArchivePath(s.opts.ResultsDir, id)
		if _, err := os.Stat(path); err != nil {
			writeError(w, http.StatusNotFound, "results not available")
			return
		}
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%d.zip", id))
		http.ServeFile(w, r, path)
	}
}

func (s *Server) resourcesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Facility == nil {
			writeJSON(w, []facility.ResourceInfo{})
			return
		}
		writeJSON(w, s.opts.Facility.Registry().Resources())
	}
}

func (s *Server) facilityHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Facility == nil {
			writeError(w, http.StatusServiceUnavailable, "facility not loaded")
			return
		}
		writeJSON(w, s.facilityResponse())
	}
}

func (s *Server) facilityResponse() FacilityResponse {
	f := s.opts.Facility
	return FacilityResponse{
		TestCases:  f.Names(facility.KindTestCase),
		UEs:        f.Names(facility.KindUE),
		Scenarios:  f.Names(facility.KindScenario),
		Validation: f.Validation(),
	}
}

func (s *Server) reloadHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Facility == nil {
			writeError(w, http.StatusServiceUnavailable, "facility not loaded")
			return
		}
		if err := s.opts.Facility.Reload(); err != nil {
			if errors.Is(err, facility.ErrResourcesBusy) {
				writeError(w, http.StatusConflict, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.logger.Info("facility reloaded")
		writeJSON(w, s.facilityResponse())
	}
}
