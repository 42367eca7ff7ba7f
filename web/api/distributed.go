package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/hochfrequenz/testbed-orchestrator/internal/domain"
	"github.com/hochfrequenz/testbed-orchestrator/internal/remote"
	"github.com/hochfrequenz/testbed-orchestrator/internal/runstore"
)

const messageEastWestDisabled = "East/West interface is disabled"

// eastWest refuses peer requests while the interface is disabled
func (s *Server) eastWest(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.opts.EastWest {
			writeStatusJSON(w, http.StatusServiceUnavailable, remote.Envelope{Message: messageEastWestDisabled})
			return
		}
		next(w, r)
	}
}

func (s *Server) remoteRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var d domain.ExperimentDescriptor
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDescriptorBytes)).Decode(&d); err != nil {
			writeStatusJSON(w, http.StatusBadRequest, remote.RunResponse{
				Envelope: remote.Envelope{Message: "invalid descriptor: " + err.Error()},
			})
			return
		}
		run, err := s.opts.Queue.Create(&d)
		if err != nil {
			s.logger.Warn("peer run request refused", "error", err)
			writeJSON(w, remote.RunResponse{Envelope: remote.Envelope{Message: err.Error()}})
			return
		}
		id := run.ID()
		s.logger.Info("peer run request accepted", "execution", int64(id))
		writeJSON(w, remote.RunResponse{Envelope: remote.Envelope{Success: true}, ExecutionID: &id})
	}
}

func (s *Server) remoteStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			writeStatusJSON(w, http.StatusBadRequest, remote.StatusResponse{Envelope: remote.Envelope{Message: err.Error()}})
			return
		}
		if run, ok := s.opts.Queue.Find(id); ok {
			writeJSON(w, remote.StatusResponse{
				Envelope:   remote.Envelope{Success: true},
				Status:     run.CoarseStatus().String(),
				Milestones: run.Milestones(),
			})
			return
		}
		rec, err := s.loadRecord(id)
		if err != nil {
			writeJSON(w, remote.StatusResponse{Envelope: remote.Envelope{Message: err.Error()}})
			return
		}
		writeJSON(w, remote.StatusResponse{
			Envelope:   remote.Envelope{Success: true},
			Status:     rec.CoarseStatus,
			Milestones: rec.Milestones,
		})
	}
}

func (s *Server) loadRecord(id domain.ExecutionID) (*domain.ExecutionRecord, error) {
	if s.opts.Store == nil {
		return nil, fmt.Errorf("execution %d not found", id)
	}
	rec, err := s.opts.Store.LoadExecution(id)
	if errors.Is(err, runstore.ErrNotFound) {
		return nil, fmt.Errorf("execution %d not found", id)
	}
	return rec, err
}

// remoteValuesHandler returns the values published by a live execution
func (s *Server) remoteValuesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			writeStatusJSON(w, http.StatusBadRequest, remote.ValuesResponse{Envelope: remote.Envelope{Message: err.Error()}})
			return
		}
		run, ok := s.opts.Queue.Find(id)
		if !ok {
			writeJSON(w, remote.ValuesResponse{Envelope: remote.Envelope{Message: fmt.Sprintf("execution %d is not running", id)}})
			return
		}
		writeJSON(w, remote.ValuesResponse{Envelope: remote.Envelope{Success: true}, Values: run.Vault().Strings()})
	}
}

func (s *Server) remoteValueHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			writeStatusJSON(w, http.StatusBadRequest, remote.ValuesResponse{Envelope: remote.Envelope{Message: err.Error()}})
			return
		}
		name := r.PathValue("name")
		run, ok := s.opts.Queue.Find(id)
		if !ok {
			writeJSON(w, remote.ValuesResponse{Envelope: remote.Envelope{Message: fmt.Sprintf("execution %d is not running", id)}})
			return
		}
		v, ok := run.Vault().Get(name)
		if !ok {
			writeJSON(w, remote.ValuesResponse{Envelope: remote.Envelope{Message: fmt.Sprintf("value %q not published", name)}})
			return
		}
		value := fmt.Sprint(v)
		writeJSON(w, remote.ValuesResponse{Envelope: remote.Envelope{Success: true}, Value: &value})
	}
}

func (s *Server) remoteResultsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			writeStatusJSON(w, http.StatusBadRequest, remote.ResultsResponse{Envelope: remote.Envelope{Message: err.Error()}})
			return
		}
		if s.opts.Telemetry == nil {
			writeJSON(w, remote.ResultsResponse{Envelope: remote.Envelope{Message: remote.MessageDatabaseUnavailable}})
			return
		}
		payloads, err := s.opts.Telemetry.Results(r.Context(), id)
		if err != nil {
			writeStatusJSON(w, http.StatusInternalServerError, remote.ResultsResponse{Envelope: remote.Envelope{Message: err.Error()}})
			return
		}
		writeJSON(w, remote.EncodeResults(payloads))
	}
}

// peerDetailsHandler records which execution on the peer drives a local one
func (s *Server) peerDetailsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			writeStatusJSON(w, http.StatusBadRequest, remote.Envelope{Message: err.Error()})
			return
		}
		var details remote.PeerDetails
		if err := json.NewDecoder(r.Body).Decode(&details); err != nil {
			writeStatusJSON(w, http.StatusBadRequest, remote.Envelope{Message: "invalid peer details: " + err.Error()})
			return
		}
		run, ok := s.opts.Queue.Find(id)
		if !ok {
			writeJSON(w, remote.Envelope{Message: fmt.Sprintf("execution %d is not running", id)})
			return
		}
		run.SetRemote(nil, details.ExecutionID)
		s.logger.Info("peer details received", "execution", int64(id), "peer", int64(details.ExecutionID))
		writeJSON(w, remote.Envelope{Success: true})
	}
}
