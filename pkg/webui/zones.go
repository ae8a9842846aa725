package webui

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"workdeck/pkg/persistence"
	"workdeck/pkg/zone"
)

func (s *Server) handleZoneCreate(w http.ResponseWriter, r *http.Request) {
	var z persistence.Zone
	if err := decodeJSON(r, &z); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	created, err := s.zones.Create(&z)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleZoneList(w http.ResponseWriter, r *http.Request) {
	zones, err := s.zones.List()
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, zones)
}

func (s *Server) handleZoneExport(w http.ResponseWriter, r *http.Request) {
	zones, err := s.zones.List()
	if err != nil {
		writeStoreError(w, err)
		return
	}
	data, err := zone.MarshalSeed(zones)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Header().Set("Content-Disposition", `attachment; filename="zones.yaml"`)
	_, _ = w.Write(data)
}

func (s *Server) handleZoneGet(w http.ResponseWriter, r *http.Request) {
	z, err := s.zones.Get(chi.URLParam(r, "zoneID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, z)
}

func (s *Server) handleZoneUpdate(w http.ResponseWriter, r *http.Request) {
	var z persistence.Zone
	if err := decodeJSON(r, &z); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	z.ID = chi.URLParam(r, "zoneID")

	updated, err := s.zones.Update(&z)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleZoneDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.zones.Delete(chi.URLParam(r, "zoneID")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleZoneExecutions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	executions, err := s.zones.ExecutionHistory(chi.URLParam(r, "zoneID"), limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, executions)
}

func (s *Server) handleZoneAssignments(w http.ResponseWriter, r *http.Request) {
	workspaces, err := s.orch.AssignedWorkspaces(chi.URLParam(r, "zoneID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workspaces)
}

func (s *Server) handleZoneFire(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkspaceID string `json:"workspace_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.WorkspaceID == "" {
		writeError(w, http.StatusBadRequest, "workspace_id is required")
		return
	}

	outcome, err := s.orch.ManualFire(r.Context(), chi.URLParam(r, "zoneID"), req.WorkspaceID)
	if err != nil {
		if outcome != nil {
			// The trigger ran but could not complete; the execution record
			// carries the detail.
			writeJSON(w, http.StatusBadGateway, outcome)
			return
		}
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkspaceID string `json:"workspace_id"`
		ZoneID      string `json:"zone_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.WorkspaceID == "" || req.ZoneID == "" {
		writeError(w, http.StatusBadRequest, "workspace_id and zone_id are required")
		return
	}

	outcome, err := s.orch.Assign(r.Context(), req.WorkspaceID, req.ZoneID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleAssignmentList(w http.ResponseWriter, r *http.Request) {
	assignments, err := s.orch.ListAssignments()
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, assignments)
}

func (s *Server) handleAssignmentGet(w http.ResponseWriter, r *http.Request) {
	assignment, err := s.orch.Assignment(chi.URLParam(r, "workspaceID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, assignment)
}

func (s *Server) handleUnassign(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Unassign(chi.URLParam(r, "workspaceID")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
