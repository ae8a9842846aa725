package webui

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"workdeck/pkg/persistence"
	"workdeck/pkg/workspace"
)

func (s *Server) handleWorkspaceCreate(w http.ResponseWriter, r *http.Request) {
	var req workspace.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	ws, err := s.workspaces.Create(r.Context(), req)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ws)
}

func (s *Server) handleWorkspaceList(w http.ResponseWriter, r *http.Request) {
	var filter *persistence.WorkspaceFilter
	if status := r.URL.Query().Get("status"); status != "" {
		filter = &persistence.WorkspaceFilter{Status: &status}
	}
	if zoneID := r.URL.Query().Get("zone"); zoneID != "" {
		if filter == nil {
			filter = &persistence.WorkspaceFilter{}
		}
		filter.ZoneID = &zoneID
	}

	workspaces, err := s.workspaces.List(filter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workspaces)
}

func (s *Server) handleWorkspaceGet(w http.ResponseWriter, r *http.Request) {
	ws, err := s.workspaces.Get(chi.URLParam(r, "workspaceID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (s *Server) handleWorkspaceUpdate(w http.ResponseWriter, r *http.Request) {
	var req workspace.UpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	ws, err := s.workspaces.Update(chi.URLParam(r, "workspaceID"), req)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (s *Server) handleWorkspaceDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.workspaces.Delete(r.Context(), chi.URLParam(r, "workspaceID")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWorkspaceSweep(w http.ResponseWriter, r *http.Request) {
	removed, err := s.workspaces.SweepOrphans(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}
