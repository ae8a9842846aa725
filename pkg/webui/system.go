package webui

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"workdeck/pkg/bridge"
	"workdeck/pkg/logx"
)

func (s *Server) handleContextStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.refs.Stats())
}

func (s *Server) handleContextEvict(w http.ResponseWriter, r *http.Request) {
	evicted := s.refs.EvictExpired()
	writeJSON(w, http.StatusOK, map[string]int{"evicted": evicted})
}

func (s *Server) handleContextInvalidate(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeError(w, http.StatusBadRequest, "url query parameter is required")
		return
	}
	removed := s.refs.Invalidate(url)
	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

func (s *Server) handleProviderList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.bridge.Providers())
}

func (s *Server) handleProviderModels(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	models, err := s.bridge.ListModels(r.Context(), provider)
	if err != nil {
		if errors.Is(err, bridge.ErrUnknownProvider) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, models)
}

func (s *Server) handleProviderTest(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	models, err := s.bridge.TestConnection(r.Context(), provider)
	if err != nil {
		if errors.Is(err, bridge.ErrUnknownProvider) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"provider": provider,
		"models":   models,
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	domain := r.URL.Query().Get("domain")

	since := time.Time{}
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC3339 timestamp")
			return
		}
		since = parsed
	}

	writeJSON(w, http.StatusOK, logx.RecentEntries(domain, since))
}
