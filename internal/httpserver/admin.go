package httpserver

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"lotwatch/internal/plugin"
)

func (s *Server) requirePlugins(w http.ResponseWriter) bool {
	if s.deps.Plugins == nil {
		writeError(w, http.StatusServiceUnavailable, "plugins unavailable")
		return false
	}
	return true
}

func (s *Server) handleListPlugins(w http.ResponseWriter, _ *http.Request) {
	if !s.requirePlugins(w) {
		return
	}
	writeJSON(w, map[string]any{"plugins": s.deps.Plugins.List()})
}

func (s *Server) handleLoadPlugin(w http.ResponseWriter, r *http.Request) {
	if !s.requirePlugins(w) {
		return
	}
	var req struct {
		Path string `json:"path"`
	}
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.Path) == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	rec, err := s.deps.Plugins.LoadOne(r.Context(), strings.TrimSpace(req.Path))
	switch {
	case errors.Is(err, plugin.ErrDuplicateUUID):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, plugin.ErrOutsidePluginDir):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.failed(w, "load_plugin", err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, rec)
}

func (s *Server) handleSetPlugin(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.requirePlugins(w) {
			return
		}
		uuid := r.PathValue("uuid")
		var err error
		if enabled {
			err = s.deps.Plugins.Enable(uuid)
		} else {
			err = s.deps.Plugins.Disable(uuid)
		}
		switch {
		case errors.Is(err, plugin.ErrUnknownPlugin):
			writeError(w, http.StatusNotFound, err.Error())
			return
		case err != nil:
			s.failed(w, "set_plugin", err)
			return
		}
		rec, _ := s.deps.Plugins.Get(uuid)
		writeJSON(w, rec)
	}
}

func (s *Server) handleRemovePlugin(w http.ResponseWriter, r *http.Request) {
	if !s.requirePlugins(w) {
		return
	}
	err := s.deps.Plugins.Remove(r.PathValue("uuid"))
	switch {
	case errors.Is(err, plugin.ErrUnknownPlugin):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, plugin.ErrOutsidePluginDir):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.failed(w, "remove_plugin", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListCommands(w http.ResponseWriter, _ *http.Request) {
	if !s.requirePlugins(w) {
		return
	}
	writeJSON(w, map[string]any{"commands": s.deps.Plugins.Commands()})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if !s.requirePlugins(w) {
		return
	}
	var req struct {
		Args []string `json:"args"`
		Text string   `json:"text"`
		From string   `json:"from"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	name := r.PathValue("name")
	if req.Text == "" {
		req.Text = strings.TrimSpace("/" + name + " " + strings.Join(req.Args, " "))
	}
	if req.From == "" {
		req.From = "http"
	}
	reply, handled, err := s.deps.Plugins.OnCommand(r.Context(), plugin.Invocation{
		Command: name,
		Args:    req.Args,
		Text:    req.Text,
		From:    req.From,
	}, s.pluginContext())
	if !handled {
		writeError(w, http.StatusNotFound, "unknown command "+name)
		return
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, map[string]string{"reply": reply})
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if !s.requirePlugins(w) {
		return
	}
	var req struct {
		Data string `json:"data"`
		From string `json:"from"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Data == "" {
		writeError(w, http.StatusBadRequest, "data is required")
		return
	}
	if req.From == "" {
		req.From = "http"
	}
	s.deps.Plugins.OnCallback(r.Context(), plugin.Callback{Data: req.Data, From: req.From}, s.pluginContext())
	writeJSONStatus(w, http.StatusAccepted, map[string]string{"status": "dispatched"})
}
