package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ragforge/ragforge"
	"github.com/ragforge/ragforge/ingest"
	"github.com/ragforge/ragforge/retrieval"
	"github.com/ragforge/ragforge/state"
)

type handler struct {
	engine ragforge.Engine
}

func newHandler(e ragforge.Engine) *handler {
	return &handler{engine: e}
}

// POST /projects
func (h *handler) handleRegisterProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path        string `json:"path"`
		Type        string `json:"type,omitempty"`
		DisplayName string `json:"display_name,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	typ := ingest.TypeIndexed
	if req.Type != "" {
		typ = ingest.ProjectType(req.Type)
	}

	ctx, cancel := withTimeout(r, 5*time.Minute)
	defer cancel()

	id, err := h.engine.RegisterProject(ctx, req.Path, typ, req.DisplayName)
	if err != nil {
		writeEngineError(w, "register_project failed", req.Path, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"project_id": id})
}

// DELETE /projects
func (h *handler) handleForgetProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	ctx, cancel := withTimeout(r, 5*time.Minute)
	defer cancel()

	if err := h.engine.ForgetProject(ctx, req.Path); err != nil {
		writeEngineError(w, "forget_project failed", req.Path, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "forgotten"})
}

// POST /projects/watch
func (h *handler) handleStartWatching(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	ctx, cancel := withTimeout(r, 30*time.Second)
	defer cancel()

	if err := h.engine.StartWatching(ctx, req.Path); err != nil {
		writeEngineError(w, "start_watching failed", req.Path, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "watching"})
}

// POST /projects/unwatch
func (h *handler) handleStopWatching(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	ctx, cancel := withTimeout(r, 30*time.Second)
	defer cancel()

	if err := h.engine.StopWatching(ctx, req.Path); err != nil {
		writeEngineError(w, "stop_watching failed", req.Path, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// POST /projects/pause
func (h *handler) handlePause(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	ctx, cancel := withTimeout(r, 10*time.Second)
	defer cancel()

	if err := h.engine.Pause(ctx, req.Path); err != nil {
		writeEngineError(w, "pause failed", req.Path, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

// POST /projects/resume
func (h *handler) handleResume(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	ctx, cancel := withTimeout(r, 10*time.Second)
	defer cancel()

	if err := h.engine.Resume(ctx, req.Path); err != nil {
		writeEngineError(w, "resume failed", req.Path, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "watching"})
}

// POST /files/change
func (h *handler) handleQueueFileChange(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path   string `json:"path"`
		Action string `json:"action"` // "created", "updated", "deleted"
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	ctx, cancel := withTimeout(r, 5*time.Minute)
	defer cancel()

	if err := h.engine.QueueFileChange(ctx, req.Path, req.Action == "deleted"); err != nil {
		writeEngineError(w, "queue_file_change failed", req.Path, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
}

// POST /files/touch
func (h *handler) handleTouchFile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path         string `json:"path"`
		InitialState string `json:"initial_state,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	initial := state.Discovered
	if req.InitialState != "" {
		initial = state.State(req.InitialState)
	}

	ctx, cancel := withTimeout(r, 30*time.Second)
	defer cancel()

	result, err := h.engine.TouchFile(ctx, req.Path, initial)
	if err != nil {
		writeEngineError(w, "touch_file failed", req.Path, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// POST /media
func (h *handler) handleUpdateMediaContent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	ctx, cancel := withTimeout(r, 5*time.Minute)
	defer cancel()

	if err := h.engine.UpdateMediaContent(ctx, req.Path, req.Content); err != nil {
		writeEngineError(w, "update_media_content failed", req.Path, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// POST /web-pages
func (h *handler) handleIngestWebPage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL     string `json:"url"`
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	ctx, cancel := withTimeout(r, 5*time.Minute)
	defer cancel()

	if err := h.engine.IngestWebPage(ctx, req.URL, req.Content); err != nil {
		writeEngineError(w, "ingest_web_page failed", req.URL, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ingested"})
}

// POST /search
func (h *handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query                string   `json:"query"`
		Projects             []string `json:"projects,omitempty"`
		NodeTypes            []string `json:"node_types,omitempty"`
		Semantic             bool     `json:"semantic,omitempty"`
		Hybrid               bool     `json:"hybrid,omitempty"`
		Glob                 string   `json:"glob,omitempty"`
		BasePath             string   `json:"base_path,omitempty"`
		Limit                int      `json:"limit,omitempty"`
		Offset               int      `json:"offset,omitempty"`
		MinScore             float64  `json:"min_score,omitempty"`
		TouchedFilesBasePath string   `json:"touched_files_base_path,omitempty"`
		FuzzyDistance        int      `json:"fuzzy_distance,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	if req.FuzzyDistance < 0 || req.FuzzyDistance > 2 {
		writeError(w, http.StatusBadRequest, "fuzzy_distance must be 0, 1, or 2")
		return
	}

	ctx, cancel := withTimeout(r, 2*time.Minute)
	defer cancel()

	resp, err := h.engine.Search(ctx, req.Query, retrieval.SearchOptions{
		Projects:             req.Projects,
		NodeTypes:            req.NodeTypes,
		Semantic:             req.Semantic,
		Hybrid:               req.Hybrid,
		Glob:                 req.Glob,
		BasePath:             req.BasePath,
		Limit:                req.Limit,
		Offset:               req.Offset,
		MinScore:             req.MinScore,
		TouchedFilesBasePath: req.TouchedFilesBasePath,
		FuzzyDistance:        req.FuzzyDistance,
	})
	if err != nil {
		writeEngineError(w, "search failed", req.Query, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// withTimeout bounds a handler's context to d beyond the request's own
// cancellation, mirroring the teacher's per-route timeout budgets.
func withTimeout(r *http.Request, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), d)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeEngineError maps a ragforge.Error's Kind to an HTTP status, falling
// back to 500 for unrecognized or unwrapped errors.
func writeEngineError(w http.ResponseWriter, action, subject string, err error) {
	status := http.StatusInternalServerError
	var rfErr *ragforge.Error
	if errors.As(err, &rfErr) {
		switch rfErr.Kind {
		case ragforge.KindProjectNotFound, ragforge.KindBadInput:
			status = http.StatusBadRequest
		case ragforge.KindLockTimeout:
			status = http.StatusServiceUnavailable
		case ragforge.KindConflict:
			status = http.StatusConflict
		case ragforge.KindProviderUnavailable, ragforge.KindStoreUnavailable, ragforge.KindNotInitialized:
			status = http.StatusServiceUnavailable
		}
	}
	slog.Error(action, "subject", subject, "error", err)
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf("%s: %v", action, err)})
}
