package control

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"putplace.dev/internal/model"
	"putplace.dev/internal/store"
	"putplace.dev/internal/upload"
)

func (cs *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := cs.store.Healthy(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"live": true, "store_ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"live": true, "store_ok": true})
}

func (cs *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := cs.store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds":   time.Since(cs.started).Seconds(),
		"version":          cs.version,
		"files_tracked":    stats.FilesTracked,
		"pending_sha256":   stats.PendingChecksum,
		"pending_uploads":  stats.PendingUpload,
		"pending_deletion": stats.PendingDeletion,
		"completed":        stats.Completed,
		"failed":           stats.Failed,
		"sse_subscribers":  cs.broker.SubscriberCount(),
	})
}

type rootDTO struct {
	ID        int64  `json:"id"`
	Path      string `json:"path"`
	Recursive bool   `json:"recursive"`
	Enabled   bool   `json:"enabled"`
	CreatedAt string `json:"created_at"`
}

func toRootDTO(r model.Root) rootDTO {
	return rootDTO{ID: r.ID, Path: r.Path, Recursive: r.Recursive, Enabled: r.Enabled, CreatedAt: r.CreatedAt.UTC().Format(time.RFC3339)}
}

func (cs *Server) handleListRoots(w http.ResponseWriter, r *http.Request) {
	roots, err := cs.store.ListRoots(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]rootDTO, len(roots))
	for i, root := range roots {
		out[i] = toRootDTO(root)
	}
	writeJSON(w, http.StatusOK, out)
}

func (cs *Server) handleCreateRoot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path      string `json:"path"`
		Recursive bool   `json:"recursive"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	root, err := cs.store.CreateRoot(r.Context(), req.Path, req.Recursive)
	if err != nil {
		if conflict, ok := err.(*store.ErrConflict); ok {
			writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "existing": toRootDTO(conflict.Existing)})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if cs.watches != nil {
		if err := cs.watches.Start(r.Context(), root); err != nil {
			logger.Warn().Err(err).Str("path", root.Path).Msg("start watch")
		}
	}
	writeJSON(w, http.StatusCreated, toRootDTO(root))
}

func (cs *Server) handleDeleteRoot(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if cs.watches != nil {
		cs.watches.Stop(id)
	}
	if err := cs.store.DeleteRoot(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (cs *Server) handleScanRoot(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	root, err := cs.store.Root(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "root not found")
		return
	}
	go func() {
		if err := cs.sc.Scan(context.Background(), root); err != nil {
			logger.Error().Err(err).Str("root", root.Path).Msg("async scan")
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"scanning": true})
}

func (cs *Server) handleListExcludes(w http.ResponseWriter, r *http.Request) {
	ex, err := cs.store.ListExcludes(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

func (cs *Server) handleCreateExclude(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pattern string `json:"pattern"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ex, err := cs.store.CreateExclude(r.Context(), req.Pattern)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, ex)
}

func (cs *Server) handleDeleteExclude(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := cs.store.DeleteExclude(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type serverDTO struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	BaseURL   string `json:"base_url"`
	Username  string `json:"username"`
	IsDefault bool   `json:"is_default"`
}

func toServerDTO(s model.Server) serverDTO {
	return serverDTO{ID: s.ID, Name: s.Name, BaseURL: s.BaseURL, Username: s.Username, IsDefault: s.IsDefault}
}

func (cs *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := cs.store.ListServers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]serverDTO, len(servers))
	for i, s := range servers {
		out[i] = toServerDTO(s)
	}
	writeJSON(w, http.StatusOK, out)
}

func (cs *Server) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name      string `json:"name"`
		BaseURL   string `json:"base_url"`
		Username  string `json:"username"`
		Password  string `json:"password"`
		IsDefault bool   `json:"is_default"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	srv, err := cs.store.CreateServer(r.Context(), model.Server{
		Name: req.Name, BaseURL: req.BaseURL, Username: req.Username, Secret: req.Password, IsDefault: req.IsDefault,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, toServerDTO(srv))
}

func (cs *Server) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := cs.store.DeleteServer(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (cs *Server) handleSetDefaultServer(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := cs.store.SetDefaultServer(r.Context(), id); err != nil {
		if err == store.ErrNotFound {
			writeError(w, http.StatusNotFound, "server not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type fileDTO struct {
	ID           int64  `json:"id"`
	Path         string `json:"path"`
	RootID       int64  `json:"root_id"`
	Size         int64  `json:"size"`
	SHA256       string `json:"sha256"`
	Status       string `json:"status"`
	LastError    string `json:"last_error,omitempty"`
	DiscoveredAt string `json:"discovered_at"`
	UpdatedAt    string `json:"updated_at"`
}

func toFileDTO(f model.File) fileDTO {
	return fileDTO{
		ID: f.ID, Path: f.Path, RootID: f.RootID, Size: f.Size, SHA256: f.SHA256,
		Status: string(f.Status), LastError: f.LastError,
		DiscoveredAt: f.DiscoveredAt.UTC().Format(time.RFC3339),
		UpdatedAt:    f.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func (cs *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := store.ListFilesOptions{PathPrefix: q.Get("path_prefix"), SHA256: q.Get("sha256")}
	if lim, err := strconv.Atoi(q.Get("limit")); err == nil {
		opts.Limit = lim
	}
	if off, err := strconv.Atoi(q.Get("offset")); err == nil {
		opts.Offset = off
	}
	files, err := cs.store.ListFiles(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]fileDTO, len(files))
	for i, f := range files {
		out[i] = toFileDTO(f)
	}
	writeJSON(w, http.StatusOK, out)
}

func (cs *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	f, err := cs.store.File(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	writeJSON(w, http.StatusOK, toFileDTO(f))
}

func (cs *Server) handleTriggerUploads(w http.ResponseWriter, r *http.Request) {
	req := struct {
		UploadContent bool   `json:"upload_content"`
		PathPrefix    string `json:"path_prefix"`
		Limit         int    `json:"limit"`
	}{UploadContent: true} // spec.md §4.5 default: a bare trigger() uploads content, not just metadata
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	files, err := cs.store.FilesReadyForUpload(r.Context(), req.PathPrefix, req.Limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	policy := upload.PolicyContent
	if !req.UploadContent {
		policy = upload.PolicyMetadataOnly
	}
	queued := cs.up.TriggerBatch(r.Context(), files, policy)
	writeJSON(w, http.StatusOK, map[string]any{"files_queued": queued})
}

func (cs *Server) handleScanAll(w http.ResponseWriter, r *http.Request) {
	// Detached from the request's context (spec.md §4.5 "Concurrency":
	// "long operations ... are dispatched to background workers").
	go func() {
		if err := cs.sc.ScanAll(context.Background()); err != nil {
			logger.Error().Err(err).Msg("async scan_all")
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"scanning": true})
}
