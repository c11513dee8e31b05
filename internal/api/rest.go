package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/devghori1264/aerophoenix/fleetd/internal/models"
	"github.com/devghori1264/aerophoenix/fleetd/internal/server"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const (
	msgNotFound       = "Machine not found in the cluster."
	msgAlreadyStarted = "Machine is already started."
)

type Handler struct {
	srv     *server.Server
	log     *zap.Logger
	metrics *HTTPMetrics
}

// NewHTTPHandler wires the machine routes. metrics may be nil.
func NewHTTPHandler(srv *server.Server, log *zap.Logger, metrics *HTTPMetrics) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Handler{srv: srv, log: log, metrics: metrics}

	r := mux.NewRouter().UseEncodedPath()
	r.HandleFunc("/healthz", h.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", h.handleReady).Methods(http.MethodGet)

	c := r.PathPrefix("/clusters/{clusterId}/machines").Subrouter()
	c.HandleFunc("", h.handleList).Methods(http.MethodGet)
	c.HandleFunc("", h.handleCreate).Methods(http.MethodPost)
	// registered before /{machineId} so "actions" is not taken for an id
	c.HandleFunc("/actions", h.handleActions).Methods(http.MethodPost)
	c.HandleFunc("/{machineId}", h.handleGet).Methods(http.MethodGet)
	c.HandleFunc("/{machineId}", h.handleUpdate).Methods(http.MethodPatch)
	c.HandleFunc("/{machineId}", h.handleDelete).Methods(http.MethodDelete)
	c.HandleFunc("/{machineId}/start", h.handleAction(models.ActionStart)).Methods(http.MethodPost)
	c.HandleFunc("/{machineId}/stop", h.handleAction(models.ActionStop)).Methods(http.MethodPost)
	c.HandleFunc("/{machineId}/reboot", h.handleAction(models.ActionReboot)).Methods(http.MethodPost)
	c.HandleFunc("/{machineId}/tags", h.handleAddTag).Methods(http.MethodPost)
	c.HandleFunc("/{machineId}/tags/{tag}", h.handleRemoveTag).Methods(http.MethodDelete)

	r.Use(h.accessLog)
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := h.srv.Ping(r.Context()); err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "store unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	machines, err := h.srv.ListMachines(r.Context(), pathVars(r)["clusterId"])
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "Error fetching machines in the cluster.", err)
		return
	}
	writeJSON(w, http.StatusOK, machines)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req models.MachineInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload", err)
		return
	}
	if err := req.Validate(); err != nil {
		h.writeError(w, http.StatusBadRequest, "Error creating machine in the cluster.", err)
		return
	}

	m, err := h.srv.CreateMachine(r.Context(), pathVars(r)["clusterId"], req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, models.ErrValidation) {
			status = http.StatusBadRequest
		}
		h.writeError(w, status, "Error creating machine in the cluster.", err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	vars := pathVars(r)
	st, err := h.srv.GetMachine(r.Context(), vars["clusterId"], vars["machineId"])
	if err != nil {
		h.writeStoreError(w, "Error fetching machine.", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var patch models.MachinePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload", err)
		return
	}
	if err := patch.Validate(); err != nil {
		h.writeError(w, http.StatusBadRequest, "Error updating machine details.", err)
		return
	}

	vars := pathVars(r)
	m, err := h.srv.UpdateMachine(r.Context(), vars["clusterId"], vars["machineId"], patch)
	if err != nil {
		h.writeStoreError(w, "Error updating machine details.", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Machine details updated successfully.",
		"machine": m,
	})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	vars := pathVars(r)
	if err := h.srv.DeleteMachine(r.Context(), vars["clusterId"], vars["machineId"]); err != nil {
		h.writeStoreError(w, "Error deleting machine in the cluster.", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Machine deleted successfully."})
}

func (h *Handler) handleAction(action models.Action) http.HandlerFunc {
	var (
		run   func(ctx context.Context, clusterID, machineID string) error
		okMsg string
	)
	switch action {
	case models.ActionStart:
		run, okMsg = h.srv.StartMachine, "Machine started successfully."
	case models.ActionStop:
		run, okMsg = h.srv.StopMachine, "Machine stopped successfully."
	case models.ActionReboot:
		run, okMsg = h.srv.RebootMachine, "Machine rebooted successfully."
	default:
		panic("api: no handler for action " + string(action))
	}

	return func(w http.ResponseWriter, r *http.Request) {
		vars := pathVars(r)
		err := run(r.Context(), vars["clusterId"], vars["machineId"])
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, map[string]string{"message": okMsg})
		case errors.Is(err, models.ErrConflict) && action == models.ActionStart:
			h.writeError(w, http.StatusBadRequest, msgAlreadyStarted, nil)
		default:
			h.writeStoreError(w, "Error performing "+string(action)+" on machine in the cluster.", err)
		}
	}
}

func (h *Handler) handleAddTag(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tag string `json:"tag"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload", err)
		return
	}
	if err := models.ValidateTags(req.Tag); err != nil {
		h.writeError(w, http.StatusBadRequest, "Error adding tag to machine.", err)
		return
	}

	vars := pathVars(r)
	m, err := h.srv.AddTag(r.Context(), vars["clusterId"], vars["machineId"], req.Tag)
	if err != nil {
		h.writeStoreError(w, "Error adding tag to machine.", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Tag added to machine successfully.",
		"machine": m,
	})
}

func (h *Handler) handleRemoveTag(w http.ResponseWriter, r *http.Request) {
	vars := pathVars(r)
	m, err := h.srv.RemoveTag(r.Context(), vars["clusterId"], vars["machineId"], vars["tag"])
	if err != nil {
		h.writeStoreError(w, "Error removing tag from machine.", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Tag removed from machine successfully.",
		"machine": m,
	})
}

func (h *Handler) handleActions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action string   `json:"action"`
		Tags   []string `json:"tags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload", err)
		return
	}

	results, err := h.srv.Dispatch(r.Context(), pathVars(r)["clusterId"], req.Action, models.NewTagSet(req.Tags...))
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "Error performing action on machines with tags.", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Action performed on machines with tags.",
		"results": results,
	})
}

// writeStoreError maps the error taxonomy onto status codes.
func (h *Handler) writeStoreError(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		h.writeError(w, http.StatusNotFound, msgNotFound, nil)
	case errors.Is(err, models.ErrValidation):
		h.writeError(w, http.StatusBadRequest, msg, err)
	default:
		h.writeError(w, http.StatusInternalServerError, msg, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string, err error) {
	body := map[string]string{"message": msg}
	if err != nil {
		body["error"] = err.Error()
	}
	writeJSON(w, status, body)
	if status >= http.StatusInternalServerError {
		h.log.Error(msg, zap.Int("status", status), zap.Error(err))
	} else {
		h.log.Debug(msg, zap.Int("status", status), zap.Error(err))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		began := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(began)
		h.metrics.observe(r, rec.status, elapsed)
		h.log.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", elapsed))
	})
}

// pathVars returns the route variables decoded. The router matches on the
// escaped path so that IDs and tags may contain "/".
func pathVars(r *http.Request) map[string]string {
	vars := mux.Vars(r)
	out := make(map[string]string, len(vars))
	for k, v := range vars {
		if u, err := url.PathUnescape(v); err == nil {
			v = u
		}
		out[k] = v
	}
	return out
}
