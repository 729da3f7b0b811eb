package rest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/multi_downloader/internal/download"
	"github.com/italolelis/multi_downloader/internal/logctx"
	"github.com/italolelis/multi_downloader/internal/manager"
	"github.com/italolelis/multi_downloader/internal/storage"
	"github.com/italolelis/multi_downloader/internal/telemetry"
)

const (
	defaultHistoryLimit = 50
	maxRequestBody      = 64 * 1024
)

type StartRequest struct {
	URL        string `json:"url"`
	ID         string `json:"id,omitempty"`
	Background bool   `json:"background,omitempty"`
}

type StartResponse struct {
	ID      string `json:"id"`
	Manager string `json:"manager"`
}

type DownloadResponse struct {
	download.Snapshot
	// StartDate is nil until the download first enters downloading.
	StartDate *time.Time `json:"start_date,omitempty"`
	Progress  float64    `json:"progress"`
	Error     string     `json:"error,omitempty"`
}

type Settings struct {
	MaxConcurrent           *int `json:"max_concurrent,omitempty"`
	BackgroundMaxConcurrent *int `json:"background_max_concurrent,omitempty"`
}

type SettingsResponse struct {
	Default    download.Stats `json:"default"`
	Background download.Stats `json:"background"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// DownloadsHandler exposes both download managers over HTTP.
type DownloadsHandler struct {
	coord    *manager.Coordinator
	history  storage.HistoryReadRepository
	observer download.UpdateFunc
	exec     download.Executor
	username string
	password string
}

type HandlerOption func(*DownloadsHandler)

// WithBasicAuth protects every route with the given credentials.
func WithBasicAuth(username, password string) HandlerOption {
	return func(h *DownloadsHandler) {
		h.username = username
		h.password = password
	}
}

// WithUpdates subscribes fn to every download started through the API.
func WithUpdates(exec download.Executor, fn download.UpdateFunc) HandlerOption {
	return func(h *DownloadsHandler) {
		h.exec = exec
		h.observer = fn
	}
}

func NewDownloadsHandler(coord *manager.Coordinator, history storage.HistoryReadRepository, opts ...HandlerOption) *DownloadsHandler {
	h := &DownloadsHandler{coord: coord, history: history}
	for _, opt := range opts {
		opt(h)
	}

	return h
}

func (h *DownloadsHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" && h.password != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Route("/downloads", func(r chi.Router) {
		r.Post("/", h.HandleStart)
		r.Get("/", h.HandleList)
		r.Get("/{id}", h.HandleGet)
		r.Post("/{id}/pause", h.HandlePause)
		r.Post("/{id}/resume", h.HandleResume)
		r.Delete("/{id}", h.HandleCancel)
	})

	r.Get("/settings", h.HandleGetSettings)
	r.Put("/settings", h.HandlePutSettings)
	r.Get("/history", h.HandleHistory)
	r.Post("/background/relaunch", h.HandleRelaunch)

	return r
}

func (h *DownloadsHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")

		return
	}

	kind := manager.KindDefault
	if req.Background {
		kind = manager.KindBackground
	}

	id, err := h.coord.StartWithID(r.Context(), kind, req.ID, req.URL, h.observer, h.exec)
	if err != nil {
		writeDownloadError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusCreated, StartResponse{ID: id, Manager: string(kind)})
}

func (h *DownloadsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	var snaps []download.Snapshot

	if name := r.URL.Query().Get("manager"); name != "" {
		kind, err := manager.ParseKind(name)
		if err != nil {
			writeDownloadError(w, r, err)

			return
		}

		s, err := h.coord.Instance(kind)
		if err != nil {
			writeDownloadError(w, r, err)

			return
		}

		snaps = s.List()
	} else {
		snaps = h.coord.List()
	}

	out := make([]DownloadResponse, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, toResponse(s))
	}

	writeJSON(w, r, http.StatusOK, out)
}

func (h *DownloadsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	snap, err := h.coord.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeDownloadError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, toResponse(snap))
}

func (h *DownloadsHandler) HandlePause(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.coord.Pause)
}

func (h *DownloadsHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.coord.Resume)
}

func (h *DownloadsHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.coord.Cancel)
}

func (h *DownloadsHandler) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.settings())
}

// HandlePutSettings changes the ceilings. Both values are validated before
// either is applied.
func (h *DownloadsHandler) HandlePutSettings(w http.ResponseWriter, r *http.Request) {
	var req Settings
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")

		return
	}

	for _, v := range []*int{req.MaxConcurrent, req.BackgroundMaxConcurrent} {
		if v != nil && *v < 1 {
			writeDownloadError(w, r, download.ErrInvalidConfiguration)

			return
		}
	}

	logger := logctx.LoggerFromContext(r.Context())

	if req.MaxConcurrent != nil {
		if err := h.coord.Default().SetMaxConcurrent(*req.MaxConcurrent); err != nil {
			writeDownloadError(w, r, err)

			return
		}
	}

	if req.BackgroundMaxConcurrent != nil {
		if err := h.coord.Background().SetMaxConcurrent(*req.BackgroundMaxConcurrent); err != nil {
			writeDownloadError(w, r, err)

			return
		}
	}

	logger.Info("download ceilings updated",
		"max_concurrent", h.coord.Default().MaxConcurrent(),
		"background_max_concurrent", h.coord.Background().MaxConcurrent(),
	)

	writeJSON(w, r, http.StatusOK, h.settings())
}

func (h *DownloadsHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, r, http.StatusNotImplemented, "history is not enabled")

		return
	}

	limit := defaultHistoryLimit

	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, r, http.StatusBadRequest, "limit must be a positive integer")

			return
		}

		limit = n
	}

	records, err := h.history.ListHistory(r.Context(), limit)
	if err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to list history", "err", err)
		writeError(w, r, http.StatusInternalServerError, "failed to list history")

		return
	}

	if records == nil {
		records = []storage.HistoryRecord{}
	}

	writeJSON(w, r, http.StatusOK, records)
}

// HandleRelaunch arms the background drain handler, as a process relaunched by
// the system for pending background work would.
func (h *DownloadsHandler) HandleRelaunch(w http.ResponseWriter, r *http.Request) {
	h.coord.Relaunched()
	w.WriteHeader(http.StatusAccepted)
}

func (h *DownloadsHandler) transition(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id string) error) {
	if err := op(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDownloadError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *DownloadsHandler) settings() SettingsResponse {
	return SettingsResponse{
		Default:    h.coord.Default().Stats(),
		Background: h.coord.Background().Stats(),
	}
}

func (h *DownloadsHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="multi-downloader"`)
			writeError(w, r, http.StatusUnauthorized, "invalid authorization format")

			return
		}

		if subtle.ConstantTimeCompare([]byte(username), []byte(h.username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(password), []byte(h.password)) != 1 {
			writeError(w, r, http.StatusUnauthorized, "invalid username or password")

			return
		}

		next.ServeHTTP(w, r)
	})
}

func toResponse(s download.Snapshot) DownloadResponse {
	resp := DownloadResponse{Snapshot: s, Progress: s.Progress()}
	if !s.StartDate.IsZero() {
		started := s.StartDate
		resp.StartDate = &started
	}

	if s.Err != nil {
		resp.Error = s.Err.Error()
	}

	return resp
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, download.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, download.ErrInvalidTransition), errors.Is(err, download.ErrDuplicateIdentifier):
		return http.StatusConflict
	case errors.Is(err, download.ErrEmptyURL), errors.Is(err, download.ErrInvalidConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, download.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeDownloadError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logctx.LoggerFromContext(r.Context()).Error("download operation failed", "err", err)
	}

	writeError(w, r, status, err.Error())
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, r, status, ErrorResponse{Error: msg, RequestID: telemetry.GetRequestID(r.Context())})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}
