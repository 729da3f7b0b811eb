package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/italolelis/multi_downloader/internal/config"
	"github.com/italolelis/multi_downloader/internal/download"
	"github.com/italolelis/multi_downloader/internal/download/downloadtest"
	"github.com/italolelis/multi_downloader/internal/manager"
	"github.com/italolelis/multi_downloader/internal/storage"
	"github.com/italolelis/multi_downloader/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHistory struct {
	records []storage.HistoryRecord
	err     error
	limit   int
}

func (f *fakeHistory) ListHistory(_ context.Context, limit int) ([]storage.HistoryRecord, error) {
	f.limit = limit

	return f.records, f.err
}

func (f *fakeHistory) ExpiredCompletions(context.Context, time.Time) ([]storage.HistoryRecord, error) {
	return nil, nil
}

type api struct {
	coord   *manager.Coordinator
	fg      *downloadtest.Transport
	bg      *downloadtest.Transport
	history *fakeHistory
	handler http.Handler
}

func newAPI(t *testing.T, opts ...HandlerOption) *api {
	t.Helper()

	a := &api{
		fg:      downloadtest.NewTransport(true),
		bg:      downloadtest.NewTransport(true),
		history: &fakeHistory{},
	}

	cfg := &config.Config{TargetDir: t.TempDir(), MaxConcurrent: 1, BackgroundMaxConcurrent: 1}

	coord, err := manager.NewFromConfig(cfg, a.fg, a.bg)
	require.NoError(t, err)
	a.coord = coord

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		_ = coord.Shutdown(ctx)
	})

	a.handler = telemetry.RequestID(NewDownloadsHandler(coord, a.history, opts...).Routes())

	return a
}

func (a *api) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(telemetry.RequestIDHeader, "req-1")

	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)

	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))

	return v
}

func (a *api) start(t *testing.T, body string) string {
	t.Helper()

	rec := a.do(t, http.MethodPost, "/downloads", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	return decode[StartResponse](t, rec).ID
}

func TestStartAndGet(t *testing.T) {
	a := newAPI(t)

	id := a.start(t, `{"url":"https://example.com/a.iso"}`)
	assert.NotEmpty(t, id)

	a.fg.Last(t, "https://example.com/a.iso").Progress(25, 100)

	rec := a.do(t, http.MethodGet, "/downloads/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)

	got := decode[map[string]any](t, rec)
	assert.Equal(t, id, got["id"])
	assert.Equal(t, "default", got["manager"])
	assert.Equal(t, "downloading", got["state"])
	assert.InDelta(t, 0.25, got["progress"], 0.001)
}

func TestStart_Background(t *testing.T) {
	a := newAPI(t)

	rec := a.do(t, http.MethodPost, "/downloads", `{"url":"https://example.com/b.iso","id":"bg-1","background":true}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	resp := decode[StartResponse](t, rec)
	assert.Equal(t, "bg-1", resp.ID)
	assert.Equal(t, "background", resp.Manager)
	assert.Len(t, a.bg.Tasks(), 1)
	assert.Empty(t, a.fg.Tasks())
}

func TestStart_Errors(t *testing.T) {
	a := newAPI(t)

	a.start(t, `{"url":"https://example.com/a.iso","id":"dup"}`)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"malformed json", `{`, http.StatusBadRequest},
		{"empty url", `{"url":"  "}`, http.StatusBadRequest},
		{"relative url", `{"url":"/just/a/path"}`, http.StatusBadRequest},
		{"duplicate id", `{"url":"https://example.com/b.iso","id":"dup"}`, http.StatusConflict},
		{"duplicate id across managers", `{"url":"https://example.com/b.iso","id":"dup","background":true}`, http.StatusConflict},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := a.do(t, http.MethodPost, "/downloads", tc.body)
			assert.Equal(t, tc.status, rec.Code)

			e := decode[ErrorResponse](t, rec)
			assert.NotEmpty(t, e.Error)
			assert.Equal(t, "req-1", e.RequestID)
		})
	}
}

func TestListFiltersByManager(t *testing.T) {
	a := newAPI(t)

	a.start(t, `{"url":"https://example.com/a"}`)
	a.start(t, `{"url":"https://example.com/b"}`)
	a.start(t, `{"url":"https://example.com/c","background":true}`)

	rec := a.do(t, http.MethodGet, "/downloads", "")
	require.Equal(t, http.StatusOK, rec.Code)

	all := decode[[]map[string]any](t, rec)
	require.Len(t, all, 3)
	assert.Equal(t, "downloading", all[0]["state"])
	assert.Equal(t, "queued", all[1]["state"])
	assert.Equal(t, "background", all[2]["manager"])

	_, started := all[0]["start_date"]
	assert.True(t, started)

	_, started = all[1]["start_date"]
	assert.False(t, started, "queued downloads have no start date")

	rec = a.do(t, http.MethodGet, "/downloads?manager=background", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]map[string]any](t, rec), 1)

	rec = a.do(t, http.MethodGet, "/downloads?manager=nope", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPauseResumeCancel(t *testing.T) {
	a := newAPI(t)

	id := a.start(t, `{"url":"https://example.com/a"}`)

	assert.Equal(t, http.StatusNoContent, a.do(t, http.MethodPost, "/downloads/"+id+"/pause", "").Code)
	assert.Eventually(t, func() bool {
		s, err := a.coord.Get(id)

		return err == nil && s.State == download.StatePaused
	}, time.Second, 5*time.Millisecond)

	rec := a.do(t, http.MethodPost, "/downloads/"+id+"/pause", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	assert.Equal(t, http.StatusNoContent, a.do(t, http.MethodPost, "/downloads/"+id+"/resume", "").Code)
	assert.Equal(t, http.StatusNoContent, a.do(t, http.MethodDelete, "/downloads/"+id, "").Code)

	// Cancelled downloads leave the listing.
	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodGet, "/downloads/"+id, "").Code)
	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodDelete, "/downloads/"+id, "").Code)

	for _, path := range []string{"/downloads/missing/pause", "/downloads/missing/resume"} {
		assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodPost, path, "").Code)
	}

	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodDelete, "/downloads/missing", "").Code)
	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodGet, "/downloads/missing", "").Code)
}

func TestSettings(t *testing.T) {
	a := newAPI(t)

	a.start(t, `{"url":"https://example.com/a"}`)
	a.start(t, `{"url":"https://example.com/b"}`)
	require.Len(t, a.fg.Tasks(), 1)

	rec := a.do(t, http.MethodPut, "/settings", `{"max_concurrent":2}`)
	require.Equal(t, http.StatusOK, rec.Code)

	got := decode[SettingsResponse](t, rec)
	assert.Equal(t, 2, got.Default.MaxConcurrent)
	assert.Equal(t, 2, got.Default.Active)
	assert.Equal(t, 1, got.Background.MaxConcurrent)
	assert.Len(t, a.fg.Tasks(), 2)

	rec = a.do(t, http.MethodPut, "/settings", `{"max_concurrent":4,"background_max_concurrent":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 2, a.coord.Default().MaxConcurrent())

	rec = a.do(t, http.MethodGet, "/settings", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[SettingsResponse](t, rec).Default.MaxConcurrent)
}

func TestHistory(t *testing.T) {
	a := newAPI(t)
	a.history.records = []storage.HistoryRecord{{ID: 1, DownloadID: "x", State: "completed"}}

	rec := a.do(t, http.MethodGet, "/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultHistoryLimit, a.history.limit)
	assert.Len(t, decode[[]storage.HistoryRecord](t, rec), 1)

	rec = a.do(t, http.MethodGet, "/history?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, a.history.limit)

	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodGet, "/history?limit=-1", "").Code)

	a.history.err = errors.New("db locked")
	assert.Equal(t, http.StatusInternalServerError, a.do(t, http.MethodGet, "/history", "").Code)
}

func TestRelaunchFiresDrainHandler(t *testing.T) {
	a := newAPI(t)

	fired := make(chan struct{}, 2)
	a.coord.SetDrainHandler(func() { fired <- struct{}{} })

	assert.Equal(t, http.StatusAccepted, a.do(t, http.MethodPost, "/background/relaunch", "").Code)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("drain handler did not fire")
	}
}

func TestUpdatesObserver(t *testing.T) {
	rec := downloadtest.NewRecorder()
	a := newAPI(t, WithUpdates(download.Inline, rec.Func()))

	id := a.start(t, `{"url":"https://example.com/a"}`)
	a.fg.Last(t, "https://example.com/a").Complete("a.bin")

	rec.WaitState(t, id, download.StateCompleted)
}

func TestBasicAuth(t *testing.T) {
	a := newAPI(t, WithBasicAuth("admin", "secret"))

	assert.Equal(t, http.StatusUnauthorized, a.do(t, http.MethodGet, "/downloads", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/downloads", nil)
	req.SetBasicAuth("admin", "wrong")
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/downloads", nil)
	req.SetBasicAuth("admin", "secret")
	rec = httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(download.ErrNotFound))
	assert.Equal(t, http.StatusConflict, statusFor(download.ErrInvalidTransition))
	assert.Equal(t, http.StatusConflict, statusFor(download.ErrDuplicateIdentifier))
	assert.Equal(t, http.StatusBadRequest, statusFor(download.ErrEmptyURL))
	assert.Equal(t, http.StatusBadRequest, statusFor(download.ErrInvalidConfiguration))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(download.ErrClosed))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}
