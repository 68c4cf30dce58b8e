package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/celerix-dev/celerix-charts/internal/engine"
	"github.com/celerix-dev/celerix-charts/internal/notify"
	"github.com/celerix-dev/celerix-charts/internal/workflow"
	"github.com/celerix-dev/celerix-charts/pkg/chart"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *Handler) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := engine.NewMemStore(nil, nil, engine.WithLatency(0, 0))
	registry := NewRegistry(func() *workflow.Dashboard {
		return workflow.NewDashboard(store, workflow.WithBus(notify.NewBus(notify.WithTTL(0))))
	})
	t.Cleanup(registry.Close)

	h := &Handler{Store: store, Sessions: registry}
	return NewRouter(h), h
}

func do(r http.Handler, method, path, session string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			_ = json.NewEncoder(&buf).Encode(b)
		}
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if session != "" {
		req.Header.Set(SessionHeader, session)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("invalid JSON %q: %v", w.Body.String(), err)
	}
	return v
}

func newSession(t *testing.T, r http.Handler) string {
	t.Helper()
	w := do(r, "POST", "/api/sessions", "", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d", w.Code)
	}
	id := w.Header().Get(SessionHeader)
	if id == "" {
		t.Fatal("Expected a session id header")
	}
	return id
}

func TestPutAndGetChart(t *testing.T) {
	r, _ := setupTestRouter(t)

	w := do(r, "PUT", "/api/owners/ana@example.com/charts/sadpath",
		"", `[{"name":"Verbal Aggression","value":40,"color":"#84CC16"}]`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	w = do(r, "GET", "/api/owners", "", nil)
	owners := decode[[]string](t, w)
	if len(owners) != 1 || owners[0] != "ana@example.com" {
		t.Errorf("Expected [ana@example.com], got %v", owners)
	}

	w = do(r, "GET", "/api/owners/ana@example.com/charts/sadpath", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	got := decode[struct {
		Record  chart.Record  `json:"record"`
		Summary chart.Summary `json:"summary"`
	}](t, w)
	if got.Summary.FailureRate != 40 {
		t.Errorf("Expected failure rate 40, got %v", got.Summary.FailureRate)
	}
	if got.Record.Kind != chart.KindSadPath {
		t.Errorf("Expected sadpath record, got %v", got.Record.Kind)
	}

	w = do(r, "GET", "/api/owners/ana@example.com/charts", "", nil)
	if recs := decode[[]json.RawMessage](t, w); len(recs) != 1 {
		t.Errorf("Expected 1 record, got %d", len(recs))
	}
}

func TestChartErrors(t *testing.T) {
	r, _ := setupTestRouter(t)

	tests := []struct {
		method, path, body string
		want               int
	}{
		{"GET", "/api/owners/nobody@example.com/charts/duration", "", http.StatusNotFound},
		{"GET", "/api/owners/ana@example.com/charts/pie", "", http.StatusBadRequest},
		{"PUT", "/api/owners/ana@example.com/charts/duration", "{not json", http.StatusBadRequest},
		{"GET", "/api/nothing-here", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		w := do(r, tt.method, tt.path, "", tt.body)
		if w.Code != tt.want {
			t.Errorf("%s %s: expected %d, got %d", tt.method, tt.path, tt.want, w.Code)
		}
		if _, ok := decode[map[string]any](t, w)["error"]; !ok {
			t.Errorf("%s %s: expected an error body, got %s", tt.method, tt.path, w.Body.String())
		}
	}

	w := do(r, "GET", "/api/owners/nobody@example.com/charts", "", nil)
	if w.Body.String() != "[]" {
		t.Errorf("Expected empty list, got %s", w.Body.String())
	}
}

func TestPutChartRejectsOutOfRangeValues(t *testing.T) {
	r, h := setupTestRouter(t)

	for _, body := range []string{
		`[{"time":"9:00","duration":-50},{"time":"10:00","duration":5000}]`,
		`[{"time":"9:00","duration":1000}]`,
	} {
		w := do(r, "PUT", "/api/owners/a@example.com/charts/duration", "", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", body, w.Code)
		}
	}
	w := do(r, "PUT", "/api/owners/a@example.com/charts/sadpath", "", `[{"name":"Timeout","value":140,"color":"#fff"}]`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a share over 100, got %d", w.Code)
	}

	if _, err := h.Store.Load(context.Background(), "a@example.com", chart.KindDuration); !errors.Is(err, chart.ErrNotFound) {
		t.Errorf("Expected nothing stored, got %v", err)
	}
	if got := statusFor(chart.Fail("save", chart.ErrValueOutOfRange)); got != http.StatusBadRequest {
		t.Errorf("Expected 400 for a store range error, got %d", got)
	}
}

func TestSessionRequired(t *testing.T) {
	r, _ := setupTestRouter(t)

	if w := do(r, "GET", "/api/session", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without header, got %d", w.Code)
	}
	if w := do(r, "GET", "/api/session", "no-such-session", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown session, got %d", w.Code)
	}

	id := newSession(t, r)
	if w := do(r, "DELETE", "/api/session", id, nil); w.Code != http.StatusOK {
		t.Errorf("Expected 200 on delete, got %d", w.Code)
	}
	if w := do(r, "GET", "/api/session", id, nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 after delete, got %d", w.Code)
	}
}

func TestEditFlow(t *testing.T) {
	r, h := setupTestRouter(t)
	id := newSession(t, r)

	// Anonymous edits are deferred until the email is known.
	w := do(r, "POST", "/api/charts/duration/edit", id, nil)
	out := decode[map[string]any](t, w)
	if out["state"] != "blocked" || out["pending"] != "duration" {
		t.Fatalf("Expected blocked/duration, got %v", out)
	}

	w = do(r, "POST", "/api/session/identity", id, map[string]string{"email": "  ana@example.com "})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	captured := decode[struct {
		Resumed *struct {
			State string `json:"state"`
		} `json:"resumed"`
	}](t, w)
	if captured.Resumed == nil || captured.Resumed.State != "ready_to_edit" {
		t.Fatalf("Expected the deferred edit to resume, got %s", w.Body.String())
	}

	w = do(r, "PUT", "/api/charts/duration/edit/values/3", id, map[string]string{"value": "600"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w := do(r, "PUT", "/api/charts/duration/edit/values/42", id, map[string]string{"value": "1"}); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a bad index, got %d", w.Code)
	}
	if w := do(r, "PUT", "/api/charts/duration/edit/values/1", id, map[string]string{}); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without a value, got %d", w.Code)
	}

	w = do(r, "POST", "/api/charts/duration/edit/save", id, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", w.Code, w.Body.String())
	}
	d, _ := h.Sessions.Get(id)
	d.Wait()

	rec, err := h.Store.Load(context.Background(), "ana@example.com", chart.KindDuration)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if rec.Payload.(chart.DurationSeries)[3].Seconds != 600 {
		t.Errorf("Expected 600 persisted, got %v", rec.Payload)
	}

	w = do(r, "GET", "/api/notifications", id, nil)
	var titles []string
	for _, n := range decode[[]notify.Notification](t, w) {
		titles = append(titles, n.Title)
	}
	if strings.Join(titles, "|") != workflow.TitleEmailSaved+"|"+workflow.TitleChartSaved {
		t.Errorf("Unexpected notifications %v", titles)
	}

	// No session left to save.
	if w := do(r, "POST", "/api/charts/duration/edit/save", id, nil); w.Code != http.StatusConflict {
		t.Errorf("Expected 409, got %d", w.Code)
	}
}

func TestOverwriteFlow(t *testing.T) {
	r, h := setupTestRouter(t)

	custom := chart.DefaultFailures()
	custom[0].Percentage = 90
	if _, err := h.Store.Save(context.Background(), "ana@example.com", chart.KindSadPath, custom); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	id := newSession(t, r)
	do(r, "POST", "/api/session/identity", id, map[string]string{"email": "ana@example.com"})

	w := do(r, "POST", "/api/charts/sadpath/edit", id, nil)
	out := decode[struct {
		State     string                    `json:"state"`
		Overwrite *workflow.OverwritePrompt `json:"overwrite"`
	}](t, w)
	if out.State != "needs_overwrite_confirmation" || out.Overwrite == nil {
		t.Fatalf("Expected an overwrite prompt, got %s", w.Body.String())
	}
	if len(out.Overwrite.Preview) != workflow.PreviewSize || out.Overwrite.More != len(custom)-workflow.PreviewSize {
		t.Errorf("Unexpected preview %+v", out.Overwrite)
	}

	if w := do(r, "POST", "/api/charts/sadpath/overwrite/decline", id, nil); w.Code != http.StatusOK {
		t.Errorf("Expected 200 on decline, got %d", w.Code)
	}
	if w := do(r, "POST", "/api/charts/sadpath/overwrite/confirm", id, nil); w.Code != http.StatusConflict {
		t.Errorf("Expected 409 without a pending prompt, got %d", w.Code)
	}

	do(r, "POST", "/api/charts/sadpath/edit", id, nil)
	w = do(r, "POST", "/api/charts/sadpath/overwrite/confirm", id, nil)
	if decode[map[string]any](t, w)["state"] != "ready_to_edit" {
		t.Fatalf("Expected ready_to_edit, got %s", w.Body.String())
	}

	do(r, "PUT", "/api/charts/sadpath/edit/values/0", id, map[string]string{"value": "5"})
	w = do(r, "POST", "/api/charts/sadpath/edit/reset", id, nil)
	working := decode[struct {
		Working []chart.CategoryShare `json:"working"`
	}](t, w)
	if working.Working[0].Percentage != 90 {
		t.Errorf("Expected reset to 90, got %v", working.Working[0].Percentage)
	}

	if w := do(r, "DELETE", "/api/charts/sadpath/edit", id, nil); w.Code != http.StatusOK {
		t.Errorf("Expected 200 on cancel, got %d", w.Code)
	}
	view := decode[struct {
		Editing bool `json:"editing"`
	}](t, do(r, "GET", "/api/charts/sadpath", id, nil))
	if view.Editing {
		t.Error("Expected no open edit after cancel")
	}
}

func TestCaptureErrors(t *testing.T) {
	r, _ := setupTestRouter(t)
	id := newSession(t, r)

	if w := do(r, "POST", "/api/session/identity", id, map[string]string{"email": "   "}); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a blank email, got %d", w.Code)
	}
	do(r, "POST", "/api/session/identity", id, map[string]string{"email": "ana@example.com"})
	if w := do(r, "POST", "/api/session/identity", id, map[string]string{"email": "bo@example.com"}); w.Code != http.StatusConflict {
		t.Errorf("Expected 409 for a second email, got %d", w.Code)
	}
}

func TestDismissNotification(t *testing.T) {
	r, h := setupTestRouter(t)
	id := newSession(t, r)
	d, _ := h.Sessions.Get(id)
	nid := d.Bus().Info("Hello", "World")

	if w := do(r, "DELETE", "/api/notifications/abc", id, nil); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
	if w := do(r, "DELETE", fmt.Sprintf("/api/notifications/%d", nid), id, nil); w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if w := do(r, "DELETE", fmt.Sprintf("/api/notifications/%d", nid), id, nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 on second dismiss, got %d", w.Code)
	}
}

func TestStreamNotifications(t *testing.T) {
	r, h := setupTestRouter(t)
	srv := httptest.NewServer(r)
	defer srv.Close()

	id := newSession(t, r)
	d, _ := h.Sessions.Get(id)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", srv.URL+"/api/notifications/stream", nil)
	req.Header.Set(SessionHeader, id)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream request failed: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("Expected event stream, got %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	readEvent := func() string {
		var data string
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read failed: %v", err)
			}
			line = strings.TrimRight(line, "\n")
			if line == "" && data != "" {
				return data
			}
			if strings.HasPrefix(line, "data:") {
				data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			}
		}
	}

	if first := readEvent(); first != "[]" {
		t.Errorf("Expected the empty initial list, got %q", first)
	}
	d.Bus().Success("Chart data saved!", "ok")
	if next := readEvent(); !strings.Contains(next, "Chart data saved!") {
		t.Errorf("Expected the new notification, got %q", next)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	r, _ := setupTestRouter(t)

	if w := do(r, "GET", "/healthz", "", nil); w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	w := do(r, "GET", "/metrics", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "celerix_charts_sessions_active") {
		t.Errorf("Expected chart metrics, got %d", w.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{chart.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("wrap: %w", chart.ErrUnknownKind), http.StatusBadRequest},
		{workflow.ErrInvalidEmail, http.StatusBadRequest},
		{workflow.ErrNoSession, http.StatusConflict},
		{chart.Fail("save", errors.New("disk full")), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestRegistryExpire(t *testing.T) {
	store := engine.NewMemStore(nil, nil, engine.WithLatency(0, 0))
	reg := NewRegistry(func() *workflow.Dashboard { return workflow.NewDashboard(store) })
	now := time.Now()
	reg.now = func() time.Time { return now }

	stale, _ := reg.Create()
	now = now.Add(time.Hour)
	fresh, _ := reg.Create()

	if n := reg.Expire(30 * time.Minute); n != 1 {
		t.Errorf("Expected 1 expired session, got %d", n)
	}
	if _, ok := reg.Get(stale); ok {
		t.Error("Expected the stale session to be gone")
	}
	if _, ok := reg.Get(fresh); !ok {
		t.Error("Expected the fresh session to remain")
	}
	reg.Close()
	if reg.Len() != 0 {
		t.Errorf("Expected no sessions after Close, got %d", reg.Len())
	}
}
