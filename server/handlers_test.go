package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"idvsdk/client"
	"idvsdk/options"
)

func testDefaults() options.Defaults {
	return options.CompiledDefaults()
}

func newTestApp(t *testing.T, mutate func(*Config)) *App {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SDK.Containers = []string{options.DefaultContainerID, "secondary"}
	cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	if mutate != nil {
		mutate(&cfg)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	app, err := NewApp(cfg, logger)
	if err != nil {
		t.Fatalf("NewApp returned error: %v", err)
	}
	app.Defaults = testDefaults()
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })
	return app
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeView(t *testing.T, rec *httptest.ResponseRecorder) sessionView {
	t.Helper()
	var v sessionView
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode session view: %v (body %s)", err, rec.Body.String())
	}
	return v
}

func TestCreateSessionWithoutTokenReportsInvalidToken(t *testing.T) {
	app := newTestApp(t, nil)
	h := app.Routes()

	rec := doJSON(t, h, http.MethodPost, "/sessions", `{"language":"en"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("unexpected content type %q", rec.Header().Get("Content-Type"))
	}
	view := decodeView(t, rec)

	if view.Options.HasToken {
		t.Fatalf("expected no token")
	}
	if len(view.Events) != 1 || view.Events[0].Message != "Invalid token" || view.Events[0].Type != "exception" {
		t.Fatalf("expected one invalid token event, got %+v", view.Events)
	}
	if view.Options.URLs[options.URLKeyAPI] != testDefaults().URLs[options.URLKeyAPI] {
		t.Fatalf("expected default api url, got %v", view.Options.URLs)
	}
	if view.Element == "" {
		t.Fatalf("expected a mounted element id")
	}
	if got := rec.Header().Get("Location"); got != "/sessions/"+view.ID {
		t.Fatalf("unexpected location %q", got)
	}
}

func TestCreateSessionRejectsUnknownFields(t *testing.T) {
	app := newTestApp(t, nil)
	rec := doJSON(t, app.Routes(), http.MethodPost, "/sessions", `{"tokn":"abc"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if app.Sessions.Len() != 0 {
		t.Fatalf("no session should have been created")
	}
}

func TestCreateSessionRejectsMiscasedKeys(t *testing.T) {
	app := newTestApp(t, nil)
	h := app.Routes()
	for _, body := range []string{`{"containerID":"secondary"}`, `{"userDetails":{"SMSNumber":"+44"}}`} {
		if rec := doJSON(t, h, http.MethodPost, "/sessions", body); rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %s, got %d", body, rec.Code)
		}
	}
	if app.Sessions.Len() != 0 {
		t.Fatalf("no session should have been created")
	}
}

func TestCreateSessionContainerRules(t *testing.T) {
	app := newTestApp(t, nil)
	h := app.Routes()

	if rec := doJSON(t, h, http.MethodPost, "/sessions", `{"containerId":"missing"}`); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for unknown container, got %d", rec.Code)
	}
	if rec := doJSON(t, h, http.MethodPost, "/sessions", `{}`); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if rec := doJSON(t, h, http.MethodPost, "/sessions", `{}`); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for busy container, got %d", rec.Code)
	}
	if rec := doJSON(t, h, http.MethodPost, "/sessions", `{"containerId":"secondary"}`); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 on second container, got %d", rec.Code)
	}
}

func TestSessionLimit(t *testing.T) {
	app := newTestApp(t, func(c *Config) { c.Sessions.MaxSessions = 1 })
	h := app.Routes()

	if rec := doJSON(t, h, http.MethodPost, "/sessions", `{}`); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if rec := doJSON(t, h, http.MethodPost, "/sessions", `{"containerId":"secondary"}`); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestUpdateSessionKeepsElement(t *testing.T) {
	app := newTestApp(t, nil)
	h := app.Routes()

	created := decodeView(t, doJSON(t, h, http.MethodPost, "/sessions", `{"language":"en","steps":["welcome","document"]}`))

	rec := doJSON(t, h, http.MethodPatch, "/sessions/"+created.ID, `{"language":"fr","smsNumberCountryCode":"de"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	updated := decodeView(t, rec)
	if updated.Element != created.Element {
		t.Fatalf("element identity changed: %s -> %s", created.Element, updated.Element)
	}
	if updated.Options.Language != "fr" || updated.Options.SMSNumberCountryCode != "DE" {
		t.Fatalf("options not applied: %+v", updated.Options)
	}
	if len(updated.Options.Steps) != 2 {
		t.Fatalf("steps should carry over, got %+v", updated.Options.Steps)
	}

	snap := doJSON(t, h, http.MethodGet, "/containers/"+options.DefaultContainerID, "")
	if !bytes.Contains(snap.Body.Bytes(), []byte(`"renders":2`)) {
		t.Fatalf("expected two renders, got %s", snap.Body.String())
	}
}

func TestCompleteRecordsEventAndMetrics(t *testing.T) {
	app := newTestApp(t, nil)
	h := app.Routes()

	created := decodeView(t, doJSON(t, h, http.MethodPost, "/sessions", `{}`))
	rec := doJSON(t, h, http.MethodPost, "/sessions/"+created.ID+"/complete", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	view := decodeView(t, rec)
	last := view.Events[len(view.Events)-1]
	if last.Event != "complete" {
		t.Fatalf("expected complete event, got %+v", view.Events)
	}

	metrics := doJSON(t, h, http.MethodGet, "/metrics", "")
	if metrics.Code != http.StatusOK {
		t.Fatalf("expected metrics 200, got %d", metrics.Code)
	}
	body := metrics.Body.String()
	for _, want := range []string{"idvhost_sdk_events_total", "idvhost_http_requests_total", `path="/sessions/{id}/complete"`} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q", want)
		}
	}
}

func TestDeleteSessionUnmounts(t *testing.T) {
	app := newTestApp(t, nil)
	h := app.Routes()

	created := decodeView(t, doJSON(t, h, http.MethodPost, "/sessions", `{}`))
	if rec := doJSON(t, h, http.MethodDelete, "/sessions/"+created.ID, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec := doJSON(t, h, http.MethodDelete, "/sessions/"+created.ID, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", rec.Code)
	}
	if rec := doJSON(t, h, http.MethodGet, "/sessions/"+created.ID, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}

	snap := doJSON(t, h, http.MethodGet, "/containers/"+options.DefaultContainerID, "")
	if !bytes.Contains(snap.Body.Bytes(), []byte(`"mounted":false`)) {
		t.Fatalf("container should be empty, got %s", snap.Body.String())
	}
	if rec := doJSON(t, h, http.MethodPost, "/sessions", `{}`); rec.Code != http.StatusCreated {
		t.Fatalf("container should be free again, got %d", rec.Code)
	}
}

func TestCrossDeviceRequiresRoom(t *testing.T) {
	app := newTestApp(t, nil)
	h := app.Routes()

	created := decodeView(t, doJSON(t, h, http.MethodPost, "/sessions", `{}`))
	if rec := doJSON(t, h, http.MethodPost, "/sessions/"+created.ID+"/crossdevice", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec := doJSON(t, h, http.MethodPost, "/sessions/unknown/crossdevice", `{"roomId":"r"}`); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHealthAndCORS(t *testing.T) {
	app := newTestApp(t, nil)
	h := app.Routes()

	req := httptest.NewRequest(http.MethodOptions, "/sessions", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 preflight, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Fatalf("missing CORS header")
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("missing request id")
	}

	health := doJSON(t, h, http.MethodGet, "/healthz", "")
	if health.Code != http.StatusOK || !strings.Contains(health.Body.String(), `"status":"ok"`) {
		t.Fatalf("unexpected health response %d %s", health.Code, health.Body.String())
	}
}

func TestMetricsDisabled(t *testing.T) {
	app := newTestApp(t, func(c *Config) { c.Metrics.Enabled = false })
	if rec := doJSON(t, app.Routes(), http.MethodGet, "/metrics", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without metrics, got %d", rec.Code)
	}
}

func TestCreateSessionTrimsContainerBeforeReserving(t *testing.T) {
	app := newTestApp(t, nil)
	h := app.Routes()

	first := decodeView(t, doJSON(t, h, http.MethodPost, "/sessions", `{"containerId":"onfido-mount"}`))
	if rec := doJSON(t, h, http.MethodPost, "/sessions", `{"containerId":" onfido-mount"}`); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for padded container id, got %d", rec.Code)
	}

	got := decodeView(t, doJSON(t, h, http.MethodGet, "/sessions/"+first.ID, ""))
	if got.Element != first.Element {
		t.Fatalf("first session lost its element: %s -> %s", first.Element, got.Element)
	}
	snap := doJSON(t, h, http.MethodGet, "/containers/"+options.DefaultContainerID, "")
	if !bytes.Contains(snap.Body.Bytes(), []byte(`"elementId":"`+first.Element+`"`)) {
		t.Fatalf("container should still hold the first element, got %s", snap.Body.String())
	}
}

func TestCreateSessionRejectsOccupiedContainer(t *testing.T) {
	app := newTestApp(t, nil)
	h := app.Routes()

	target, ok := app.Surface.Container("secondary")
	if !ok {
		t.Fatalf("secondary container missing")
	}
	if _, err := app.Renderer.Render(&client.View{}, target, nil); err != nil {
		t.Fatalf("prime container: %v", err)
	}

	if rec := doJSON(t, h, http.MethodPost, "/sessions", `{"containerId":"secondary"}`); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for occupied container, got %d: %s", rec.Code, rec.Body.String())
	}
	if app.Sessions.Len() != 0 {
		t.Fatalf("no session should have been registered")
	}
	if _, err := app.Renderer.Render(nil, target, nil); err != nil {
		t.Fatalf("clear container: %v", err)
	}
	if rec := doJSON(t, h, http.MethodPost, "/sessions", `{"containerId":"secondary"}`); rec.Code != http.StatusCreated {
		t.Fatalf("reservation for secondary should not leak, got %d", rec.Code)
	}
}
