package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"idvsdk/client"
	"idvsdk/mount"
	"idvsdk/options"
	"idvsdk/tracker"
)

const maxBodyBytes = 1 << 20

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Surface  *mount.Surface
	Renderer *mount.Renderer
	Sessions *SessionRegistry
	Metrics  *tracker.Provider
	Defaults options.Defaults
}

// NewApp wires together the application state from configuration.
func NewApp(cfg Config, logger *slog.Logger) (*App, error) {
	surface := mount.NewSurface(cfg.SDK.Containers...)
	renderer := mount.NewRenderer()
	defaults := cfg.SDKDefaults(options.LoadDefaults())

	var provider *tracker.Provider
	if cfg.Metrics.Enabled {
		var err error
		provider, err = tracker.NewProvider(cfg.Metrics.Namespace)
		if err != nil {
			return nil, err
		}
	}

	app := &App{
		Config:   cfg,
		Logger:   logger,
		Surface:  surface,
		Renderer: renderer,
		Metrics:  provider,
		Defaults: defaults,
	}
	app.Sessions = NewSessionRegistry(cfg, defaults.ContainerID, app.newSDK, logger)
	return app, nil
}

// newSDK builds an isolated SDK instance sharing the surface and metrics.
func (a *App) newSDK(logger *slog.Logger) *client.SDK {
	tr := tracker.NoOp()
	if a.Config.SDK.Analytics && a.Metrics != nil {
		t, err := tracker.New(a.Metrics.MeterProvider(), a.Metrics.Namespace(), logger)
		if err != nil {
			logger.Warn("analytics disabled for session", "error", err)
		} else {
			tr = t
		}
	}
	return client.New(client.Deps{
		Surface:  a.Surface,
		Renderer: a.Renderer,
		Tracker:  tr,
		Defaults: a.Defaults,
		Logger:   logger,
	})
}

// Shutdown tears down every session and stops the meter provider.
func (a *App) Shutdown(ctx context.Context) error {
	errs := []error{a.Sessions.Close()}
	if a.Metrics != nil {
		errs = append(errs, a.Metrics.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"status": "ok", "sessions": a.Sessions.Len(), "version": client.Version})
}

func (a *App) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	raw, err := decodeOptions(w, r)
	if err != nil {
		apiError(w, http.StatusBadRequest, "invalid_options", err.Error())
		return
	}

	hosted, err := a.Sessions.Create(raw)
	if err != nil {
		a.sessionError(w, err)
		return
	}
	w.Header().Set("Location", "/sessions/"+hosted.ID)
	writeJSONStatus(w, http.StatusCreated, newSessionView(hosted))
}

func (a *App) handleGetSession(w http.ResponseWriter, r *http.Request) {
	hosted, err := a.Sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		a.sessionError(w, err)
		return
	}
	writeJSON(w, newSessionView(hosted))
}

func (a *App) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	changed, err := decodeOptions(w, r)
	if err != nil {
		apiError(w, http.StatusBadRequest, "invalid_options", err.Error())
		return
	}

	hosted, err := a.Sessions.Update(chi.URLParam(r, "id"), changed)
	if err != nil {
		a.sessionError(w, err)
		return
	}
	writeJSON(w, newSessionView(hosted))
}

func (a *App) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := a.Sessions.Delete(chi.URLParam(r, "id")); err != nil {
		a.sessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleCompleteSession(w http.ResponseWriter, r *http.Request) {
	hosted, err := a.Sessions.Complete(chi.URLParam(r, "id"))
	if err != nil {
		a.sessionError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusAccepted, newSessionView(hosted))
}

type crossDeviceRequest struct {
	RoomID string `json:"roomId"`
}

func (a *App) handleCrossDevice(w http.ResponseWriter, r *http.Request) {
	var req crossDeviceRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil || req.RoomID == "" {
		apiError(w, http.StatusBadRequest, "invalid_request", "roomId is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.Config.DialTimeout())
	defer cancel()
	hosted, err := a.Sessions.ConnectCrossDevice(ctx, chi.URLParam(r, "id"), req.RoomID)
	if err != nil {
		a.sessionError(w, err)
		return
	}
	writeJSON(w, newSessionView(hosted))
}

func (a *App) handleContainer(w http.ResponseWriter, r *http.Request) {
	snap, ok := a.Surface.Snapshot(chi.URLParam(r, "id"))
	if !ok {
		apiError(w, http.StatusNotFound, "not_found", "container not found")
		return
	}
	writeJSON(w, snap)
}

func (a *App) sessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		apiError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, ErrContainerBusy), errors.Is(err, mount.ErrContainerOccupied):
		apiError(w, http.StatusConflict, "container_busy", err.Error())
	case errors.Is(err, client.ErrContainerNotFound):
		apiError(w, http.StatusUnprocessableEntity, "container_not_found", err.Error())
	case errors.Is(err, ErrTooManySessions):
		apiError(w, http.StatusServiceUnavailable, "session_limit", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		apiError(w, http.StatusGatewayTimeout, "timeout", err.Error())
	default:
		a.Logger.Error("session operation failed", "error", err)
		apiError(w, http.StatusInternalServerError, "server_error", err.Error())
	}
}

// decodeOptions reads a RawOptions body. Unknown fields are rejected.
func decodeOptions(w http.ResponseWriter, r *http.Request) (options.RawOptions, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return options.RawOptions{}, fmt.Errorf("read options: %w", err)
	}
	raw, err := options.DecodeRaw(body)
	if err != nil {
		return options.RawOptions{}, fmt.Errorf("decode options: %w", err)
	}
	return raw, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func apiError(w http.ResponseWriter, status int, code, desc string) {
	writeJSONStatus(w, status, map[string]string{"error": code, "error_description": desc})
}
