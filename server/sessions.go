package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"idvsdk/client"
	"idvsdk/events"
	"idvsdk/flowstate"
	"idvsdk/options"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrContainerBusy   = errors.New("container already has a mounted session")
	ErrTooManySessions = errors.New("session limit reached")
)

// SDKFactory builds one SDK instance per hosted session.
type SDKFactory func(logger *slog.Logger) *client.SDK

// RecordedEvent is a public SDK event captured for the HTTP caller.
type RecordedEvent struct {
	Event   string    `json:"event"`
	Type    string    `json:"type,omitempty"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// HostedSession pairs a mounted SDK session with its bookkeeping.
type HostedSession struct {
	ID        string
	CreatedAt time.Time

	sdk     *client.SDK
	session *client.Session

	mu        sync.Mutex
	expiresAt time.Time
	events    []RecordedEvent
}

func (h *HostedSession) SDK() *client.SDK         { return h.sdk }
func (h *HostedSession) Session() *client.Session { return h.session }

func (h *HostedSession) ExpiresAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.expiresAt
}

// Events returns the public events seen so far.
func (h *HostedSession) Events() []RecordedEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]RecordedEvent, len(h.events))
	copy(out, h.events)
	return out
}

func (h *HostedSession) record(ev RecordedEvent) {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
}

func (h *HostedSession) touch(now time.Time, ttl time.Duration) {
	h.mu.Lock()
	h.expiresAt = now.Add(ttl)
	h.mu.Unlock()
}

// SessionRegistry tracks hosted sessions by ID and by container.
type SessionRegistry struct {
	newSDK           SDKFactory
	logger           *slog.Logger
	ttl              time.Duration
	max              int
	defaultContainer string
	now              func() time.Time

	mu          sync.Mutex
	sessions    map[string]*HostedSession
	byContainer map[string]string
}

// NewSessionRegistry constructs a registry honouring config. defaultContainer
// is the mount target used when options name none.
func NewSessionRegistry(cfg Config, defaultContainer string, newSDK SDKFactory, logger *slog.Logger) *SessionRegistry {
	if defaultContainer == "" {
		defaultContainer = options.DefaultContainerID
	}
	return &SessionRegistry{
		newSDK:           newSDK,
		logger:           logger,
		ttl:              cfg.SessionTTL(),
		max:              cfg.Sessions.MaxSessions,
		defaultContainer: defaultContainer,
		now:              time.Now,
		sessions:    make(map[string]*HostedSession),
		byContainer: make(map[string]string),
	}
}

// Create mounts a new session. The public callbacks are replaced so that
// events are recorded on the hosted session. The container is reserved under
// the same identifier the normalizer resolves, and reservations count against
// the session limit while Init is still running.
func (sr *SessionRegistry) Create(raw options.RawOptions) (*HostedSession, error) {
	containerID := options.ResolveContainerID(raw.ContainerID, sr.defaultContainer)

	sr.mu.Lock()
	if len(sr.byContainer) >= sr.max {
		sr.mu.Unlock()
		return nil, ErrTooManySessions
	}
	if _, busy := sr.byContainer[containerID]; busy {
		sr.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrContainerBusy, containerID)
	}
	id := uuid.NewString()
	sr.byContainer[containerID] = id
	sr.mu.Unlock()

	now := sr.now()
	hosted := &HostedSession{ID: id, CreatedAt: now, expiresAt: now.Add(sr.ttl)}
	logger := sr.logger.With("session_id", id)
	hosted.sdk = sr.newSDK(logger)
	sr.attachCallbacks(hosted, &raw)

	sess, err := hosted.sdk.Init(raw)
	if err != nil {
		sr.mu.Lock()
		delete(sr.byContainer, containerID)
		sr.mu.Unlock()
		return nil, err
	}
	hosted.session = sess

	sr.mu.Lock()
	sr.sessions[id] = hosted
	sr.mu.Unlock()
	logger.Info("session created", "container", containerID)
	return hosted, nil
}

func (sr *SessionRegistry) attachCallbacks(h *HostedSession, raw *options.RawOptions) {
	raw.OnComplete = func() {
		h.record(RecordedEvent{Event: events.Complete, At: sr.now()})
	}
	raw.OnError = func(ev events.ErrorEvent) {
		h.record(RecordedEvent{Event: events.Error, Type: ev.Type, Message: ev.Message, At: sr.now()})
	}
}

// Get returns a live session and extends its lifetime.
func (sr *SessionRegistry) Get(id string) (*HostedSession, error) {
	sr.mu.Lock()
	h, ok := sr.sessions[id]
	sr.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	h.touch(sr.now(), sr.ttl)
	return h, nil
}

// Update applies changed options to the session.
func (sr *SessionRegistry) Update(id string, changed options.RawOptions) (*HostedSession, error) {
	h, err := sr.Get(id)
	if err != nil {
		return nil, err
	}
	changed.OnComplete = nil
	changed.OnError = nil
	if _, err := h.session.SetOptions(changed); err != nil {
		if errors.Is(err, client.ErrTornDown) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return h, nil
}

// Complete emits the complete event as the flow would on success.
func (sr *SessionRegistry) Complete(id string) (*HostedSession, error) {
	h, err := sr.Get(id)
	if err != nil {
		return nil, err
	}
	h.sdk.Bus().Emit(events.Complete, nil)
	return h, nil
}

// ConnectCrossDevice opens the session's hand-off socket.
func (sr *SessionRegistry) ConnectCrossDevice(ctx context.Context, id, roomID string) (*HostedSession, error) {
	h, err := sr.Get(id)
	if err != nil {
		return nil, err
	}
	if err := h.session.ConnectCrossDevice(ctx, roomID); err != nil {
		if errors.Is(err, client.ErrTornDown) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return h, nil
}

// Delete tears the session down and forgets it. The session is removed even
// when teardown reports errors.
func (sr *SessionRegistry) Delete(id string) error {
	sr.mu.Lock()
	h, ok := sr.sessions[id]
	if ok {
		delete(sr.sessions, id)
		for c, sid := range sr.byContainer {
			if sid == id {
				delete(sr.byContainer, c)
			}
		}
	}
	sr.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	if err := h.session.TearDown(); err != nil {
		sr.logger.Error("session teardown failed", "session_id", id, "error", err)
		return err
	}
	sr.logger.Info("session deleted", "session_id", id)
	return nil
}

// Sweep tears down sessions whose lifetime has passed and returns their IDs.
func (sr *SessionRegistry) Sweep() []string {
	now := sr.now()
	sr.mu.Lock()
	var expired []string
	for id, h := range sr.sessions {
		if now.After(h.ExpiresAt()) {
			expired = append(expired, id)
		}
	}
	sr.mu.Unlock()

	sort.Strings(expired)
	for _, id := range expired {
		if err := sr.Delete(id); err != nil && !errors.Is(err, ErrSessionNotFound) {
			sr.logger.Warn("expired session teardown incomplete", "session_id", id, "error", err)
		}
	}
	return expired
}

// StartSweeper runs Sweep every interval until ctx is done.
func (sr *SessionRegistry) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if ids := sr.Sweep(); len(ids) > 0 {
					sr.logger.Info("expired sessions removed", "count", len(ids))
				}
			}
		}
	}()
}

// Close tears down every session.
func (sr *SessionRegistry) Close() error {
	sr.mu.Lock()
	ids := make([]string, 0, len(sr.sessions))
	for id := range sr.sessions {
		ids = append(ids, id)
	}
	sr.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := sr.Delete(id); err != nil && !errors.Is(err, ErrSessionNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len reports the number of live sessions.
func (sr *SessionRegistry) Len() int {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return len(sr.sessions)
}

// sessionView is the JSON shape returned for a session.
type sessionView struct {
	ID        string            `json:"id"`
	Element   string            `json:"elementId,omitempty"`
	Options   configView        `json:"options"`
	Warnings  []options.Warning `json:"warnings,omitempty"`
	Events    []RecordedEvent   `json:"events"`
	Flow      flowstate.State   `json:"flow"`
	CreatedAt time.Time         `json:"createdAt"`
	ExpiresAt time.Time         `json:"expiresAt"`
}

type configView struct {
	HasToken             bool           `json:"hasToken"`
	URLs                 options.URLMap `json:"urls"`
	ContainerID          string         `json:"containerId"`
	Steps                []options.Step `json:"steps"`
	SMSNumberCountryCode string         `json:"smsNumberCountryCode"`
	Language             string         `json:"language,omitempty"`
	UseModal             bool           `json:"useModal"`
	IsModalOpen          bool           `json:"isModalOpen"`
}

func newSessionView(h *HostedSession) sessionView {
	cfg := h.session.Options()
	view := sessionView{
		ID: h.ID,
		Options: configView{
			HasToken:             cfg.HasToken(),
			URLs:                 cfg.URLs,
			ContainerID:          cfg.ContainerID,
			Steps:                cfg.Steps,
			SMSNumberCountryCode: cfg.SMSNumberCountryCode,
			Language:             cfg.Language,
			UseModal:             cfg.UseModal,
			IsModalOpen:          cfg.IsModalOpen,
		},
		Warnings:  h.session.Warnings(),
		Events:    h.Events(),
		Flow:      h.sdk.State().Snapshot(),
		CreatedAt: h.CreatedAt,
		ExpiresAt: h.ExpiresAt(),
	}
	if el, ok := h.session.Element().(interface{ ID() string }); ok {
		view.Element = el.ID()
	}
	return view
}
