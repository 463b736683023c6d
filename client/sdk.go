// Package client runs the embedded verification flow: it mounts the flow
// into a host container, reconfigures it in place and tears it down.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"idvsdk/crossdevice"
	"idvsdk/events"
	"idvsdk/flowstate"
	"idvsdk/options"
	"idvsdk/token"
	"idvsdk/tracker"
)

// Version is stamped at build time with -ldflags "-X idvsdk/client.Version=...".
var Version = "dev"

var (
	// ErrTornDown is returned by session operations after TearDown.
	ErrTornDown = errors.New("session torn down")
	// ErrContainerNotFound is returned by Init when the mount target is missing.
	ErrContainerNotFound = errors.New("container not found")
	// ErrSessionActive is returned by Init while a previous session is mounted.
	ErrSessionActive = errors.New("session already mounted")
)

// Container is a mount target on the host surface.
type Container interface {
	ID() string
}

// Surface resolves mount targets by identifier.
type Surface interface {
	Container(id string) (Container, bool)
}

// Element is the handle of a rendered flow.
type Element interface {
	ContainerID() string
}

// View is what the renderer draws for one configuration.
type View struct {
	Options options.Configuration
	Flow    flowstate.State
	Bus     *events.Bus
}

// Renderer draws views into containers. When prev is non-nil the renderer
// must update it in place and return the same element. A nil view unmounts
// whatever is in the container and returns a nil element.
type Renderer interface {
	Render(view *View, container Container, prev Element) (Element, error)
}

// DialFunc opens a cross-device socket.
type DialFunc func(ctx context.Context, syncURL, roomID string, bus crossdevice.Emitter, logger *slog.Logger) (flowstate.Socket, error)

// Deps are the collaborators of one SDK instance.
type Deps struct {
	Surface  Surface
	Renderer Renderer
	// Tracker defaults to tracker.NoOp.
	Tracker tracker.Tracker
	// Defaults defaults to options.CompiledDefaults.
	Defaults options.Defaults
	Logger   *slog.Logger
	Now      func() time.Time
	Dial     DialFunc
}

// SDK is one embedded SDK instance. Its event bus and flow state are shared
// by the sessions it creates and by nothing else.
type SDK struct {
	surface    Surface
	renderer   Renderer
	tracker    tracker.Tracker
	normalizer *options.Normalizer
	bus        *events.Bus
	state      *flowstate.Store
	dial       DialFunc
	logger     *slog.Logger

	mu        sync.Mutex
	active    *Session
	mounting  bool
	analytics events.Subscription
}

// New returns an SDK instance wired to d.
func New(d Deps) *SDK {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tr := d.Tracker
	if tr == nil {
		tr = tracker.NoOp()
	}
	dial := d.Dial
	if dial == nil {
		dial = dialCrossDevice
	}
	trust := token.NewTrust(logger, d.Now)

	return &SDK{
		surface:    d.Surface,
		renderer:   d.Renderer,
		tracker:    tr,
		normalizer: options.NewNormalizer(d.Defaults, trust, logger),
		bus:        events.NewBus(logger),
		state:      flowstate.New(),
		dial:       dial,
		logger:     logger,
	}
}

func dialCrossDevice(ctx context.Context, syncURL, roomID string, bus crossdevice.Emitter, logger *slog.Logger) (flowstate.Socket, error) {
	conn, err := crossdevice.Dial(ctx, syncURL, roomID, bus, logger)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Bus returns the instance's event bus.
func (s *SDK) Bus() *events.Bus { return s.bus }

// State returns the instance's flow state.
func (s *SDK) State() *flowstate.Store { return s.state }

// Init normalizes raw, mounts the flow into the configured container and
// returns the live session. A missing, malformed or expired token does not
// prevent mounting; it is reported through the error event once the flow is
// rendered.
func (s *SDK) Init(raw options.RawOptions) (*Session, error) {
	s.logger.Info("onfido_sdk_version", "version", Version)

	s.mu.Lock()
	if s.active != nil || s.mounting {
		s.mu.Unlock()
		return nil, ErrSessionActive
	}
	s.mounting = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.mounting = false
		s.mu.Unlock()
	}()

	tokenInvalid := false
	cfg, warnings := s.normalizer.Normalize(raw, func(error) { tokenInvalid = true })

	container, ok := s.surface.Container(cfg.ContainerID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrContainerNotFound, cfg.ContainerID)
	}

	s.tracker.Install()
	s.installAnalytics()
	binding := s.bus.Bind(cfg.OnComplete, cfg.OnError)
	s.prepareState(options.Configuration{}, cfg)

	el, err := s.renderer.Render(s.view(cfg), container, nil)
	if err != nil {
		s.bus.Off(events.Complete, binding.Complete)
		s.bus.Off(events.Error, binding.Error)
		s.state.Reset()
		s.tracker.Uninstall()
		return nil, fmt.Errorf("render flow: %w", err)
	}

	sess := &Session{
		sdk:       s,
		cfg:       cfg,
		binding:   binding,
		container: container,
		element:   el,
		warnings:  warnings,
	}
	s.mu.Lock()
	s.active = sess
	s.mu.Unlock()

	s.logger.Info("flow mounted", "container", cfg.ContainerID, "steps", len(cfg.Steps))
	if tokenInvalid || !cfg.HasToken() {
		s.bus.Emit(events.Error, events.InvalidToken)
	}
	return sess, nil
}

// installAnalytics subscribes the flow-completed tracker event unless it is
// already subscribed.
func (s *SDK) installAnalytics() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.analytics != 0 && s.bus.Has(events.Complete, s.analytics) {
		return
	}
	s.analytics = s.bus.On(events.Complete, func(any) {
		s.tracker.SendEvent(context.Background(), tracker.EventFlowCompleted)
	})
}

func (s *SDK) view(cfg options.Configuration) *View {
	return &View{Options: cfg, Flow: s.state.Snapshot(), Bus: s.bus}
}

// prepareState copies option values that steps read from flow state.
func (s *SDK) prepareState(prev, next options.Configuration) {
	if next.UserDetails.SMSNumber != prev.UserDetails.SMSNumber {
		s.state.SetMobileNumber(next.UserDetails.SMSNumber)
	}
	if stepsEqual(prev.Steps, next.Steps) {
		return
	}
	if docs := options.EnabledDocuments(next.Steps); len(docs) == 1 {
		s.state.SetIDDocumentType(docs[0])
	}
}

func (s *SDK) release(sess *Session) {
	s.mu.Lock()
	if s.active == sess {
		s.active = nil
	}
	s.mu.Unlock()
}
