package client

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync"

	"idvsdk/events"
	"idvsdk/options"
)

// Session is one mount of the flow. Its methods are safe for concurrent use;
// overlapping calls run one after another.
type Session struct {
	sdk *SDK

	mu        sync.Mutex
	cfg       options.Configuration
	binding   events.Binding
	container Container
	element   Element
	warnings  []options.Warning
	tornDown  bool
}

// Options returns a copy of the current configuration.
func (s *Session) Options() options.Configuration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Clone()
}

// Element returns the rendered element, or nil after TearDown.
func (s *Session) Element() Element {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.element
}

// Warnings returns the diagnostics from the latest normalization.
func (s *Session) Warnings() []options.Warning {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.warnings)
}

// SetOptions merges changed over the current options, rebinds the public
// callbacks and re-renders in place. The container is fixed at Init.
func (s *Session) SetOptions(changed options.RawOptions) (options.Configuration, error) {
	cfg, invalid, err := s.reconfigure(changed)
	if err != nil {
		return cfg.Clone(), err
	}
	if invalid {
		s.sdk.bus.Emit(events.Error, events.InvalidToken)
	}
	return cfg.Clone(), nil
}

func (s *Session) reconfigure(changed options.RawOptions) (options.Configuration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tornDown {
		return options.Configuration{}, false, ErrTornDown
	}

	sdk := s.sdk
	prev := s.cfg
	tokenInvalid := false
	mounted := s.container.ID()
	var pinned *options.Warning
	if changed.ContainerID != nil {
		if requested := options.ResolveContainerID(changed.ContainerID, mounted); requested != mounted {
			sdk.logger.Warn("containerId cannot change after init", "container", mounted, "requested", requested)
			pinned = &options.Warning{
				Field:   "containerId",
				Message: "`containerId` cannot change after init; '" + mounted + "' is still used",
			}
		}
		changed.ContainerID = nil
	}
	cfg, warnings := sdk.normalizer.Normalize(options.Merge(prev.Raw(), changed), func(error) { tokenInvalid = true })
	cfg.ContainerID = mounted
	if pinned != nil {
		warnings = append(warnings, *pinned)
	}

	s.binding = sdk.bus.Rebind(s.binding, cfg.OnComplete, cfg.OnError)
	s.cfg = cfg
	s.warnings = warnings
	sdk.prepareState(prev, cfg)

	el, err := sdk.renderer.Render(sdk.view(cfg), s.container, s.element)
	if err != nil {
		return cfg, false, fmt.Errorf("render flow: %w", err)
	}
	s.element = el
	return cfg, tokenInvalid || !cfg.HasToken(), nil
}

// ConnectCrossDevice opens the hand-off socket for roomID on the configured
// sync URL. A socket that was already open is closed and replaced.
func (s *Session) ConnectCrossDevice(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tornDown {
		return ErrTornDown
	}

	sdk := s.sdk
	sock, err := sdk.dial(ctx, s.cfg.URLs[options.URLKeySync], roomID, sdk.bus, sdk.logger)
	if err != nil {
		return fmt.Errorf("connect cross-device: %w", err)
	}
	if prev := sdk.state.SetSocket(sock); prev != nil {
		if err := prev.Close(); err != nil {
			sdk.logger.Warn("failed to close replaced socket", "error", err)
		}
	}
	return nil
}

// TearDown releases the session: it closes the cross-device socket, resets
// flow state, removes the complete and error listeners, unmounts the flow and
// uninstalls the tracker. Every step runs even when an earlier one fails; the
// failures are joined in the returned error. The tracker is uninstalled and
// the SDK released even if the renderer panics. Calls after the first return
// nil.
func (s *Session) TearDown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tornDown {
		return nil
	}
	s.tornDown = true

	sdk := s.sdk
	defer func() {
		s.element = nil
		sdk.tracker.Uninstall()
		sdk.release(s)
	}()

	var errs []error
	if err := sdk.state.CloseSocket(); err != nil {
		errs = append(errs, fmt.Errorf("close socket: %w", err))
	}
	sdk.state.Reset()
	sdk.bus.RemoveAll(events.Complete, events.Error)
	if _, err := sdk.renderer.Render(nil, s.container, s.element); err != nil {
		errs = append(errs, fmt.Errorf("unmount: %w", err))
	}

	err := errors.Join(errs...)
	if err != nil {
		sdk.logger.Error("teardown incomplete", "error", err)
		return err
	}
	sdk.logger.Info("flow unmounted", "container", s.container.ID())
	return nil
}

func stepsEqual(a, b []options.Step) bool {
	return reflect.DeepEqual(a, b)
}
