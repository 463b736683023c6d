package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Event names sent by the SDK.
const (
	EventFlowCompleted = "completed_flow"
)

// Tracker is the analytics emitter used by an SDK instance. Events sent while
// the tracker is not installed are dropped.
type Tracker interface {
	// Install starts recording and returns an ID for the installation.
	Install() string
	// Uninstall stops recording. It is safe to call when not installed.
	Uninstall()
	// SendEvent records name and reports whether it was recorded.
	SendEvent(ctx context.Context, name string) bool
}

type otelTracker struct {
	events metric.Int64Counter
	active metric.Int64UpDownCounter
	logger *slog.Logger

	mu        sync.Mutex
	installID string
}

// New returns a Tracker recording into meterProvider.
func New(meterProvider metric.MeterProvider, namespace string, logger *slog.Logger) (Tracker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	meter := meterProvider.Meter(namespace)

	events, err := meter.Int64Counter(
		fmt.Sprintf("%s_sdk_events_total", namespace),
		metric.WithDescription("Total number of SDK analytics events"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create event counter: %w", err)
	}

	active, err := meter.Int64UpDownCounter(
		fmt.Sprintf("%s_sdk_installs_active", namespace),
		metric.WithDescription("Number of installed SDK trackers"),
		metric.WithUnit("{install}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create install gauge: %w", err)
	}

	return &otelTracker{events: events, active: active, logger: logger}, nil
}

func (t *otelTracker) Install() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.installID != "" {
		return t.installID
	}
	t.installID = uuid.NewString()
	t.active.Add(context.Background(), 1)
	t.logger.Debug("tracker installed", "install_id", t.installID)
	return t.installID
}

func (t *otelTracker) Uninstall() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.installID == "" {
		return
	}
	t.active.Add(context.Background(), -1)
	t.logger.Debug("tracker uninstalled", "install_id", t.installID)
	t.installID = ""
}

func (t *otelTracker) SendEvent(ctx context.Context, name string) bool {
	t.mu.Lock()
	installed := t.installID != ""
	t.mu.Unlock()
	if !installed {
		return false
	}
	t.events.Add(ctx, 1, metric.WithAttributes(attribute.String("event", name)))
	return true
}

type noOpTracker struct{}

// NoOp returns a Tracker that records nothing.
func NoOp() Tracker { return noOpTracker{} }

func (noOpTracker) Install() string                        { return "" }
func (noOpTracker) Uninstall()                             {}
func (noOpTracker) SendEvent(context.Context, string) bool { return false }
