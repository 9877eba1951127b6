package relay

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EventKind identifies a task lifecycle transition.
type EventKind string

const (
	EventScheduled EventKind = "task.scheduled"
	EventSucceeded EventKind = "task.succeeded"
	EventFailed    EventKind = "task.failed"
)

// Event is a task lifecycle notification delivered to listeners. Succeeded
// and failed are terminal; each task emits exactly one terminal event.
type Event struct {
	Kind   EventKind
	TaskID string
	Err    error
}

// Listener receives broadcast task lifecycle events.
type Listener interface {
	Notify(event Event)
}

// TokenProviderFunc is the host delegate producing fresh auth tokens.
type TokenProviderFunc func(ctx context.Context) (string, error)

type clientOptions struct {
	httpClient    *http.Client
	tokenProvider TokenProviderFunc
	creator       RequestCreator
	device        Device
	listeners     []Listener
	now           func() time.Time
	registerer    prometheus.Registerer
}

// Option configures the client.
type Option func(*clientOptions)

// WithHTTPClient sets a custom HTTP client for all outbound requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *clientOptions) {
		o.httpClient = hc
	}
}

// WithTokenProvider sets the delegate asked for fresh auth tokens. Without
// one, requests are sent unauthenticated and refresh requests are dropped.
func WithTokenProvider(fn TokenProviderFunc) Option {
	return func(o *clientOptions) {
		o.tokenProvider = fn
	}
}

// WithRequestCreator replaces the default payload builder.
func WithRequestCreator(rc RequestCreator) Option {
	return func(o *clientOptions) {
		o.creator = rc
	}
}

// WithDevice sets the device metadata stamped onto outbound bodies.
func WithDevice(d Device) Option {
	return func(o *clientOptions) {
		o.device = d
	}
}

// WithListener registers a broadcast listener for task lifecycle events.
func WithListener(l Listener) Option {
	return func(o *clientOptions) {
		o.listeners = append(o.listeners, l)
	}
}

// WithClock injects the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *clientOptions) {
		o.now = now
	}
}

// WithMetricsRegisterer exports delivery metrics on reg. Without it,
// metrics stay on a private registry.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(o *clientOptions) {
		o.registerer = reg
	}
}
