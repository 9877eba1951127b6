package relay

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/relaykit/relay-go/internal/api"
	"github.com/relaykit/relay-go/internal/auth"
	"github.com/relaykit/relay-go/internal/health"
	"github.com/relaykit/relay-go/internal/notify"
	"github.com/relaykit/relay-go/internal/runner"
	"github.com/relaykit/relay-go/internal/sched"
	"github.com/relaykit/relay-go/internal/store"
	"github.com/relaykit/relay-go/internal/task"
)

// Client is the SDK entry point. It owns the durable task store, the
// polling runner, the auth manager and the network client, and routes
// every outbound call through the online or offline path.
type Client struct {
	cfg     *Config
	store   store.Store
	hub     *notify.Hub
	health  *health.Monitor
	api     *api.Client
	auth    *auth.Manager
	sched   *sched.Scheduler
	runner  *runner.Runner
	creator RequestCreator
	device  Device
	now     func() time.Time

	remoteOffline atomic.Bool
	closed        atomic.Bool
}

// New creates a Client from cfg. Every dependency is owned by this
// instance; multiple isolated clients can coexist in one process.
func New(cfg *Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = Defaults()
	}
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	o := clientOptions{
		creator: defaultCreator{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	st, err := store.NewSQLiteStore(expandHome(cfg.DatabasePath))
	if err != nil {
		return nil, err
	}

	return newClient(cfg, st, o)
}

// newClient wires a Client around an already-open store.
func newClient(cfg *Config, st store.Store, o clientOptions) (*Client, error) {
	apiOpts := []api.Option{}
	if cfg.APIBase != "" {
		apiOpts = append(apiOpts, api.WithAPIBase(cfg.APIBase))
	}
	if cfg.LinksBase != "" {
		apiOpts = append(apiOpts, api.WithLinksBase(cfg.LinksBase))
	}
	if o.httpClient != nil {
		apiOpts = append(apiOpts, api.WithHTTPClient(o.httpClient))
	}
	apiClient, err := api.New(cfg.APIKey, apiOpts...)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	var provider auth.TokenProvider
	if o.tokenProvider != nil {
		provider = providerAdapter{fn: o.tokenProvider}
	}
	authManager := auth.NewManager(provider, st, cfg.Auth.RefreshWindow)

	hub := notify.NewHub()
	for _, l := range o.listeners {
		hub.Register(listenerAdapter{l: l})
	}

	monitor := health.NewMonitor(st, cfg.Offline.MaxTasks, cfg.Offline.FailureThreshold)
	scheduler := sched.NewScheduler(st, hub, monitor, o.now)

	run := runner.NewRunner(st, hub, monitor, runner.NewMetrics(o.registerer), runner.Options{
		Interval:    cfg.Offline.PollInterval,
		MaxAttempts: cfg.Offline.MaxAttempts,
		MaxTaskAge:  cfg.Offline.MaxTaskAge,
		Now:         o.now,
	})
	run.Register(task.ProcessorAPICall, runner.NewAPICallProcessor(apiClient, authManager))

	return &Client{
		cfg:     cfg,
		store:   st,
		hub:     hub,
		health:  monitor,
		api:     apiClient,
		auth:    authManager,
		sched:   scheduler,
		runner:  run,
		creator: o.creator,
		device:  o.device,
		now:     o.now,
	}, nil
}

// Start begins executing queued tasks and refreshes the remote
// configuration in the background.
func (c *Client) Start() {
	go c.refreshRemoteConfig()
	c.runner.Start()
}

// Stop halts task polling. Queued tasks stay in the store; an attempt
// already dispatched is not cancelled.
func (c *Client) Stop() {
	c.runner.Stop()
}

// Close stops the runner and releases the store. The client must not be
// used afterwards.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.runner.Stop()
	c.auth.Close()
	return c.store.Close()
}

func (c *Client) refreshRemoteConfig() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rc, err := c.api.FetchRemoteConfig(ctx)
	if err != nil {
		slog.Warn("fetching remote config", "error", err)
		return
	}
	c.remoteOffline.Store(rc.OfflineMode)
	slog.Debug("remote config applied", "offline_mode", rc.OfflineMode)
}

// SetEmail switches the current identity to an email address. The auth
// token belongs to the old identity and is refreshed for the new one.
func (c *Client) SetEmail(email string) {
	c.auth.SetEmail(email)
}

// SetUserID switches the current identity to a user id.
func (c *Client) SetUserID(userID string) {
	c.auth.SetUserID(userID)
}

// Logout clears the identity, the auth token and every queued task.
func (c *Client) Logout() {
	c.auth.Logout()
	err := c.store.Batch(func(tx store.TaskStore) error {
		return tx.DeleteAllTasks()
	})
	if err != nil {
		c.health.RecordFailure()
		slog.Error("clearing queued tasks on logout", "error", err)
		return
	}
	c.health.RecordSuccess()
	slog.Info("logged out, queued tasks cleared")
}

// RequestNewAuthToken asks the token provider for a fresh token. See the
// auth manager semantics: concurrent requests share one refresh, and
// failure-triggered requests are suppressed after a prior failure.
func (c *Client) RequestNewAuthToken(hasFailedPriorAuth bool, onSuccess func(token string)) {
	c.auth.RequestNewAuthToken(hasFailedPriorAuth, onSuccess)
}

// CanSchedule reports whether the durable queue is currently accepting
// work. When false, calls go through the online path.
func (c *Client) CanSchedule() bool {
	return c.health.CanSchedule()
}

// PendingTasks returns the number of tasks waiting in the durable queue.
func (c *Client) PendingTasks() (int, error) {
	return c.store.CountTasks()
}

type providerAdapter struct {
	fn TokenProviderFunc
}

func (p providerAdapter) AuthToken(ctx context.Context) (string, error) {
	return p.fn(ctx)
}

type listenerAdapter struct {
	l Listener
}

func (a listenerAdapter) Notify(e notify.Event) {
	a.l.Notify(Event{Kind: EventKind(e.Kind), TaskID: e.TaskID, Err: e.Err})
}
