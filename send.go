package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/relaykit/relay-go/internal/api"
)

const onlineSendTimeout = 60 * time.Second

type sendOptions struct {
	onSuccess func(response map[string]any)
	onFailure func(err error)
}

// SendOption attaches completion callbacks to a tracking call.
type SendOption func(*sendOptions)

// WithOnSuccess is invoked once the call is delivered. On the offline path
// delivery may happen much later and response is nil.
func WithOnSuccess(fn func(response map[string]any)) SendOption {
	return func(o *sendOptions) {
		o.onSuccess = fn
	}
}

// WithOnFailure is invoked when the call terminally fails. Without it,
// failures are observable only through listeners and logs.
func WithOnFailure(fn func(err error)) SendOption {
	return func(o *sendOptions) {
		o.onFailure = fn
	}
}

func (o sendOptions) succeed(response map[string]any) {
	if o.onSuccess != nil {
		o.onSuccess(response)
	}
}

func (o sendOptions) fail(err error) {
	if o.onFailure != nil {
		o.onFailure(err)
		return
	}
	slog.Warn("send failed", "error", err)
}

// Track records a custom event.
func (c *Client) Track(event string, fields map[string]any, opts ...SendOption) {
	c.send(Call{Kind: CallTrack, Name: event, Fields: fields}, opts...)
}

// UpdateUser updates profile fields for the current identity.
func (c *Client) UpdateUser(fields map[string]any, opts ...SendOption) {
	c.send(Call{Kind: CallUpdateUser, Fields: fields}, opts...)
}

// RegisterDeviceToken registers a push notification token.
func (c *Client) RegisterDeviceToken(token string, opts ...SendOption) {
	c.send(Call{Kind: CallRegisterDeviceToken, Fields: map[string]any{"token": token}}, opts...)
}

// TrackInAppDelivery records that an in-app message was delivered.
func (c *Client) TrackInAppDelivery(messageID string, opts ...SendOption) {
	c.send(Call{Kind: CallTrackInAppDelivery, Fields: map[string]any{"messageId": messageID}}, opts...)
}

// send is the mode selector: each call goes through the durable queue when
// offline mode is on and the store is healthy, and straight to the network
// otherwise. Results reach the caller only via callbacks; nothing is ever
// thrown at the call site.
func (c *Client) send(call Call, opts ...SendOption) {
	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}

	if c.closed.Load() {
		o.fail(ErrClientClosed)
		return
	}

	email, userID := c.auth.Identity()
	id := Identity{Email: email, UserID: userID}

	path, body, err := c.creator.Create(call, id)
	if err != nil {
		o.fail(err)
		return
	}

	req := api.StoredRequest{
		Base:   api.BaseAPI,
		Method: http.MethodPost,
		Path:   path,
		Body:   body,
		Auth:   api.AuthSnapshot{Email: email, UserID: userID},
		Device: api.DeviceMetadata{
			DeviceID:       c.device.DeviceID,
			Platform:       c.device.Platform,
			AppPackageName: c.device.AppPackageName,
		},
		CreatedAt: c.now(),
	}

	if c.useOfflinePath() {
		c.sendOffline(req, o)
		return
	}
	go c.sendOnline(req, o)
}

func (c *Client) useOfflinePath() bool {
	if !c.remoteOffline.Load() && !c.cfg.Offline.Enabled {
		return false
	}
	return c.health.CanSchedule()
}

func (c *Client) sendOffline(req api.StoredRequest, o sendOptions) {
	// Callbacks mean the caller wants the eventual delivery outcome,
	// not just the scheduling outcome.
	blocking := o.onSuccess != nil || o.onFailure != nil

	p := c.sched.Schedule(req, blocking)
	if !blocking {
		return
	}

	go func() {
		<-p.Done()
		if _, err := p.Result(); err != nil {
			o.fail(mapSendError(err))
			return
		}
		o.succeed(nil)
	}()
}

// sendOnline sends directly, with a single refresh-and-retry when the
// server rejects the auth token. There is no second retry: a call that
// still fails after one refresh is reported as failed.
func (c *Client) sendOnline(req api.StoredRequest, o sendOptions) {
	ctx, cancel := context.WithTimeout(context.Background(), onlineSendTimeout)
	defer cancel()

	value, err := c.api.Send(ctx, req, c.auth.Token())
	if err != nil {
		var apiErr *api.Error
		if errors.As(err, &apiErr) && apiErr.AuthFailure {
			value, err = c.retryWithFreshToken(ctx, req, err)
		}
	}
	if err != nil {
		o.fail(mapSendError(err))
		return
	}
	o.succeed(value.Body)
}

func (c *Client) retryWithFreshToken(ctx context.Context, req api.StoredRequest, cause error) (*api.Value, error) {
	tokenCh := make(chan string, 1)
	c.auth.RequestNewAuthToken(true, func(token string) {
		tokenCh <- token
	})

	select {
	case token := <-tokenCh:
		if token == "" {
			return nil, cause
		}
		return c.api.Send(ctx, req, token)
	case <-ctx.Done():
		return nil, cause
	}
}
