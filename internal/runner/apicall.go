package runner

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/relaykit/relay-go/internal/api"
	"github.com/relaykit/relay-go/internal/auth"
	"github.com/relaykit/relay-go/internal/task"
)

// APICallProcessor executes stored API-call tasks over the network client.
type APICallProcessor struct {
	client *api.Client
	auth   *auth.Manager
}

// NewAPICallProcessor creates the processor for task.TypeAPICall tasks.
func NewAPICallProcessor(client *api.Client, authManager *auth.Manager) *APICallProcessor {
	return &APICallProcessor{client: client, auth: authManager}
}

// Process decodes the stored request and sends it with the current token.
// An auth failure kicks off a token refresh and stays retryable, so the
// runner re-queues the task to run once the refresh lands; the processor
// never retries synchronously.
func (p *APICallProcessor) Process(ctx context.Context, t task.Task) (any, error) {
	var req api.StoredRequest
	if err := json.Unmarshal(t.Data, &req); err != nil {
		return nil, &api.Error{Message: "malformed stored request", Err: err}
	}

	value, err := p.client.Send(ctx, req, p.auth.Token())
	if err != nil {
		var apiErr *api.Error
		if errors.As(err, &apiErr) && apiErr.AuthFailure {
			p.auth.RequestNewAuthToken(true, nil)
		}
		return nil, err
	}
	return value, nil
}
