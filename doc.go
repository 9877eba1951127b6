// Package relay is the durable request-delivery subsystem of a client
// analytics and messaging SDK.
//
// Outbound API calls (track events, user updates, push registrations,
// in-app telemetry) are either sent immediately (online path) or
// persisted to an embedded SQLite queue and delivered later by a polling
// runner with bounded retry and backoff (offline path). Which path a call
// takes depends on the offline-mode configuration and the health of the
// store; when persistence is failing or the queue is full, calls fall back
// to the online path so the queue cannot grow without bound.
//
// The API surface is callback-based: tracking methods never fail
// synchronously, and each queued task produces exactly one terminal
// success or failure notification.
//
//	cfg := relay.Defaults()
//	cfg.APIKey = "your-api-key"
//
//	client, err := relay.New(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.Start()
//	client.SetEmail("user@example.com")
//	client.Track("signup", map[string]any{"plan": "pro"})
package relay
