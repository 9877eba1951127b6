package api

import "time"

// Base selects which endpoint family a request targets.
type Base string

const (
	BaseAPI   Base = "api"
	BaseLinks Base = "links"
)

// AuthSnapshot is the identity captured when a request was created. Stored
// with the request so retries are sent for the identity that issued them,
// even if the SDK user changed in between.
type AuthSnapshot struct {
	UserID     string `json:"userId,omitempty"`
	Email      string `json:"email,omitempty"`
	UserIDAnon string `json:"userIdAnon,omitempty"`
}

// DeviceMetadata is attached to every outbound body.
type DeviceMetadata struct {
	DeviceID       string `json:"deviceId"`
	Platform       string `json:"platform"`
	AppPackageName string `json:"appPackageName"`
}

// StoredRequest is the serialized form of one outbound API call. It is the
// payload a task carries: everything needed to execute the call later
// without consulting mutable SDK state.
type StoredRequest struct {
	Base      Base           `json:"base"`
	Method    string         `json:"method"`
	Path      string         `json:"path"`
	Body      map[string]any `json:"body,omitempty"`
	Auth      AuthSnapshot   `json:"auth"`
	Device    DeviceMetadata `json:"device"`
	CreatedAt time.Time      `json:"createdAt"` // caller intent time, stamps Sent-At on every attempt
}

// Value is a successful API response.
type Value struct {
	StatusCode int
	Body       map[string]any
}

// RemoteConfig is the server-driven configuration fetched at startup.
type RemoteConfig struct {
	OfflineMode bool `json:"offlineMode"`
}
