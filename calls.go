package relay

import "fmt"

// CallKind enumerates the typed outbound calls the SDK can deliver.
type CallKind string

const (
	CallTrack               CallKind = "track"
	CallUpdateUser          CallKind = "updateUser"
	CallRegisterDeviceToken CallKind = "registerDeviceToken"
	CallTrackInAppDelivery  CallKind = "trackInAppDelivery"
)

// Call is a typed outbound API call before serialization.
type Call struct {
	Kind   CallKind
	Name   string // event name, for track calls
	Fields map[string]any
}

// Identity is the current user identity attached to outbound calls.
type Identity struct {
	Email  string
	UserID string
}

// Device describes the installation; it is stamped onto every outbound body.
type Device struct {
	DeviceID       string
	Platform       string
	AppPackageName string
}

// RequestCreator turns a typed call into its endpoint path and JSON body.
// The default creator produces the standard API shapes; hosts with custom
// payload requirements provide their own via WithRequestCreator.
type RequestCreator interface {
	Create(call Call, id Identity) (path string, body map[string]any, err error)
}

type defaultCreator struct{}

func (defaultCreator) Create(call Call, id Identity) (string, map[string]any, error) {
	body := make(map[string]any, len(call.Fields)+3)
	for k, v := range call.Fields {
		body[k] = v
	}
	if id.Email != "" {
		body["email"] = id.Email
	}
	if id.UserID != "" {
		body["userId"] = id.UserID
	}

	switch call.Kind {
	case CallTrack:
		if call.Name == "" {
			return "", nil, fmt.Errorf("track call requires an event name")
		}
		body["eventName"] = call.Name
		return "/events/track", body, nil
	case CallUpdateUser:
		return "/users/update", body, nil
	case CallRegisterDeviceToken:
		return "/users/registerDeviceToken", body, nil
	case CallTrackInAppDelivery:
		return "/events/trackInAppDelivery", body, nil
	default:
		return "", nil, fmt.Errorf("unknown call kind %q", call.Kind)
	}
}
