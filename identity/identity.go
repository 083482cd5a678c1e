// Package identity describes a device on the network: the stable id peers
// use to address it, and the metadata advertised during discovery and in
// legacy HELLO frames.
package identity

import (
	"github.com/google/uuid"

	"github.com/floegence/lanshare/internal/version"
)

// DeviceIdentity is the read-only view of this device's identity, sent in
// the legacy HELLO frame and used as the map key for every registry
// (handshake sessions, pooled connections, active transfers).
type DeviceIdentity struct {
	DeviceID    string `json:"device_id"`
	DisplayName string `json:"display_name"`
	Platform    string `json:"platform"`
	AppVersion  string `json:"app_version"`
}

// New returns a DeviceIdentity with a freshly generated device id and the
// running binary's version string (see internal/version).
func New(displayName, platform string) DeviceIdentity {
	return DeviceIdentity{
		DeviceID:    uuid.NewString(),
		DisplayName: displayName,
		Platform:    platform,
		AppVersion:  version.String("", "", ""),
	}
}
