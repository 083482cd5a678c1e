package handshake

import (
	"encoding/json"

	"github.com/floegence/lanshare/internal/base64url"
)

// HelloSecure is the initiator's opening message: its device identity and
// ephemeral X25519 public key.
type HelloSecure struct {
	DeviceID  string
	PublicKey []byte
}

type helloSecureWire struct {
	DeviceID  string `json:"device_id"`
	PublicKey string `json:"public_key"`
}

func (h HelloSecure) MarshalJSON() ([]byte, error) {
	return json.Marshal(helloSecureWire{
		DeviceID:  h.DeviceID,
		PublicKey: base64url.Encode(h.PublicKey),
	})
}

func (h *HelloSecure) UnmarshalJSON(data []byte) error {
	var w helloSecureWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	pub, err := base64url.Decode(w.PublicKey)
	if err != nil {
		return err
	}
	h.DeviceID = w.DeviceID
	h.PublicKey = pub
	return nil
}

// HelloResponse is the responder's reply: its own device identity and
// ephemeral public key, or a rejection.
type HelloResponse struct {
	DeviceID  string
	PublicKey []byte
	Accepted  bool
}

type helloResponseWire struct {
	DeviceID  string `json:"device_id"`
	PublicKey string `json:"public_key,omitempty"`
	Accepted  bool   `json:"accepted"`
}

func (h HelloResponse) MarshalJSON() ([]byte, error) {
	w := helloResponseWire{DeviceID: h.DeviceID, Accepted: h.Accepted}
	if h.Accepted {
		w.PublicKey = base64url.Encode(h.PublicKey)
	}
	return json.Marshal(w)
}

func (h *HelloResponse) UnmarshalJSON(data []byte) error {
	var w helloResponseWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	h.DeviceID = w.DeviceID
	h.Accepted = w.Accepted
	if w.Accepted {
		pub, err := base64url.Decode(w.PublicKey)
		if err != nil {
			return err
		}
		h.PublicKey = pub
	}
	return nil
}
