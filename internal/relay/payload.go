package relay

import (
	"encoding/json"
	"net/url"
)

// Payload is the JSON document pushed to every subscriber's service worker.
type Payload struct {
	Message string `json:"message"`
	Action  string `json:"action"`
	Channel string `json:"channel"`
	Vibrate bool   `json:"vibrate"`
	Silent  bool   `json:"silent"`
}

// ParsePayload builds the payload for a raw send body. A form-encoded body with a
// "message" field may override the click action with an "action" field; any other
// body is the message text itself.
func ParsePayload(raw, channelID, defaultAction string) Payload {
	p := Payload{
		Message: raw,
		Action:  defaultAction,
		Channel: channelID,
	}

	values, err := url.ParseQuery(raw)
	if err != nil || !values.Has("message") {
		return p
	}

	p.Message = values.Get("message")
	if action := values.Get("action"); action != "" {
		p.Action = action
	}
	return p
}

// Encode returns the JSON encoding of p.
func (p Payload) Encode() ([]byte, error) {
	return json.Marshal(p)
}
