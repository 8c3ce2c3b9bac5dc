package domain

import (
	"net/url"
	"time"
)

// Delivery status tokens recorded in DeliveryResult.Status. Any other value is
// the text of the delivery error.
const (
	DeliveryStatusAccepted = "201"
	DeliveryStatusTimedOut = "Timed out."
)

// Message is one broadcast and the outcome of its delivery to every subscriber reached.
type Message struct {
	ID          string
	ChannelID   string
	Text        string
	SenderIP    string
	MessageTime time.Time
	Results     []DeliveryResult
}

// DeliveryResult is the outcome of pushing one message to one subscription.
type DeliveryResult struct {
	EndpointDomain string `json:"endpoint_domain" bson:"endpoint_domain"`
	Status         string `json:"result_status" bson:"result_status"`
}

// Delivered reports whether the push service accepted the message.
func (r DeliveryResult) Delivered() bool {
	return r.Status == DeliveryStatusAccepted
}

// EndpointDomain returns the authority part of a push endpoint URL,
// or an empty string when the endpoint cannot be parsed.
func EndpointDomain(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return ""
	}
	return u.Host
}
