package domain

import "time"

// Subscription is one device's web push endpoint and its encryption keys.
type Subscription struct {
	ID        string
	ChannelID string
	Endpoint  string
	Auth      string
	P256dh    string
	CreatedAt time.Time
}

// SameTarget reports whether two subscriptions point at the same endpoint with the same keys.
func (s Subscription) SameTarget(other Subscription) bool {
	return s.Endpoint == other.Endpoint && s.Auth == other.Auth && s.P256dh == other.P256dh
}
