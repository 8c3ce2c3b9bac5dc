package relay

import "errors"

// Repository errors.
var (
	ErrChannelNotFound      = errors.New("channel not found")
	ErrSubscriptionNotFound = errors.New("subscription not found")
)

// Service errors.
var (
	ErrSubscriptionConflict = errors.New("subscription id already used with a different endpoint")
)
