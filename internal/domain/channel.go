package domain

import "time"

// Channel is a broadcast group. It is immutable once created.
type Channel struct {
	ID           string
	CreatedAt    time.Time
	CreatedAgent string
	CreatedIP    string
}
