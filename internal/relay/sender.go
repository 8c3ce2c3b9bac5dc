package relay

import (
	"context"

	"github.com/bissquit/notify-relay/internal/domain"
)

// Sender delivers one encoded payload to one subscription.
// A nil error means the push service accepted the message.
type Sender interface {
	Send(ctx context.Context, sub domain.Subscription, payload []byte) error
}
