package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bissquit/notify-relay/internal/domain"
	"github.com/bissquit/notify-relay/internal/pkg/ctxlog"
)

// Fan-out defaults.
const (
	DefaultDeliveryTimeout = 10 * time.Second
	DefaultFanoutPageSize  = 10
)

// DispatcherConfig contains dispatcher configuration.
type DispatcherConfig struct {
	// DeliveryTimeout bounds every single delivery.
	DeliveryTimeout time.Duration
	// PageSize caps how many subscriptions one send reaches.
	PageSize int
	// MaxParallel caps concurrent deliveries per send. Zero means one per subscriber.
	MaxParallel int
}

// DefaultDispatcherConfig returns default dispatcher configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		DeliveryTimeout: DefaultDeliveryTimeout,
		PageSize:        DefaultFanoutPageSize,
	}
}

// Dispatcher broadcasts messages to every subscriber of a channel.
type Dispatcher struct {
	stores *StorePool
	sender Sender
	links  Links
	config DispatcherConfig
	now    func() time.Time
}

// NewDispatcher creates a new dispatcher.
func NewDispatcher(stores *StorePool, sender Sender, links Links, config DispatcherConfig) *Dispatcher {
	if config.DeliveryTimeout <= 0 {
		config.DeliveryTimeout = DefaultDeliveryTimeout
	}
	if config.PageSize <= 0 {
		config.PageSize = DefaultFanoutPageSize
	}
	return &Dispatcher{
		stores: stores,
		sender: sender,
		links:  links,
		config: config,
		now:    time.Now,
	}
}

// Send delivers raw to the channel's subscribers and records the outcome.
// Individual delivery failures end up in the message results; only a missing
// channel or a store failure is returned as an error.
func (d *Dispatcher) Send(ctx context.Context, channelID, raw, senderIP string) (*domain.Message, error) {
	var subs []domain.Subscription
	err := withStore(ctx, d.stores, func(store Store) error {
		if _, err := store.GetChannel(ctx, channelID); err != nil {
			return err
		}

		var err error
		// one extra row tells a full page apart from a truncated one
		subs, err = store.ListSubscriptions(ctx, channelID, d.config.PageSize+1)
		if err != nil {
			return fmt.Errorf("list subscriptions: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(subs) > d.config.PageSize {
		subs = subs[:d.config.PageSize]
		ctxlog.FromContext(ctx).Warn("fan-out page is full, later subscribers are not reached",
			"page_size", d.config.PageSize,
		)
	}

	payload := ParsePayload(raw, channelID, d.links.ChannelPage(channelID))
	body, err := payload.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	// The sender hanging up must not cut deliveries short or lose the record.
	detached := context.WithoutCancel(ctx)

	results := d.fanOut(detached, body, subs)

	msg := &domain.Message{
		ChannelID:   channelID,
		Text:        payload.Message,
		SenderIP:    senderIP,
		MessageTime: d.now().UTC(),
		Results:     results,
	}

	err = withStore(detached, d.stores, func(store Store) error {
		return store.CreateMessage(detached, msg)
	})
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	recordMessageSent(len(subs))
	delivered, timedOut := countOutcomes(results)
	ctxlog.FromContext(ctx).Info("message sent",
		"subscribers", len(subs),
		"delivered", delivered,
		"timed_out", timedOut,
		"failed", len(results)-delivered-timedOut,
	)

	return msg, nil
}

// fanOut runs one delivery per subscription and returns results in subscription order.
func (d *Dispatcher) fanOut(ctx context.Context, body []byte, subs []domain.Subscription) []domain.DeliveryResult {
	results := make([]domain.DeliveryResult, len(subs))

	var g errgroup.Group
	if d.config.MaxParallel > 0 {
		g.SetLimit(d.config.MaxParallel)
	}

	for i, sub := range subs {
		g.Go(func() error {
			results[i] = d.deliver(ctx, body, sub)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (d *Dispatcher) deliver(ctx context.Context, body []byte, sub domain.Subscription) domain.DeliveryResult {
	result := domain.DeliveryResult{
		EndpointDomain: domain.EndpointDomain(sub.Endpoint),
	}

	ctx, cancel := context.WithTimeout(ctx, d.config.DeliveryTimeout)
	defer cancel()

	start := time.Now()

	// Buffered so a sender that ignores ctx can still finish without blocking.
	done := make(chan error, 1)
	go func() {
		done <- d.sender.Send(ctx, sub, body)
	}()

	var outcome string
	select {
	case err := <-done:
		switch {
		case err == nil:
			result.Status = domain.DeliveryStatusAccepted
			outcome = outcomeDelivered
		case errors.Is(err, context.DeadlineExceeded):
			result.Status = domain.DeliveryStatusTimedOut
			outcome = outcomeTimedOut
		default:
			result.Status = err.Error()
			outcome = outcomeFailed
			ctxlog.FromContext(ctx).Warn("delivery failed",
				"subscription_id", sub.ID,
				"endpoint_domain", result.EndpointDomain,
				"error", err,
			)
		}
	case <-ctx.Done():
		result.Status = domain.DeliveryStatusTimedOut
		outcome = outcomeTimedOut
	}

	if outcome == outcomeTimedOut {
		ctxlog.FromContext(ctx).Warn("delivery timed out",
			"subscription_id", sub.ID,
			"endpoint_domain", result.EndpointDomain,
			"timeout", d.config.DeliveryTimeout,
		)
	}

	recordDelivery(outcome, time.Since(start))
	return result
}

func countOutcomes(results []domain.DeliveryResult) (delivered, timedOut int) {
	for _, r := range results {
		switch r.Status {
		case domain.DeliveryStatusAccepted:
			delivered++
		case domain.DeliveryStatusTimedOut:
			timedOut++
		}
	}
	return delivered, timedOut
}
