// Package migrate imports channels and subscriptions from a DynamoDB JSON export.
package migrate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/bissquit/notify-relay/internal/domain"
	"github.com/bissquit/notify-relay/internal/pkg/ctxlog"
)

// CreatedLayout is the timestamp format of the export's created attribute.
const CreatedLayout = "2006-01-02 15:04:05.999999999"

// Store receives imported records. Existing records are left untouched.
type Store interface {
	CreateChannelIfAbsent(ctx context.Context, channel *domain.Channel) (bool, error)
	CreateSubscriptionIfAbsent(ctx context.Context, sub *domain.Subscription) (bool, error)
}

// Stats counts what an import wrote.
type Stats struct {
	Channels             int
	ChannelsSkipped      int
	Subscriptions        int
	SubscriptionsSkipped int
}

type attrString struct {
	S string `json:"S"`
}

type attrMap[T any] struct {
	M T `json:"M"`
}

type exportKeys struct {
	Auth   attrString `json:"auth"`
	P256dh attrString `json:"p256dh"`
}

type exportSubscription struct {
	Endpoint attrString          `json:"endpoint"`
	Keys     attrMap[exportKeys] `json:"keys"`
}

type exportMeta struct {
	Agent attrString `json:"agent"`
	IP    attrString `json:"ip"`
}

type exportItem struct {
	Created       attrString                                     `json:"created"`
	ChannelID     attrString                                     `json:"channelId"`
	Subscriptions attrMap[map[string]attrMap[exportSubscription]] `json:"subscriptions"`
	Meta          attrMap[exportMeta]                            `json:"meta"`
}

type export struct {
	Items []exportItem `json:"Items"`
}

// Import reads an export from r and writes every channel and subscription to store.
// The first failing write stops the import; records written before it remain.
func Import(ctx context.Context, store Store, r io.Reader) (Stats, error) {
	var stats Stats

	var data export
	if err := json.NewDecoder(r).Decode(&data); err != nil {
		return stats, fmt.Errorf("decode export: %w", err)
	}

	log := ctxlog.FromContext(ctx)

	for index, item := range data.Items {
		channel, err := item.channel()
		if err != nil {
			return stats, fmt.Errorf("item %d: %w", index, err)
		}

		created, err := store.CreateChannelIfAbsent(ctx, channel)
		if err != nil {
			return stats, fmt.Errorf("create channel %s: %w", channel.ID, err)
		}
		if created {
			stats.Channels++
		} else {
			stats.ChannelsSkipped++
		}
		log.Info("channel imported", "index", index, "channel_id", channel.ID, "created", created)

		for _, sub := range item.subscriptions(channel) {
			created, err := store.CreateSubscriptionIfAbsent(ctx, sub)
			if err != nil {
				return stats, fmt.Errorf("create subscription %s/%s: %w", channel.ID, sub.ID, err)
			}
			if created {
				stats.Subscriptions++
			} else {
				stats.SubscriptionsSkipped++
			}
			log.Debug("subscription imported",
				"channel_id", channel.ID,
				"subscription_id", sub.ID,
				"created", created,
			)
		}
	}

	return stats, nil
}

func (item exportItem) channel() (*domain.Channel, error) {
	if item.ChannelID.S == "" {
		return nil, fmt.Errorf("missing channelId")
	}

	createdAt, err := time.Parse(CreatedLayout, item.Created.S)
	if err != nil {
		return nil, fmt.Errorf("parse created %q: %w", item.Created.S, err)
	}

	return &domain.Channel{
		ID:           item.ChannelID.S,
		CreatedAt:    createdAt.UTC(),
		CreatedAgent: item.Meta.M.Agent.S,
		CreatedIP:    item.Meta.M.IP.S,
	}, nil
}

// subscriptions are returned sorted by id so imports are reproducible.
func (item exportItem) subscriptions(channel *domain.Channel) []*domain.Subscription {
	ids := make([]string, 0, len(item.Subscriptions.M))
	for id := range item.Subscriptions.M {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	subs := make([]*domain.Subscription, 0, len(ids))
	for _, id := range ids {
		s := item.Subscriptions.M[id].M
		subs = append(subs, &domain.Subscription{
			ID:        id,
			ChannelID: channel.ID,
			Endpoint:  s.Endpoint.S,
			Auth:      s.Keys.M.Auth.S,
			P256dh:    s.Keys.M.P256dh.S,
			CreatedAt: channel.CreatedAt,
		})
	}
	return subs
}
