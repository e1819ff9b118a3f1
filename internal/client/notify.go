package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mbd888/lnescrow/internal/escrow"
	"github.com/mbd888/lnescrow/internal/nostr"
)

// listenNotifications watches for trade_funded messages addressed to the
// keys of this client's trades that still wait for a taker.
func (c *Client) listenNotifications(ctx context.Context) error {
	return c.follow(ctx, c.tradesChanged, func(ctx context.Context) (nostr.Filter, func(context.Context, *nostr.Event), bool) {
		trades, err := c.Trades(ctx)
		if err != nil {
			c.logger.Warn("failed to load trades", "error", err)
		}
		byKey := make(map[string]string)
		var since time.Time
		for _, t := range trades {
			if t.Role != RoleMaker || t.State != escrow.StateWaitingForTaker {
				continue
			}
			byKey[t.PubKey] = t.ID
			if since.IsZero() || t.CreatedAt.Before(since) {
				since = t.CreatedAt
			}
		}
		if len(byKey) == 0 {
			return nostr.Filter{}, nil, false
		}
		keys := make([]string, 0, len(byKey))
		for k := range byKey {
			keys = append(keys, k)
		}
		filter := nostr.Filter{
			Kinds: []int{nostr.KindEncryptedDirectMsg},
			Tags:  nostr.TagMap{"p": keys},
			Since: nostr.At(since.Add(-time.Minute)),
		}
		return filter, func(ctx context.Context, ev *nostr.Event) {
			id, ok := byKey[nostr.TagValue(ev.Tags, "p")]
			if ok {
				c.handleNotification(ctx, id, ev)
			}
		}, true
	})
}

func (c *Client) handleNotification(ctx context.Context, tradeID string, ev *nostr.Event) {
	t, unlock, err := c.lockTrade(ctx, tradeID)
	if err != nil {
		c.logger.Warn("notification for unknown trade", "tradeId", tradeID, "error", err)
		return
	}
	defer unlock()

	key, err := c.tradeKey(t)
	if err != nil {
		return
	}
	plain, err := escrow.Open(key, ev)
	if err != nil || ev.PubKey != t.AgentPubKey {
		return
	}
	var note escrow.Notification
	if err := json.Unmarshal(plain, &note); err != nil {
		return
	}
	if note.Method != escrow.MethodTradeFunded || note.TradeID != t.ID {
		return
	}
	if t.State != escrow.StateWaitingForTaker {
		return
	}
	if err := c.applyState(ctx, t, escrow.StateOngoing); err != nil {
		c.logger.Error("failed to record funded trade", "tradeId", t.ID, "error", err)
	}
}
