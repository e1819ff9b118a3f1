package client

import (
	"context"
	"encoding/json"
	"slices"
	"strings"

	"github.com/mbd888/lnescrow/internal/escrow"
	"github.com/mbd888/lnescrow/internal/nostr"
)

// discover follows the announcements of the trusted agents. Changing the
// trusted set replaces the subscription.
func (c *Client) discover(ctx context.Context) error {
	return c.follow(ctx, c.trustedChanged, func(ctx context.Context) (nostr.Filter, func(context.Context, *nostr.Event), bool) {
		keys, err := c.GetTrustedAgents(ctx)
		if err != nil {
			c.logger.Warn("failed to load trusted agents", "error", err)
		}
		if len(keys) == 0 {
			return nostr.Filter{}, nil, false
		}
		trusted := make(map[string]bool, len(keys))
		for _, k := range keys {
			trusted[k] = true
		}
		filter := nostr.Filter{
			Kinds:   []int{nostr.KindProfile, nostr.KindRelayList, nostr.KindAgentStatus},
			Authors: keys,
			Tags:    nostr.TagMap{"r": {c.cfg.Network.Tag()}},
		}
		return filter, func(_ context.Context, ev *nostr.Event) { c.applyAgentEvent(trusted, ev) }, true
	})
}

// applyAgentEvent merges one announcement into the agent cache. Each field
// is replaced only by a strictly newer event.
func (c *Client) applyAgentEvent(trusted map[string]bool, ev *nostr.Event) {
	if !trusted[ev.PubKey] || !c.messenger.Accepts(ev) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	info := c.infos[ev.PubKey]
	if info == nil {
		info = &AgentInfo{PubKey: ev.PubKey}
		c.infos[ev.PubKey] = info
	}

	switch ev.Kind {
	case nostr.KindProfile:
		if int64(ev.CreatedAt) <= info.ProfileAt {
			return
		}
		var p escrow.AgentProfile
		if err := json.Unmarshal([]byte(ev.Content), &p); err != nil || p.Validate() != nil {
			return
		}
		info.Profile, info.ProfileAt = &p, int64(ev.CreatedAt)
	case nostr.KindAgentStatus:
		if int64(ev.CreatedAt) <= info.StatusAt {
			return
		}
		var s escrow.AgentStatus
		if err := json.Unmarshal([]byte(ev.Content), &s); err != nil {
			return
		}
		info.Status, info.StatusAt = &s, int64(ev.CreatedAt)
	case nostr.KindRelayList:
		if int64(ev.CreatedAt) <= info.RelaysAt {
			return
		}
		var relays []string
		for _, v := range nostr.TagValues(ev.Tags, "r") {
			if strings.HasPrefix(v, "ws://") || strings.HasPrefix(v, "wss://") {
				relays = append(relays, v)
			}
		}
		info.Relays, info.RelaysAt = relays, int64(ev.CreatedAt)
	}
}

// AgentInfos returns a snapshot of every trusted agent seen so far.
func (c *Client) AgentInfos() []AgentInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]AgentInfo, 0, len(c.infos))
	for _, info := range c.infos {
		out = append(out, copyInfo(info))
	}
	slices.SortFunc(out, func(a, b AgentInfo) int { return strings.Compare(a.PubKey, b.PubKey) })
	return out
}

// AgentInfo returns what is known about one agent.
func (c *Client) AgentInfo(pubkey string) (AgentInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.infos[pubkey]
	if !ok {
		return AgentInfo{}, false
	}
	return copyInfo(info), true
}

func copyInfo(info *AgentInfo) AgentInfo {
	cp := *info
	if info.Profile != nil {
		p := *info.Profile
		p.Languages = slices.Clone(p.Languages)
		cp.Profile = &p
	}
	if info.Status != nil {
		s := *info.Status
		cp.Status = &s
	}
	cp.Relays = slices.Clone(info.Relays)
	return cp
}
