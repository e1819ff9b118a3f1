package agent

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mbd888/lnescrow/internal/escrow"
	"github.com/mbd888/lnescrow/internal/nostr"
)

// announce publishes status, profile and relay list on their intervals, and
// immediately whenever the profile or relay list changes.
func (a *Agent) announce(ctx context.Context) error {
	status := time.NewTicker(a.cfg.StatusInterval)
	defer status.Stop()
	profile := time.NewTicker(a.cfg.ProfileInterval)
	defer profile.Stop()
	relays := time.NewTicker(a.cfg.RelayListInterval)
	defer relays.Stop()

	a.publishStatus(ctx)
	a.publishProfile(ctx)
	a.publishRelayList()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-status.C:
			a.publishStatus(ctx)
		case <-profile.C:
			a.publishProfile(ctx)
		case <-a.profileChanged:
			a.publishProfile(ctx)
		case <-relays.C:
			a.publishRelayList()
		case <-a.relaysChanged:
			a.publishRelayList()
		}
	}
}

func (a *Agent) publishStatus(ctx context.Context) {
	liq, err := a.wallet.Liquidity(ctx)
	if err != nil {
		a.logger.Warn("failed to query liquidity", "error", err)
		return
	}
	content, err := json.Marshal(escrow.AgentStatus{
		InboundLiquiditySat:  liq.ReceiveSat,
		OutboundLiquiditySat: liq.SendSat,
	})
	if err != nil {
		return
	}
	if _, err := a.messenger.Publish(a.key, nostr.KindAgentStatus, string(content), nil, escrow.StatusExpiry); err != nil {
		a.logger.Warn("failed to publish status", "error", err)
	}
}

func (a *Agent) publishProfile(ctx context.Context) {
	err := a.BroadcastProfile(ctx)
	switch {
	case errors.Is(err, ErrNoProfile):
		a.logger.Debug("no profile to broadcast")
	case err != nil:
		a.logger.Warn("failed to publish profile", "error", err)
	}
}

// publishRelayList publishes a NIP-65 relay list.
func (a *Agent) publishRelayList() {
	relays := a.Relays()
	if len(relays) == 0 {
		return
	}
	tags := make(nostr.Tags, 0, len(relays))
	for _, url := range relays {
		tags = append(tags, nostr.Tag{"r", url})
	}
	if _, err := a.messenger.Publish(a.key, nostr.KindRelayList, "", tags, escrow.RelayListExpiry); err != nil {
		a.logger.Warn("failed to publish relay list", "error", err)
	}
}
