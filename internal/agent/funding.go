package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/lnescrow/internal/escrow"
	"github.com/mbd888/lnescrow/internal/metrics"
	"github.com/mbd888/lnescrow/internal/storage"
	"github.com/mbd888/lnescrow/internal/wallet"
)

// watchFunding reacts to paid funding requests until ctx is done.
func (a *Agent) watchFunding(ctx context.Context, payments <-chan wallet.PaymentEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-payments:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errors.New("payment notifications closed")
			}
			if ev.Status != wallet.StatusPaid {
				continue
			}
			if err := a.onPaid(ctx, ev.RequestID); err != nil {
				a.logger.Error("failed to process funding", "requestId", ev.RequestID, "error", err)
			}
		}
	}
}

// onPaid routes a paid request to the maker or taker funding handler.
// Unknown requests are not ours to handle.
func (a *Agent) onPaid(ctx context.Context, requestID string) error {
	a.mu.Lock()
	trade, isMaker := a.pending.Remove(requestID)
	offer, isTaker := a.offers.Remove(requestID)
	a.updatePendingGauge()
	a.mu.Unlock()

	switch {
	case isMaker:
		return a.handleMakerFunding(ctx, trade)
	case isTaker:
		return a.handleTakerFunding(ctx, offer.TradeID, offer.Taker)
	}
	return nil
}

// handleMakerFunding moves a funded registration into the persisted map.
// An id collision never overwrites the existing record.
func (a *Agent) handleMakerFunding(ctx context.Context, trade *Trade) error {
	trade.UpdatedAt = a.cfg.Now()
	err := a.trades.Create(ctx, trade.ID, *trade)
	if errors.Is(err, storage.ErrExists) {
		return fmt.Errorf("trade %s already persisted: %w", trade.ID, err)
	}
	if err != nil {
		return fmt.Errorf("persist trade %s: %w", trade.ID, err)
	}
	metrics.TradeTransitionsTotal.WithLabelValues(escrow.RoleAgent, string(trade.State)).Inc()
	a.cfg.Observer.TradeChanged(escrow.RoleAgent, trade.ID, trade.State)
	a.logger.Info("maker funded trade", "tradeId", trade.ID)
	return nil
}

// handleTakerFunding records the taker of a waiting trade and moves it to
// ONGOING. The trade must be waiting for a taker: anything else is a logic
// error and is reported, never papered over.
func (a *Agent) handleTakerFunding(ctx context.Context, tradeID string, taker escrow.TradeParticipant) error {
	unlock := a.tradeLocks.Lock(tradeID)
	defer unlock()

	trade, err := a.Trade(ctx, tradeID)
	if err != nil {
		return fmt.Errorf("load trade %s: %w", tradeID, err)
	}
	if err := trade.setState(escrow.StateOngoing, a.cfg.Now()); err != nil {
		a.logger.Error("taker funding for trade not waiting for a taker",
			"tradeId", tradeID, "state", trade.State, "taker", taker.PubKey, "requestId", taker.FundingRequestID)
		return fmt.Errorf("taker funding of trade %s: %w", tradeID, err)
	}
	trade.Taker = &taker
	if err := a.trades.Put(ctx, trade.ID, *trade); err != nil {
		return fmt.Errorf("save trade %s: %w", trade.ID, err)
	}
	metrics.TradeTransitionsTotal.WithLabelValues(escrow.RoleAgent, string(trade.State)).Inc()
	a.cfg.Observer.TradeChanged(escrow.RoleAgent, trade.ID, trade.State)
	a.logger.Info("taker funded trade", "tradeId", trade.ID)

	a.dropOffers(ctx, trade.ID)

	note := escrow.Notification{Method: escrow.MethodTradeFunded, TradeID: trade.ID, State: trade.State}
	if _, err := a.messenger.DirectMessage(a.key, trade.Maker.PubKey, note, escrow.DirectMessageExpiry); err != nil {
		a.logger.Warn("failed to notify maker", "tradeId", trade.ID, "error", err)
	}
	return nil
}

// janitor periodically releases registrations whose funding request expired.
func (a *Agent) janitor(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.expirePending(ctx)
		}
	}
}

func (a *Agent) expirePending(ctx context.Context) {
	a.mu.Lock()
	makers := a.pending.Entries()
	takers := a.offers.Entries()
	a.mu.Unlock()

	ids := make([]string, 0, len(makers)+len(takers))
	for _, e := range makers {
		ids = append(ids, e.RequestID)
	}
	for _, e := range takers {
		ids = append(ids, e.RequestID)
	}

	now := a.cfg.Now()
	for _, id := range ids {
		req, err := a.wallet.GetRequest(ctx, id)
		switch {
		case errors.Is(err, wallet.ErrRequestNotFound):
		case err != nil:
			a.logger.Warn("failed to check funding request", "requestId", id, "error", err)
			continue
		case !req.IsExpired(now):
			continue
		}
		a.mu.Lock()
		_, m := a.pending.Remove(id)
		_, t := a.offers.Remove(id)
		a.updatePendingGauge()
		a.mu.Unlock()
		if m || t {
			a.logger.Debug("funding request expired", "requestId", id)
			a.releaseRequest(ctx, id)
		}
	}
}

// dropPending forgets every unfunded registration and deletes its funding
// request, so nothing can be paid against a trade that no longer exists.
func (a *Agent) dropPending(ctx context.Context) {
	a.mu.Lock()
	entries := a.pending.Entries()
	offers := a.offers.Entries()
	a.pending = newPendingSet[*Trade](a.cfg.PendingCapacity)
	a.offers = newPendingSet[takerOffer](a.cfg.PendingCapacity)
	a.updatePendingGauge()
	a.mu.Unlock()

	for _, e := range entries {
		a.releaseRequest(ctx, e.RequestID)
	}
	for _, e := range offers {
		a.releaseRequest(ctx, e.RequestID)
	}
	if n := len(entries) + len(offers); n > 0 {
		a.logger.Info("dropped unfunded trades", "count", n)
	}
}
