package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/lnescrow/internal/metrics"
	"github.com/mbd888/lnescrow/internal/storage"
	"github.com/mbd888/lnescrow/internal/wallet"
)

// schedulePayout queues invoiceID for payment on the next payout scan.
func (a *Agent) schedulePayout(ctx context.Context, tradeID, invoiceID, kind string) error {
	now := a.cfg.Now()
	err := a.payouts.Create(ctx, invoiceID, Payout{
		InvoiceID:   invoiceID,
		TradeID:     tradeID,
		Kind:        kind,
		NextAttempt: now,
		CreatedAt:   now,
	})
	if errors.Is(err, storage.ErrExists) {
		return nil
	}
	return err
}

// seedPayoutGuard continues the guard sequence from the highest value on
// disk, so a restarted agent never hands out a guard a stale scan still holds.
func (a *Agent) seedPayoutGuard(ctx context.Context) error {
	all, err := a.payouts.All(ctx)
	if err != nil {
		return err
	}
	for _, p := range all {
		for {
			cur := a.guard.Load()
			if p.Guard <= cur || a.guard.CompareAndSwap(cur, p.Guard) {
				break
			}
		}
	}
	return nil
}

// payoutLoop scans the payout schedule until ctx is done.
func (a *Agent) payoutLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.PayoutInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.safeProcessPayouts(ctx)
		}
	}
}

func (a *Agent) safeProcessPayouts(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("panic in payout loop", "panic", fmt.Sprint(r))
		}
	}()
	a.processPayouts(ctx)
}

// processPayouts attempts every payout that is due.
func (a *Agent) processPayouts(ctx context.Context) {
	all, err := a.payouts.All(ctx)
	if err != nil {
		a.logger.Warn("failed to read payout schedule", "error", err)
	}
	now := a.cfg.Now()
	for id, p := range all {
		if ctx.Err() != nil {
			return
		}
		if p.NextAttempt.After(now) {
			continue
		}
		a.attemptPayout(ctx, id, p.Guard)
	}
}

// attemptPayout pays one scheduled invoice. scannedGuard is the guard value
// seen by the scan; if the entry changed since, another attempt already ran.
// An attempt already in flight for the same invoice wins.
func (a *Agent) attemptPayout(ctx context.Context, invoiceID string, scannedGuard uint64) {
	unlock, ok := a.payoutLocks.TryLock(invoiceID)
	if !ok {
		return
	}
	defer unlock()

	p, err := a.payouts.Get(ctx, invoiceID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			a.logger.Warn("failed to load payout", "invoiceId", invoiceID, "error", err)
		}
		return
	}
	if p.Guard != scannedGuard {
		return
	}
	log := a.logger.With("invoiceId", invoiceID, "tradeId", p.TradeID, "kind", p.Kind)
	now := a.cfg.Now()

	inv, err := a.wallet.GetInvoice(ctx, invoiceID)
	switch {
	case errors.Is(err, wallet.ErrInvoiceNotFound):
		log.Error("payout invoice missing from wallet, giving up")
		a.finishPayout(ctx, invoiceID, "missing")
		return
	case err != nil:
		log.Warn("failed to load payout invoice", "error", err)
		return
	case inv.Status == wallet.StatusPaid:
		a.finishPayout(ctx, invoiceID, "success")
		return
	case inv.IsExpired(now):
		log.Warn("payout invoice expired, dropping")
		a.finishPayout(ctx, invoiceID, "expired")
		return
	case now.Sub(inv.CreatedAt) > a.cfg.PayoutTimeout:
		log.Error("payout timed out, giving up", "attempts", p.Attempts)
		a.finishPayout(ctx, invoiceID, "timeout")
		return
	}

	p.Guard = a.guard.Add(1)
	p.Attempts++
	p.NextAttempt = now.Add(a.cfg.PayoutRetry)
	if err := a.payouts.Put(ctx, invoiceID, p); err != nil {
		log.Warn("failed to reschedule payout", "error", err)
		return
	}

	res, err := a.wallet.PayInvoice(ctx, invoiceID)
	switch {
	case errors.Is(err, wallet.ErrAlreadyPaid):
		a.finishPayout(ctx, invoiceID, "success")
	case err != nil:
		log.Error("payout failed permanently", "error", err)
		a.finishPayout(ctx, invoiceID, "abandoned")
	case res.Success:
		log.Info("payout sent", "amountSat", inv.AmountSat)
		a.finishPayout(ctx, invoiceID, "success")
	default:
		metrics.PayoutAttemptsTotal.WithLabelValues("failed").Inc()
		log.Info("payout failed, will retry", "attempts", p.Attempts, "next", p.NextAttempt, "log", res.Log)
	}
}

func (a *Agent) finishPayout(ctx context.Context, invoiceID, result string) {
	metrics.PayoutAttemptsTotal.WithLabelValues(result).Inc()
	if err := a.payouts.Delete(ctx, invoiceID); err != nil {
		a.logger.Warn("failed to remove payout", "invoiceId", invoiceID, "error", err)
	}
}
