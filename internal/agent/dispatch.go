package agent

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/mbd888/lnescrow/internal/contract"
	"github.com/mbd888/lnescrow/internal/escrow"
	"github.com/mbd888/lnescrow/internal/idgen"
	"github.com/mbd888/lnescrow/internal/metrics"
	"github.com/mbd888/lnescrow/internal/nostr"
	"github.com/mbd888/lnescrow/internal/storage"
	"github.com/mbd888/lnescrow/internal/traces"
	"github.com/mbd888/lnescrow/internal/wallet"
)

const internalErrorMsg = "internal error"

func (a *Agent) requestFilter() nostr.Filter {
	return nostr.Filter{
		Kinds: []int{nostr.KindEphemeralRequest},
		Tags: nostr.TagMap{
			"p": {a.PubKey()},
			"r": {a.cfg.Network.Tag()},
			"d": {escrow.ProtocolTag()},
		},
		Since: nostr.At(a.cfg.Now().Add(-escrow.ResponseTimeout)),
	}
}

// dispatch serves RPC requests until ctx is done.
func (a *Agent) dispatch(ctx context.Context) error {
	return a.messenger.Listen(ctx, a.requestFilter, a.handleEvent)
}

// handleEvent decrypts, decodes and answers one request. Anything that cannot
// be decrypted or decoded is dropped without a reply.
func (a *Agent) handleEvent(ctx context.Context, ev *nostr.Event) {
	if !a.seen.Add(ev.ID) || nostr.FindTag(ev.Tags, "e") != nil {
		return
	}

	plain, err := escrow.Open(a.key, ev)
	if err != nil {
		metrics.AgentRequestsTotal.WithLabelValues("unknown", "dropped").Inc()
		a.logger.Debug("dropping undecryptable request", "eventId", ev.ID)
		return
	}
	req, err := escrow.DecodeRequest(plain)
	if err != nil {
		metrics.AgentRequestsTotal.WithLabelValues("unknown", "dropped").Inc()
		a.logger.Debug("dropping undecodable request", "eventId", ev.ID)
		return
	}

	method := string(req.Method())
	ctx, span := traces.StartSpan(ctx, "agent.handle",
		traces.Role("agent"), traces.Method(method), traces.PeerKey(ev.PubKey))
	defer span.End()
	if r, ok := req.(escrow.RegisterEscrow); ok {
		span.SetAttributes(traces.AmountSat(r.Contract.TradeAmountSat))
	}

	resp, err := a.handle(ctx, ev.PubKey, req)
	if resp.TradeID != "" {
		span.SetAttributes(traces.TradeID(resp.TradeID))
	}
	var verr *escrow.ValidationError
	switch {
	case err == nil:
		metrics.AgentRequestsTotal.WithLabelValues(method, "ok").Inc()
	case errors.As(err, &verr):
		metrics.AgentRequestsTotal.WithLabelValues(method, "rejected").Inc()
		a.logger.Info("request rejected", "method", method, "reason", verr.Msg)
		resp = escrow.Response{Error: verr.Msg}
	default:
		metrics.AgentRequestsTotal.WithLabelValues(method, "failed").Inc()
		a.logger.Error("request failed", "method", method, "error", err)
		resp = escrow.Response{Error: internalErrorMsg}
	}
	if err := a.messenger.Reply(a.key, ev, resp); err != nil {
		a.logger.Warn("failed to reply", "method", method, "error", err)
	}
}

func (a *Agent) handle(ctx context.Context, sender string, req escrow.Request) (escrow.Response, error) {
	switch r := req.(type) {
	case escrow.RegisterEscrow:
		return a.registerEscrow(ctx, sender, r)
	case escrow.AcceptEscrow:
		return a.acceptEscrow(ctx, sender, r)
	case escrow.CollaborativeConfirm:
		return a.confirm(ctx, sender, r)
	case escrow.CollaborativeCancel:
		return a.cancel(ctx, sender, r)
	case escrow.RequestMediation:
		return a.requestMediation(ctx, sender, r)
	}
	return escrow.Response{}, fmt.Errorf("%w: %s", escrow.ErrUnknownMethod, req.Method())
}

// -----------------------------------------------------------------------------
// Validation
// -----------------------------------------------------------------------------

func (a *Agent) validateEnvelope(network escrow.Network, version int) error {
	if version != escrow.ProtocolVersion {
		return escrow.Invalidf("unsupported protocol version %d", version)
	}
	if network != a.cfg.Network {
		return escrow.Invalidf("agent does not serve network %q", network)
	}
	return nil
}

func (a *Agent) validateAddress(addr string) error {
	if addr == "" || len(addr) > escrow.MaxAddressLen {
		return escrow.Invalidf("invalid onchain fallback address")
	}
	params := a.cfg.Network.Params()
	decoded, err := btcutil.DecodeAddress(addr, params)
	if err != nil || !decoded.IsForNet(params) {
		return escrow.Invalidf("invalid onchain fallback address")
	}
	return nil
}

func (a *Agent) validateRegister(sender string, r escrow.RegisterEscrow) error {
	if err := a.validateEnvelope(r.Network, r.ProtocolVersion); err != nil {
		return err
	}
	if !r.PaymentProtocol.Supported() {
		return escrow.Invalidf("unsupported payment protocol %q", r.PaymentProtocol)
	}
	if !r.MakerDirection.Valid() {
		return escrow.Invalidf("invalid payment direction %q", r.MakerDirection)
	}
	if err := r.Contract.Validate(); err != nil {
		return escrow.Invalidf("%s", err.Error())
	}
	if r.Contract.TradeAmountSat < a.cfg.MinTradeAmountSat {
		return escrow.Invalidf("trade amount below minimum of %d sat", a.cfg.MinTradeAmountSat)
	}
	if escrow.FundingAmount(r.Contract.TradeAmountSat, r.Contract.BondSat, r.MakerDirection) <= 0 {
		return escrow.Invalidf("bond must be positive when the maker receives")
	}
	if err := a.validateAddress(r.OnchainAddress); err != nil {
		return err
	}
	if err := contract.VerifyContract(r.Contract, r.MakerSignature, sender); err != nil {
		return escrow.Invalidf("invalid contract signature")
	}
	return nil
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (a *Agent) registerEscrow(ctx context.Context, sender string, r escrow.RegisterEscrow) (escrow.Response, error) {
	if err := a.validateRegister(sender, r); err != nil {
		return escrow.Response{}, err
	}
	id, err := a.newTradeID(ctx)
	if err != nil {
		return escrow.Response{}, err
	}

	feePPM := int64(0)
	if p, err := a.GetProfile(ctx); err == nil {
		feePPM = p.ServiceFeePPM
	}
	amount := escrow.FundingAmount(r.Contract.TradeAmountSat, r.Contract.BondSat, r.MakerDirection)
	req, err := a.wallet.CreateRequest(ctx, amount, "escrow funding "+id[:12], a.cfg.FundingExpiry)
	if err != nil {
		return escrow.Response{}, fmt.Errorf("create funding request: %w", err)
	}

	now := a.cfg.Now()
	trade := &Trade{
		ID:    id,
		State: escrow.StateWaitingForTaker,
		Maker: escrow.TradeParticipant{
			PubKey:           sender,
			FundingRequestID: req.ID,
			OnchainAddress:   r.OnchainAddress,
			Signature:        r.MakerSignature,
			Direction:        r.MakerDirection,
		},
		Contract:        r.Contract,
		PaymentProtocol: r.PaymentProtocol,
		ProtocolVersion: r.ProtocolVersion,
		FeePPM:          feePPM,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	a.mu.Lock()
	evicted := a.pending.Add(req.ID, now, trade)
	a.updatePendingGauge()
	a.mu.Unlock()
	for _, e := range evicted {
		a.logger.Info("evicting oldest pending trade", "tradeId", e.Value.ID)
		a.releaseRequest(ctx, e.RequestID)
	}

	a.logger.Info("trade registered", "tradeId", id, "fundingSat", amount)
	return escrow.Response{TradeID: id, Invoice: req.Bolt11, State: trade.State, FeePPM: feePPM}, nil
}

// newTradeID returns a random id unused by both pending and persisted trades.
func (a *Agent) newTradeID(ctx context.Context) (string, error) {
	for i := 0; i < 3; i++ {
		id := idgen.TradeID()
		if _, err := a.trades.Get(ctx, id); !errors.Is(err, storage.ErrNotFound) {
			if err != nil {
				return "", fmt.Errorf("check trade id: %w", err)
			}
			continue
		}
		if !a.isPendingID(id) {
			return id, nil
		}
	}
	return "", errors.New("agent: could not allocate a trade id")
}

func (a *Agent) isPendingID(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.pending.Entries() {
		if e.Value.ID == id {
			return true
		}
	}
	return false
}

func (a *Agent) acceptEscrow(ctx context.Context, sender string, r escrow.AcceptEscrow) (escrow.Response, error) {
	if err := a.validateEnvelope(r.Network, r.ProtocolVersion); err != nil {
		return escrow.Response{}, err
	}
	if err := a.validateAddress(r.OnchainAddress); err != nil {
		return escrow.Response{}, err
	}
	trade, err := a.Trade(ctx, r.TradeID)
	if errors.Is(err, ErrTradeNotFound) {
		return escrow.Response{}, escrow.Invalidf("unknown trade")
	}
	if err != nil {
		return escrow.Response{}, err
	}
	switch {
	case trade.State != escrow.StateWaitingForTaker:
		return escrow.Response{}, escrow.Invalidf("trade is not waiting for a taker")
	case sender == trade.Maker.PubKey:
		return escrow.Response{}, escrow.Invalidf("maker cannot take its own trade")
	case r.TakerDirection != trade.Maker.Direction.Opposite():
		return escrow.Response{}, escrow.Invalidf("payment direction does not match the trade")
	}
	if err := contract.VerifyContract(trade.Contract, r.TakerSignature, sender); err != nil {
		return escrow.Response{}, escrow.Invalidf("invalid contract signature")
	}

	if bolt11, ok := a.existingOffer(trade.ID, sender); ok {
		return escrow.Response{TradeID: trade.ID, Invoice: bolt11, State: trade.State, FeePPM: trade.FeePPM}, nil
	}

	taker := escrow.TradeParticipant{
		PubKey:         sender,
		OnchainAddress: r.OnchainAddress,
		Signature:      r.TakerSignature,
		Direction:      r.TakerDirection,
	}
	amount := escrow.FundingAmount(trade.Contract.TradeAmountSat, trade.Contract.BondSat, r.TakerDirection)
	if amount <= 0 {
		// Nothing to collect from this taker.
		if err := a.handleTakerFunding(ctx, trade.ID, taker); err != nil {
			return escrow.Response{}, err
		}
		return escrow.Response{TradeID: trade.ID, State: escrow.StateOngoing, FeePPM: trade.FeePPM}, nil
	}

	req, err := a.wallet.CreateRequest(ctx, amount, "escrow funding "+trade.ID[:12], a.cfg.FundingExpiry)
	if err != nil {
		return escrow.Response{}, fmt.Errorf("create funding request: %w", err)
	}
	taker.FundingRequestID = req.ID

	a.mu.Lock()
	evicted := a.offers.Add(req.ID, a.cfg.Now(), takerOffer{TradeID: trade.ID, Taker: taker, Bolt11: req.Bolt11})
	a.mu.Unlock()
	for _, e := range evicted {
		a.releaseRequest(ctx, e.RequestID)
	}

	a.logger.Info("taker accepted trade", "tradeId", trade.ID, "fundingSat", amount)
	return escrow.Response{TradeID: trade.ID, Invoice: req.Bolt11, State: trade.State, FeePPM: trade.FeePPM}, nil
}

func (a *Agent) existingOffer(tradeID, taker string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.offers.Entries() {
		if e.Value.TradeID == tradeID && e.Value.Taker.PubKey == taker {
			return e.Value.Bolt11, true
		}
	}
	return "", false
}

// loadForParticipant locks the trade and checks that sender belongs to it.
// The caller must call the returned unlock.
func (a *Agent) loadForParticipant(ctx context.Context, tradeID, sender string) (*Trade, *escrow.TradeParticipant, func(), error) {
	unlock := a.tradeLocks.Lock(tradeID)
	trade, err := a.Trade(ctx, tradeID)
	if err != nil {
		unlock()
		if errors.Is(err, ErrTradeNotFound) {
			return nil, nil, nil, escrow.Invalidf("unknown trade")
		}
		return nil, nil, nil, err
	}
	p, ok := trade.Participant(sender)
	if !ok {
		unlock()
		return nil, nil, nil, escrow.Invalidf("unknown trade")
	}
	return trade, p, unlock, nil
}

// saveInvoice records an invoice from a participant and checks its amount.
func (a *Agent) saveInvoice(ctx context.Context, bolt11 string, want int64) (*wallet.Invoice, error) {
	if bolt11 == "" {
		return nil, escrow.Invalidf("an invoice for %d sat is required", want)
	}
	inv, err := a.wallet.SaveInvoice(ctx, bolt11)
	if errors.Is(err, wallet.ErrInvalidInvoice) {
		return nil, escrow.Invalidf("invalid invoice")
	}
	if err != nil {
		return nil, fmt.Errorf("save invoice: %w", err)
	}
	if inv.AmountSat != want {
		return nil, escrow.Invalidf("invoice amount must be %d sat", want)
	}
	return inv, nil
}

func (a *Agent) confirm(ctx context.Context, sender string, r escrow.CollaborativeConfirm) (escrow.Response, error) {
	trade, p, unlock, err := a.loadForParticipant(ctx, r.TradeID, sender)
	if err != nil {
		return escrow.Response{}, err
	}
	defer unlock()
	if trade.State != escrow.StateOngoing {
		return escrow.Response{}, escrow.Invalidf("trade cannot be confirmed in state %s", trade.State)
	}

	if p.Direction == escrow.DirectionReceiving && trade.PayoutInvoiceID == "" {
		inv, err := a.saveInvoice(ctx, r.PayoutInvoice, trade.Payout())
		if err != nil {
			return escrow.Response{}, err
		}
		trade.PayoutInvoiceID = inv.ID
	}
	trade.Confirmations = addOnce(trade.Confirmations, sender)

	var scheduled []string
	if len(trade.Confirmations) == 2 {
		if err := trade.setState(escrow.StateFinished, a.cfg.Now()); err != nil {
			return escrow.Response{}, err
		}
		scheduled = append(scheduled, trade.PayoutInvoiceID)
	}
	if err := a.persistUpdate(ctx, trade, PayoutSettlement, scheduled); err != nil {
		return escrow.Response{}, err
	}
	return escrow.Response{TradeID: trade.ID, State: trade.State}, nil
}

func (a *Agent) cancel(ctx context.Context, sender string, r escrow.CollaborativeCancel) (escrow.Response, error) {
	trade, p, unlock, err := a.loadForParticipant(ctx, r.TradeID, sender)
	if err != nil {
		return escrow.Response{}, err
	}
	defer unlock()
	if trade.State != escrow.StateWaitingForTaker && trade.State != escrow.StateOngoing {
		return escrow.Response{}, escrow.Invalidf("trade cannot be cancelled in state %s", trade.State)
	}

	if paid := trade.Paid(p); paid > 0 && trade.RefundInvoices[sender] == "" {
		inv, err := a.saveInvoice(ctx, r.RefundInvoice, paid)
		if err != nil {
			return escrow.Response{}, err
		}
		if trade.RefundInvoices == nil {
			trade.RefundInvoices = make(map[string]string)
		}
		trade.RefundInvoices[sender] = inv.ID
	}
	trade.Cancellations = addOnce(trade.Cancellations, sender)

	// Without a taker the maker alone may cancel.
	var scheduled []string
	if len(trade.Cancellations) == len(trade.participants()) {
		if err := trade.setState(escrow.StateCancelled, a.cfg.Now()); err != nil {
			return escrow.Response{}, err
		}
		for _, party := range trade.participants() {
			if id := trade.RefundInvoices[party.PubKey]; id != "" {
				scheduled = append(scheduled, id)
			}
		}
		a.dropOffers(ctx, trade.ID)
	}
	if err := a.persistUpdate(ctx, trade, PayoutRefund, scheduled); err != nil {
		return escrow.Response{}, err
	}
	return escrow.Response{TradeID: trade.ID, State: trade.State}, nil
}

func (a *Agent) requestMediation(ctx context.Context, sender string, r escrow.RequestMediation) (escrow.Response, error) {
	if utf8.RuneCountInString(r.Reason) > escrow.MaxReasonLen {
		return escrow.Response{}, escrow.Invalidf("reason too long")
	}
	trade, _, unlock, err := a.loadForParticipant(ctx, r.TradeID, sender)
	if err != nil {
		return escrow.Response{}, err
	}
	defer unlock()
	if err := trade.setState(escrow.StateMediation, a.cfg.Now()); err != nil {
		return escrow.Response{}, escrow.Invalidf("trade cannot enter mediation in state %s", trade.State)
	}
	trade.MediationReason = r.Reason
	trade.MediationBy = sender
	if err := a.persistUpdate(ctx, trade, "", nil); err != nil {
		return escrow.Response{}, err
	}
	a.logger.Warn("mediation requested", "tradeId", trade.ID, "by", sender)
	return escrow.Response{TradeID: trade.ID, State: trade.State}, nil
}

// persistUpdate writes trade and schedules the given invoices for payment.
func (a *Agent) persistUpdate(ctx context.Context, trade *Trade, kind string, invoices []string) error {
	prev, err := a.trades.Get(ctx, trade.ID)
	if err != nil {
		return fmt.Errorf("reload trade %s: %w", trade.ID, err)
	}
	trade.UpdatedAt = a.cfg.Now()
	if err := a.trades.Put(ctx, trade.ID, *trade); err != nil {
		return fmt.Errorf("save trade %s: %w", trade.ID, err)
	}
	for _, id := range invoices {
		if err := a.schedulePayout(ctx, trade.ID, id, kind); err != nil {
			a.logger.Error("failed to schedule payout", "tradeId", trade.ID, "invoiceId", id, "error", err)
		}
	}
	if prev.State != trade.State {
		metrics.TradeTransitionsTotal.WithLabelValues(escrow.RoleAgent, string(trade.State)).Inc()
		a.cfg.Observer.TradeChanged(escrow.RoleAgent, trade.ID, trade.State)
		a.logger.Info("trade state changed", "tradeId", trade.ID, "from", prev.State, "to", trade.State)
	}
	return nil
}

func (a *Agent) dropOffers(ctx context.Context, tradeID string) {
	a.mu.Lock()
	var stale []string
	for _, e := range a.offers.Entries() {
		if e.Value.TradeID == tradeID {
			stale = append(stale, e.RequestID)
		}
	}
	for _, id := range stale {
		a.offers.Remove(id)
	}
	a.mu.Unlock()
	for _, id := range stale {
		a.releaseRequest(ctx, id)
	}
}

// releaseRequest deletes a funding request so it can no longer be paid.
func (a *Agent) releaseRequest(ctx context.Context, requestID string) {
	if err := a.wallet.DeleteRequest(ctx, requestID); err != nil && !errors.Is(err, wallet.ErrRequestNotFound) {
		a.logger.Warn("failed to delete funding request", "requestId", requestID, "error", err)
	}
}
