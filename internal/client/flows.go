package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/lnescrow/internal/contract"
	"github.com/mbd888/lnescrow/internal/escrow"
	"github.com/mbd888/lnescrow/internal/nostr"
	"github.com/mbd888/lnescrow/internal/storage"
	"github.com/mbd888/lnescrow/internal/traces"
	"github.com/mbd888/lnescrow/internal/wallet"
)

// RequestRegisterEscrow asks agentPubKey to hold a new trade with this
// client as maker. The returned draft carries the funding invoice; pay it
// with FundTrade and persist the trade with SaveNewTrade.
func (c *Client) RequestRegisterEscrow(ctx context.Context, agentPubKey string, terms contract.TradeContract, dir escrow.Direction) (*Trade, error) {
	if !nostr.IsValidPublicKey(agentPubKey) {
		return nil, ErrInvalidAgent
	}
	if err := terms.Validate(); err != nil {
		return nil, err
	}
	if !dir.Valid() {
		return nil, fmt.Errorf("client: invalid payment direction %q", dir)
	}

	t := &Trade{
		State:           escrow.StateWaitingForTaker,
		Role:            RoleMaker,
		Contract:        terms,
		Direction:       dir,
		PaymentProtocol: escrow.ProtocolLightning,
		Network:         c.cfg.Network,
		AgentPubKey:     agentPubKey,
		ProtocolVersion: escrow.ProtocolVersion,
	}
	if err := c.checkLiquidity(ctx, t.FundingAmount()); err != nil {
		return nil, err
	}
	key, sig, err := c.prepareKey(ctx, t)
	if err != nil {
		return nil, err
	}
	t.MakerPubKey, t.MakerSignature = t.PubKey, sig

	ctx, span := traces.StartSpan(ctx, "client.register_escrow",
		traces.Role(RoleMaker), traces.AmountSat(t.FundingAmount()))
	defer span.End()
	resp, err := c.messenger.Call(ctx, key, agentPubKey, escrow.RegisterEscrow{
		Contract:        terms,
		MakerSignature:  sig,
		MakerDirection:  dir,
		PaymentProtocol: t.PaymentProtocol,
		Network:         t.Network,
		ProtocolVersion: t.ProtocolVersion,
		OnchainAddress:  t.OnchainAddress,
	}, c.cfg.ResponseTimeout)
	if err != nil {
		return nil, fmt.Errorf("register escrow: %w", err)
	}
	if resp.TradeID == "" || resp.Invoice == "" {
		return nil, fmt.Errorf("register escrow: %w: missing trade id or invoice", escrow.ErrMalformedResponse)
	}
	t.ID, t.FeePPM = resp.TradeID, resp.FeePPM
	span.SetAttributes(traces.TradeID(t.ID))
	if err := c.saveFundingInvoice(ctx, t, resp.Invoice); err != nil {
		return nil, err
	}
	c.logger.Info("trade registered", "tradeId", t.ID, "agent", agentPubKey, "fundingSat", t.FundingAmount())
	return t, nil
}

// AcceptEscrow takes a trade received through a postbox. The returned trade
// carries the funding invoice, if the taker owes anything.
func (c *Client) AcceptEscrow(ctx context.Context, draft *Trade) (*Trade, error) {
	if draft.Role != RoleTaker || draft.PubKey != "" {
		return nil, fmt.Errorf("%w: trade is not an unaccepted postbox trade", ErrInvalidState)
	}
	t := *draft
	if err := c.checkLiquidity(ctx, t.FundingAmount()); err != nil {
		return nil, err
	}
	key, sig, err := c.prepareKey(ctx, &t)
	if err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "client.accept_escrow",
		traces.Role(RoleTaker), traces.TradeID(t.ID), traces.AmountSat(t.FundingAmount()))
	defer span.End()
	resp, err := c.messenger.Call(ctx, key, t.AgentPubKey, escrow.AcceptEscrow{
		TradeID:         t.ID,
		TakerSignature:  sig,
		TakerDirection:  t.Direction,
		Network:         t.Network,
		ProtocolVersion: t.ProtocolVersion,
		OnchainAddress:  t.OnchainAddress,
	}, c.cfg.ResponseTimeout)
	if err != nil {
		return nil, fmt.Errorf("accept escrow: %w", err)
	}
	if resp.TradeID != t.ID {
		return nil, fmt.Errorf("accept escrow: %w: trade id mismatch", escrow.ErrMalformedResponse)
	}
	t.FeePPM = resp.FeePPM

	switch {
	case resp.Invoice != "":
		if err := c.saveFundingInvoice(ctx, &t, resp.Invoice); err != nil {
			return nil, err
		}
	case t.FundingAmount() > 0:
		return nil, fmt.Errorf("accept escrow: %w: missing invoice", escrow.ErrMalformedResponse)
	}
	if _, err := t.setState(resp.State, c.cfg.Now()); err != nil {
		return nil, fmt.Errorf("accept escrow: %w", err)
	}
	c.logger.Info("trade accepted", "tradeId", t.ID, "fundingSat", t.FundingAmount())
	return &t, nil
}

// FundTrade pays the trade's funding invoice. Paying twice is harmless.
func (c *Client) FundTrade(ctx context.Context, t *Trade) error {
	if t.FundingInvoiceID == "" {
		return nil
	}
	res, err := c.wallet.PayInvoice(ctx, t.FundingInvoiceID)
	if errors.Is(err, wallet.ErrAlreadyPaid) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("fund trade %s: %w", t.ID, err)
	}
	if !res.Success {
		return fmt.Errorf("fund trade %s: %w: %s", t.ID, ErrPaymentFailed, res.Log)
	}
	return nil
}

// SaveNewTrade persists a funded trade. Trades whose funding invoice is not
// paid are rejected.
func (c *Client) SaveNewTrade(ctx context.Context, t *Trade) error {
	if t.ID == "" || t.PubKey == "" {
		return fmt.Errorf("%w: trade was never registered or accepted", ErrInvalidState)
	}
	if t.FundingInvoiceID == "" {
		if t.FundingAmount() > 0 {
			return ErrNotFunded
		}
	} else {
		inv, err := c.wallet.GetInvoice(ctx, t.FundingInvoiceID)
		if err != nil {
			return fmt.Errorf("check funding invoice: %w", err)
		}
		if inv.Status != wallet.StatusPaid {
			return ErrNotFunded
		}
	}

	// The taker's payment is what starts the trade.
	if t.Role == RoleTaker {
		if _, err := t.setState(escrow.StateOngoing, c.cfg.Now()); err != nil {
			return err
		}
	}
	now := c.cfg.Now()
	t.CreatedAt, t.UpdatedAt = now, now
	if err := c.trades.Create(ctx, t.ID, *t); err != nil {
		if errors.Is(err, storage.ErrExists) {
			return fmt.Errorf("trade %s already saved: %w", t.ID, err)
		}
		return fmt.Errorf("save trade %s: %w", t.ID, err)
	}
	c.tradeChanged(t)
	return nil
}

// ConfirmTrade tells the agent the trade went as agreed. The receiving side
// hands over its payout invoice with the confirmation.
func (c *Client) ConfirmTrade(ctx context.Context, id string) (*Trade, error) {
	t, unlock, err := c.lockTrade(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if t.State != escrow.StateOngoing {
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, t.State)
	}

	req := escrow.CollaborativeConfirm{TradeID: t.ID}
	var payout *wallet.Request
	if t.Direction == escrow.DirectionReceiving {
		payout, err = c.wallet.CreateRequest(ctx, t.PayoutAmount(), "escrow payout "+shortID(t.ID), escrow.PayoutTimeout)
		if err != nil {
			return nil, fmt.Errorf("create payout request: %w", err)
		}
		req.PayoutInvoice = payout.Bolt11
	}
	if err := c.callForTrade(ctx, t, req, payout); err != nil {
		return nil, err
	}
	return t, nil
}

// CancelTrade asks the agent to call the trade off. Whoever paid in hands
// over a refund invoice for what it paid.
func (c *Client) CancelTrade(ctx context.Context, id string) (*Trade, error) {
	t, unlock, err := c.lockTrade(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if t.State != escrow.StateWaitingForTaker && t.State != escrow.StateOngoing {
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, t.State)
	}

	req := escrow.CollaborativeCancel{TradeID: t.ID}
	var refund *wallet.Request
	if paid := t.FundingAmount(); paid > 0 {
		refund, err = c.wallet.CreateRequest(ctx, paid, "escrow refund "+shortID(t.ID), escrow.PayoutTimeout)
		if err != nil {
			return nil, fmt.Errorf("create refund request: %w", err)
		}
		req.RefundInvoice = refund.Bolt11
	}
	if err := c.callForTrade(ctx, t, req, refund); err != nil {
		return nil, err
	}
	return t, nil
}

// RequestMediation escalates an ongoing trade to the agent's operator.
func (c *Client) RequestMediation(ctx context.Context, id, reason string) (*Trade, error) {
	t, unlock, err := c.lockTrade(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if t.State != escrow.StateOngoing {
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, t.State)
	}
	if err := c.callForTrade(ctx, t, escrow.RequestMediation{TradeID: t.ID, Reason: reason}, nil); err != nil {
		return nil, err
	}
	return t, nil
}

// callForTrade sends req with the trade's key and records the resulting
// state. A request created for the call is deleted when the call fails.
func (c *Client) callForTrade(ctx context.Context, t *Trade, req escrow.Request, created *wallet.Request) error {
	key, err := c.tradeKey(t)
	if err != nil {
		return err
	}
	ctx, span := traces.StartSpan(ctx, "client."+string(req.Method()),
		traces.Role(t.Role), traces.TradeID(t.ID))
	defer span.End()
	resp, err := c.messenger.Call(ctx, key, t.AgentPubKey, req, c.cfg.ResponseTimeout)
	if err != nil {
		if created != nil {
			if derr := c.wallet.DeleteRequest(ctx, created.ID); derr != nil {
				c.logger.Warn("failed to delete unused request", "requestId", created.ID, "error", derr)
			}
		}
		return fmt.Errorf("%s: %w", req.Method(), err)
	}
	return c.applyState(ctx, t, resp.State)
}

// prepareKey assigns a fresh key and fallback address to t and signs the
// contract with that key.
func (c *Client) prepareKey(ctx context.Context, t *Trade) (*nostr.PrivateKey, string, error) {
	key, idx, err := c.nextTradeKey(ctx)
	if err != nil {
		return nil, "", err
	}
	addr, err := c.wallet.NewAddress(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("new fallback address: %w", err)
	}
	sig, err := contract.SignContract(t.Contract, key)
	if err != nil {
		return nil, "", fmt.Errorf("sign contract: %w", err)
	}
	t.KeyIndex, t.PubKey, t.OnchainAddress = idx, key.PublicKey(), addr
	return key, sig, nil
}

func (c *Client) checkLiquidity(ctx context.Context, amountSat int64) error {
	if amountSat <= 0 {
		return nil
	}
	liq, err := c.wallet.Liquidity(ctx)
	if err != nil {
		return fmt.Errorf("query liquidity: %w", err)
	}
	if liq.SendSat < amountSat {
		return fmt.Errorf("%w: need %d sat, can send %d", ErrInsufficientLiquidity, amountSat, liq.SendSat)
	}
	return nil
}

// saveFundingInvoice stores the agent's invoice and checks it asks for what
// this side owes.
func (c *Client) saveFundingInvoice(ctx context.Context, t *Trade, bolt11 string) error {
	inv, err := c.wallet.SaveInvoice(ctx, bolt11)
	if err != nil {
		return fmt.Errorf("save funding invoice: %w", err)
	}
	if want := t.FundingAmount(); inv.AmountSat != want {
		_ = c.wallet.DeleteInvoice(ctx, inv.ID)
		return fmt.Errorf("%w: invoice asks %d sat, trade owes %d", escrow.ErrMalformedResponse, inv.AmountSat, want)
	}
	t.FundingInvoiceID, t.FundingInvoice = inv.ID, bolt11
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
