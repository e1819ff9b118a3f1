package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mbd888/lnescrow/internal/contract"
	"github.com/mbd888/lnescrow/internal/escrow"
	"github.com/mbd888/lnescrow/internal/nostr"
)

// CreatePostbox hands a waiting trade to a counterparty out of band. The
// trade details are sent to a throwaway key whose secret is returned as an
// nsec token; whoever holds the token can pick the trade up.
func (c *Client) CreatePostbox(ctx context.Context, id string) (string, error) {
	t, unlock, err := c.lockTrade(ctx, id)
	if err != nil {
		return "", err
	}
	defer unlock()
	if t.Role != RoleMaker || t.State != escrow.StateWaitingForTaker {
		return "", fmt.Errorf("%w: only a maker's waiting trade can be handed out", ErrInvalidState)
	}
	key, err := c.tradeKey(t)
	if err != nil {
		return "", err
	}

	box, err := nostr.GeneratePrivateKey()
	if err != nil {
		return "", fmt.Errorf("postbox key: %w", err)
	}
	payload := escrow.PostboxPayload{
		TradeID:         t.ID,
		AgentPubKey:     t.AgentPubKey,
		Contract:        t.Contract,
		MakerPubKey:     t.MakerPubKey,
		MakerSignature:  t.MakerSignature,
		TakerDirection:  t.Direction.Opposite(),
		PaymentProtocol: t.PaymentProtocol,
		Network:         t.Network,
		ProtocolVersion: t.ProtocolVersion,
	}
	if _, err := c.messenger.DirectMessage(key, box.PublicKey(), payload, c.cfg.PostboxExpiry); err != nil {
		return "", fmt.Errorf("send postbox: %w", err)
	}
	token, err := nostr.EncodeSecretKey(box)
	if err != nil {
		return "", err
	}

	t.Postbox = token
	t.UpdatedAt = c.cfg.Now()
	if err := c.trades.Put(ctx, t.ID, *t); err != nil {
		return "", fmt.Errorf("save trade %s: %w", t.ID, err)
	}
	c.logger.Info("postbox created", "tradeId", t.ID)
	return token, nil
}

// CreateTradeFromPostbox opens the postbox behind token and builds a taker
// draft from it, ready for AcceptEscrow. A token that fails its checksum is
// rejected before anything is sent to the relays.
func (c *Client) CreateTradeFromPostbox(ctx context.Context, token string) (*Trade, error) {
	box, err := nostr.DecodeSecretKey(strings.TrimSpace(token))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPostbox, err)
	}

	filter := nostr.Filter{
		Kinds: []int{nostr.KindEncryptedDirectMsg},
		Tags:  nostr.TagMap{"p": {box.PublicKey()}},
		Limit: 1,
	}
	ev, plain, err := c.messenger.Receive(ctx, box, filter, c.cfg.PostboxTimeout)
	if err != nil {
		return nil, fmt.Errorf("open postbox: %w", err)
	}
	var p escrow.PostboxPayload
	if err := json.Unmarshal(plain, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPostbox, err)
	}
	if err := c.checkPostbox(ev, p); err != nil {
		return nil, err
	}

	now := c.cfg.Now()
	return &Trade{
		ID:              p.TradeID,
		State:           escrow.StateWaitingForTaker,
		Role:            RoleTaker,
		Contract:        p.Contract,
		Direction:       p.TakerDirection,
		PaymentProtocol: p.PaymentProtocol,
		Network:         p.Network,
		AgentPubKey:     p.AgentPubKey,
		ProtocolVersion: p.ProtocolVersion,
		KeyIndex:        -1,
		MakerPubKey:     p.MakerPubKey,
		MakerSignature:  p.MakerSignature,
		Postbox:         token,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

func (c *Client) checkPostbox(ev *nostr.Event, p escrow.PostboxPayload) error {
	switch {
	case p.Network != c.cfg.Network:
		return fmt.Errorf("%w: trade is for network %s", ErrInvalidPostbox, p.Network)
	case p.ProtocolVersion != escrow.ProtocolVersion:
		return fmt.Errorf("%w: unsupported protocol version %d", ErrInvalidPostbox, p.ProtocolVersion)
	case !p.PaymentProtocol.Supported():
		return fmt.Errorf("%w: unsupported payment protocol %q", ErrInvalidPostbox, p.PaymentProtocol)
	case !p.TakerDirection.Valid():
		return fmt.Errorf("%w: invalid payment direction", ErrInvalidPostbox)
	case p.TradeID == "" || !nostr.IsValidPublicKey(p.AgentPubKey):
		return fmt.Errorf("%w: missing trade or agent", ErrInvalidPostbox)
	case p.MakerPubKey != ev.PubKey:
		return fmt.Errorf("%w: sender is not the maker", ErrInvalidPostbox)
	}
	if err := p.Contract.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPostbox, err)
	}
	if err := contract.VerifyContract(p.Contract, p.MakerSignature, p.MakerPubKey); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPostbox, err)
	}
	return nil
}
