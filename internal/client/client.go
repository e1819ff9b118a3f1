// Package client implements the trader role: agent discovery, trade
// registration and acceptance, postbox handoff and settlement requests.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/lnescrow/internal/escrow"
	"github.com/mbd888/lnescrow/internal/metrics"
	"github.com/mbd888/lnescrow/internal/nostr"
	"github.com/mbd888/lnescrow/internal/storage"
	"github.com/mbd888/lnescrow/internal/syncutil"
	"github.com/mbd888/lnescrow/internal/wallet"
)

var (
	ErrTradeNotFound         = errors.New("client: trade not found")
	ErrNotFunded             = errors.New("client: funding invoice is not paid")
	ErrInvalidState          = errors.New("client: operation not allowed in this trade state")
	ErrInsufficientLiquidity = errors.New("client: not enough outbound liquidity")
	ErrInvalidPostbox        = errors.New("client: invalid postbox")
	ErrInvalidAgent          = errors.New("client: invalid agent public key")
	ErrPaymentFailed         = errors.New("client: payment failed")
	ErrAlreadyRunning        = errors.New("client: already running")
)

const metaKeyIndex = "trade_key_index"

// Config controls a Client. Zero values fall back to the protocol defaults.
type Config struct {
	Network         escrow.Network
	ResponseTimeout time.Duration
	PostboxTimeout  time.Duration
	PostboxExpiry   time.Duration
	Observer        escrow.Observer
	Now             func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Network == "" {
		c.Network = escrow.Mainnet
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = escrow.ResponseTimeout
	}
	if c.PostboxTimeout <= 0 {
		c.PostboxTimeout = escrow.PostboxTimeout
	}
	if c.PostboxExpiry <= 0 {
		c.PostboxExpiry = escrow.DirectMessageExpiry
	}
	if c.Observer == nil {
		c.Observer = escrow.NopObserver
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Client is the trader role bound to one wallet.
type Client struct {
	cfg       Config
	wallet    wallet.Wallet
	messenger *escrow.Messenger
	logger    *slog.Logger

	trades  *storage.Map[Trade]
	trusted *storage.Map[TrustedAgent]
	meta    storage.Store

	keyMu      sync.Mutex
	tradeLocks *syncutil.ContextKeyedMutex

	mu    sync.Mutex
	infos map[string]*AgentInfo

	trustedChanged chan struct{}
	tradesChanged  chan struct{}

	actorMu sync.Mutex
	actor   *escrow.Actor
}

// New binds a client to a wallet, a relay scheduler and the wallet's storage.
func New(w wallet.Wallet, sched escrow.Scheduler, store storage.Store, logger *slog.Logger, cfg Config) *Client {
	cfg = cfg.withDefaults()
	scoped := storage.NewScoped(store, w.ID())
	logger = logger.With("role", escrow.RoleClient)
	return &Client{
		cfg:            cfg,
		wallet:         w,
		messenger:      escrow.NewMessenger(sched, cfg.Network, logger),
		logger:         logger,
		trades:         storage.NewMap[Trade](scoped, storage.BucketClientTrades),
		trusted:        storage.NewMap[TrustedAgent](scoped, storage.BucketClientTrusted),
		meta:           scoped,
		tradeLocks:     syncutil.NewContextKeyedMutex(),
		infos:          make(map[string]*AgentInfo),
		trustedChanged: make(chan struct{}, 1),
		tradesChanged:  make(chan struct{}, 1),
	}
}

// Start spawns the client's actor.
func (c *Client) Start(ctx context.Context) error {
	c.actorMu.Lock()
	defer c.actorMu.Unlock()
	if c.actor != nil && c.actor.Alive() {
		return ErrAlreadyRunning
	}
	c.actor = escrow.Spawn(ctx, "client", c.logger, c.run)
	return nil
}

// Stop cancels the actor and waits for it. Safe to call repeatedly.
func (c *Client) Stop() {
	c.actorMu.Lock()
	actor := c.actor
	c.actorMu.Unlock()
	if actor != nil {
		actor.Stop()
	}
}

// Alive reports whether the actor is running.
func (c *Client) Alive() bool {
	c.actorMu.Lock()
	defer c.actorMu.Unlock()
	return c.actor != nil && c.actor.Alive()
}

func (c *Client) run(ctx context.Context) error {
	c.logger.Info("client started", "network", c.cfg.Network)
	g := escrow.NewGroup(ctx, c.logger)
	g.Go("discovery", c.discover)
	g.Go("notifications", c.listenNotifications)
	<-ctx.Done()
	g.Wait()
	return nil
}

// follow keeps the subscription produced by setup open, rebuilding it each
// time changed fires. setup returns ok=false when there is nothing to watch.
func (c *Client) follow(ctx context.Context, changed <-chan struct{},
	setup func(ctx context.Context) (nostr.Filter, func(context.Context, *nostr.Event), bool)) error {
	for {
		filter, handle, ok := setup(ctx)
		subCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			if ok {
				_ = c.messenger.Listen(subCtx, func() nostr.Filter { return filter }, handle)
			}
		}()

		select {
		case <-ctx.Done():
			cancel()
			<-done
			return ctx.Err()
		case <-changed:
			cancel()
			<-done
		}
	}
}

// -----------------------------------------------------------------------------
// Trusted agents
// -----------------------------------------------------------------------------

// GetTrustedAgents returns the trusted agent keys in sorted order.
func (c *Client) GetTrustedAgents(ctx context.Context) ([]string, error) {
	all, err := c.trusted.All(ctx)
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, err
}

// AddTrustedAgent starts following pubkey's announcements.
func (c *Client) AddTrustedAgent(ctx context.Context, pubkey string) error {
	if !nostr.IsValidPublicKey(pubkey) {
		return ErrInvalidAgent
	}
	err := c.trusted.Create(ctx, pubkey, TrustedAgent{PubKey: pubkey, AddedAt: c.cfg.Now()})
	if errors.Is(err, storage.ErrExists) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("save trusted agent: %w", err)
	}
	signal(c.trustedChanged)
	return nil
}

// DeleteTrustedAgent stops following pubkey and forgets what was seen of it.
func (c *Client) DeleteTrustedAgent(ctx context.Context, pubkey string) error {
	if err := c.trusted.Delete(ctx, pubkey); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("delete trusted agent: %w", err)
	}
	c.mu.Lock()
	delete(c.infos, pubkey)
	c.mu.Unlock()
	signal(c.trustedChanged)
	return nil
}

// -----------------------------------------------------------------------------
// Trades
// -----------------------------------------------------------------------------

// Trade returns the persisted trade with the given id.
func (c *Client) Trade(ctx context.Context, id string) (*Trade, error) {
	t, err := c.trades.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrTradeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Trades returns every persisted trade, newest first.
func (c *Client) Trades(ctx context.Context) ([]*Trade, error) {
	all, err := c.trades.All(ctx)
	out := make([]*Trade, 0, len(all))
	for _, t := range all {
		out = append(out, &t)
	}
	slices.SortFunc(out, func(a, b *Trade) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out, err
}

// nextTradeKey hands out a fresh per-trade key. The index is persisted
// before the key is used, so no key is ever handed out twice.
func (c *Client) nextTradeKey(ctx context.Context) (*nostr.PrivateKey, int, error) {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()

	idx := 0
	raw, err := c.meta.Get(ctx, storage.BucketClientMeta, metaKeyIndex)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, 0, fmt.Errorf("read key index: %w", err)
	default:
		if idx, err = strconv.Atoi(string(raw)); err != nil {
			return nil, 0, fmt.Errorf("corrupt key index %q: %w", raw, err)
		}
	}
	if err := c.meta.Put(ctx, storage.BucketClientMeta, metaKeyIndex, []byte(strconv.Itoa(idx+1))); err != nil {
		return nil, 0, fmt.Errorf("save key index: %w", err)
	}
	key, err := c.wallet.DeriveIdentityKey(idx)
	if err != nil {
		return nil, 0, fmt.Errorf("derive trade key: %w", err)
	}
	return key, idx, nil
}

func (c *Client) tradeKey(t *Trade) (*nostr.PrivateKey, error) {
	if t.PubKey == "" {
		return nil, fmt.Errorf("%w: trade has no key yet", ErrInvalidState)
	}
	return c.wallet.DeriveIdentityKey(t.KeyIndex)
}

// lockTrade loads a persisted trade under its lock.
func (c *Client) lockTrade(ctx context.Context, id string) (*Trade, func(), error) {
	unlock, err := c.tradeLocks.Lock(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	t, err := c.Trade(ctx, id)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return t, unlock, nil
}

// applyState records a state reported by the agent on a locked trade.
func (c *Client) applyState(ctx context.Context, t *Trade, to escrow.TradeState) error {
	changed, err := t.setState(to, c.cfg.Now())
	if err != nil {
		c.logger.Error("agent reported impossible state change",
			"tradeId", t.ID, "from", t.State, "to", to, "error", err)
		return fmt.Errorf("trade %s: %w", t.ID, err)
	}
	if !changed {
		return nil
	}
	if err := c.trades.Put(ctx, t.ID, *t); err != nil {
		return fmt.Errorf("save trade %s: %w", t.ID, err)
	}
	c.tradeChanged(t)
	return nil
}

func (c *Client) tradeChanged(t *Trade) {
	metrics.TradeTransitionsTotal.WithLabelValues(escrow.RoleClient, string(t.State)).Inc()
	c.cfg.Observer.TradeChanged(escrow.RoleClient, t.ID, t.State)
	c.logger.Info("trade state changed", "tradeId", t.ID, "state", t.State)
	signal(c.tradesChanged)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
