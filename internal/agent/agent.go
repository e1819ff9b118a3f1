// Package agent implements the custodian role of the escrow protocol.
//
// An Agent registers trades for makers, collects funding from both parties
// over Lightning, and pays out once the parties settle. It runs as one actor
// with independent supervised tasks:
//
//   - announcer: status, profile and relay list broadcasts
//   - dispatcher: encrypted RPC requests addressed to the agent identity
//   - funding watcher: wallet payment confirmations
//   - janitor: expiry of unfunded registrations
//   - payout loop: retries of scheduled outgoing payments
//
// Unfunded registrations live only in memory in a bounded set; a trade is
// written to storage once the maker's funding request is paid.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/lnescrow/internal/escrow"
	"github.com/mbd888/lnescrow/internal/metrics"
	"github.com/mbd888/lnescrow/internal/nostr"
	"github.com/mbd888/lnescrow/internal/storage"
	"github.com/mbd888/lnescrow/internal/syncutil"
	"github.com/mbd888/lnescrow/internal/wallet"
)

var (
	ErrTradeNotFound  = errors.New("agent: trade not found")
	ErrNoProfile      = errors.New("agent: no profile saved")
	ErrAlreadyRunning = errors.New("agent: already running")
)

const (
	metaProfile = "profile"
	metaIsAgent = "is_agent"
)

// Config controls an Agent. Zero values fall back to DefaultConfig.
type Config struct {
	Network           escrow.Network
	Relays            []string
	PendingCapacity   int
	MinTradeAmountSat int64
	FundingExpiry     time.Duration

	StatusInterval    time.Duration
	ProfileInterval   time.Duration
	RelayListInterval time.Duration
	JanitorInterval   time.Duration
	PayoutInterval    time.Duration
	PayoutRetry       time.Duration
	PayoutTimeout     time.Duration

	Observer escrow.Observer
	Now      func() time.Time
}

// DefaultConfig returns the protocol defaults for network.
func DefaultConfig(network escrow.Network) Config {
	return Config{
		Network:           network,
		PendingCapacity:   escrow.MaxPendingTrades,
		MinTradeAmountSat: escrow.MinTradeAmountSat,
		FundingExpiry:     escrow.FundingRequestExpiry,
		StatusInterval:    escrow.StatusInterval,
		ProfileInterval:   escrow.ProfileInterval,
		RelayListInterval: escrow.RelayListInterval,
		JanitorInterval:   30 * time.Second,
		PayoutInterval:    10 * time.Second,
		PayoutRetry:       escrow.PayoutRetryInterval,
		PayoutTimeout:     escrow.PayoutTimeout,
		Observer:          escrow.NopObserver,
		Now:               time.Now,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig(c.Network)
	if c.Network == "" {
		c.Network = escrow.Mainnet
	}
	if c.PendingCapacity <= 0 {
		c.PendingCapacity = def.PendingCapacity
	}
	if c.MinTradeAmountSat <= 0 {
		c.MinTradeAmountSat = def.MinTradeAmountSat
	}
	if c.FundingExpiry <= 0 {
		c.FundingExpiry = def.FundingExpiry
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = def.StatusInterval
	}
	if c.ProfileInterval <= 0 {
		c.ProfileInterval = def.ProfileInterval
	}
	if c.RelayListInterval <= 0 {
		c.RelayListInterval = def.RelayListInterval
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = def.JanitorInterval
	}
	if c.PayoutInterval <= 0 {
		c.PayoutInterval = def.PayoutInterval
	}
	if c.PayoutRetry <= 0 {
		c.PayoutRetry = def.PayoutRetry
	}
	if c.PayoutTimeout <= 0 {
		c.PayoutTimeout = def.PayoutTimeout
	}
	if c.Observer == nil {
		c.Observer = def.Observer
	}
	if c.Now == nil {
		c.Now = def.Now
	}
	return c
}

// Agent is the custodian role bound to one wallet.
type Agent struct {
	cfg       Config
	wallet    wallet.Wallet
	messenger *escrow.Messenger
	key       *nostr.PrivateKey
	logger    *slog.Logger

	trades  *storage.Map[Trade]
	payouts *storage.Map[Payout]
	meta    storage.Store

	mu      sync.Mutex
	pending *pendingSet[*Trade]
	offers  *pendingSet[takerOffer]
	seen    *nostr.SeenSet
	relays  []string

	tradeLocks  syncutil.KeyedMutex
	payoutLocks syncutil.KeyedMutex
	guard       atomic.Uint64

	profileChanged chan struct{}
	relaysChanged  chan struct{}

	actorMu sync.Mutex
	actor   *escrow.Actor
}

// New binds an agent to a wallet, a relay scheduler and the wallet's
// storage. Records are kept under the wallet id's scope of store.
func New(w wallet.Wallet, sched escrow.Scheduler, store storage.Store, logger *slog.Logger, cfg Config) (*Agent, error) {
	cfg = cfg.withDefaults()
	key, err := w.DeriveIdentityKey(escrow.IdentityPurpose)
	if err != nil {
		return nil, fmt.Errorf("derive agent identity: %w", err)
	}
	scoped := storage.NewScoped(store, w.ID())
	logger = logger.With("role", escrow.RoleAgent, "agent", key.PublicKey()[:16])
	return &Agent{
		cfg:            cfg,
		wallet:         w,
		messenger:      escrow.NewMessenger(sched, cfg.Network, logger),
		key:            key,
		logger:         logger,
		trades:         storage.NewMap[Trade](scoped, storage.BucketAgentTrades),
		payouts:        storage.NewMap[Payout](scoped, storage.BucketAgentPayouts),
		meta:           scoped,
		pending:        newPendingSet[*Trade](cfg.PendingCapacity),
		offers:         newPendingSet[takerOffer](cfg.PendingCapacity),
		seen:           nostr.NewSeenSet(1024),
		relays:         slices.Clone(cfg.Relays),
		profileChanged: make(chan struct{}, 1),
		relaysChanged:  make(chan struct{}, 1),
	}, nil
}

// Enable marks the wallet behind store as running in agent mode.
func Enable(ctx context.Context, store storage.Store, walletID string) error {
	return storage.NewScoped(store, walletID).Put(ctx, storage.BucketAgentMeta, metaIsAgent, []byte("true"))
}

// IsEnabled reports whether Enable was called for walletID.
func IsEnabled(ctx context.Context, store storage.Store, walletID string) (bool, error) {
	v, err := storage.NewScoped(store, walletID).Get(ctx, storage.BucketAgentMeta, metaIsAgent)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return string(v) == "true", nil
}

// PubKey returns the agent's public identity.
func (a *Agent) PubKey() string { return a.key.PublicKey() }

// Start spawns the agent's actor.
func (a *Agent) Start(ctx context.Context) error {
	a.actorMu.Lock()
	defer a.actorMu.Unlock()
	if a.actor != nil && a.actor.Alive() {
		return ErrAlreadyRunning
	}
	if err := a.seedPayoutGuard(ctx); err != nil {
		return fmt.Errorf("load payout schedule: %w", err)
	}
	a.actor = escrow.Spawn(ctx, "agent", a.logger, a.run)
	return nil
}

// Stop cancels the actor and waits for its cleanup. Safe to call repeatedly.
func (a *Agent) Stop() {
	a.actorMu.Lock()
	actor := a.actor
	a.actorMu.Unlock()
	if actor != nil {
		actor.Stop()
	}
}

// Alive reports whether the actor is running.
func (a *Agent) Alive() bool {
	a.actorMu.Lock()
	defer a.actorMu.Unlock()
	return a.actor != nil && a.actor.Alive()
}

func (a *Agent) run(ctx context.Context) error {
	payments, err := a.wallet.SubscribePayments(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to payments: %w", err)
	}

	a.logger.Info("agent started", "pubkey", a.PubKey(), "network", a.cfg.Network)
	g := escrow.NewGroup(ctx, a.logger)
	g.Go("announcer", a.announce)
	g.Go("dispatcher", a.dispatch)
	g.Go("funding-watcher", func(ctx context.Context) error { return a.watchFunding(ctx, payments) })
	g.Go("janitor", a.janitor)
	g.Go("payouts", a.payoutLoop)
	<-ctx.Done()
	g.Wait()

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	a.dropPending(cleanupCtx)
	return nil
}

// -----------------------------------------------------------------------------
// Profile
// -----------------------------------------------------------------------------

// GetProfile returns the saved profile.
func (a *Agent) GetProfile(ctx context.Context) (escrow.AgentProfile, error) {
	var p escrow.AgentProfile
	raw, err := a.meta.Get(ctx, storage.BucketAgentMeta, metaProfile)
	if errors.Is(err, storage.ErrNotFound) {
		return p, ErrNoProfile
	}
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode profile: %w", err)
	}
	return p, nil
}

// SaveProfile validates and persists p, then schedules a broadcast.
func (a *Agent) SaveProfile(ctx context.Context, p escrow.AgentProfile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := a.meta.Put(ctx, storage.BucketAgentMeta, metaProfile, raw); err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	signal(a.profileChanged)
	return nil
}

// BroadcastProfile publishes the saved profile now.
func (a *Agent) BroadcastProfile(ctx context.Context) error {
	p, err := a.GetProfile(ctx)
	if err != nil {
		return err
	}
	content, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = a.messenger.Publish(a.key, nostr.KindProfile, string(content), nil, escrow.ProfileExpiry)
	return err
}

// Relays returns the relay list the agent advertises.
func (a *Agent) Relays() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.relays)
}

// SetRelays changes the advertised relay list and re-broadcasts it.
func (a *Agent) SetRelays(relays []string) {
	a.mu.Lock()
	a.relays = slices.Clone(relays)
	a.mu.Unlock()
	signal(a.relaysChanged)
}

// -----------------------------------------------------------------------------
// Queries
// -----------------------------------------------------------------------------

// Trade returns a persisted trade.
func (a *Agent) Trade(ctx context.Context, id string) (*Trade, error) {
	t, err := a.trades.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrTradeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Trades returns every persisted trade, newest first.
func (a *Agent) Trades(ctx context.Context) ([]*Trade, error) {
	all, err := a.trades.All(ctx)
	if err != nil && len(all) == 0 {
		return nil, err
	}
	if err != nil {
		a.logger.Error("corrupt trade records", "error", err)
	}
	out := make([]*Trade, 0, len(all))
	for _, t := range all {
		out = append(out, &t)
	}
	slices.SortFunc(out, func(x, y *Trade) int { return y.CreatedAt.Compare(x.CreatedAt) })
	return out, nil
}

// PendingCount returns how many registrations await maker funding.
func (a *Agent) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending.Len()
}

// Payouts returns the scheduled payouts.
func (a *Agent) Payouts(ctx context.Context) (map[string]Payout, error) {
	return a.payouts.All(ctx)
}

func (a *Agent) updatePendingGauge() {
	metrics.AgentPendingTrades.Set(float64(a.pending.Len()))
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
