package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/mbd888/lnescrow/internal/agent"
	"github.com/mbd888/lnescrow/internal/contract"
	"github.com/mbd888/lnescrow/internal/escrow"
	"github.com/mbd888/lnescrow/internal/nostr"
	"github.com/mbd888/lnescrow/internal/relay"
	"github.com/mbd888/lnescrow/internal/relay/relaytest"
	"github.com/mbd888/lnescrow/internal/storage"
	"github.com/mbd888/lnescrow/internal/wallet"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type env struct {
	net   *relaytest.Network
	sched *relay.Scheduler
	lnet  *wallet.MemoryNetwork
	agent *agent.Agent
}

// newBareEnv starts a relay network and scheduler with no agent on it.
func newBareEnv(t *testing.T) *env {
	t.Helper()
	net := relaytest.NewNetwork()
	cfg := relay.DefaultConfig([]string{"wss://relay.test"})
	cfg.GracePeriod = 50 * time.Millisecond
	cfg.RetryDelay = time.Millisecond
	sched := relay.NewScheduler(cfg, net, testLogger())
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("start scheduler: %v", err)
	}
	t.Cleanup(sched.Stop)
	return &env{net: net, sched: sched, lnet: wallet.NewMemoryNetwork()}
}

// newEnv adds a running agent to a bare environment.
func newEnv(t *testing.T) *env {
	t.Helper()
	e := newBareEnv(t)
	aw := wallet.NewMemoryWallet("agent-wallet", e.lnet, nil, 0)
	a, err := agent.New(aw, e.sched, storage.NewMemoryStore(), testLogger(), agent.Config{
		Network:        escrow.Regtest,
		PayoutInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start agent: %v", err)
	}
	t.Cleanup(a.Stop)
	waitFor(t, "agent request subscription", func() bool { return e.net.Subscriptions() > 0 })
	e.agent = a
	return e
}

func (e *env) newClient(t *testing.T, name string, balanceSat int64, cfg Config) (*Client, *wallet.MemoryWallet) {
	t.Helper()
	w := wallet.NewMemoryWallet(name, e.lnet, nil, balanceSat)
	cfg.Network = escrow.Regtest
	return New(w, e.sched, storage.NewMemoryStore(), testLogger(), cfg), w
}

func start(t *testing.T, c *Client) {
	t.Helper()
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start client: %v", err)
	}
	t.Cleanup(c.Stop)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var bikeContract = contract.TradeContract{
	Title:          "Road bike",
	Terms:          "Used road bike, shipped within 3 days",
	TradeAmountSat: 100000,
	BondSat:        3000,
}

// makerTrade registers, funds and saves a trade where the maker sends.
func makerTrade(t *testing.T, e *env, maker *Client) *Trade {
	t.Helper()
	ctx := context.Background()
	tr, err := maker.RequestRegisterEscrow(ctx, e.agent.PubKey(), bikeContract, escrow.DirectionSending)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := maker.FundTrade(ctx, tr); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := maker.SaveNewTrade(ctx, tr); err != nil {
		t.Fatalf("save: %v", err)
	}
	return tr
}

func TestScenarioC_PostboxRoundTrip(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	maker, _ := e.newClient(t, "maker", 1_000_000, Config{})
	taker, _ := e.newClient(t, "taker", 1_000_000, Config{})

	tr := makerTrade(t, e, maker)
	token, err := maker.CreatePostbox(ctx, tr.ID)
	if err != nil {
		t.Fatalf("create postbox: %v", err)
	}
	if !strings.HasPrefix(token, nostr.SecretKeyPrefix+"1") {
		t.Fatalf("token %q lacks nsec prefix", token)
	}

	draft, err := taker.CreateTradeFromPostbox(ctx, token)
	if err != nil {
		t.Fatalf("open postbox: %v", err)
	}
	if draft.Contract != bikeContract {
		t.Fatalf("contract = %+v, want %+v", draft.Contract, bikeContract)
	}
	if err := contract.VerifyContract(draft.Contract, draft.MakerSignature, draft.MakerPubKey); err != nil {
		t.Fatalf("maker signature does not verify: %v", err)
	}
	if draft.ID != tr.ID || draft.Direction != escrow.DirectionReceiving || draft.AgentPubKey != e.agent.PubKey() {
		t.Fatalf("unexpected draft %+v", draft)
	}
	if trades, _ := taker.Trades(ctx); len(trades) != 0 {
		t.Fatal("postbox draft must not be persisted")
	}
}

func TestEndToEnd_AcceptFundAndSettle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	maker, _ := e.newClient(t, "maker", 1_000_000, Config{})
	taker, takerWallet := e.newClient(t, "taker", 1_000_000, Config{})
	start(t, maker)

	tr := makerTrade(t, e, maker)
	token, err := maker.CreatePostbox(ctx, tr.ID)
	if err != nil {
		t.Fatalf("create postbox: %v", err)
	}
	draft, err := taker.CreateTradeFromPostbox(ctx, token)
	if err != nil {
		t.Fatalf("open postbox: %v", err)
	}
	accepted, err := taker.AcceptEscrow(ctx, draft)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.FundingAmount() != 3000 || accepted.FundingInvoiceID == "" {
		t.Fatalf("taker should owe the bond, got %+v", accepted)
	}
	if err := taker.FundTrade(ctx, accepted); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := taker.SaveNewTrade(ctx, accepted); err != nil {
		t.Fatalf("save: %v", err)
	}
	if accepted.State != escrow.StateOngoing {
		t.Fatalf("taker trade state = %s", accepted.State)
	}

	waitFor(t, "maker notified", func() bool {
		got, err := maker.Trade(ctx, tr.ID)
		return err == nil && got.State == escrow.StateOngoing
	})

	if got, err := taker.ConfirmTrade(ctx, tr.ID); err != nil || got.State != escrow.StateOngoing {
		t.Fatalf("taker confirm: %+v %v", got, err)
	}
	before := takerWallet.Balance()
	if got, err := maker.ConfirmTrade(ctx, tr.ID); err != nil || got.State != escrow.StateFinished {
		t.Fatalf("maker confirm: %+v %v", got, err)
	}
	waitFor(t, "payout to taker", func() bool { return takerWallet.Balance()-before == 103000 })

	if _, err := maker.ConfirmTrade(ctx, tr.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("confirming a finished trade: %v", err)
	}
}

func TestCancelWaitingTrade(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	maker, makerWallet := e.newClient(t, "maker", 1_000_000, Config{})
	tr := makerTrade(t, e, maker)

	before := makerWallet.Balance()
	got, err := maker.CancelTrade(ctx, tr.ID)
	if err != nil || got.State != escrow.StateCancelled {
		t.Fatalf("cancel: %+v %v", got, err)
	}
	waitFor(t, "refund", func() bool { return makerWallet.Balance()-before == 100000 })
}

func TestSaveNewTrade_RejectsUnpaid(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	maker, _ := e.newClient(t, "maker", 1_000_000, Config{})
	tr, err := maker.RequestRegisterEscrow(ctx, e.agent.PubKey(), bikeContract, escrow.DirectionReceiving)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := maker.SaveNewTrade(ctx, tr); !errors.Is(err, ErrNotFunded) {
		t.Fatalf("expected ErrNotFunded, got %v", err)
	}
	if trades, _ := maker.Trades(ctx); len(trades) != 0 {
		t.Fatalf("unpaid trade persisted")
	}
}

func TestRequestRegisterEscrow_AgentRejects(t *testing.T) {
	e := newEnv(t)
	maker, _ := e.newClient(t, "maker", 1_000_000, Config{})
	small := bikeContract
	small.TradeAmountSat = 10
	_, err := maker.RequestRegisterEscrow(context.Background(), e.agent.PubKey(), small, escrow.DirectionSending)
	var remote *escrow.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected remote rejection, got %v", err)
	}
}

func TestRequestRegisterEscrow_Timeout(t *testing.T) {
	e := newBareEnv(t)
	maker, _ := e.newClient(t, "maker", 1_000_000, Config{ResponseTimeout: 200 * time.Millisecond})
	nobody, _ := nostr.GeneratePrivateKey()
	_, err := maker.RequestRegisterEscrow(context.Background(), nobody.PublicKey(), bikeContract, escrow.DirectionSending)
	if !errors.Is(err, escrow.ErrResponseTimeout) {
		t.Fatalf("expected ErrResponseTimeout, got %v", err)
	}
}

func TestRequestRegisterEscrow_MalformedResponse(t *testing.T) {
	e := newBareEnv(t)
	maker, _ := e.newClient(t, "maker", 1_000_000, Config{})

	fake, _ := nostr.GeneratePrivateKey()
	m := escrow.NewMessenger(e.sched, escrow.Regtest, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		filter := func() nostr.Filter {
			return nostr.Filter{
				Kinds: []int{nostr.KindEphemeralRequest},
				Tags:  nostr.TagMap{"p": {fake.PublicKey()}},
			}
		}
		_ = m.Listen(ctx, filter, func(_ context.Context, ev *nostr.Event) {
			if nostr.FindTag(ev.Tags, "e") == nil {
				_, _ = m.Send(fake, ev.PubKey, "not a response", ev.ID)
			}
		})
	}()
	waitFor(t, "fake agent subscription", func() bool { return e.net.Subscriptions() > 0 })

	_, err := maker.RequestRegisterEscrow(context.Background(), fake.PublicKey(), bikeContract, escrow.DirectionSending)
	if !errors.Is(err, escrow.ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
}

func TestRequestRegisterEscrow_ChecksLiquidityFirst(t *testing.T) {
	e := newBareEnv(t)
	maker, _ := e.newClient(t, "maker", 500, Config{})
	agentKey, _ := nostr.GeneratePrivateKey()
	_, err := maker.RequestRegisterEscrow(context.Background(), agentKey.PublicKey(), bikeContract, escrow.DirectionSending)
	if !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}
	if n := len(e.net.Events(nostr.Filter{Kinds: []int{nostr.KindEphemeralRequest}})); n != 0 {
		t.Fatalf("%d requests sent despite missing liquidity", n)
	}
}

func TestCreateTradeFromPostbox_FlippedCharacterRejectedOffline(t *testing.T) {
	e := newBareEnv(t)
	taker, _ := e.newClient(t, "taker", 0, Config{})

	box, _ := nostr.GeneratePrivateKey()
	token, err := nostr.EncodeSecretKey(box)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	i := len(token) - 10
	flipped := byte('q')
	if token[i] == 'q' {
		flipped = 'p'
	}
	bad := token[:i] + string(flipped) + token[i+1:]

	if _, err := taker.CreateTradeFromPostbox(context.Background(), bad); !errors.Is(err, ErrInvalidPostbox) {
		t.Fatalf("expected ErrInvalidPostbox, got %v", err)
	}
	if e.net.Opened() != 0 {
		t.Fatalf("relay session opened for an invalid token")
	}
}

func TestCreateTradeFromPostbox_EmptyPostboxTimesOut(t *testing.T) {
	e := newBareEnv(t)
	taker, _ := e.newClient(t, "taker", 0, Config{PostboxTimeout: 150 * time.Millisecond})
	box, _ := nostr.GeneratePrivateKey()
	token, _ := nostr.EncodeSecretKey(box)
	if _, err := taker.CreateTradeFromPostbox(context.Background(), token); !errors.Is(err, escrow.ErrResponseTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestTradeKeys_NeverReused(t *testing.T) {
	e := newBareEnv(t)
	ctx := context.Background()
	store := storage.NewMemoryStore()
	w := wallet.NewMemoryWallet("w", e.lnet, nil, 0)
	c1 := New(w, e.sched, store, testLogger(), Config{Network: escrow.Regtest})

	k0, i0, err := c1.nextTradeKey(ctx)
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	k1, i1, _ := c1.nextTradeKey(ctx)
	if i0 != 0 || i1 != 1 || k0.PublicKey() == k1.PublicKey() {
		t.Fatalf("keys not fresh: %d %d", i0, i1)
	}

	c2 := New(w, e.sched, store, testLogger(), Config{Network: escrow.Regtest})
	if _, i2, _ := c2.nextTradeKey(ctx); i2 != 2 {
		t.Fatalf("index after restart = %d, want 2", i2)
	}
	agentKey, _ := w.DeriveIdentityKey(escrow.IdentityPurpose)
	if agentKey.PublicKey() == k0.PublicKey() {
		t.Fatal("trade key collides with the agent identity")
	}
}

func TestTrustedAgents(t *testing.T) {
	e := newBareEnv(t)
	ctx := context.Background()
	c, _ := e.newClient(t, "c", 0, Config{})

	if err := c.AddTrustedAgent(ctx, "not-a-key"); !errors.Is(err, ErrInvalidAgent) {
		t.Fatalf("expected ErrInvalidAgent, got %v", err)
	}
	a, _ := nostr.GeneratePrivateKey()
	b, _ := nostr.GeneratePrivateKey()
	for _, k := range []string{a.PublicKey(), b.PublicKey(), a.PublicKey()} {
		if err := c.AddTrustedAgent(ctx, k); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	keys, err := c.GetTrustedAgents(ctx)
	if err != nil || len(keys) != 2 || keys[0] > keys[1] {
		t.Fatalf("trusted = %v, %v", keys, err)
	}
	if err := c.DeleteTrustedAgent(ctx, a.PublicKey()); err != nil {
		t.Fatalf("delete: %v", err)
	}
	keys, _ = c.GetTrustedAgents(ctx)
	if len(keys) != 1 || keys[0] != b.PublicKey() {
		t.Fatalf("after delete: %v", keys)
	}
}

func announcement(pubkey string, kind int, createdAt int64, content string, network escrow.Network, extra ...nostr.Tag) *nostr.Event {
	tags := nostr.Tags{{"r", network.Tag()}, {"d", escrow.ProtocolTag()}}
	return &nostr.Event{
		PubKey:    pubkey,
		Kind:      kind,
		CreatedAt: nostr.Timestamp(createdAt),
		Content:   content,
		Tags:      append(tags, extra...),
	}
}

func TestDiscovery_LastWriteWinsPerField(t *testing.T) {
	e := newBareEnv(t)
	c, _ := e.newClient(t, "c", 0, Config{})
	agentKey, _ := nostr.GeneratePrivateKey()
	pub := agentKey.PublicKey()
	trusted := map[string]bool{pub: true}

	profile := func(at int64, name string) *nostr.Event {
		return announcement(pub, nostr.KindProfile, at, `{"name":"`+name+`"}`, escrow.Regtest)
	}
	c.applyAgentEvent(trusted, profile(100, "first"))
	c.applyAgentEvent(trusted, profile(90, "older"))
	c.applyAgentEvent(trusted, profile(100, "same-time"))
	c.applyAgentEvent(trusted, announcement(pub, nostr.KindAgentStatus, 50,
		`{"inbound_liquidity":7,"outbound_liquidity":9}`, escrow.Regtest))

	info, ok := c.AgentInfo(pub)
	if !ok || info.Profile.Name != "first" || info.ProfileAt != 100 {
		t.Fatalf("profile = %+v", info.Profile)
	}
	if info.Status == nil || info.Status.OutboundLiquiditySat != 9 {
		t.Fatalf("older status must still apply to its own field: %+v", info.Status)
	}

	c.applyAgentEvent(trusted, profile(101, "newer"))
	c.applyAgentEvent(trusted, announcement(pub, nostr.KindRelayList, 10, "", escrow.Regtest,
		nostr.Tag{"r", "wss://relay.one"}))
	c.applyAgentEvent(trusted, announcement(pub, nostr.KindProfile, 200, `{"name":"mainnet"}`, escrow.Mainnet))

	info, _ = c.AgentInfo(pub)
	if info.Profile.Name != "newer" {
		t.Fatalf("profile name = %q, want newer", info.Profile.Name)
	}
	if len(info.Relays) != 1 || info.Relays[0] != "wss://relay.one" {
		t.Fatalf("relays = %v", info.Relays)
	}

	stranger, _ := nostr.GeneratePrivateKey()
	c.applyAgentEvent(trusted, announcement(stranger.PublicKey(), nostr.KindProfile, 1, `{"name":"x"}`, escrow.Regtest))
	if _, ok := c.AgentInfo(stranger.PublicKey()); ok {
		t.Fatal("untrusted agent cached")
	}
	if len(c.AgentInfos()) != 1 {
		t.Fatalf("infos = %+v", c.AgentInfos())
	}
}

func TestDiscovery_FollowsTrustedAgents(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if err := e.agent.SaveProfile(ctx, escrow.AgentProfile{Name: "Fair Escrow", ServiceFeePPM: 5000}); err != nil {
		t.Fatalf("save profile: %v", err)
	}
	c, _ := e.newClient(t, "c", 0, Config{})
	start(t, c)

	if err := c.AddTrustedAgent(ctx, e.agent.PubKey()); err != nil {
		t.Fatalf("trust: %v", err)
	}
	waitFor(t, "agent profile and status", func() bool {
		info, ok := c.AgentInfo(e.agent.PubKey())
		return ok && info.Profile != nil && info.Profile.Name == "Fair Escrow" && info.Status != nil
	})
}

func TestClient_StartStop(t *testing.T) {
	e := newBareEnv(t)
	c, _ := e.newClient(t, "c", 0, Config{})
	start(t, c)
	if err := c.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second start: %v", err)
	}
	c.Stop()
	c.Stop()
	if c.Alive() {
		t.Fatal("client alive after stop")
	}
}
