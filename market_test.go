package market

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianex/market/store"
)

const startTime = uint64(1_700_000_000)

type manualClock struct {
	now    uint64
	height uint32
}

func (c *manualClock) Now() uint64         { return c.now }
func (c *manualClock) BlockHeight() uint32 { return c.height }

type fixture struct {
	t      *testing.T
	store  *store.Store
	clock  *manualClock
	pub    *MemoryPublisher
	market *Market
}

// newFixture opens a market with zero decimals on every leg, so one base
// unit at price p is worth exactly p quote units.
func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clock := &manualClock{now: startTime, height: 100}
	pub := NewMemoryPublisher()
	cfg := Config{Owner: "admin", FeeRecipient: "fees"}
	opts = append([]Option{WithClock(clock)}, opts...)
	m, err := NewMarket(cfg, st, pub, opts...)
	require.NoError(t, err)

	return &fixture{t: t, store: st, clock: clock, pub: pub, market: m}
}

// setStandardFees installs the schedule used by most settlement tests:
// makers free, takers 10 bps dropping to 5 bps past 1000 quote volume,
// plus a flat matcher fee of 50.
func (f *fixture) setStandardFees() {
	f.t.Helper()
	require.NoError(f.t, f.market.SetProtocolFee("admin", []ProtocolFee{
		{VolumeThreshold: 0, MakerBps: 0, TakerBps: 10},
		{VolumeThreshold: 1000, MakerBps: 0, TakerBps: 5},
	}))
	require.NoError(f.t, f.market.SetMatcherFee("admin", 50))
}

func (f *fixture) deposit(user Identity, amount uint64, side AssetSide) {
	f.t.Helper()
	require.NoError(f.t, f.market.Deposit(user, amount, side))
}

func (f *fixture) open(user Identity, amount uint64, orderType OrderType, price uint64) OrderID {
	f.t.Helper()
	id, err := f.market.OpenOrder(user, amount, orderType, price)
	require.NoError(f.t, err)
	return id
}

func (f *fixture) account(user Identity) Account {
	f.t.Helper()
	acct, err := f.market.Account(user)
	require.NoError(f.t, err)
	return acct
}

func (f *fixture) order(id OrderID) Order {
	f.t.Helper()
	order, err := f.market.Order(id)
	require.NoError(f.t, err)
	return order
}

func TestNewMarketValidation(t *testing.T) {
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	defer st.Close()
	pub := NewDiscardPublisher()

	_, err = NewMarket(Config{FeeRecipient: "fees"}, st, pub)
	assert.Error(t, err)

	_, err = NewMarket(Config{Owner: "admin"}, st, pub)
	assert.Error(t, err)

	_, err = NewMarket(Config{Owner: "admin", FeeRecipient: "fees", QuoteDecimals: 5}, st, pub)
	assert.Error(t, err, "quote decimals may not exceed price plus base decimals")
}

func TestDepositWithdraw(t *testing.T) {
	f := newFixture(t)

	f.deposit("alice", 100, Base)
	assert.Equal(t, uint64(100), f.account("alice").Liquid.Base)

	require.NoError(t, f.market.Withdraw("alice", 40, Base))
	assert.Equal(t, uint64(60), f.account("alice").Liquid.Base)

	assert.ErrorIs(t, f.market.Withdraw("alice", 61, Base), ErrInsufficientBalance)
	assert.ErrorIs(t, f.market.Deposit("alice", 0, Base), ErrInvalidAmount)
	assert.ErrorIs(t, f.market.Deposit("alice", 1, AssetSide(2)), ErrInvalidAsset)
	assert.ErrorIs(t, f.market.Withdraw("alice", 0, Quote), ErrInvalidAmount)

	require.Equal(t, 2, f.pub.Count())
	assert.Equal(t, "deposit", f.pub.Get(0).EventType())
	assert.Equal(t, "withdraw", f.pub.Get(1).EventType())
}

type failingVault struct{}

func (failingVault) Transfer(Identity, AssetSide, uint64) error {
	return errors.New("custody offline")
}

func TestWithdrawVaultFailure(t *testing.T) {
	f := newFixture(t, WithVault(failingVault{}))

	f.deposit("alice", 100, Quote)
	assert.Error(t, f.market.Withdraw("alice", 40, Quote))
	assert.Equal(t, uint64(100), f.account("alice").Liquid.Quote, "failed custody leg must not debit the ledger")
}

type reentrantVault struct {
	m   *Market
	err error
}

func (v *reentrantVault) Transfer(to Identity, side AssetSide, amount uint64) error {
	v.err = v.m.Deposit(to, amount, side)
	return v.err
}

func TestWithdrawReentrancy(t *testing.T) {
	vault := &reentrantVault{}
	f := newFixture(t, WithVault(vault))
	vault.m = f.market

	f.deposit("alice", 100, Quote)
	assert.ErrorIs(t, f.market.Withdraw("alice", 40, Quote), ErrReentrancy)
	assert.ErrorIs(t, vault.err, ErrReentrancy)
	assert.Equal(t, uint64(100), f.account("alice").Liquid.Quote)
}

func TestOpenOrderLocksBuy(t *testing.T) {
	f := newFixture(t)
	f.setStandardFees()

	// 100 base at price 2 is 200 quote, worst-case fee rounds 0.2 up to 1,
	// matcher fee adds 50.
	f.deposit("bob", 251, Quote)
	id := f.open("bob", 100, Buy, 2)

	acct := f.account("bob")
	assert.Equal(t, uint64(0), acct.Liquid.Quote)
	assert.Equal(t, uint64(251), acct.Locked.Quote)

	order := f.order(id)
	assert.Equal(t, uint64(100), order.Amount)
	assert.Equal(t, uint64(2), order.Price)
	assert.Equal(t, uint64(50), order.MatcherFee)
	assert.Equal(t, uint64(10), order.TakerFeeBps)
	assert.Equal(t, uint64(0), order.MakerFeeBps)

	ids, err := f.market.UserOrders("bob")
	require.NoError(t, err)
	assert.Equal(t, []OrderID{id}, ids)
}

func TestOpenOrderLocksSell(t *testing.T) {
	f := newFixture(t)
	f.setStandardFees()

	f.deposit("alice", 100, Base)
	f.open("alice", 100, Sell, 2)

	acct := f.account("alice")
	assert.Equal(t, uint64(0), acct.Liquid.Base)
	assert.Equal(t, uint64(100), acct.Locked.Base)
}

func TestOpenOrderUnderfunded(t *testing.T) {
	f := newFixture(t)
	f.setStandardFees()

	f.deposit("bob", 250, Quote)
	_, err := f.market.OpenOrder("bob", 100, Buy, 2)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	_, err = f.market.OpenOrder("bob", 0, Buy, 2)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	acct := f.account("bob")
	assert.Equal(t, uint64(250), acct.Liquid.Quote, "failed open leaves no partial state")
	assert.Equal(t, uint64(0), acct.Locked.Quote)
	ids, err := f.market.UserOrders("bob")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestCancelOrder(t *testing.T) {
	f := newFixture(t)
	f.setStandardFees()

	f.deposit("alice", 100, Base)
	id := f.open("alice", 100, Sell, 2)

	assert.ErrorIs(t, f.market.CancelOrder("mallory", id), ErrNotOrderOwner)
	require.NoError(t, f.market.CancelOrder("alice", id))

	acct := f.account("alice")
	assert.Equal(t, uint64(100), acct.Liquid.Base)
	assert.Equal(t, uint64(0), acct.Locked.Base)

	_, err := f.market.Order(id)
	assert.ErrorIs(t, err, ErrOrderNotFound)
	assert.ErrorIs(t, f.market.CancelOrder("alice", id), ErrOrderNotFound)

	ids, err := f.market.UserOrders("alice")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestMatchOrderPairFullFill(t *testing.T) {
	f := newFixture(t)
	f.setStandardFees()

	f.deposit("alice", 10000, Base)
	f.deposit("bob", 40000, Quote)

	sellID := f.open("alice", 10000, Sell, 3)
	buyID := f.open("bob", 10000, Buy, 3)
	// Buy lock: 30000 quote + 30 worst-case fee + 50 matcher fee.
	assert.Equal(t, uint64(30080), f.account("bob").Locked.Quote)

	require.NoError(t, f.market.MatchOrderPair("carol", sellID, buyID))

	// Alice rested first so she pays the maker rate (0 bps) and only her
	// prorated matcher fee of 50 comes out of the 30000 proceeds.
	alice := f.account("alice")
	assert.Equal(t, Account{Liquid: AssetAmounts{Quote: 29950}}, alice)

	// Bob pays 10 bps taker fee (30) plus his matcher fee; his reservation
	// of 30080 is consumed exactly, with no refund.
	bob := f.account("bob")
	assert.Equal(t, Account{Liquid: AssetAmounts{Base: 10000, Quote: 9920}}, bob)

	assert.Equal(t, uint64(30), f.account("fees").Liquid.Quote)
	assert.Equal(t, uint64(100), f.account("carol").Liquid.Quote)

	_, err := f.market.Order(sellID)
	assert.ErrorIs(t, err, ErrOrderNotFound)
	_, err = f.market.Order(buyID)
	assert.ErrorIs(t, err, ErrOrderNotFound)

	total, err := f.market.TotalBalances()
	require.NoError(t, err)
	assert.Equal(t, uint64(10000), total.Liquid.Base+total.Locked.Base)
	assert.Equal(t, uint64(40000), total.Liquid.Quote+total.Locked.Quote)

	events := f.pub.Events()
	require.GreaterOrEqual(t, len(events), 3)
	trade, ok := events[len(events)-1].(TradeEvent)
	require.True(t, ok)
	assert.Equal(t, sellID, trade.SellOrderID)
	assert.Equal(t, buyID, trade.BuyOrderID)
	assert.Equal(t, uint64(10000), trade.TradeSize)
	assert.Equal(t, uint64(3), trade.TradePrice)
	assert.Equal(t, uint64(30000), trade.QuoteVolume)
	assert.Equal(t, Identity("carol"), trade.Matcher)
}

func TestMatchOrderPairPartialFill(t *testing.T) {
	f := newFixture(t)
	f.setStandardFees()

	f.deposit("alice", 10000, Base)
	f.deposit("bob", 40000, Quote)

	sellID := f.open("alice", 10000, Sell, 3)
	buyID := f.open("bob", 4000, Buy, 3)

	require.NoError(t, f.market.MatchOrderPair("carol", sellID, buyID))

	// The sell order keeps 6000 base and 30 of its 50 matcher fee.
	remainder := f.order(sellID)
	assert.Equal(t, uint64(6000), remainder.Amount)
	assert.Equal(t, uint64(30), remainder.MatcherFee)

	alice := f.account("alice")
	assert.Equal(t, uint64(6000), alice.Locked.Base)
	assert.Equal(t, uint64(11980), alice.Liquid.Quote, "12000 proceeds minus 20 prorated matcher fee")

	// Bob's order filled fully: 12000 quote + 12 fee + 50 matcher consumed.
	bob := f.account("bob")
	assert.Equal(t, Account{Liquid: AssetAmounts{Base: 4000, Quote: 27938}}, bob)
	_, err := f.market.Order(buyID)
	assert.ErrorIs(t, err, ErrOrderNotFound)

	assert.Equal(t, uint64(12), f.account("fees").Liquid.Quote)
	assert.Equal(t, uint64(70), f.account("carol").Liquid.Quote)
}

func TestMatchOrderPairNoCross(t *testing.T) {
	f := newFixture(t)
	f.setStandardFees()

	f.deposit("alice", 20000, Base)
	f.deposit("bob", 40000, Quote)

	sell1 := f.open("alice", 10000, Sell, 3)
	sell2 := f.open("alice", 10000, Sell, 5)
	assert.ErrorIs(t, f.market.MatchOrderPair("carol", sell1, sell2), ErrCantMatch)

	// Seller asks 5, buyer bids 3.
	buyLow := f.open("bob", 10000, Buy, 3)
	assert.ErrorIs(t, f.market.MatchOrderPair("carol", sell2, buyLow), ErrCantMatch)

	assert.Equal(t, uint64(10000), f.order(sell2).Amount, "orders untouched")
	assert.Equal(t, uint64(10000), f.order(buyLow).Amount)
	assert.Equal(t, uint64(0), f.account("carol").Liquid.Quote)
}

func TestMatchOrderPairUnknownOrder(t *testing.T) {
	f := newFixture(t)
	f.deposit("alice", 100, Base)
	id := f.open("alice", 100, Sell, 2)

	var missing OrderID
	missing[0] = 0xff
	assert.ErrorIs(t, f.market.MatchOrderPair("carol", id, missing), ErrOrderNotFound)
	assert.ErrorIs(t, f.market.MatchOrderPair("carol", missing, id), ErrOrderNotFound)
}

func TestSelfTrade(t *testing.T) {
	f := newFixture(t)
	f.setStandardFees()

	f.deposit("alice", 1000, Base)
	f.deposit("alice", 3000, Quote)

	sellID := f.open("alice", 1000, Sell, 2)
	buyID := f.open("alice", 1000, Buy, 2)

	require.NoError(t, f.market.MatchOrderPair("carol", sellID, buyID))

	// Alice keeps her base and her quote minus the 2 taker fee and both
	// matcher fees; nothing stays locked.
	alice := f.account("alice")
	assert.Equal(t, Account{Liquid: AssetAmounts{Base: 1000, Quote: 2898}}, alice)
	assert.Equal(t, uint64(2), f.account("fees").Liquid.Quote)
	assert.Equal(t, uint64(100), f.account("carol").Liquid.Quote)

	// A self-trade accrues the 2000 quote volume once per side.
	maker, taker, err := f.market.UserProtocolFees("alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), maker)
	assert.Equal(t, uint64(5), taker, "4000 accrued volume clears the 1000 threshold")
}

func TestVolumeTiersAndEpochRollover(t *testing.T) {
	f := newFixture(t)
	f.setStandardFees()

	f.deposit("alice", 10000, Base)
	f.deposit("bob", 40000, Quote)

	_, taker, err := f.market.UserProtocolFees("bob")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), taker)

	sellID := f.open("alice", 10000, Sell, 3)
	buyID := f.open("bob", 10000, Buy, 3)
	require.NoError(t, f.market.MatchOrderPair("carol", sellID, buyID))

	// 30000 traded volume puts both parties on the discounted tier.
	for _, user := range []Identity{"alice", "bob"} {
		_, taker, err = f.market.UserProtocolFees(user)
		require.NoError(t, err)
		assert.Equal(t, uint64(5), taker)
	}

	// New orders capture the discounted rate.
	f.deposit("bob", 40000, Quote)
	id := f.open("bob", 10000, Buy, 3)
	assert.Equal(t, uint64(5), f.order(id).TakerFeeBps)

	// One epoch later the trailing volume is back to zero.
	es, err := f.market.Epoch()
	require.NoError(t, err)
	f.clock.now = es.Epoch + es.Duration + 1

	_, taker, err = f.market.UserProtocolFees("bob")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), taker)

	rolled, err := f.market.Epoch()
	require.NoError(t, err)
	assert.Equal(t, es.Epoch+es.Duration, rolled.Epoch, "view reports the advanced window")
}

func TestSetEpoch(t *testing.T) {
	f := newFixture(t)

	assert.ErrorIs(t, f.market.SetEpoch("mallory", startTime, 3600), ErrUnauthorized)

	current, err := f.market.Epoch()
	require.NoError(t, err)

	assert.ErrorIs(t, f.market.SetEpoch("admin", current.Epoch-1, 3600), ErrInvalidEpoch)
	f.clock.now = startTime + 7200
	assert.ErrorIs(t, f.market.SetEpoch("admin", current.Epoch, 3600), ErrInvalidEpoch, "window may not end in the past")

	require.NoError(t, f.market.SetEpoch("admin", current.Epoch, 86400))
	es, err := f.market.Epoch()
	require.NoError(t, err)
	assert.Equal(t, EpochState{Epoch: current.Epoch, Duration: 86400}, es)
}

func TestSetProtocolFee(t *testing.T) {
	f := newFixture(t)

	tiers := []ProtocolFee{{VolumeThreshold: 0, MakerBps: 1, TakerBps: 2}}
	assert.ErrorIs(t, f.market.SetProtocolFee("mallory", tiers), ErrUnauthorized)
	assert.ErrorIs(t, f.market.SetProtocolFee("admin", []ProtocolFee{{VolumeThreshold: 7}}), ErrInvalidFeeTiers)

	require.NoError(t, f.market.SetProtocolFee("admin", tiers))
	assert.Equal(t, tiers, f.market.ProtocolFees())
}

func TestSetMatcherFee(t *testing.T) {
	f := newFixture(t)

	assert.ErrorIs(t, f.market.SetMatcherFee("mallory", 10), ErrUnauthorized)
	require.NoError(t, f.market.SetMatcherFee("admin", 10))
	assert.ErrorIs(t, f.market.SetMatcherFee("admin", 10), ErrFeeUnchanged)

	fee, err := f.market.MatcherFee()
	require.NoError(t, err)
	assert.Equal(t, uint64(10), fee)
}

func TestOrderChanges(t *testing.T) {
	f := newFixture(t)
	f.setStandardFees()

	f.deposit("alice", 10000, Base)
	f.deposit("bob", 40000, Quote)

	sellID := f.open("alice", 10000, Sell, 3)
	buyID := f.open("bob", 4000, Buy, 3)
	require.NoError(t, f.market.MatchOrderPair("carol", sellID, buyID))
	require.NoError(t, f.market.CancelOrder("alice", sellID))

	changes, err := f.market.OrderChanges(sellID)
	require.NoError(t, err)
	require.Len(t, changes, 3)

	assert.Equal(t, ChangeOpened, changes[0].Kind)
	assert.Equal(t, uint64(10000), changes[0].AmountAfter)
	assert.Equal(t, Identity("alice"), changes[0].Actor)

	assert.Equal(t, ChangeMatched, changes[1].Kind)
	assert.Equal(t, uint64(10000), changes[1].AmountBefore)
	assert.Equal(t, uint64(6000), changes[1].AmountAfter)
	assert.Equal(t, Identity("carol"), changes[1].Actor)

	assert.Equal(t, ChangeCancelled, changes[2].Kind)
	assert.Equal(t, uint64(6000), changes[2].AmountBefore)

	// The trail of the fully filled buy order survives its deletion.
	changes, err = f.market.OrderChanges(buyID)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, ChangeMatched, changes[1].Kind)
	assert.Equal(t, uint64(0), changes[1].AmountAfter)
}

func TestUserOrdersSwapRemove(t *testing.T) {
	f := newFixture(t)

	f.deposit("alice", 300, Base)
	id1 := f.open("alice", 100, Sell, 2)
	id2 := f.open("alice", 100, Sell, 3)
	id3 := f.open("alice", 100, Sell, 4)

	require.NoError(t, f.market.CancelOrder("alice", id2))

	ids, err := f.market.UserOrders("alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []OrderID{id1, id3}, ids)
}

func TestReopenRestoresState(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Owner: "admin", FeeRecipient: "fees"}
	clock := &manualClock{now: startTime, height: 1}

	st, err := store.Open(dir)
	require.NoError(t, err)
	m, err := NewMarket(cfg, st, NewDiscardPublisher(), WithClock(clock))
	require.NoError(t, err)

	require.NoError(t, m.SetMatcherFee("admin", 7))
	require.NoError(t, m.Deposit("alice", 500, Base))
	id, err := m.OpenOrder("alice", 200, Sell, 3)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = store.Open(dir)
	require.NoError(t, err)
	defer st.Close()
	m, err = NewMarket(cfg, st, NewDiscardPublisher(), WithClock(clock))
	require.NoError(t, err)

	acct, err := m.Account("alice")
	require.NoError(t, err)
	assert.Equal(t, Account{Liquid: AssetAmounts{Base: 300}, Locked: AssetAmounts{Base: 200}}, acct)

	order, err := m.Order(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), order.Amount)

	fee, err := m.MatcherFee()
	require.NoError(t, err)
	assert.Equal(t, uint64(7), fee)
}
