package market

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"github.com/meridianex/market/store"
)

// Vault is the external custody collaborator. Transfer moves amount of the
// given asset out of the market's custody to the address behind to.
type Vault interface {
	Transfer(to Identity, side AssetSide, amount uint64) error
}

// NopVault is a Vault that does nothing, useful for testing.
type NopVault struct{}

func (NopVault) Transfer(Identity, AssetSide, uint64) error { return nil }

// Clock is the external block height / timestamp source. Both values must
// be monotonic.
type Clock interface {
	Now() uint64 // unix seconds
	BlockHeight() uint32
}

// SystemClock derives both readings from wall time.
type SystemClock struct{}

func (SystemClock) Now() uint64         { return uint64(time.Now().Unix()) }
func (SystemClock) BlockHeight() uint32 { return uint32(time.Now().Unix()) }

// Market is the accounting and matching core for one base/quote pair. All
// operations are serialized and run to completion: each one stages its
// writes in a single store transaction and commits only on success, so a
// failure anywhere discards every mutation of that operation.
type Market struct {
	cfg        Config
	quoteScale uint64
	store      *store.Store
	publisher  Publisher
	vault      Vault
	clock      Clock

	mu      sync.Mutex
	inVault atomic.Bool
	fees    *feeTable
}

// Option configures a Market.
type Option func(*Market)

// WithVault sets the custody collaborator.
func WithVault(v Vault) Option {
	return func(m *Market) { m.vault = v }
}

// WithClock sets the block height / timestamp source.
func WithClock(c Clock) Option {
	return func(m *Market) { m.clock = c }
}

// NewMarket opens a market over the given store. The first open seeds the
// epoch window at the current time; later opens pick up persisted state.
func NewMarket(cfg Config, st *store.Store, publisher Publisher, opts ...Option) (*Market, error) {
	if cfg.Owner == "" || cfg.FeeRecipient == "" {
		return nil, fmt.Errorf("market: owner and fee recipient are required")
	}
	if cfg.PriceDecimals+cfg.BaseDecimals < cfg.QuoteDecimals {
		return nil, fmt.Errorf("market: unsupported decimal configuration")
	}
	scale, err := pow10(cfg.PriceDecimals + cfg.BaseDecimals - cfg.QuoteDecimals)
	if err != nil {
		return nil, fmt.Errorf("market: unsupported decimal configuration")
	}

	m := &Market{
		cfg:        cfg,
		quoteScale: scale,
		store:      st,
		publisher:  publisher,
		vault:      NopVault{},
		clock:      SystemClock{},
	}
	for _, opt := range opts {
		opt(m)
	}

	tx := st.Begin()
	defer tx.Discard()
	s := newState(tx)

	epoch, err := s.metaU64(keyEpoch, 0)
	if err != nil {
		return nil, err
	}
	if epoch == 0 {
		if err := s.setMetaU64(keyEpoch, m.clock.Now()); err != nil {
			return nil, err
		}
	}
	tiers, err := s.feeTiers()
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	m.fees = newFeeTable(tiers)
	return m, nil
}

// enter serializes an operation and rejects re-entrant calls made from
// inside a custody transfer.
func (m *Market) enter() error {
	if m.inVault.Load() {
		return ErrReentrancy
	}
	m.mu.Lock()
	return nil
}

func (m *Market) leave() {
	m.mu.Unlock()
}

func txRef() string {
	return xid.New().String()
}

// Deposit credits the caller's liquid balance. The custody leg (the caller
// handing the asset to the vault) happens upstream; the market only keeps
// the books.
func (m *Market) Deposit(caller Identity, amount uint64, side AssetSide) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	if side != Base && side != Quote {
		return ErrInvalidAsset
	}
	if err := m.enter(); err != nil {
		return err
	}
	defer m.leave()

	tx := m.store.Begin()
	defer tx.Discard()
	st := newState(tx)

	acct, err := st.account(caller)
	if err != nil {
		return err
	}
	if err := acct.Credit(amount, side); err != nil {
		return err
	}
	if err := st.flush(); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	m.publisher.Publish(DepositEvent{
		User:   caller,
		Asset:  side,
		Amount: amount,
		Liquid: acct.Liquid,
		TxRef:  txRef(),
	})
	return nil
}

// Withdraw debits the caller's liquid balance and hands the asset back
// through the vault.
func (m *Market) Withdraw(caller Identity, amount uint64, side AssetSide) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	if side != Base && side != Quote {
		return ErrInvalidAsset
	}
	if err := m.enter(); err != nil {
		return err
	}
	defer m.leave()

	tx := m.store.Begin()
	defer tx.Discard()
	st := newState(tx)

	acct, err := st.account(caller)
	if err != nil {
		return err
	}
	if err := acct.Debit(amount, side); err != nil {
		return err
	}
	if err := st.flush(); err != nil {
		return err
	}

	// The custody transfer happens before commit: a vault failure must
	// leave the ledger untouched. Nested market calls from inside the
	// vault are rejected.
	m.inVault.Store(true)
	err = m.vault.Transfer(caller, side, amount)
	m.inVault.Store(false)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	m.publisher.Publish(WithdrawEvent{
		User:   caller,
		Asset:  side,
		Amount: amount,
		Liquid: acct.Liquid,
		TxRef:  txRef(),
	})
	return nil
}

// OpenOrder locks the caller's funds and stores a new resting order,
// returning its content-addressed id.
func (m *Market) OpenOrder(caller Identity, amount uint64, orderType OrderType, price uint64) (OrderID, error) {
	if amount == 0 {
		return zeroOrderID, ErrInvalidAmount
	}
	if err := m.enter(); err != nil {
		return zeroOrderID, err
	}
	defer m.leave()

	tx := m.store.Begin()
	defer tx.Discard()
	st := newState(tx)
	ref := txRef()

	matcherFee, err := st.metaU64(keyMatcherFee, 0)
	if err != nil {
		return zeroOrderID, err
	}
	id, order, err := m.openOrder(st, caller, amount, orderType, price, matcherFee, ref)
	if err != nil {
		return zeroOrderID, err
	}
	if err := st.flush(); err != nil {
		return zeroOrderID, err
	}
	if err := tx.Commit(); err != nil {
		return zeroOrderID, err
	}

	m.publisher.Publish(OpenOrderEvent{
		OrderID:    id,
		Owner:      caller,
		OrderType:  orderType,
		Amount:     amount,
		Price:      price,
		MatcherFee: order.MatcherFee,
		TxRef:      ref,
	})
	return id, nil
}

// openOrder builds, identifies, indexes and funds a new order inside an
// open transaction. Shared by OpenOrder and FulfillOrderMany.
func (m *Market) openOrder(st *state, caller Identity, amount uint64, orderType OrderType, price uint64, matcherFee uint64, ref string) (OrderID, *Order, error) {
	epoch, err := st.extendEpoch(m.clock.Now())
	if err != nil {
		return zeroOrderID, nil, err
	}
	volume, err := st.userVolume(caller, epoch)
	if err != nil {
		return zeroOrderID, nil, err
	}
	tier := m.fees.tierFor(volume)

	height, err := st.nextOrderHeight()
	if err != nil {
		return zeroOrderID, nil, err
	}
	order := &Order{
		Amount:      amount,
		AssetType:   Base,
		OrderType:   orderType,
		Owner:       caller,
		Price:       price,
		BlockHeight: m.clock.BlockHeight(),
		OrderHeight: height,
		MatcherFee:  matcherFee,
		MakerFeeBps: tier.MakerBps,
		TakerFeeBps: tier.TakerBps,
	}
	id := order.ID()

	if _, exists, err := st.order(id); err != nil {
		return zeroOrderID, nil, err
	} else if exists {
		return zeroOrderID, nil, ErrDuplicateOrderID
	}

	if err := st.indexAdd(caller, id); err != nil {
		return zeroOrderID, nil, err
	}
	if err := st.putOrder(id, order); err != nil {
		return zeroOrderID, nil, err
	}

	lock, side, err := order.requiredLock(m.quoteScale)
	if err != nil {
		return zeroOrderID, nil, err
	}
	acct, err := st.account(caller)
	if err != nil {
		return zeroOrderID, nil, err
	}
	if err := acct.Lock(lock, side); err != nil {
		return zeroOrderID, nil, err
	}

	change := &OrderChange{
		Kind:        ChangeOpened,
		BlockHeight: order.BlockHeight,
		Actor:       caller,
		TxRef:       ref,
		AmountAfter: amount,
	}
	if err := st.appendChange(id, change); err != nil {
		return zeroOrderID, nil, err
	}
	return id, order, nil
}

// CancelOrder unwinds a resting order: the remaining lock (reflecting any
// partial fills) is returned to the owner's liquid balance.
func (m *Market) CancelOrder(caller Identity, id OrderID) error {
	if err := m.enter(); err != nil {
		return err
	}
	defer m.leave()

	tx := m.store.Begin()
	defer tx.Discard()
	st := newState(tx)
	ref := txRef()

	order, found, err := st.order(id)
	if err != nil {
		return err
	}
	if !found {
		return ErrOrderNotFound
	}
	if order.Owner != caller {
		return ErrNotOrderOwner
	}

	if err := m.cancelOrder(st, id, order, caller, ref); err != nil {
		return err
	}
	if err := st.flush(); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	m.publisher.Publish(CancelOrderEvent{OrderID: id, Owner: order.Owner, TxRef: ref})
	return nil
}

// cancelOrder removes an order and releases its remaining lock inside an
// open transaction. Shared by CancelOrder and the IOC path of
// FulfillOrderMany.
func (m *Market) cancelOrder(st *state, id OrderID, order *Order, actor Identity, ref string) error {
	lock, side, err := order.requiredLock(m.quoteScale)
	if err != nil {
		return err
	}
	acct, err := st.account(order.Owner)
	if err != nil {
		return err
	}
	if err := acct.Unlock(lock, side); err != nil {
		return err
	}
	if err := st.deleteOrder(id); err != nil {
		return err
	}
	if err := st.indexRemove(order.Owner, id); err != nil {
		return err
	}
	return st.appendChange(id, &OrderChange{
		Kind:         ChangeCancelled,
		BlockHeight:  m.clock.BlockHeight(),
		Actor:        actor,
		TxRef:        ref,
		AmountBefore: order.Amount,
	})
}

// SetEpoch moves the trailing-volume window. Admin only. The new window
// must not start before the current one and must end in the future.
func (m *Market) SetEpoch(caller Identity, epoch, duration uint64) error {
	if caller != m.cfg.Owner {
		return ErrUnauthorized
	}
	if err := m.enter(); err != nil {
		return err
	}
	defer m.leave()

	tx := m.store.Begin()
	defer tx.Discard()
	st := newState(tx)

	current, err := st.epochState()
	if err != nil {
		return err
	}
	end, err := addChecked(epoch, duration)
	if err != nil {
		return err
	}
	if epoch < current.Epoch || end <= m.clock.Now() {
		return ErrInvalidEpoch
	}
	if err := st.setMetaU64(keyEpoch, epoch); err != nil {
		return err
	}
	if err := st.setMetaU64(keyEpochDuration, duration); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	m.publisher.Publish(SetEpochEvent{Epoch: epoch, Duration: duration, TxRef: txRef()})
	return nil
}

// SetProtocolFee replaces the fee schedule. Admin only.
func (m *Market) SetProtocolFee(caller Identity, tiers []ProtocolFee) error {
	if caller != m.cfg.Owner {
		return ErrUnauthorized
	}
	if err := validateFeeTiers(tiers); err != nil {
		return err
	}
	if err := m.enter(); err != nil {
		return err
	}
	defer m.leave()

	tx := m.store.Begin()
	defer tx.Discard()
	st := newState(tx)

	if err := st.setFeeTiers(tiers); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	m.fees = newFeeTable(tiers)
	m.publisher.Publish(SetProtocolFeeEvent{Tiers: tiers, TxRef: txRef()})
	return nil
}

// SetMatcherFee changes the flat matcher reward locked by future orders.
// Admin only; setting the current value again is rejected.
func (m *Market) SetMatcherFee(caller Identity, amount uint64) error {
	if caller != m.cfg.Owner {
		return ErrUnauthorized
	}
	if err := m.enter(); err != nil {
		return err
	}
	defer m.leave()

	tx := m.store.Begin()
	defer tx.Discard()
	st := newState(tx)

	current, err := st.metaU64(keyMatcherFee, 0)
	if err != nil {
		return err
	}
	if current == amount {
		return ErrFeeUnchanged
	}
	if err := st.setMetaU64(keyMatcherFee, amount); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	m.publisher.Publish(SetMatcherFeeEvent{Amount: amount, TxRef: txRef()})
	return nil
}
