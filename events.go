package market

import "sync"

// Event is a record of a committed state transition. Events are published
// only after the operation's transaction commits, so a rolled-back
// operation never leaks one.
type Event interface {
	EventType() string
}

// Publisher receives events from the market.
//
// IMPORTANT: Implementations must either process events synchronously
// before returning or copy them; the market may reuse event memory after
// Publish returns.
type Publisher interface {
	Publish(...Event)
}

type DepositEvent struct {
	User   Identity     `json:"user"`
	Asset  AssetSide    `json:"asset"`
	Amount uint64       `json:"amount"`
	Liquid AssetAmounts `json:"liquid"`
	TxRef  string       `json:"tx_ref"`
}

func (DepositEvent) EventType() string { return "deposit" }

type WithdrawEvent struct {
	User   Identity     `json:"user"`
	Asset  AssetSide    `json:"asset"`
	Amount uint64       `json:"amount"`
	Liquid AssetAmounts `json:"liquid"`
	TxRef  string       `json:"tx_ref"`
}

func (WithdrawEvent) EventType() string { return "withdraw" }

type OpenOrderEvent struct {
	OrderID    OrderID   `json:"order_id"`
	Owner      Identity  `json:"owner"`
	OrderType  OrderType `json:"order_type"`
	Amount     uint64    `json:"amount"`
	Price      uint64    `json:"price"`
	MatcherFee uint64    `json:"matcher_fee"`
	TxRef      string    `json:"tx_ref"`
}

func (OpenOrderEvent) EventType() string { return "open_order" }

type CancelOrderEvent struct {
	OrderID OrderID  `json:"order_id"`
	Owner   Identity `json:"owner"`
	TxRef   string   `json:"tx_ref"`
}

func (CancelOrderEvent) EventType() string { return "cancel_order" }

// MatchOrderEvent is emitted once per matched side.
type MatchOrderEvent struct {
	OrderID   OrderID   `json:"order_id"`
	Owner     Identity  `json:"owner"`
	OrderType OrderType `json:"order_type"`
	Matcher   Identity  `json:"matcher"`
	Filled    uint64    `json:"filled"`    // base amount filled in this trade
	Remaining uint64    `json:"remaining"` // base amount still resting, 0 when fully filled
	TxRef     string    `json:"tx_ref"`
}

func (MatchOrderEvent) EventType() string { return "match_order" }

// TradeEvent is the settlement record of one trade, including both
// post-trade account snapshots.
type TradeEvent struct {
	SellOrderID   OrderID  `json:"sell_order_id"`
	BuyOrderID    OrderID  `json:"buy_order_id"`
	Seller        Identity `json:"seller"`
	Buyer         Identity `json:"buyer"`
	Matcher       Identity `json:"matcher"`
	TradeSize     uint64   `json:"trade_size"`   // base units exchanged
	TradePrice    uint64   `json:"trade_price"`  // the seller's price
	QuoteVolume   uint64   `json:"quote_volume"` // quote units exchanged at trade price
	SellerAccount Account  `json:"seller_account"`
	BuyerAccount  Account  `json:"buyer_account"`
	TxRef         string   `json:"tx_ref"`
}

func (TradeEvent) EventType() string { return "trade" }

type SetEpochEvent struct {
	Epoch    uint64 `json:"epoch"`
	Duration uint64 `json:"duration"`
	TxRef    string `json:"tx_ref"`
}

func (SetEpochEvent) EventType() string { return "set_epoch" }

type SetProtocolFeeEvent struct {
	Tiers []ProtocolFee `json:"tiers"`
	TxRef string        `json:"tx_ref"`
}

func (SetProtocolFeeEvent) EventType() string { return "set_protocol_fee" }

type SetMatcherFeeEvent struct {
	Amount uint64 `json:"amount"`
	TxRef  string `json:"tx_ref"`
}

func (SetMatcherFeeEvent) EventType() string { return "set_matcher_fee" }

// MemoryPublisher stores events in memory, useful for testing.
type MemoryPublisher struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemoryPublisher creates a new MemoryPublisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{events: make([]Event, 0)}
}

// Publish appends events to the in-memory slice.
func (m *MemoryPublisher) Publish(events ...Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
}

// Count returns the number of events stored.
func (m *MemoryPublisher) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

// Get returns the event at the specified index.
func (m *MemoryPublisher) Get(index int) Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.events[index]
}

// Events returns a copy of all events stored.
func (m *MemoryPublisher) Events() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// DiscardPublisher drops all events, useful for benchmarking.
type DiscardPublisher struct{}

// NewDiscardPublisher creates a new DiscardPublisher.
func NewDiscardPublisher() *DiscardPublisher {
	return &DiscardPublisher{}
}

// Publish does nothing.
func (DiscardPublisher) Publish(...Event) {}
