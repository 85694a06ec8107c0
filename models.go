package market

// Identity names an account holder. The surrounding host is responsible for
// authenticating it; the market only compares identities for equality.
type Identity string

// AssetSide denominates an amount in one of the two assets of the pair.
type AssetSide uint8

const (
	Base  AssetSide = 0
	Quote AssetSide = 1
)

// Opposite returns the other side of the pair.
func (s AssetSide) Opposite() AssetSide {
	if s == Base {
		return Quote
	}
	return Base
}

func (s AssetSide) String() string {
	if s == Base {
		return "base"
	}
	return "quote"
}

// OrderType is the direction of an order.
type OrderType uint8

const (
	Buy  OrderType = 0
	Sell OrderType = 1
)

func (t OrderType) String() string {
	if t == Buy {
		return "buy"
	}
	return "sell"
}

// LimitType controls what happens to the unfilled remainder of an order
// submitted through FulfillOrderMany.
type LimitType uint8

const (
	GTC LimitType = 0 // Good Til Cancelled: the remainder rests in storage
	IOC LimitType = 1 // Immediate Or Cancel: the remainder is cancelled
	FOK LimitType = 2 // Fill Or Kill: a partial fill fails the whole operation
)

// Config holds the immutable parameters of a market instance.
type Config struct {
	BaseDecimals  uint32
	QuoteDecimals uint32
	PriceDecimals uint32

	// Owner may call the admin operations (SetEpoch, SetProtocolFee,
	// SetMatcherFee).
	Owner Identity

	// FeeRecipient receives all collected protocol fees.
	FeeRecipient Identity
}

const bpsDenominator = 10000
