package market

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// OrderID is the content-addressed identifier of an order: a sha256 digest
// over the canonical encoding of the order fields. The strictly increasing
// order height makes ids unique even for identical economic terms.
type OrderID [32]byte

func (id OrderID) String() string {
	return hex.EncodeToString(id[:])
}

var zeroOrderID OrderID

// Order is the stored record of a resting order. Amount is the remaining
// base quantity; MatcherFee is the remaining absolute matcher reward, both
// reduced proportionally on partial fills. The protocol fee rates are
// captured at creation time and never re-evaluated.
type Order struct {
	Amount      uint64    `json:"amount"`
	AssetType   AssetSide `json:"asset_type"` // always Base in this market
	OrderType   OrderType `json:"order_type"`
	Owner       Identity  `json:"owner"`
	Price       uint64    `json:"price"` // quote per base, scaled by PriceDecimals
	BlockHeight uint32    `json:"block_height"`
	OrderHeight uint64    `json:"order_height"` // creation sequence number
	MatcherFee  uint64    `json:"matcher_fee"`
	MakerFeeBps uint64    `json:"maker_fee_bps"`
	TakerFeeBps uint64    `json:"taker_fee_bps"`
}

// ID derives the content-addressed identifier. The order height doubles as
// the uniqueness salt at the front of the preimage.
func (o *Order) ID() OrderID {
	owner := []byte(o.Owner)
	buf := make([]byte, 0, 48+len(owner))
	buf = binary.BigEndian.AppendUint64(buf, o.OrderHeight) // salt
	buf = append(buf, byte(o.AssetType), byte(o.OrderType))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(owner)))
	buf = append(buf, owner...)
	buf = binary.BigEndian.AppendUint64(buf, o.Price)
	buf = binary.BigEndian.AppendUint32(buf, o.BlockHeight)
	buf = binary.BigEndian.AppendUint64(buf, o.OrderHeight)
	buf = binary.BigEndian.AppendUint64(buf, o.MatcherFee)
	buf = binary.BigEndian.AppendUint64(buf, o.MakerFeeBps)
	buf = binary.BigEndian.AppendUint64(buf, o.TakerFeeBps)
	return sha256.Sum256(buf)
}

// maxProtocolBps is the worst-case rate reserved at open time, since the
// order's eventual maker/taker role is unknown until match time.
func (o *Order) maxProtocolBps() uint64 {
	return max64(o.MakerFeeBps, o.TakerFeeBps)
}

// quoteEquivalent converts a base amount into quote units at the order's
// price. scale is the market's precomputed decimal divisor.
func (o *Order) quoteEquivalent(baseAmount, scale uint64) (uint64, error) {
	return mulDiv(baseAmount, o.Price, scale)
}

// matcherFeeOf prorates the remaining absolute matcher fee linearly by
// tradedAmount/Amount, rounding down.
func (o *Order) matcherFeeOf(tradedAmount uint64) (uint64, error) {
	if o.Amount == 0 {
		return 0, ErrInvalidAmount
	}
	return mulDiv(o.MatcherFee, tradedAmount, o.Amount)
}

// requiredLock returns the amount and side this order reserves. A sell
// locks its base amount. A buy locks the quote equivalent plus the
// worst-case protocol fee (ceiling) plus the matcher fee, so the locked
// quote is sufficient regardless of which fee rate ultimately applies.
func (o *Order) requiredLock(scale uint64) (uint64, AssetSide, error) {
	if o.OrderType == Sell {
		return o.Amount, Base, nil
	}

	quote, err := o.quoteEquivalent(o.Amount, scale)
	if err != nil {
		return 0, Quote, err
	}
	protocolFee, err := maxFeeOf(o.maxProtocolBps(), quote)
	if err != nil {
		return 0, Quote, err
	}
	lock, err := addChecked(quote, protocolFee)
	if err != nil {
		return 0, Quote, err
	}
	lock, err = addChecked(lock, o.MatcherFee)
	if err != nil {
		return 0, Quote, err
	}
	return lock, Quote, nil
}
