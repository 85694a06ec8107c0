package market

import "fmt"

type matchKind int

const (
	zeroMatch    matchKind = 0
	partialMatch matchKind = 1
	fullMatch    matchKind = 2
)

// matchOutcome describes one attempted match. For a partial match,
// partialID identifies the order that still has remaining amount.
type matchOutcome struct {
	kind      matchKind
	partialID OrderID
	tradeSize uint64
	events    []Event
}

// MatchOrderPair attempts to match and settle two resting orders. The
// caller is the matcher and receives the prorated matcher fees. Returns
// ErrCantMatch if the orders do not cross.
func (m *Market) MatchOrderPair(caller Identity, id0, id1 OrderID) error {
	if err := m.enter(); err != nil {
		return err
	}
	defer m.leave()

	tx := m.store.Begin()
	defer tx.Discard()
	st := newState(tx)
	ref := txRef()

	o0, found, err := st.order(id0)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, id0)
	}
	o1, found, err := st.order(id1)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, id1)
	}

	outcome, err := m.matchPair(st, caller, ref, id0, o0, id1, o1)
	if err != nil {
		return err
	}
	if outcome.kind == zeroMatch {
		return ErrCantMatch
	}

	if err := st.flush(); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	m.publisher.Publish(outcome.events...)
	return nil
}

// matchPair runs the crossing check and, when the pair crosses, settles one
// trade between the two orders inside the open transaction.
func (m *Market) matchPair(st *state, matcher Identity, ref string, id0 OrderID, o0 *Order, id1 OrderID, o1 *Order) (matchOutcome, error) {
	// Same direction, or an order denominated off the base side, can never
	// cross.
	if o0.OrderType == o1.OrderType || o0.AssetType != Base || o1.AssetType != Base {
		return matchOutcome{kind: zeroMatch}, nil
	}

	sellID, sell := id0, o0
	buyID, buy := id1, o1
	if sell.OrderType == Buy {
		sellID, sell = id1, o1
		buyID, buy = id0, o0
	}

	if sell.Price > buy.Price {
		return matchOutcome{kind: zeroMatch}, nil
	}

	// Trade at the seller's resting price; price improvement accrues to
	// the buyer.
	tradeSize := min64(sell.Amount, buy.Amount)
	return m.executeTrade(st, matcher, ref, sellID, sell, buyID, buy, tradeSize)
}

// executeTrade settles tradeSize between the two crossing orders: principal
// legs, protocol and matcher fees, volume accrual, order storage updates
// and audit entries.
func (m *Market) executeTrade(st *state, matcher Identity, ref string, sellID OrderID, sell *Order, buyID OrderID, buy *Order, tradeSize uint64) (matchOutcome, error) {
	sellVolume, err := sell.quoteEquivalent(tradeSize, m.quoteScale)
	if err != nil {
		return matchOutcome{}, err
	}

	// The order that rested first is the maker; the other side pays its
	// taker rate. Both fees apply to the quote volume actually exchanged.
	sellerBps, buyerBps := sell.TakerFeeBps, buy.MakerFeeBps
	if sell.OrderHeight < buy.OrderHeight {
		sellerBps, buyerBps = sell.MakerFeeBps, buy.TakerFeeBps
	}
	sellerFee, err := feeOf(sellerBps, sellVolume)
	if err != nil {
		return matchOutcome{}, err
	}
	buyerFee, err := feeOf(buyerBps, sellVolume)
	if err != nil {
		return matchOutcome{}, err
	}
	sellerMatcherFee, err := sell.matcherFeeOf(tradeSize)
	if err != nil {
		return matchOutcome{}, err
	}
	buyerMatcherFee, err := buy.matcherFeeOf(tradeSize)
	if err != nil {
		return matchOutcome{}, err
	}

	// The buyer's lock shrinks from the reservation on the old remainder
	// to the reservation on the new one. Out of that difference the seller
	// is paid, the buyer's fees are routed, and whatever is left (price
	// improvement plus the unused worst-case fee cushion) is unlocked back.
	buyLockBefore, _, err := buy.requiredLock(m.quoteScale)
	if err != nil {
		return matchOutcome{}, err
	}
	sellRemainder := *sell
	sellRemainder.Amount -= tradeSize
	sellRemainder.MatcherFee -= sellerMatcherFee
	buyRemainder := *buy
	buyRemainder.Amount -= tradeSize
	buyRemainder.MatcherFee -= buyerMatcherFee

	var buyLockAfter uint64
	if buyRemainder.Amount > 0 {
		if buyLockAfter, _, err = buyRemainder.requiredLock(m.quoteScale); err != nil {
			return matchOutcome{}, err
		}
	}
	if buyLockBefore < buyLockAfter {
		return matchOutcome{}, fmt.Errorf("%w: buy lock grew on fill", ErrInternal)
	}
	buyConsumed := buyLockBefore - buyLockAfter
	spent, err := addChecked(sellVolume, buyerFee)
	if err != nil {
		return matchOutcome{}, err
	}
	spent, err = addChecked(spent, buyerMatcherFee)
	if err != nil {
		return matchOutcome{}, err
	}
	if buyConsumed < spent {
		logger.Error("buy reservation under-funded",
			"order_id", buyID.String(), "consumed", buyConsumed, "spent", spent)
		return matchOutcome{}, fmt.Errorf("%w: buy reservation under-funded", ErrInternal)
	}
	refund := buyConsumed - spent

	sellerAcct, err := st.account(sell.Owner)
	if err != nil {
		return matchOutcome{}, err
	}
	buyerAcct, err := st.account(buy.Owner)
	if err != nil {
		return matchOutcome{}, err
	}
	feeAcct, err := st.account(m.cfg.FeeRecipient)
	if err != nil {
		return matchOutcome{}, err
	}
	matcherAcct, err := st.account(matcher)
	if err != nil {
		return matchOutcome{}, err
	}

	// Principal legs. On a self-trade both sides resolve to the same
	// account object and these collapse into net unlocks.
	if err := sellerAcct.TransferLocked(buyerAcct, tradeSize, Base); err != nil {
		return matchOutcome{}, err
	}
	if err := buyerAcct.TransferLocked(sellerAcct, sellVolume, Quote); err != nil {
		return matchOutcome{}, err
	}

	// Seller fees are carved out of the quote just received.
	sellerOwes, err := addChecked(sellerFee, sellerMatcherFee)
	if err != nil {
		return matchOutcome{}, err
	}
	if sellerOwes > 0 {
		if err := sellerAcct.Lock(sellerOwes, Quote); err != nil {
			return matchOutcome{}, err
		}
	}
	if sellerFee > 0 {
		if err := sellerAcct.TransferLocked(feeAcct, sellerFee, Quote); err != nil {
			return matchOutcome{}, err
		}
	}
	if sellerMatcherFee > 0 {
		if err := sellerAcct.TransferLocked(matcherAcct, sellerMatcherFee, Quote); err != nil {
			return matchOutcome{}, err
		}
	}

	// Buyer fees come straight from the consumed reservation.
	if buyerFee > 0 {
		if err := buyerAcct.TransferLocked(feeAcct, buyerFee, Quote); err != nil {
			return matchOutcome{}, err
		}
	}
	if buyerMatcherFee > 0 {
		if err := buyerAcct.TransferLocked(matcherAcct, buyerMatcherFee, Quote); err != nil {
			return matchOutcome{}, err
		}
	}
	if refund > 0 {
		if err := buyerAcct.Unlock(refund, Quote); err != nil {
			return matchOutcome{}, err
		}
	}

	// Accrue the exchanged quote volume to both owners' trailing volume.
	epoch, err := st.extendEpoch(m.clock.Now())
	if err != nil {
		return matchOutcome{}, err
	}
	if err := st.addUserVolume(sell.Owner, epoch, sellVolume); err != nil {
		return matchOutcome{}, err
	}
	if err := st.addUserVolume(buy.Owner, epoch, sellVolume); err != nil {
		return matchOutcome{}, err
	}

	outcome, err := m.updateOrderStorage(st, sellID, sell, &sellRemainder, buyID, buy, &buyRemainder)
	if err != nil {
		return matchOutcome{}, err
	}
	outcome.tradeSize = tradeSize

	height := m.clock.BlockHeight()
	if err := st.appendChange(sellID, &OrderChange{
		Kind:         ChangeMatched,
		BlockHeight:  height,
		Actor:        matcher,
		TxRef:        ref,
		AmountBefore: sell.Amount,
		AmountAfter:  sellRemainder.Amount,
	}); err != nil {
		return matchOutcome{}, err
	}
	if err := st.appendChange(buyID, &OrderChange{
		Kind:         ChangeMatched,
		BlockHeight:  height,
		Actor:        matcher,
		TxRef:        ref,
		AmountBefore: buy.Amount,
		AmountAfter:  buyRemainder.Amount,
	}); err != nil {
		return matchOutcome{}, err
	}

	outcome.events = []Event{
		MatchOrderEvent{
			OrderID:   sellID,
			Owner:     sell.Owner,
			OrderType: Sell,
			Matcher:   matcher,
			Filled:    tradeSize,
			Remaining: sellRemainder.Amount,
			TxRef:     ref,
		},
		MatchOrderEvent{
			OrderID:   buyID,
			Owner:     buy.Owner,
			OrderType: Buy,
			Matcher:   matcher,
			Filled:    tradeSize,
			Remaining: buyRemainder.Amount,
			TxRef:     ref,
		},
		TradeEvent{
			SellOrderID:   sellID,
			BuyOrderID:    buyID,
			Seller:        sell.Owner,
			Buyer:         buy.Owner,
			Matcher:       matcher,
			TradeSize:     tradeSize,
			TradePrice:    sell.Price,
			QuoteVolume:   sellVolume,
			SellerAccount: *sellerAcct,
			BuyerAccount:  *buyerAcct,
			TxRef:         ref,
		},
	}
	return outcome, nil
}

// updateOrderStorage persists the post-trade order states: a fully filled
// side is removed from storage and from its owner's index, a partially
// filled side is stored with its amount and matcher fee reduced.
func (m *Market) updateOrderStorage(st *state, sellID OrderID, sell, sellRemainder *Order, buyID OrderID, buy, buyRemainder *Order) (matchOutcome, error) {
	sellFull := sellRemainder.Amount == 0
	buyFull := buyRemainder.Amount == 0

	if sellFull {
		if err := st.deleteOrder(sellID); err != nil {
			return matchOutcome{}, err
		}
		if err := st.indexRemove(sell.Owner, sellID); err != nil {
			return matchOutcome{}, err
		}
	} else {
		if err := st.putOrder(sellID, sellRemainder); err != nil {
			return matchOutcome{}, err
		}
	}
	if buyFull {
		if err := st.deleteOrder(buyID); err != nil {
			return matchOutcome{}, err
		}
		if err := st.indexRemove(buy.Owner, buyID); err != nil {
			return matchOutcome{}, err
		}
	} else {
		if err := st.putOrder(buyID, buyRemainder); err != nil {
			return matchOutcome{}, err
		}
	}

	switch {
	case sellFull && buyFull:
		return matchOutcome{kind: fullMatch}, nil
	case sellFull:
		return matchOutcome{kind: partialMatch, partialID: buyID}, nil
	default:
		return matchOutcome{kind: partialMatch, partialID: sellID}, nil
	}
}
