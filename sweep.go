package market

import "math"

// MatchOrderMany sweeps a caller-supplied list of order ids with two
// cursors, settling every crossing pair it encounters. Returns the number
// of orders that were fully filled. At least one trade must settle,
// otherwise the whole sweep is rolled back with ErrCantMatchMany.
func (m *Market) MatchOrderMany(caller Identity, ids []OrderID) (int, error) {
	if len(ids) < 2 {
		return 0, ErrInvalidArrayLength
	}
	if err := m.enter(); err != nil {
		return 0, err
	}
	defer m.leave()

	tx := m.store.Begin()
	defer tx.Discard()
	st := newState(tx)
	ref := txRef()

	var events []Event
	fullFilled := 0
	traded := false

	idx0, idx1 := 0, 1
	for idx1 < len(ids) {
		if idx0 == idx1 {
			idx1++
			continue
		}
		o0, found, err := st.order(ids[idx0])
		if err != nil {
			return 0, err
		}
		if !found {
			idx0++
			continue
		}
		o1, found, err := st.order(ids[idx1])
		if err != nil {
			return 0, err
		}
		if !found {
			idx1++
			continue
		}

		outcome, err := m.matchPair(st, caller, ref, ids[idx0], o0, ids[idx1], o1)
		if err != nil {
			return 0, err
		}
		switch outcome.kind {
		case zeroMatch:
			idx0++
		case partialMatch:
			traded = true
			fullFilled++
			events = append(events, outcome.events...)
			// The exhausted side moves on; the remainder keeps its cursor
			// and waits for the next counterparty.
			if outcome.partialID == ids[idx0] {
				idx1++
			} else {
				idx0++
			}
		case fullMatch:
			traded = true
			fullFilled += 2
			events = append(events, outcome.events...)
			next := min(idx0, idx1) + 1
			idx0, idx1 = next, next+1
		}
	}

	if !traded {
		return 0, ErrCantMatchMany
	}
	if err := st.flush(); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	m.publisher.Publish(events...)
	return fullFilled, nil
}

// FulfillOrderMany opens a new order for the caller and immediately matches
// it against the supplied candidate ids, in order, taking only candidates
// priced within slippageBps of the requested price. The new order carries
// no matcher fee; the caller is the matcher and collects the resting
// orders' prorated rewards instead.
//
// The remainder is handled per limitType: GTC rests, IOC is cancelled, FOK
// rolls back the whole operation. If nothing matched at all the operation
// rolls back with ErrCantFulfillMany and no order is created.
func (m *Market) FulfillOrderMany(caller Identity, amount uint64, orderType OrderType, price uint64, slippageBps uint64, limitType LimitType, ids []OrderID) (OrderID, error) {
	if amount == 0 {
		return zeroOrderID, ErrInvalidAmount
	}
	if slippageBps > bpsDenominator {
		return zeroOrderID, ErrInvalidSlippage
	}
	if len(ids) == 0 {
		return zeroOrderID, ErrInvalidArrayLength
	}
	if err := m.enter(); err != nil {
		return zeroOrderID, err
	}
	defer m.leave()

	tx := m.store.Begin()
	defer tx.Discard()
	st := newState(tx)
	ref := txRef()

	id, order, err := m.openOrder(st, caller, amount, orderType, price, 0, ref)
	if err != nil {
		return zeroOrderID, err
	}
	openEvent := OpenOrderEvent{
		OrderID:   id,
		Owner:     caller,
		OrderType: orderType,
		Amount:    amount,
		Price:     price,
		TxRef:     ref,
	}

	delta, err := mulDiv(price, slippageBps, bpsDenominator)
	if err != nil {
		return zeroOrderID, err
	}
	priceLo := price - delta
	priceHi, err := addChecked(price, delta)
	if err != nil {
		priceHi = math.MaxUint64
	}

	var events []Event
	traded := false
	for _, candID := range ids {
		order, _, err = st.order(id)
		if err != nil {
			return zeroOrderID, err
		}
		if order == nil {
			break // fully filled
		}
		if candID == id {
			continue
		}
		cand, found, err := st.order(candID)
		if err != nil {
			return zeroOrderID, err
		}
		if !found || cand.Price < priceLo || cand.Price > priceHi {
			continue
		}

		outcome, err := m.matchPair(st, caller, ref, id, order, candID, cand)
		if err != nil {
			return zeroOrderID, err
		}
		if outcome.kind == zeroMatch {
			continue
		}
		traded = true
		events = append(events, outcome.events...)
	}
	if !traded {
		return zeroOrderID, ErrCantFulfillMany
	}

	order, _, err = st.order(id)
	if err != nil {
		return zeroOrderID, err
	}
	if order != nil {
		switch limitType {
		case FOK:
			return zeroOrderID, ErrCantFulfillFOK
		case IOC:
			if err := m.cancelOrder(st, id, order, caller, ref); err != nil {
				return zeroOrderID, err
			}
			events = append(events, CancelOrderEvent{OrderID: id, Owner: caller, TxRef: ref})
		}
	}

	if err := st.flush(); err != nil {
		return zeroOrderID, err
	}
	if err := tx.Commit(); err != nil {
		return zeroOrderID, err
	}
	m.publisher.Publish(append([]Event{openEvent}, events...)...)
	return id, nil
}
