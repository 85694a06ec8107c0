package market

// Read accessors. Each one reads through its own transaction that is
// discarded afterwards, so a view never observes a half-applied operation.

// Account returns the user's balances. Unknown users have a zero account.
func (m *Market) Account(user Identity) (Account, error) {
	if err := m.enter(); err != nil {
		return Account{}, err
	}
	defer m.leave()

	tx := m.store.Begin()
	defer tx.Discard()
	acct, err := newState(tx).account(user)
	if err != nil {
		return Account{}, err
	}
	return *acct, nil
}

// Order returns a resting order by id.
func (m *Market) Order(id OrderID) (Order, error) {
	if err := m.enter(); err != nil {
		return Order{}, err
	}
	defer m.leave()

	tx := m.store.Begin()
	defer tx.Discard()
	order, found, err := newState(tx).order(id)
	if err != nil {
		return Order{}, err
	}
	if !found {
		return Order{}, ErrOrderNotFound
	}
	return *order, nil
}

// UserOrders returns the ids of the user's resting orders. Removal swaps
// from the end of the list, so the order of ids is not creation order.
func (m *Market) UserOrders(user Identity) ([]OrderID, error) {
	if err := m.enter(); err != nil {
		return nil, err
	}
	defer m.leave()

	tx := m.store.Begin()
	defer tx.Discard()
	return newState(tx).userOrders(user)
}

// Epoch returns the trailing-volume window as it would apply to the next
// operation: an expired window is reported already advanced, without
// persisting the advance.
func (m *Market) Epoch() (EpochState, error) {
	if err := m.enter(); err != nil {
		return EpochState{}, err
	}
	defer m.leave()

	tx := m.store.Begin()
	defer tx.Discard()
	return m.effectiveEpoch(newState(tx))
}

func (m *Market) effectiveEpoch(st *state) (EpochState, error) {
	es, err := st.epochState()
	if err != nil {
		return EpochState{}, err
	}
	end, err := addChecked(es.Epoch, es.Duration)
	if err != nil {
		return EpochState{}, err
	}
	if end <= m.clock.Now() {
		es.Epoch = end
	}
	return es, nil
}

// ProtocolFees returns the current fee schedule, ascending by threshold.
func (m *Market) ProtocolFees() []ProtocolFee {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fees.all()
}

// UserProtocolFees returns the maker and taker rates, in basis points, that
// an order opened by the user right now would capture.
func (m *Market) UserProtocolFees(user Identity) (maker, taker uint64, err error) {
	if err := m.enter(); err != nil {
		return 0, 0, err
	}
	defer m.leave()

	tx := m.store.Begin()
	defer tx.Discard()
	st := newState(tx)

	es, err := m.effectiveEpoch(st)
	if err != nil {
		return 0, 0, err
	}
	volume, err := st.userVolume(user, es.Epoch)
	if err != nil {
		return 0, 0, err
	}
	tier := m.fees.tierFor(volume)
	return tier.MakerBps, tier.TakerBps, nil
}

// MatcherFee returns the flat matcher reward locked by new orders.
func (m *Market) MatcherFee() (uint64, error) {
	if err := m.enter(); err != nil {
		return 0, err
	}
	defer m.leave()

	tx := m.store.Begin()
	defer tx.Discard()
	return newState(tx).metaU64(keyMatcherFee, 0)
}

// OrderChanges returns the audit trail of an order, oldest first. The trail
// outlives the order, so fully filled and cancelled orders stay queryable.
func (m *Market) OrderChanges(id OrderID) ([]OrderChange, error) {
	if err := m.enter(); err != nil {
		return nil, err
	}
	defer m.leave()

	tx := m.store.Begin()
	defer tx.Discard()

	prefix := append([]byte(prefixChange), id[:]...)
	prefix = append(prefix, '/')
	var changes []OrderChange
	err := tx.Scan(prefix, prefixUpperBound(prefix), func(_, value []byte) error {
		change, err := decodeOrderChange(value)
		if err != nil {
			return err
		}
		changes = append(changes, change)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}

// TotalBalances sums every account, liquid and locked per side. Useful for
// conservation checks against the vault's actual holdings.
func (m *Market) TotalBalances() (Account, error) {
	if err := m.enter(); err != nil {
		return Account{}, err
	}
	defer m.leave()

	tx := m.store.Begin()
	defer tx.Discard()

	prefix := []byte(prefixAccount)
	var total Account
	err := tx.Scan(prefix, prefixUpperBound(prefix), func(_, value []byte) error {
		acct, err := decodeAccount(value)
		if err != nil {
			return err
		}
		var sumErr error
		add := func(dst *uint64, v uint64) {
			if sumErr == nil {
				*dst, sumErr = addChecked(*dst, v)
			}
		}
		add(&total.Liquid.Base, acct.Liquid.Base)
		add(&total.Liquid.Quote, acct.Liquid.Quote)
		add(&total.Locked.Base, acct.Locked.Base)
		add(&total.Locked.Quote, acct.Locked.Quote)
		return sumErr
	})
	if err != nil {
		return Account{}, err
	}
	return total, nil
}
