package market

// AssetAmounts holds one amount per side of the pair.
type AssetAmounts struct {
	Base  uint64 `json:"base"`
	Quote uint64 `json:"quote"`
}

func (a *AssetAmounts) at(side AssetSide) *uint64 {
	if side == Base {
		return &a.Base
	}
	return &a.Quote
}

// Get returns the amount held on the given side.
func (a AssetAmounts) Get(side AssetSide) uint64 {
	if side == Base {
		return a.Base
	}
	return a.Quote
}

// Account is the per-identity ledger entry. Liquid funds are withdrawable;
// locked funds are reserved against open orders. Every mutation checks its
// precondition and fails the operation instead of underflowing.
type Account struct {
	Liquid AssetAmounts `json:"liquid"`
	Locked AssetAmounts `json:"locked"`
}

// Credit adds amount to the liquid balance.
func (a *Account) Credit(amount uint64, side AssetSide) error {
	sum, err := addChecked(a.Liquid.Get(side), amount)
	if err != nil {
		return err
	}
	*a.Liquid.at(side) = sum
	return nil
}

// Debit removes amount from the liquid balance.
func (a *Account) Debit(amount uint64, side AssetSide) error {
	liquid := a.Liquid.at(side)
	if *liquid < amount {
		return ErrInsufficientBalance
	}
	*liquid -= amount
	return nil
}

// Lock moves amount from liquid to locked.
func (a *Account) Lock(amount uint64, side AssetSide) error {
	liquid := a.Liquid.at(side)
	if *liquid < amount {
		return ErrInsufficientBalance
	}
	locked, err := addChecked(a.Locked.Get(side), amount)
	if err != nil {
		return err
	}
	*liquid -= amount
	*a.Locked.at(side) = locked
	return nil
}

// Unlock moves amount from locked back to liquid.
func (a *Account) Unlock(amount uint64, side AssetSide) error {
	locked := a.Locked.at(side)
	if *locked < amount {
		return ErrInsufficientBalance
	}
	liquid, err := addChecked(a.Liquid.Get(side), amount)
	if err != nil {
		return err
	}
	*locked -= amount
	*a.Liquid.at(side) = liquid
	return nil
}

// TransferLocked moves amount from a's locked balance into to's liquid
// balance. When both sides of the transfer are the same account this is
// exactly an Unlock.
func (a *Account) TransferLocked(to *Account, amount uint64, side AssetSide) error {
	if to == a {
		return a.Unlock(amount, side)
	}
	locked := a.Locked.at(side)
	if *locked < amount {
		return ErrInsufficientBalance
	}
	liquid, err := addChecked(to.Liquid.Get(side), amount)
	if err != nil {
		return err
	}
	*locked -= amount
	*to.Liquid.at(side) = liquid
	return nil
}
