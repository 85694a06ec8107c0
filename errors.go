package market

import "errors"

var (
	// Value errors: the caller supplied something malformed.
	ErrInvalidAmount      = errors.New("amount must be greater than zero")
	ErrInvalidArrayLength = errors.New("the order list length is invalid")
	ErrInvalidSlippage    = errors.New("slippage must be within [0, 10000] basis points")
	ErrInvalidEpoch       = errors.New("the epoch parameters are invalid")
	ErrInvalidFeeTiers    = errors.New("fee tiers must start at zero volume and ascend")
	ErrFeeUnchanged       = errors.New("the matcher fee is already set to this value")

	// Asset errors.
	ErrInvalidAsset = errors.New("asset is not part of this market")

	// Auth errors.
	ErrUnauthorized  = errors.New("caller is not the market owner")
	ErrNotOrderOwner = errors.New("caller does not own this order")

	// Order errors.
	ErrOrderNotFound       = errors.New("order not found")
	ErrDuplicateOrderID    = errors.New("an order with this id already exists")
	ErrInsufficientBalance = errors.New("insufficient balance")

	// Match errors.
	ErrCantMatch       = errors.New("orders can not be matched")
	ErrCantMatchMany   = errors.New("no orders in the list could be matched")
	ErrCantFulfillMany = errors.New("the order could not be fulfilled against the list")
	ErrCantFulfillFOK  = errors.New("fill-or-kill order was only partially fulfilled")

	// Fatal invariant violations. These abort the whole operation.
	ErrArithmeticOverflow = errors.New("arithmetic overflow")
	ErrReentrancy         = errors.New("reentrant market call rejected")
	ErrInternal           = errors.New("internal invariant violation")
)
