package payout

import "errors"

var (
	// ErrInvalidAddress means the recipient address failed TRON format checks.
	ErrInvalidAddress = errors.New("invalid recipient address")

	// ErrInvalidAsset means the requested asset is not disbursable.
	ErrInvalidAsset = errors.New("unsupported asset")

	// ErrAmountOutOfBounds means the amount is non-positive or outside the
	// configured [min, max] range.
	ErrAmountOutOfBounds = errors.New("amount out of bounds")

	// ErrInvalidKYCHash means a KYC hash was supplied but is malformed.
	ErrInvalidKYCHash = errors.New("invalid kyc hash")

	// ErrDuplicateReference means the reference id was already used by an
	// earlier request.
	ErrDuplicateReference = errors.New("duplicate reference id")

	// ErrNotCancellable means the payout has already been submitted to the
	// ledger and exists outside the engine's control.
	ErrNotCancellable = errors.New("payout is no longer cancellable")

	// ErrTerminal means the payout already reached an absorbing state.
	ErrTerminal = errors.New("payout is in a terminal state")
)
