package payout

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const addressLength = 34

// base58 alphabet used by TRON addresses. Excludes 0, O, I and l.
const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// Bounds holds the configured amount limits for a single payout.
type Bounds struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

// ValidateAddress checks TRON base58 address format: mainnet prefix 'T',
// fixed length, base58 alphabet only.
func ValidateAddress(addr string) error {
	if len(addr) != addressLength {
		return fmt.Errorf("%w: want %d characters, got %d", ErrInvalidAddress, addressLength, len(addr))
	}
	if addr[0] != 'T' {
		return fmt.Errorf("%w: missing mainnet prefix", ErrInvalidAddress)
	}
	for _, c := range addr {
		if !strings.ContainsRune(base58Alphabet, c) {
			return fmt.Errorf("%w: non-base58 character %q", ErrInvalidAddress, c)
		}
	}
	return nil
}

// ValidateKYCHash checks a KYC verification hash: 64 hex characters.
func ValidateKYCHash(hash string) error {
	if len(hash) != 64 {
		return fmt.Errorf("%w: want 64 hex characters, got %d", ErrInvalidKYCHash, len(hash))
	}
	for _, c := range hash {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return fmt.Errorf("%w: non-hex character %q", ErrInvalidKYCHash, c)
		}
	}
	return nil
}

// ValidateAmount checks that the amount is strictly positive and within
// the configured bounds.
func ValidateAmount(amount decimal.Decimal, b Bounds) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: amount must be positive", ErrAmountOutOfBounds)
	}
	if amount.LessThan(b.Min) {
		return fmt.Errorf("%w: %s below minimum %s", ErrAmountOutOfBounds, amount, b.Min)
	}
	if amount.GreaterThan(b.Max) {
		return fmt.Errorf("%w: %s above maximum %s", ErrAmountOutOfBounds, amount, b.Max)
	}
	return nil
}

// Validate runs all request-level checks. The address is checked before
// anything else happens.
func (r Request) Validate(b Bounds) error {
	if err := ValidateAddress(r.RecipientAddress); err != nil {
		return err
	}
	if !r.Asset.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidAsset, r.Asset)
	}
	if err := ValidateAmount(r.Amount, b); err != nil {
		return err
	}
	if r.KYCHash != "" {
		if err := ValidateKYCHash(r.KYCHash); err != nil {
			return err
		}
	}
	return nil
}

// Fee computes the processing fee and net disbursement amount for the
// given gross amount at a percent rate.
func Fee(amount, percent decimal.Decimal) (fee, net decimal.Decimal) {
	fee = amount.Mul(percent).Div(decimal.NewFromInt(100))
	return fee, amount.Sub(fee)
}
