package shared

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════
// Identifiers
// ═══════════════════════════════════════════════════════════════════════════

// NewID returns a new random entity identifier.
func NewID() string {
	return uuid.NewString()
}

// IsValidID reports whether s is a well-formed entity identifier.
func IsValidID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Money
// ═══════════════════════════════════════════════════════════════════════════

// Money amounts are fixed-point decimals. Float values never enter the ledger.

// Zero is the zero amount.
var Zero = decimal.Zero

// ParseAmount parses a decimal amount string such as "1500" or "1500.25".
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, NewDomainError("shared", "ParseAmount", ErrValidation, "amount is empty")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, WrapError("shared", "ParseAmount", ErrValidation, "amount is not a decimal number", err)
	}
	return d, nil
}

// MustAmount parses s and panics on error. Intended for constants and tests.
func MustAmount(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// MinAmount returns the smaller of a and b.
func MinAmount(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// NonNegative clamps negative amounts to zero.
func NonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// FormatAmount renders an amount with two decimals, or with its full
// precision when it carries fractions of a cent.
func FormatAmount(d decimal.Decimal) string {
	if d.Exponent() < -2 && !d.Equal(d.Round(2)) {
		return d.String()
	}
	return d.StringFixed(2)
}

// ═══════════════════════════════════════════════════════════════════════════
// Payment Method
// ═══════════════════════════════════════════════════════════════════════════

// PaymentMethod is the closed set of ways a payment can be received.
type PaymentMethod string

const (
	MethodCash         PaymentMethod = "cash"
	MethodMobileMoney  PaymentMethod = "mobile-money"
	MethodBankTransfer PaymentMethod = "bank-transfer"
)

// PaymentMethods lists every accepted method in display order.
var PaymentMethods = []PaymentMethod{MethodCash, MethodMobileMoney, MethodBankTransfer}

// IsValid checks that the method is one of the known variants.
func (m PaymentMethod) IsValid() bool {
	switch m {
	case MethodCash, MethodMobileMoney, MethodBankTransfer:
		return true
	}
	return false
}

// String returns the string representation.
func (m PaymentMethod) String() string {
	return string(m)
}

// ParsePaymentMethod normalizes common spellings ("Mobile Money", "mpesa",
// "bank_transfer") to a PaymentMethod.
func ParsePaymentMethod(s string) (PaymentMethod, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer("_", "-", " ", "-").Replace(norm)
	switch norm {
	case "cash":
		return MethodCash, nil
	case "mobile-money", "mobilemoney", "mpesa", "m-pesa":
		return MethodMobileMoney, nil
	case "bank-transfer", "bank", "banktransfer":
		return MethodBankTransfer, nil
	}
	return "", ErrInvalidMethod
}

// ═══════════════════════════════════════════════════════════════════════════
// Calendar values
// ═══════════════════════════════════════════════════════════════════════════

// Month identifies a calendar month.
type Month struct {
	Year  int
	Month time.Month
}

// String renders the month as YYYY-MM.
func (m Month) String() string {
	return time.Date(m.Year, m.Month, 1, 0, 0, 0, 0, time.UTC).Format("2006-01")
}

// ParseMonth parses YYYY-MM.
func ParseMonth(s string) (Month, error) {
	t, err := time.Parse("2006-01", strings.TrimSpace(s))
	if err != nil {
		return Month{}, WrapError("shared", "ParseMonth", ErrValidation, "month must be YYYY-MM", err)
	}
	return Month{Year: t.Year(), Month: t.Month()}, nil
}
