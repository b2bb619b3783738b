package types

import (
	"fmt"
	"math/big"
	"strings"
)

// AmountDecimals is the number of fractional digits carried by the token.
// All amounts cross the ledger boundary as integers scaled by 10^18.
const AmountDecimals = 18

var rawScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(AmountDecimals), nil)

// Amount is a non-negative fixed-point monetary quantity. It is stored as an
// integer count of raw units (10^-18 of a token) so that repeated conversions
// between display units and the wire representation never drift. Amounts must
// never be converted through binary floating point.
type Amount struct {
	raw *big.Int
}

// ZeroAmount returns the zero amount.
func ZeroAmount() Amount {
	return Amount{raw: new(big.Int)}
}

// AmountFromRaw creates an Amount from raw (scaled) units.
func AmountFromRaw(raw *big.Int) (Amount, error) {
	if raw == nil {
		return ZeroAmount(), nil
	}
	if raw.Sign() < 0 {
		return Amount{}, fmt.Errorf("amount cannot be negative: %s", raw.String())
	}
	return Amount{raw: new(big.Int).Set(raw)}, nil
}

// AmountFromRawString creates an Amount from a base-10 string of raw units,
// the format used by the remote ledger and token contract.
func AmountFromRawString(s string) (Amount, error) {
	raw, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return Amount{}, fmt.Errorf("invalid raw amount %q", s)
	}
	return AmountFromRaw(raw)
}

// ParseAmount parses a display-unit decimal string such as "12" or "3.50".
// At most AmountDecimals fractional digits are accepted; more is an error
// rather than a silent truncation.
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, fmt.Errorf("empty amount")
	}
	if strings.HasPrefix(s, "-") {
		return Amount{}, fmt.Errorf("amount cannot be negative: %s", s)
	}

	intPart := s
	fracPart := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart = s[:i]
		fracPart = s[i+1:]
	}
	if intPart == "" {
		intPart = "0"
	}
	if len(fracPart) > AmountDecimals {
		return Amount{}, fmt.Errorf("amount %q has more than %d fractional digits", s, AmountDecimals)
	}

	whole, ok := new(big.Int).SetString(intPart, 10)
	if !ok {
		return Amount{}, fmt.Errorf("invalid amount %q", s)
	}

	raw := new(big.Int).Mul(whole, rawScale)
	if fracPart != "" {
		// Right-pad the fraction to the full 18 digits before converting.
		padded := fracPart + strings.Repeat("0", AmountDecimals-len(fracPart))
		frac, ok := new(big.Int).SetString(padded, 10)
		if !ok {
			return Amount{}, fmt.Errorf("invalid amount %q", s)
		}
		raw.Add(raw, frac)
	}
	return Amount{raw: raw}, nil
}

func (a Amount) rawValue() *big.Int {
	if a.raw == nil {
		return new(big.Int)
	}
	return a.raw
}

// Raw returns a copy of the raw (scaled) integer value.
func (a Amount) Raw() *big.Int {
	return new(big.Int).Set(a.rawValue())
}

// RawString returns the raw units as a base-10 string for the wire boundary.
func (a Amount) RawString() string {
	return a.rawValue().String()
}

// Add returns a + b.
func (a Amount) Add(b Amount) Amount {
	return Amount{raw: new(big.Int).Add(a.rawValue(), b.rawValue())}
}

// Sub returns a - b, failing if the result would be negative.
func (a Amount) Sub(b Amount) (Amount, error) {
	r := new(big.Int).Sub(a.rawValue(), b.rawValue())
	if r.Sign() < 0 {
		return Amount{}, fmt.Errorf("amount underflow: %s - %s", a, b)
	}
	return Amount{raw: r}, nil
}

// Cmp compares a and b, returning -1, 0 or 1.
func (a Amount) Cmp(b Amount) int {
	return a.rawValue().Cmp(b.rawValue())
}

// Equal reports whether a and b represent the same quantity.
func (a Amount) Equal(b Amount) bool {
	return a.Cmp(b) == 0
}

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool {
	return a.rawValue().Sign() == 0
}

// IsPositive reports whether the amount is strictly greater than zero.
func (a Amount) IsPositive() bool {
	return a.rawValue().Sign() > 0
}

// String formats the amount in display units with trailing zeros trimmed,
// e.g. "3", "12.5".
func (a Amount) String() string {
	raw := a.rawValue()
	whole := new(big.Int)
	frac := new(big.Int)
	whole.QuoRem(raw, rawScale, frac)
	if frac.Sign() == 0 {
		return whole.String()
	}
	fracStr := fmt.Sprintf("%0*s", AmountDecimals, frac.String())
	fracStr = strings.TrimRight(fracStr, "0")
	return whole.String() + "." + fracStr
}

// MarshalJSON encodes the amount as a display-unit decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON decodes a display-unit decimal string.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
