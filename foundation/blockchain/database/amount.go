package database

import (
	"bytes"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
)

// Scale is the number of units that make up one coin.
const Scale = 100_000_000

// decimals is the number of fractional digits an Amount can represent.
const decimals = 8

// Amount is a fixed point quantity of coins stored in units of 1/Scale. All
// ledger arithmetic happens on integers so fee accounting is exact.
type Amount int64

// Coins constructs an Amount from a whole number of coins.
func Coins(n int64) Amount {
	return Amount(n * Scale)
}

// ParseAmount converts a decimal string such as "100", "0.00002" or "2e-05"
// into an Amount.
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.Contains(s, "/") {
		return 0, fmt.Errorf("%w: amount %q is not a number", ErrInvalidTransaction, s)
	}

	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return 0, fmt.Errorf("%w: amount %q is not a number", ErrInvalidTransaction, s)
	}

	r.Mul(r, new(big.Rat).SetInt64(Scale))
	if !r.IsInt() {
		return 0, fmt.Errorf("%w: amount %q has more than %d decimal places", ErrInvalidTransaction, s, decimals)
	}

	n := r.Num()
	if !n.IsInt64() {
		return 0, fmt.Errorf("%w: amount %q is out of range", ErrInvalidTransaction, s)
	}

	return Amount(n.Int64()), nil
}

// Sum adds the amounts. The returned bool is false when the total doesn't
// fit in an Amount.
func Sum(amounts ...Amount) (Amount, bool) {
	var total Amount
	for _, a := range amounts {
		switch {
		case a > 0 && total > math.MaxInt64-a:
			return 0, false
		case a < 0 && total < math.MinInt64-a:
			return 0, false
		}
		total += a
	}

	return total, true
}

// String implements the fmt.Stringer interface and renders the amount in
// decimal coin form with trailing zeros removed.
func (a Amount) String() string {
	neg := a < 0
	u := uint64(a)
	if neg {
		u = uint64(-a)
	}

	s := strconv.FormatUint(u/Scale, 10)
	if frac := u % Scale; frac != 0 {
		f := strings.TrimRight(fmt.Sprintf("%0*d", decimals, frac), "0")
		s += "." + f
	}

	if neg {
		return "-" + s
	}
	return s
}

// MarshalJSON implements the json.Marshaler interface. The amount is written
// as a JSON number.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalJSON implements the json.Unmarshaler interface. Both JSON numbers
// and quoted decimal strings are accepted.
func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}

	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}

	v, err := ParseAmount(s)
	if err != nil {
		return err
	}

	*a = v
	return nil
}
