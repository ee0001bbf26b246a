package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Amount is a signed count of minor currency units (cents).
type Amount int64

// FullPercent is 100.00% expressed in basis points.
const FullPercent int64 = 10000

// DateLayout is the canonical textual date format.
const DateLayout = "2006-01-02"

var hundred = decimal.NewFromInt(100)

// ParseAmount parses a decimal string such as "-150.5" into cents. Values with
// more than two significant fractional digits are rejected rather than rounded.
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return AmountFromDecimal(d)
}

// AmountFromDecimal converts d to cents, failing if d has sub-cent precision.
func AmountFromDecimal(d decimal.Decimal) (Amount, error) {
	cents := d.Mul(hundred)
	if !cents.Equal(cents.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has more than two decimal places", d.String())
	}
	if !cents.BigInt().IsInt64() {
		return 0, fmt.Errorf("amount %s is out of range", d.String())
	}
	return Amount(cents.IntPart()), nil
}

// MustParseAmount is ParseAmount for literals known to be valid.
func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) Decimal() decimal.Decimal { return decimal.New(int64(a), -2) }

func (a Amount) String() string { return a.Decimal().StringFixed(2) }

func (a Amount) Abs() Amount {
	if a < 0 {
		return -a
	}
	return a
}

func (a Amount) IsZero() bool { return a == 0 }

func (a Amount) IsPositive() bool { return a > 0 }

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// bare JSON numbers are accepted too
		s = string(data)
	}
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// SumAmounts adds amounts without regard to sign.
func SumAmounts(amounts ...Amount) Amount {
	var total Amount
	for _, a := range amounts {
		total += a
	}
	return total
}

// ParsePercent parses "33.33" into basis points (3333).
func ParsePercent(s string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid percentage %q: %w", s, err)
	}
	bp := d.Mul(hundred)
	if !bp.Equal(bp.Truncate(0)) {
		return 0, fmt.Errorf("percentage %s has more than two decimal places", d.String())
	}
	return bp.IntPart(), nil
}

// FormatPercent renders basis points as a percentage with two decimals.
func FormatPercent(bp int64) string {
	return decimal.New(bp, -2).StringFixed(2)
}

// AllocateBasisPoints splits total across the given shares. Every share is
// rounded down to the cent and the last share absorbs the remainder, so the
// result always sums to total.
func AllocateBasisPoints(total Amount, shares []int64) []Amount {
	if len(shares) == 0 {
		return nil
	}
	out := make([]Amount, len(shares))
	base := total.Decimal()
	var allocated Amount
	for i, bp := range shares[:len(shares)-1] {
		part := base.Mul(decimal.New(bp, -4)).Mul(hundred).Floor()
		out[i] = Amount(part.IntPart())
		allocated += out[i]
	}
	out[len(out)-1] = total - allocated
	return out
}

// Day truncates t to midnight UTC on its calendar date.
func Day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseDay parses a YYYY-MM-DD date.
func ParseDay(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

// MustParseDay is ParseDay for literals known to be valid.
func MustParseDay(s string) time.Time {
	t, err := ParseDay(s)
	if err != nil {
		panic(err)
	}
	return t
}
