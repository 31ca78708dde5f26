package change

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Rounding selects how a value is rounded to a fixed number of places.
type Rounding string

const (
	// RoundHalfUp rounds .5 away from zero.
	RoundHalfUp Rounding = "half_up"
	// RoundBanker rounds .5 to the nearest even digit.
	RoundBanker Rounding = "banker"
)

// ParseRounding converts a config string into a Rounding.
func ParseRounding(s string) (Rounding, error) {
	switch Rounding(strings.ToLower(strings.TrimSpace(s))) {
	case "", RoundHalfUp:
		return RoundHalfUp, nil
	case RoundBanker:
		return RoundBanker, nil
	}
	return "", fmt.Errorf("unknown rounding mode %q", s)
}

// Round rounds d to the given number of places.
func (r Rounding) Round(d decimal.Decimal, places int32) decimal.Decimal {
	if r == RoundBanker {
		return d.RoundBank(places)
	}
	return d.Round(places)
}

// Percentage is the half-up variant of Rounding.Percentage.
func Percentage(old, new *float64) *float64 {
	return RoundHalfUp.Percentage(old, new)
}

// Percentage returns round((new-old)/old*100, 2), or nil when either side is
// missing or old is zero.
func (r Rounding) Percentage(old, new *float64) *float64 {
	if old == nil || new == nil || *old == 0 {
		return nil
	}
	o := decimal.NewFromFloat(*old)
	n := decimal.NewFromFloat(*new)
	pct := r.Round(n.Sub(o).Mul(decimal.NewFromInt(100)).Div(o), 2)
	v := pct.InexactFloat64()
	return &v
}

// FormatPercent renders a change as a fixed two-decimal percentage.
func FormatPercent(pct *float64) *string {
	if pct == nil {
		return nil
	}
	s := fmt.Sprintf("%.2f%%", *pct)
	return &s
}

// RoundValue rounds v to the given places using half-up rounding.
func RoundValue(v float64, places int32) float64 {
	return decimal.NewFromFloat(v).Round(places).InexactFloat64()
}

// Bucket returns the index of the fixed-width bucket containing value.
func Bucket(value, size float64) float64 {
	return math.Floor(value / size)
}

// ThresholdCrossing returns marker unless value lies strictly inside its
// bucket [floor(value/size)*size, +size). A zero size disables the check.
func ThresholdCrossing(value *float64, size float64, marker string) string {
	if value == nil || size == 0 {
		return ""
	}
	lower := Bucket(*value, size) * size
	upper := lower + size
	if lower < *value && *value < upper {
		return ""
	}
	return marker
}

// CrossedBucket reports whether old and new fall into different buckets.
func CrossedBucket(old, new *float64, size float64) bool {
	if old == nil || new == nil || size == 0 {
		return false
	}
	return Bucket(*old, size) != Bucket(*new, size)
}
