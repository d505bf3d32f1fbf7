package pricing

import (
	"sort"

	"github.com/shopspring/decimal"
)

var two = decimal.NewFromInt(2)

// Median returns the middle value (mean of the two middle values for even
// lengths). The input is not modified.
func Median(values []decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	sorted := make([]decimal.Decimal, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].LessThan(sorted[j])
	})

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return sorted[mid-1].Add(sorted[mid]).Div(two)
}

// MAD returns the median absolute deviation of values around median.
func MAD(values []decimal.Decimal, median decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	deviations := make([]decimal.Decimal, len(values))
	for i, v := range values {
		deviations[i] = v.Sub(median).Abs()
	}
	return Median(deviations)
}

// Band is a closed interval of acceptable values.
type Band struct {
	Lower decimal.Decimal
	Upper decimal.Decimal
}

// Clamp moves v into the band, reporting whether it moved.
func (b Band) Clamp(v decimal.Decimal) (decimal.Decimal, bool) {
	if v.LessThan(b.Lower) {
		return b.Lower, true
	}
	if v.GreaterThan(b.Upper) {
		return b.Upper, true
	}
	return v, false
}

// FairBand intersects median ± mad*threshold with median ± ratio*median.
// Both intervals contain the median, so the intersection is never empty.
func FairBand(median, mad, threshold, ratio decimal.Decimal) Band {
	madSpread := mad.Mul(threshold)
	ratioSpread := median.Mul(ratio).Abs()

	return Band{
		Lower: decimal.Max(median.Sub(madSpread), median.Sub(ratioSpread)),
		Upper: decimal.Min(median.Add(madSpread), median.Add(ratioSpread)),
	}
}
