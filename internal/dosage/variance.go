package dosage

import "github.com/shopspring/decimal"

// VarianceTolerance is the absolute difference below which expected and
// actual doses are considered equal. It is not scaled by the dose size.
var VarianceTolerance = decimal.RequireFromString("0.01")

var hundred = decimal.NewFromInt(100)

// VarianceResult compares an expected dose with the dose actually taken
type VarianceResult struct {
	HasVariance bool
	// Amount is actual minus expected; positive means more was taken
	Amount decimal.NullDecimal
	// Percentage is Amount relative to expected, times 100
	Percentage decimal.NullDecimal
}

// ResolveVariance computes the variance of actual against expected.
// Without an expected dose there is no baseline and the zero result is returned.
func ResolveVariance(expected decimal.NullDecimal, actual decimal.Decimal) VarianceResult {
	if !expected.Valid {
		return VarianceResult{}
	}

	diff := actual.Sub(expected.Decimal)
	result := VarianceResult{
		HasVariance: diff.Abs().GreaterThan(VarianceTolerance),
		Amount:      decimal.NewNullDecimal(diff),
	}
	if !expected.Decimal.IsZero() {
		result.Percentage = decimal.NewNullDecimal(diff.Div(expected.Decimal).Mul(hundred))
	}
	return result
}
