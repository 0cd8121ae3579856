package dosage

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// DoseAt returns the dose at the cyclic position index of seq
func DoseAt(seq []decimal.Decimal, index int) (decimal.Decimal, error) {
	if len(seq) == 0 {
		return decimal.Decimal{}, ErrEmptySequence
	}
	if index < 0 {
		return decimal.Decimal{}, fmt.Errorf("%w: %d", ErrInvalidIndex, index)
	}
	return seq[index%len(seq)], nil
}

// FormatSequence renders a cycle for display, e.g. "4mg, 4mg, 3mg (3-day cycle)"
func FormatSequence(seq []decimal.Decimal, unit string) string {
	if len(seq) == 0 {
		return "no doses defined"
	}

	parts := make([]string, len(seq))
	for i, d := range seq {
		parts[i] = d.String() + unit
	}
	return fmt.Sprintf("%s (%d-day cycle)", strings.Join(parts, ", "), len(seq))
}
