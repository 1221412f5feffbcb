package db

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// DecimalFromNumeric converts a pg NUMERIC into an exact decimal. Invalid or
// NaN values come back as zero.
func DecimalFromNumeric(n pgtype.Numeric) decimal.Decimal {
	if !n.Valid || n.NaN || n.Int == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n.Int, n.Exp)
}

// NumericFromDecimal converts a decimal into a pg NUMERIC parameter.
func NumericFromDecimal(d decimal.Decimal) (pgtype.Numeric, error) {
	var n pgtype.Numeric
	if err := n.Scan(d.String()); err != nil {
		return pgtype.Numeric{}, fmt.Errorf("platform/db: numeric from decimal: %w", err)
	}
	return n, nil
}
