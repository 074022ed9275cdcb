package ptr

import (
	"github.com/shopspring/decimal"
)

// String return a pointer to the input value
func String(value string) *string {
	return &value
}

// Int32 return a pointer to the input value
func Int32(value int32) *int32 {
	return &value
}

// Bool return a pointer to the input value
func Bool(value bool) *bool {
	return &value
}

// Decimal return a pointer to the input value
func Decimal(value decimal.Decimal) *decimal.Decimal {
	return &value
}

// DecimalFromString parses value and panics on malformed input, for literals
func DecimalFromString(value string) *decimal.Decimal {
	d := decimal.RequireFromString(value)
	return &d
}
