package balance

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/x-xyz/bidengine/base/ctx"
)

var (
	// ErrUnavailable is returned when the balance could not be determined
	ErrUnavailable = errors.New("balance unavailable")
)

// Provider answers how much a user can currently spend
type Provider interface {
	GetBalance(c ctx.Ctx, userId string) (decimal.Decimal, error)
}
