package balance

import (
	"errors"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrStatusCodeNotOk = errors.New("http.status != 200")
)

type ClientCfg struct {
	HttpClient http.Client
	BaseUrl    string
	Timeout    time.Duration
	// CacheTtl keeps answers for a short while, zero disables caching
	CacheTtl time.Duration
}

// Balance is the answer of the identity service
type Balance struct {
	UserId    string          `json:"userId"`
	Available decimal.Decimal `json:"available"`
}
