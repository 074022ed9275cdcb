package auction

import (
	"errors"
	"fmt"
)

// Kind groups rejection reasons by how the caller should react
type Kind string

const (
	KindValidation              Kind = "validation"
	KindBusinessRule            Kind = "business_rule"
	KindConcurrencyConflict     Kind = "concurrency_conflict"
	KindCollaboratorUnavailable Kind = "collaborator_unavailable"
)

// Reason is the stable, machine readable code reported to clients
type Reason string

const (
	ReasonInvalidRequest          Reason = "invalid_request"
	ReasonInvalidAmount           Reason = "invalid_amount"
	ReasonProxyCeilingTooLow      Reason = "proxy_ceiling_too_low"
	ReasonInvalidSchedule         Reason = "invalid_schedule"
	ReasonInvalidPricing          Reason = "invalid_pricing"
	ReasonAuctionNotFound         Reason = "auction_not_found"
	ReasonAuctionNotActive        Reason = "auction_not_active"
	ReasonAuctionNotStarted       Reason = "auction_not_started"
	ReasonAuctionEnded            Reason = "auction_ended"
	ReasonSelfBid                 Reason = "self_bid"
	ReasonBidTooLow               Reason = "bid_too_low"
	ReasonInsufficientBalance     Reason = "insufficient_balance"
	ReasonAlreadyWinning          Reason = "already_winning"
	ReasonBuyNowUnavailable       Reason = "buy_now_unavailable"
	ReasonBidNotFound             Reason = "bid_not_found"
	ReasonBidNotCancellable       Reason = "bid_not_cancellable"
	ReasonNotBidOwner             Reason = "not_bid_owner"
	ReasonBidCancellationDisabled Reason = "bid_cancellation_disabled"
	ReasonNotSeller               Reason = "not_seller"
	ReasonInvalidTransition       Reason = "invalid_transition"
	ReasonAuctionNotEditable      Reason = "auction_not_editable"
	ReasonAuctionHasBids          Reason = "auction_has_bids"
	ReasonConcurrencyConflict     Reason = "concurrency_conflict"
	ReasonBalanceUnavailable      Reason = "balance_unavailable"
	ReasonStoreUnavailable        Reason = "store_unavailable"
	ReasonServiceUnavailable      Reason = "service_unavailable"
	ReasonUnknownMessageType      Reason = "unknown_message_type"
	ReasonBiddingDisabled         Reason = "bidding_disabled"
)

// Error is the typed failure of an auction operation
type Error struct {
	Kind   Kind
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return string(e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on the reason so wrapped instances compare equal to the sentinels
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Reason == e.Reason
}

// Retryable reports whether resubmitting the same request may succeed
func (e *Error) Retryable() bool {
	return e.Kind == KindCollaboratorUnavailable
}

// With returns a copy of the sentinel carrying the underlying cause
func (e *Error) With(err error) *Error {
	return &Error{Kind: e.Kind, Reason: e.Reason, Err: err}
}

func newError(kind Kind, reason Reason) *Error {
	return &Error{Kind: kind, Reason: reason}
}

var (
	ErrInvalidRequest     = newError(KindValidation, ReasonInvalidRequest)
	ErrInvalidAmount      = newError(KindValidation, ReasonInvalidAmount)
	ErrProxyCeilingTooLow = newError(KindValidation, ReasonProxyCeilingTooLow)
	ErrInvalidSchedule    = newError(KindValidation, ReasonInvalidSchedule)
	ErrInvalidPricing     = newError(KindValidation, ReasonInvalidPricing)

	ErrAuctionNotFound         = newError(KindBusinessRule, ReasonAuctionNotFound)
	ErrAuctionNotActive        = newError(KindBusinessRule, ReasonAuctionNotActive)
	ErrAuctionNotStarted       = newError(KindBusinessRule, ReasonAuctionNotStarted)
	ErrAuctionEnded            = newError(KindBusinessRule, ReasonAuctionEnded)
	ErrSelfBid                 = newError(KindBusinessRule, ReasonSelfBid)
	ErrBidTooLow               = newError(KindBusinessRule, ReasonBidTooLow)
	ErrInsufficientBalance     = newError(KindBusinessRule, ReasonInsufficientBalance)
	ErrAlreadyWinning          = newError(KindBusinessRule, ReasonAlreadyWinning)
	ErrBuyNowUnavailable       = newError(KindBusinessRule, ReasonBuyNowUnavailable)
	ErrBidNotFound             = newError(KindBusinessRule, ReasonBidNotFound)
	ErrBidNotCancellable       = newError(KindBusinessRule, ReasonBidNotCancellable)
	ErrNotBidOwner             = newError(KindBusinessRule, ReasonNotBidOwner)
	ErrBidCancellationDisabled = newError(KindBusinessRule, ReasonBidCancellationDisabled)
	ErrNotSeller               = newError(KindBusinessRule, ReasonNotSeller)
	ErrInvalidTransition       = newError(KindBusinessRule, ReasonInvalidTransition)
	ErrAuctionNotEditable      = newError(KindBusinessRule, ReasonAuctionNotEditable)
	ErrAuctionHasBids          = newError(KindBusinessRule, ReasonAuctionHasBids)

	// ErrConcurrencyConflict is only surfaced once conflict retries are exhausted
	ErrConcurrencyConflict = newError(KindBusinessRule, ReasonConcurrencyConflict)

	ErrBalanceUnavailable = newError(KindCollaboratorUnavailable, ReasonBalanceUnavailable)
	ErrStoreUnavailable   = newError(KindCollaboratorUnavailable, ReasonStoreUnavailable)
	ErrServiceUnavailable = newError(KindCollaboratorUnavailable, ReasonServiceUnavailable)
)

// AsError extracts the typed error from err, if any
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
