package delivery

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/x-xyz/bidengine/domain"
	"github.com/x-xyz/bidengine/domain/auction"
	"github.com/x-xyz/bidengine/service/query"
)

type JsonResponseStatus string

const (
	JsonResponseStatusSuccess JsonResponseStatus = "success"
	JsonResponseStatusFail    JsonResponseStatus = "fail"
)

type JsonResponse struct {
	Data   interface{}        `json:"data"`
	Status JsonResponseStatus `json:"status"`
}

// ErrorBody is the payload of a failed auction operation
type ErrorBody struct {
	Reason    auction.Reason `json:"reason"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
}

// StatusOf maps an error to the http status reported for it
func StatusOf(err error, fallback int) int {
	if e, ok := auction.AsError(err); ok {
		switch e.Kind {
		case auction.KindValidation:
			return http.StatusBadRequest
		case auction.KindConcurrencyConflict:
			return http.StatusConflict
		case auction.KindCollaboratorUnavailable:
			return http.StatusServiceUnavailable
		}
		switch e.Reason {
		case auction.ReasonAuctionNotFound, auction.ReasonBidNotFound:
			return http.StatusNotFound
		case auction.ReasonNotSeller, auction.ReasonNotBidOwner:
			return http.StatusForbidden
		}
		return http.StatusConflict
	}
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, query.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrBadParamInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden
	}
	return fallback
}

func MakeJsonResp(c echo.Context, status int, data interface{}) error {
	if err, ok := data.(error); ok {
		status = StatusOf(err, status)
		if e, ok := auction.AsError(err); ok {
			data = ErrorBody{Reason: e.Reason, Message: e.Error(), Retryable: e.Retryable()}
		} else {
			data = err.Error()
		}
	}

	if status >= 400 {
		return c.JSON(status, JsonResponse{data, JsonResponseStatusFail})
	}

	if status >= 200 && status < 300 {
		return c.JSON(status, JsonResponse{data, JsonResponseStatusSuccess})
	}

	return c.JSON(status, data)
}
