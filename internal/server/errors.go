package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/lnescrow/internal/agent"
	"github.com/mbd888/lnescrow/internal/client"
	"github.com/mbd888/lnescrow/internal/contract"
	"github.com/mbd888/lnescrow/internal/escrow"
	"github.com/mbd888/lnescrow/internal/logging"
	"github.com/mbd888/lnescrow/internal/validation"
)

type apiError struct {
	status int
	code   string
}

// errorTable maps sentinel errors to responses. First match wins.
var errorTable = []struct {
	target error
	apiError
}{
	{agent.ErrTradeNotFound, apiError{http.StatusNotFound, "trade_not_found"}},
	{client.ErrTradeNotFound, apiError{http.StatusNotFound, "trade_not_found"}},
	{agent.ErrNoProfile, apiError{http.StatusNotFound, "no_profile"}},
	{client.ErrInvalidState, apiError{http.StatusConflict, "invalid_state"}},
	{escrow.ErrInvalidTransition, apiError{http.StatusConflict, "invalid_state"}},
	{client.ErrNotFunded, apiError{http.StatusConflict, "not_funded"}},
	{client.ErrInsufficientLiquidity, apiError{http.StatusUnprocessableEntity, "insufficient_liquidity"}},
	{client.ErrInvalidPostbox, apiError{http.StatusBadRequest, "invalid_postbox"}},
	{client.ErrInvalidAgent, apiError{http.StatusBadRequest, "invalid_agent"}},
	{contract.ErrTitleRequired, apiError{http.StatusBadRequest, "invalid_contract"}},
	{contract.ErrTitleTooLong, apiError{http.StatusBadRequest, "invalid_contract"}},
	{contract.ErrTermsTooLong, apiError{http.StatusBadRequest, "invalid_contract"}},
	{contract.ErrInvalidAmount, apiError{http.StatusBadRequest, "invalid_contract"}},
	{contract.ErrInvalidBond, apiError{http.StatusBadRequest, "invalid_contract"}},
	{client.ErrPaymentFailed, apiError{http.StatusBadGateway, "payment_failed"}},
	{escrow.ErrMalformedResponse, apiError{http.StatusBadGateway, "agent_malformed_response"}},
	{escrow.ErrResponseTimeout, apiError{http.StatusGatewayTimeout, "agent_timeout"}},
	{context.DeadlineExceeded, apiError{http.StatusGatewayTimeout, "timeout"}},
}

// respondError writes err as JSON. Unknown errors are logged and hidden.
func respondError(c *gin.Context, err error) {
	var verr *escrow.ValidationError
	var vErrs validation.ValidationErrors
	var remote *escrow.RemoteError
	switch {
	case errors.As(err, &vErrs):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": vErrs.Error(), "details": vErrs})
		return
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": verr.Msg})
		return
	case errors.As(err, &remote):
		c.JSON(http.StatusBadGateway, gin.H{"error": "agent_rejected", "message": remote.Msg})
		return
	}
	for _, e := range errorTable {
		if errors.Is(err, e.target) {
			c.JSON(e.status, gin.H{"error": e.code, "message": err.Error()})
			return
		}
	}
	logging.L(c.Request.Context()).Error("request failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "An unexpected error occurred"})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": message})
}
