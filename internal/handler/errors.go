package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-client/internal/backend"
	"github.com/stemsi/exstem-client/internal/gateway"
	"github.com/stemsi/exstem-client/internal/response"
	"github.com/stemsi/exstem-client/internal/service"
	"github.com/stemsi/exstem-client/internal/session"
)

// classify maps an engine error onto an HTTP status and error body.
func classify(err error) (int, *response.ErrorBody) {
	if f, ok := gateway.AsStartFailure(err); ok {
		status := http.StatusForbidden
		switch {
		case f.NeedsCredentials():
			status = http.StatusUnauthorized
		case f.Kind == gateway.Unknown:
			status = http.StatusUnprocessableEntity
		}
		return status, &response.ErrorBody{Code: f.Code(), WindowOpensAt: f.WindowOpensAt}
	}

	switch {
	case errors.Is(err, service.ErrSessionInProgress):
		return http.StatusConflict, &response.ErrorBody{Code: response.ErrSessionInProgress}
	case errors.Is(err, service.ErrNoActiveSession),
		errors.Is(err, service.ErrNoPendingPrompt),
		errors.Is(err, session.ErrNoHandoff):
		return http.StatusNotFound, &response.ErrorBody{Code: response.ErrNoActiveSession}
	case errors.Is(err, gateway.ErrShareCodeInvalid):
		return http.StatusNotFound, &response.ErrorBody{Code: response.ErrShareCodeInvalid}
	case errors.Is(err, gateway.ErrEmptyToken):
		return http.StatusBadRequest, &response.ErrorBody{Code: response.ErrValidation}
	case errors.Is(err, session.ErrNotActive):
		return http.StatusConflict, &response.ErrorBody{Code: response.ErrAttemptNotActive}
	case errors.Is(err, session.ErrUnknownQuestion):
		return http.StatusBadRequest, &response.ErrorBody{Code: response.ErrInvalidID}
	case errors.Is(err, session.ErrFinalizeStuck):
		return http.StatusBadGateway, &response.ErrorBody{Code: response.ErrFinalizeFailed, Message: err.Error()}
	case errors.Is(err, backend.ErrBackendUnavailable):
		return http.StatusServiceUnavailable, &response.ErrorBody{Code: response.ErrBackendUnavailable}
	}

	if apiErr, ok := backend.AsAPIError(err); ok {
		return http.StatusBadGateway, &response.ErrorBody{Code: apiErr.Code, Message: apiErr.Message}
	}
	return http.StatusInternalServerError, &response.ErrorBody{Code: response.ErrInternal}
}

func fail(c *gin.Context, err error) {
	status, body := classify(err)
	response.FailWithBody(c, status, body)
}
