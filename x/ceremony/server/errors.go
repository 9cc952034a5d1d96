package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Steake/BitCell-sub003/x/ceremony/types"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error     string `json:"error"`
	Codespace string `json:"codespace,omitempty"`
	Code      uint32 `json:"code,omitempty"`
	Recovery  string `json:"recovery,omitempty"`
}

var statusByError = []struct {
	err    error
	status int
}{
	{types.ErrCeremonyNotFound, http.StatusNotFound},
	{types.ErrArtifactMissing, http.StatusNotFound},
	{types.ErrUnauthorized, http.StatusUnauthorized},
	{types.ErrNotAssigned, http.StatusForbidden},
	{types.ErrRateLimitExceeded, http.StatusTooManyRequests},
	{types.ErrCeremonySealed, http.StatusConflict},
	{types.ErrCeremonyExists, http.StatusConflict},
	{types.ErrInvalidState, http.StatusConflict},
	{types.ErrOutOfOrderRound, http.StatusConflict},
	{types.ErrChainMismatch, http.StatusConflict},
	{types.ErrInvalidProof, http.StatusUnprocessableEntity},
	{types.ErrInvalidParameters, http.StatusUnprocessableEntity},
	{types.ErrInvalidSignature, http.StatusUnprocessableEntity},
	{types.ErrBeaconPremature, http.StatusUnprocessableEntity},
	{types.ErrBeaconUnverifiable, http.StatusUnprocessableEntity},
	{context.DeadlineExceeded, http.StatusServiceUnavailable},
	{context.Canceled, http.StatusServiceUnavailable},
}

// httpStatus maps an error onto a response status.
func httpStatus(err error) int {
	for _, e := range statusByError {
		if errors.Is(err, e.err) {
			return e.status
		}
	}
	return http.StatusInternalServerError
}

func errorResponse(err error) ErrorResponse {
	resp := ErrorResponse{Error: err.Error()}
	if registered, ok := types.Registered(err); ok {
		resp.Codespace = registered.Codespace()
		resp.Code = registered.ABCICode()
		resp.Recovery = types.GetRecoverySuggestion(err)
	}
	return resp
}

// AsError turns an error response back into an error that matches the
// registered error it was produced from.
func (e ErrorResponse) AsError() error {
	if e.Codespace == types.ModuleName {
		if registered, ok := types.RegisteredByCode(e.Code); ok {
			return fmt.Errorf("%w: %s", registered, e.Error)
		}
	}
	return errors.New(e.Error)
}
