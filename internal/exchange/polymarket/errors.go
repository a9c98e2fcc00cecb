package polymarket

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"tradingbot/internal/core"
)

func parseAPIError(status int, body []byte) error {
	apiErr := APIError{Status: status, Message: strings.TrimSpace(string(body))}
	var payload struct {
		Error    string `json:"error"`
		ErrorMsg string `json:"errorMsg"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Error != "" {
			apiErr.Message = payload.Error
		} else if payload.ErrorMsg != "" {
			apiErr.Message = payload.ErrorMsg
		}
	}
	var kind error
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = core.ErrAuthFailed
	case status == http.StatusTooManyRequests:
		kind = core.ErrRateLimited
	case status == http.StatusNotFound:
		kind = core.ErrOrderNotFound
	case strings.Contains(strings.ToLower(apiErr.Message), "not enough balance"):
		kind = core.ErrInsufficientBalance
	}
	if kind == nil {
		return apiErr
	}
	return errors.Join(apiErr, kind)
}
