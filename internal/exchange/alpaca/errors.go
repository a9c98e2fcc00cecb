package alpaca

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"tradingbot/internal/core"
)

func parseAPIError(status int, body []byte) error {
	apiErr := APIError{Status: status}
	if err := json.Unmarshal(body, &apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	apiErr.Status = status
	if kind := classify(apiErr); kind != nil {
		return errors.Join(apiErr, kind)
	}
	return apiErr
}

func classify(apiErr APIError) error {
	msg := strings.ToLower(apiErr.Message)
	switch {
	case apiErr.Status == http.StatusUnauthorized, apiErr.Status == http.StatusForbidden:
		return core.ErrAuthFailed
	case apiErr.Status == http.StatusTooManyRequests:
		return core.ErrRateLimited
	case apiErr.Status == http.StatusNotFound:
		return core.ErrOrderNotFound
	case strings.Contains(msg, "insufficient"):
		return core.ErrInsufficientBalance
	case apiErr.Status == http.StatusUnprocessableEntity:
		return core.ErrOrderRejected
	}
	return nil
}
