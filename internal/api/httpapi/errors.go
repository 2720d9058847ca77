package httpapi

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"cartpilot/internal/auth"
	"cartpilot/internal/browser"
	"cartpilot/internal/challenge"
	"cartpilot/internal/checkout"
	"cartpilot/internal/jobs"
	"cartpilot/internal/lider"
	"cartpilot/internal/locale"
	"cartpilot/internal/profilelock"
	"cartpilot/internal/storefront"
)

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Hint    string `json:"hint,omitempty"`
	Ms      int64  `json:"ms"`
}

type errorKind struct {
	target error
	status int
	hint   string
	// withRetailer marks hints that take the retailer name.
	withRetailer bool
}

var errorKinds = []errorKind{
	{target: errBadJSON, status: http.StatusBadRequest},
	{target: storefront.ErrInvalidRequest, status: http.StatusBadRequest},
	{target: auth.ErrMissingCredentials, status: http.StatusBadRequest},
	{target: lider.ErrOfferIDRequired, status: http.StatusBadRequest, hint: "hint.offer_required"},
	{target: lider.ErrOfferNotFound, status: http.StatusBadRequest, hint: "hint.offer_required"},
	{target: auth.ErrAuthFailed, status: http.StatusUnauthorized, hint: "hint.auth_failed", withRetailer: true},
	{target: checkout.ErrInsufficientFunds, status: http.StatusPaymentRequired, hint: "hint.payment_insufficient"},
	{target: jobs.ErrNotFound, status: http.StatusNotFound},
	{target: jobs.ErrFinished, status: http.StatusConflict},
	{target: browser.ErrProfileInUse, status: http.StatusConflict, hint: "hint.profile_in_use", withRetailer: true},
	{target: challenge.ErrBotChallenge, status: http.StatusLocked, hint: "hint.bot_challenge", withRetailer: true},
	{target: profilelock.ErrBusy, status: http.StatusServiceUnavailable, hint: "hint.lock_busy", withRetailer: true},
	{target: jobs.ErrClosed, status: http.StatusServiceUnavailable},
}

// classify maps an error to its HTTP status and a localized hint.
func classify(err error, retailer string) (int, string) {
	for _, k := range errorKinds {
		if !errors.Is(err, k.target) {
			continue
		}
		switch {
		case k.hint == "":
			return k.status, ""
		case k.withRetailer:
			return k.status, locale.T(k.hint, retailer)
		default:
			return k.status, locale.T(k.hint)
		}
	}
	return http.StatusInternalServerError, ""
}

func (s *Server) fail(w http.ResponseWriter, err error, retailer string, start time.Time) {
	status, hint := classify(err, retailer)
	if status >= http.StatusInternalServerError {
		s.log.Error("Request failed", zap.String("retailer", retailer), zap.Int("status", status), zap.Error(err))
	} else {
		s.log.Warn("Request rejected", zap.String("retailer", retailer), zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Hint: hint, Ms: since(start)})
}
