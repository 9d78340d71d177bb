package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"powerhorse/internal/domain"
	"powerhorse/internal/idempotency"
	"powerhorse/internal/market"
)

// errValidation marks malformed request fields.
var errValidation = errors.New("invalid request")

type errorMapping struct {
	err    error
	status int
	code   string
}

// Order matters: the first match wins.
var errorTable = []errorMapping{
	{domain.ErrUnauthorized, http.StatusForbidden, "unauthorized"},
	{domain.ErrNotFound, http.StatusNotFound, "not_found"},

	{domain.ErrReentrant, http.StatusConflict, "in_progress"},
	{domain.ErrTerminalInstrument, http.StatusConflict, "terminal_instrument"},
	{domain.ErrSessionAlreadyActive, http.StatusConflict, "session_already_active"},
	{domain.ErrNoActiveSession, http.StatusConflict, "no_active_session"},
	{domain.ErrSessionExpired, http.StatusConflict, "session_expired"},
	{domain.ErrSessionStale, http.StatusConflict, "session_stale"},
	{domain.ErrBadNonce, http.StatusConflict, "bad_nonce"},
	{domain.ErrNothingRecorded, http.StatusConflict, "nothing_recorded"},
	{domain.ErrAlreadyCompleted, http.StatusConflict, "already_completed"},
	{domain.ErrExpired, http.StatusConflict, "expired"},
	{domain.ErrNotYetExpired, http.StatusConflict, "not_yet_expired"},
	{domain.ErrDisbursalPending, http.StatusConflict, "disbursal_pending"},

	{domain.ErrInvalidAddress, http.StatusUnprocessableEntity, "invalid_address"},
	{domain.ErrInvalidInstrument, http.StatusUnprocessableEntity, "invalid_instrument"},
	{domain.ErrUnknownTarget, http.StatusUnprocessableEntity, "unknown_target"},
	{domain.ErrInvalidAmount, http.StatusUnprocessableEntity, "invalid_amount"},
	{domain.ErrBelowMinimum, http.StatusUnprocessableEntity, "below_minimum"},
	{domain.ErrAmountMismatch, http.StatusUnprocessableEntity, "amount_mismatch"},
	{domain.ErrZeroMinUnits, http.StatusUnprocessableEntity, "zero_min_units"},
	{domain.ErrDeadlineTooSoon, http.StatusUnprocessableEntity, "deadline_too_soon"},
	{domain.ErrDeadlineTooFar, http.StatusUnprocessableEntity, "deadline_too_far"},
	{domain.ErrOverdrawn, http.StatusUnprocessableEntity, "overdrawn"},
	{domain.ErrSlippageExceeded, http.StatusUnprocessableEntity, "slippage_exceeded"},
	{domain.ErrEscrowShortfall, http.StatusUnprocessableEntity, "escrow_shortfall"},
	{domain.ErrQuoteExceedsEscrow, http.StatusUnprocessableEntity, "quote_exceeds_escrow"},
	{domain.ErrUnderDelivered, http.StatusUnprocessableEntity, "under_delivered"},
	{idempotency.ErrKeyReused, http.StatusUnprocessableEntity, "idempotency_key_reused"},
	{market.ErrNativeDepositUnsupported, http.StatusUnprocessableEntity, "native_deposit_unsupported"},

	{domain.ErrExternalCall, http.StatusBadGateway, "external_call_failed"},
	{errValidation, http.StatusBadRequest, "bad_request"},
}

func classify(err error) (int, string) {
	for _, m := range errorTable {
		if errors.Is(err, m.err) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.WithError(err).WithField("request_id", r.Header.Get("X-Request-Id")).Error("request failed")
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
