package server

import (
	"net/http"

	"powerhorse/internal/session"
)

type openSessionRequest struct {
	Instrument string `json:"instrument"`
	Medium     string `json:"medium"`
	Amount     string `json:"amount"`
	Value      string `json:"value"`
}

type recordFillRequest struct {
	User       string `json:"user"`
	Instrument string `json:"instrument"`
	Amount     string `json:"amount"`
	CostBasis  string `json:"costBasis"`
	Nonce      uint64 `json:"nonce"`
}

type sessionView struct {
	Owner        string `json:"owner"`
	Instrument   string `json:"instrument"`
	Medium       string `json:"medium"`
	LockedAmount string `json:"lockedAmount"`
	OpenedAt     int64  `json:"openedAt"`
	Expiry       int64  `json:"expiry"`
	Status       string `json:"status"`
	FillAmount   string `json:"fillAmount"`
	CostBasis    string `json:"costBasis"`
	NextNonce    uint64 `json:"nextNonce"`
	Expired      bool   `json:"expired"`
	// Payout is present while a landed settlement is being paid out.
	Payout *payoutView `json:"payout,omitempty"`
}

type payoutView struct {
	Units      string `json:"units"`
	Cost       string `json:"cost"`
	Refund     string `json:"refund"`
	UnitsSent  bool   `json:"unitsSent"`
	RefundSent bool   `json:"refundSent"`
}

type settlementView struct {
	Instrument string `json:"instrument"`
	Units      string `json:"units"`
	Cost       string `json:"cost"`
	Refund     string `json:"refund"`
}

type cancelSessionView struct {
	Instrument string `json:"instrument"`
	Refund     string `json:"refund"`
}

func newSessionView(s *session.Session, expired bool) sessionView {
	var payout *payoutView
	if p := s.Payout; p != nil {
		payout = &payoutView{
			Units:      amountString(p.Units),
			Cost:       amountString(p.Cost),
			Refund:     amountString(p.Refund),
			UnitsSent:  p.UnitsSent,
			RefundSent: p.RefundSent,
		}
	}
	return sessionView{
		Owner:        s.Owner.Hex(),
		Instrument:   s.Instrument.Hex(),
		Medium:       s.Medium.Hex(),
		LockedAmount: amountString(s.LockedAmount),
		OpenedAt:     unixTime(s.OpenedAt),
		Expiry:       unixTime(s.Expiry),
		Status:       string(s.Status),
		FillAmount:   amountString(s.Fill.Amount),
		CostBasis:    amountString(s.Fill.CostBasis),
		NextNonce:    s.Fill.Nonce,
		Expired:      expired,
		Payout:       payout,
	}
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	_, code := classify(err)
	return code
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.idempotent(w, r, "sessions.open", body, http.StatusCreated, func() (any, error) {
		var payload openSessionRequest
		if err := decodeJSON(body, &payload); err != nil {
			return nil, err
		}
		req, err := parseOpenSession(payload)
		if err != nil {
			return nil, err
		}
		req.Owner = caller(r)

		sess, err := s.sessions.Open(r.Context(), req)
		s.metrics.incSession("open", outcome(err))
		if err != nil {
			return nil, err
		}
		return newSessionView(sess, false), nil
	})
}

func parseOpenSession(p openSessionRequest) (session.OpenRequest, error) {
	instrument, err := parseAddress("instrument", p.Instrument)
	if err != nil {
		return session.OpenRequest{}, err
	}
	medium, err := parseOptionalAddress("medium", p.Medium)
	if err != nil {
		return session.OpenRequest{}, err
	}
	amount, err := parseAmount("amount", p.Amount)
	if err != nil {
		return session.OpenRequest{}, err
	}
	value, err := parseOptionalAmount("value", p.Value)
	if err != nil {
		return session.OpenRequest{}, err
	}
	return session.OpenRequest{
		Instrument: instrument,
		Medium:     medium,
		Amount:     amount,
		Value:      value,
	}, nil
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	owner, err := parseAddress("owner", r.PathValue("owner"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	instrument, err := parseAddress("instrument", r.PathValue("instrument"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx := r.Context()
	sess, err := s.sessions.Get(ctx, owner, instrument)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	expired, err := s.sessions.IsExpired(ctx, owner, instrument)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(sess, expired))
}

func (s *Server) handleSettleSession(w http.ResponseWriter, r *http.Request) {
	instrument, err := parseAddress("instrument", r.PathValue("instrument"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	settlement, err := s.sessions.Settle(r.Context(), caller(r), instrument)
	s.metrics.incSession("settle", outcome(err))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settlementView{
		Instrument: instrument.Hex(),
		Units:      amountString(settlement.Units),
		Cost:       amountString(settlement.Cost),
		Refund:     amountString(settlement.Refund),
	})
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	instrument, err := parseAddress("instrument", r.PathValue("instrument"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	refund, err := s.sessions.Cancel(r.Context(), caller(r), instrument)
	s.metrics.incSession("cancel", outcome(err))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelSessionView{
		Instrument: instrument.Hex(),
		Refund:     amountString(refund),
	})
}

// handleRecordFill is the relayer's entry point. Each relayer address is
// rate limited independently.
func (s *Server) handleRecordFill(w http.ResponseWriter, r *http.Request) {
	relayer := caller(r)
	if !s.limiters.Allow(relayer) {
		s.metrics.incFill("throttled")
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "fill rate exceeded", Code: "rate_limited"})
		return
	}

	body, err := readBody(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var payload recordFillRequest
	if err := decodeJSON(body, &payload); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := parseRecordFill(payload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	sess, err := s.sessions.RecordFill(r.Context(), relayer, req)
	s.metrics.incFill(outcome(err))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(sess, false))
}

func parseRecordFill(p recordFillRequest) (session.FillRequest, error) {
	user, err := parseAddress("user", p.User)
	if err != nil {
		return session.FillRequest{}, err
	}
	instrument, err := parseAddress("instrument", p.Instrument)
	if err != nil {
		return session.FillRequest{}, err
	}
	amount, err := parseAmount("amount", p.Amount)
	if err != nil {
		return session.FillRequest{}, err
	}
	costBasis, err := parseAmount("costBasis", p.CostBasis)
	if err != nil {
		return session.FillRequest{}, err
	}
	return session.FillRequest{
		User:       user,
		Instrument: instrument,
		Amount:     amount,
		CostBasis:  costBasis,
		Nonce:      p.Nonce,
	}, nil
}
