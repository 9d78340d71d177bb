package server

import (
	"fmt"
	"net/http"
	"time"

	"powerhorse/internal/intent"
)

// createIntentRequest carries Deadline as unix seconds.
type createIntentRequest struct {
	TargetID      string `json:"targetId"`
	DepositAmount string `json:"depositAmount"`
	MinUnits      string `json:"minUnits"`
	Deadline      int64  `json:"deadline"`
	Value         string `json:"value"`
}

type intentView struct {
	ID             string `json:"id"`
	User           string `json:"user"`
	TargetID       string `json:"targetId"`
	Instrument     string `json:"instrument"`
	Asset          string `json:"asset"`
	DepositAmount  string `json:"depositAmount"`
	MinUnits       string `json:"minUnits"`
	Deadline       int64  `json:"deadline"`
	CreatedAt      int64  `json:"createdAt"`
	Status         string `json:"status"`
	UnitsDelivered string `json:"unitsDelivered,omitempty"`
	Cost           string `json:"cost,omitempty"`
	Refund         string `json:"refund,omitempty"`
	UnitsSent      bool   `json:"unitsSent,omitempty"`
	RefundSent     bool   `json:"refundSent,omitempty"`
	CompletedAt    int64  `json:"completedAt,omitempty"`
}

func newIntentView(in *intent.Intent) intentView {
	return intentView{
		ID:             in.ID.Hex(),
		User:           in.User.Hex(),
		TargetID:       amountString(in.TargetID),
		Instrument:     in.Instrument.Hex(),
		Asset:          in.Asset.Hex(),
		DepositAmount:  amountString(in.DepositAmount),
		MinUnits:       amountString(in.MinUnits),
		Deadline:       unixTime(in.Deadline),
		CreatedAt:      unixTime(in.CreatedAt),
		Status:         string(in.Status),
		UnitsDelivered: amountString(in.UnitsDelivered),
		Cost:           amountString(in.Cost),
		Refund:         amountString(in.Refund),
		UnitsSent:      in.UnitsSent,
		RefundSent:     in.RefundSent,
		CompletedAt:    unixTime(in.CompletedAt),
	}
}

func (s *Server) handleCreateIntent(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.idempotent(w, r, "intents.create", body, http.StatusCreated, func() (any, error) {
		var payload createIntentRequest
		if err := decodeJSON(body, &payload); err != nil {
			return nil, err
		}
		req, err := parseCreateIntent(payload)
		if err != nil {
			return nil, err
		}
		req.User = caller(r)

		in, err := s.intents.Create(r.Context(), req)
		s.metrics.incIntent("create", outcome(err))
		if err != nil {
			return nil, err
		}
		return newIntentView(in), nil
	})
}

func parseCreateIntent(p createIntentRequest) (intent.CreateRequest, error) {
	targetID, err := parseAmount("targetId", p.TargetID)
	if err != nil {
		return intent.CreateRequest{}, err
	}
	deposit, err := parseAmount("depositAmount", p.DepositAmount)
	if err != nil {
		return intent.CreateRequest{}, err
	}
	minUnits, err := parseAmount("minUnits", p.MinUnits)
	if err != nil {
		return intent.CreateRequest{}, err
	}
	value, err := parseOptionalAmount("value", p.Value)
	if err != nil {
		return intent.CreateRequest{}, err
	}
	if p.Deadline <= 0 {
		return intent.CreateRequest{}, fmt.Errorf("%w: deadline is required", errValidation)
	}
	return intent.CreateRequest{
		TargetID:      targetID,
		DepositAmount: deposit,
		MinUnits:      minUnits,
		Deadline:      time.Unix(p.Deadline, 0),
		Value:         value,
	}, nil
}

func (s *Server) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash("id", r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	in, err := s.intents.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newIntentView(in))
}

func (s *Server) handleExecuteIntent(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash("id", r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	in, err := s.intents.Execute(r.Context(), caller(r), id)
	s.metrics.incIntent("execute", outcome(err))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newIntentView(in))
}

func (s *Server) handleCancelIntent(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash("id", r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	in, err := s.intents.Cancel(r.Context(), caller(r), id)
	s.metrics.incIntent("cancel", outcome(err))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newIntentView(in))
}
