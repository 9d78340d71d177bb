package server

import (
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"powerhorse/internal/roles"
)

type setRoleRequest struct {
	Address string `json:"address"`
}

type roleView struct {
	Role    string `json:"role"`
	Address string `json:"address"`
}

func (s *Server) handleSetRole(w http.ResponseWriter, r *http.Request) {
	role, err := roles.Parse(r.PathValue("role"))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", errValidation, err))
		return
	}
	body, err := readBody(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var payload setRoleRequest
	if err := decodeJSON(body, &payload); err != nil {
		s.writeError(w, r, err)
		return
	}
	addr, err := parseAddress("address", payload.Address)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.roles.Set(r.Context(), caller(r), role, addr); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.WithFields(logrus.Fields{"role": role, "address": addr.Hex()}).Info("role updated")
	writeJSON(w, http.StatusOK, roleView{Role: string(role), Address: s.roles.Holder(role).Hex()})
}
