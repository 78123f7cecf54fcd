package server

import (
	"errors"
	"net/http"

	"github.com/endharassment/spamgate/internal/gate"
	"github.com/endharassment/spamgate/internal/model"
	"github.com/go-chi/chi/v5"
)

type registerRequest struct {
	Requester model.Requester `json:"requester"`
	FromAdmin bool            `json:"from_admin"`
}

type verifyRequest struct {
	Requester model.Requester   `json:"requester"`
	Form      map[string]string `json:"form"`
}

type checkResponse struct {
	Allowed bool   `json:"allowed"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

// HandleCheckRegister checks a new account before the host creates it.
func (s *Server) HandleCheckRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res := s.deps.Checker.CheckRegistration(r.Context(), req.Requester, req.FromAdmin)
	s.writeResult(w, res)
}

// HandleVerify checks a non-registration action such as posting or
// searching.
func (s *Server) HandleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	purpose := chi.URLParam(r, "purpose")
	res, err := s.deps.Checker.Verify(r.Context(), req.Requester, purpose, req.Form)
	if errors.Is(err, gate.ErrRegisterPurpose) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("verify", "purpose", purpose, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeResult(w, res)
}

func (s *Server) writeResult(w http.ResponseWriter, res gate.Result) {
	if err := res.Rejection(); err != nil {
		writeJSON(w, http.StatusForbidden, checkResponse{
			Outcome: res.Outcome.String(),
			Error:   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, checkResponse{Allowed: true, Outcome: res.Outcome.String()})
}
