package api

import (
	"net/http"

	"github.com/meridianhq/taskforge/internal/api/helpers"
	"github.com/meridianhq/taskforge/internal/auth"
	"github.com/meridianhq/taskforge/internal/mediator"
)

// authRoutes adapts the /auth endpoints onto mediator messages. Adapters
// stay dumb on purpose: decode, send, map the result to a status code.
type authRoutes struct {
	med *mediator.Mediator
}

func (a *authRoutes) register(w http.ResponseWriter, r *http.Request) {
	var cmd auth.RegisterCommand
	if err := helpers.DecodeJSON(r, &cmd); err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	result, err := a.med.Send(r.Context(), &cmd)
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	helpers.RespondData(w, r, http.StatusCreated, result)
}

func (a *authRoutes) login(w http.ResponseWriter, r *http.Request) {
	var cmd auth.LoginCommand
	if err := helpers.DecodeJSON(r, &cmd); err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	result, err := a.med.Send(r.Context(), &cmd)
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	helpers.RespondData(w, r, http.StatusOK, result)
}

func (a *authRoutes) refresh(w http.ResponseWriter, r *http.Request) {
	var cmd auth.RefreshCommand
	if err := helpers.DecodeJSON(r, &cmd); err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	result, err := a.med.Send(r.Context(), &cmd)
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	helpers.RespondData(w, r, http.StatusOK, result)
}

func (a *authRoutes) logout(w http.ResponseWriter, r *http.Request) {
	var cmd auth.LogoutCommand
	if err := helpers.DecodeJSON(r, &cmd); err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	if _, err := a.med.Send(r.Context(), &cmd); err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *authRoutes) enableMFA(w http.ResponseWriter, r *http.Request) {
	result, err := a.med.Send(r.Context(), &auth.EnableMFACommand{})
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	helpers.RespondData(w, r, http.StatusOK, result)
}

func (a *authRoutes) verifyMFA(w http.ResponseWriter, r *http.Request) {
	var cmd auth.VerifyMFACommand
	if err := helpers.DecodeJSON(r, &cmd); err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	result, err := a.med.Send(r.Context(), &cmd)
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	helpers.RespondData(w, r, http.StatusOK, result)
}

func (a *authRoutes) disableMFA(w http.ResponseWriter, r *http.Request) {
	var cmd auth.DisableMFACommand
	if err := helpers.DecodeJSON(r, &cmd); err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	result, err := a.med.Send(r.Context(), &cmd)
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	helpers.RespondData(w, r, http.StatusOK, result)
}

func (a *authRoutes) changePassword(w http.ResponseWriter, r *http.Request) {
	var cmd auth.ChangePasswordCommand
	if err := helpers.DecodeJSON(r, &cmd); err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	if _, err := a.med.Send(r.Context(), &cmd); err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *authRoutes) me(w http.ResponseWriter, r *http.Request) {
	result, err := a.med.Send(r.Context(), &auth.ProfileQuery{})
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	helpers.RespondData(w, r, http.StatusOK, result)
}
