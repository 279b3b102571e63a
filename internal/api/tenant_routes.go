package api

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/meridianhq/taskforge/internal/api/helpers"
	"github.com/meridianhq/taskforge/internal/apperr"
	"github.com/meridianhq/taskforge/internal/audit"
	"github.com/meridianhq/taskforge/internal/mediator"
	"github.com/meridianhq/taskforge/internal/tenancy"
)

type tenantRoutes struct {
	med *mediator.Mediator
}

func (t *tenantRoutes) create(w http.ResponseWriter, r *http.Request) {
	var cmd tenancy.CreateCommand
	if err := helpers.DecodeJSON(r, &cmd); err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	result, err := t.med.Send(r.Context(), &cmd)
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	helpers.RespondData(w, r, http.StatusCreated, result)
}

func (t *tenantRoutes) current(w http.ResponseWriter, r *http.Request) {
	result, err := t.med.Send(r.Context(), &tenancy.CurrentQuery{})
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	helpers.RespondData(w, r, http.StatusOK, result)
}

func (t *tenantRoutes) updateSettings(w http.ResponseWriter, r *http.Request) {
	var cmd tenancy.UpdateSettingsCommand
	if err := helpers.DecodeJSON(r, &cmd); err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	result, err := t.med.Send(r.Context(), &cmd)
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	helpers.RespondData(w, r, http.StatusOK, result)
}

func (t *tenantRoutes) auditLog(w http.ResponseWriter, r *http.Request) {
	q := &audit.LogQuery{}
	values := r.URL.Query()
	q.Action = values.Get("action")
	q.TargetType = values.Get("target_type")

	if v := values.Get("target_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			helpers.RespondError(w, r, apperr.Validation("target_id must be a valid UUID"))
			return
		}
		q.TargetID = id
	}
	if v := values.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			helpers.RespondError(w, r, apperr.Validation("page must be a positive integer"))
			return
		}
		q.Page = n
	}
	if v := values.Get("page_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			helpers.RespondError(w, r, apperr.Validation("page_size must be a positive integer"))
			return
		}
		q.PageSize = n
	}

	result, err := t.med.Send(r.Context(), q)
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	page := result.(*audit.Page)
	helpers.RespondPage(w, r, http.StatusOK, page.Entries,
		helpers.NewPagination(page.Page, page.PageSize, page.Total))
}
