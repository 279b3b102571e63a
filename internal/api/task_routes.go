package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/meridianhq/taskforge/internal/api/helpers"
	"github.com/meridianhq/taskforge/internal/apperr"
	"github.com/meridianhq/taskforge/internal/mediator"
	"github.com/meridianhq/taskforge/internal/task"
)

type taskRoutes struct {
	med *mediator.Mediator
}

// pathUUID parses a chi URL parameter as a UUID.
func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, apperr.Validation(name + " must be a valid UUID")
	}
	return id, nil
}

func (t *taskRoutes) create(w http.ResponseWriter, r *http.Request) {
	var cmd task.CreateCommand
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

func (t *taskRoutes) get(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathUUID(r, "taskID")
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	result, err := t.med.Send(r.Context(), &task.GetQuery{TaskID: taskID})
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	helpers.RespondData(w, r, http.StatusOK, result)
}

func (t *taskRoutes) update(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathUUID(r, "taskID")
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	var cmd task.UpdateCommand
	if err := helpers.DecodeJSON(r, &cmd); err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	cmd.TaskID = taskID
	result, err := t.med.Send(r.Context(), &cmd)
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	helpers.RespondData(w, r, http.StatusOK, result)
}

func (t *taskRoutes) remove(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathUUID(r, "taskID")
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	if _, err := t.med.Send(r.Context(), &task.DeleteCommand{TaskID: taskID}); err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (t *taskRoutes) assign(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathUUID(r, "taskID")
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	var cmd task.AssignCommand
	if err := helpers.DecodeJSON(r, &cmd); err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	cmd.TaskID = taskID
	result, err := t.med.Send(r.Context(), &cmd)
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	helpers.RespondData(w, r, http.StatusOK, result)
}

func (t *taskRoutes) changeStatus(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathUUID(r, "taskID")
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	var cmd task.ChangeStatusCommand
	if err := helpers.DecodeJSON(r, &cmd); err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	cmd.TaskID = taskID
	result, err := t.med.Send(r.Context(), &cmd)
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	helpers.RespondData(w, r, http.StatusOK, result)
}

func (t *taskRoutes) addComment(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathUUID(r, "taskID")
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	var cmd task.AddCommentCommand
	if err := helpers.DecodeJSON(r, &cmd); err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	cmd.TaskID = taskID
	result, err := t.med.Send(r.Context(), &cmd)
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	helpers.RespondData(w, r, http.StatusCreated, result)
}

func (t *taskRoutes) listComments(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathUUID(r, "taskID")
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	result, err := t.med.Send(r.Context(), &task.ListCommentsQuery{TaskID: taskID})
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	helpers.RespondData(w, r, http.StatusOK, result)
}

func (t *taskRoutes) addWatcher(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathUUID(r, "taskID")
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	var cmd task.AddWatcherCommand
	if err := helpers.DecodeJSON(r, &cmd); err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	cmd.TaskID = taskID
	result, err := t.med.Send(r.Context(), &cmd)
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	helpers.RespondData(w, r, http.StatusOK, result)
}

func (t *taskRoutes) removeWatcher(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathUUID(r, "taskID")
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	userID, err := pathUUID(r, "userID")
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	result, err := t.med.Send(r.Context(), &task.RemoveWatcherCommand{TaskID: taskID, UserID: userID})
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	helpers.RespondData(w, r, http.StatusOK, result)
}

func (t *taskRoutes) list(w http.ResponseWriter, r *http.Request) {
	q, err := listQueryFromURL(r)
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	result, err := t.med.Send(r.Context(), q)
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	page := result.(*task.Page)
	helpers.RespondPage(w, r, http.StatusOK, page.Tasks,
		helpers.NewPagination(page.Page, page.PageSize, page.Total))
}

func (t *taskRoutes) statistics(w http.ResponseWriter, r *http.Request) {
	result, err := t.med.Send(r.Context(), &task.StatisticsQuery{})
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	helpers.RespondData(w, r, http.StatusOK, result)
}

// listQueryFromURL maps the filter query string onto a ListQuery. Values
// are parsed strictly; validation of ranges happens in the mediator.
func listQueryFromURL(r *http.Request) (*task.ListQuery, error) {
	q := &task.ListQuery{}
	values := r.URL.Query()

	q.Status = task.Status(values.Get("status"))
	q.Priority = task.Priority(values.Get("priority"))
	q.Tag = values.Get("tag")

	if v := values.Get("assigned_to"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return nil, apperr.Validation("assigned_to must be a valid UUID")
		}
		q.AssignedTo = id
	}
	if v := values.Get("project_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return nil, apperr.Validation("project_id must be a valid UUID")
		}
		q.ProjectID = id
	}
	if v := values.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, apperr.Validation("page must be a positive integer")
		}
		q.Page = n
	}
	if v := values.Get("page_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, apperr.Validation("page_size must be a positive integer")
		}
		q.PageSize = n
	}
	return q, nil
}
