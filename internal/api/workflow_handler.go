package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/shaiso/Promptline/internal/domain"
)

const maxBodyBytes = 1 << 20

// readBody читает тело запроса с ограничением размера.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			Error(w, http.StatusRequestEntityTooLarge, ErrCodeBadRequest, "request body too large")
			return nil, false
		}
		BadRequest(w, "failed to read request body")
		return nil, false
	}
	return body, true
}

func pathID(w http.ResponseWriter, r *http.Request, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid "+what+" id")
		return uuid.Nil, false
	}
	return id, true
}

// ListWorkflows возвращает список workflows.
// GET /api/v1/workflows
func (h *Handler) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows, err := h.store.ListWorkflows(r.Context())
	if HandleError(w, h.log(r), err, "") {
		return
	}

	result := make([]WorkflowResponse, len(workflows))
	for i, wf := range workflows {
		result[i] = WorkflowFromDomain(wf)
	}
	List(w, result, len(result))
}

// CreateWorkflow создаёт workflow с шагами.
// POST /api/v1/workflows
func (h *Handler) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if HandleError(w, h.log(r), h.validator.ValidateCreate(body), "") {
		return
	}

	var req CreateWorkflowRequest
	if err := json.Unmarshal(body, &req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	wf := &domain.WorkflowWithSteps{
		Workflow: domain.Workflow{
			ID:          uuid.New(),
			Name:        req.Name,
			Description: req.Description,
		},
		Steps: stepsToDomain(req.Steps),
	}
	if HandleError(w, h.log(r), h.store.CreateWorkflow(r.Context(), wf), "") {
		return
	}

	created, err := h.store.GetWorkflow(r.Context(), wf.ID)
	if HandleError(w, h.log(r), err, "workflow not found") {
		return
	}
	h.log(r).Info("workflow created", "workflow_id", wf.ID, "steps", len(wf.Steps))
	Created(w, WorkflowWithStepsFromDomain(created))
}

// GetWorkflow возвращает workflow с активными шагами.
// GET /api/v1/workflows/{id}
func (h *Handler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "workflow")
	if !ok {
		return
	}

	wf, err := h.store.GetWorkflow(r.Context(), id)
	if HandleError(w, h.log(r), err, "workflow not found") {
		return
	}
	Success(w, WorkflowWithStepsFromDomain(wf))
}

// UpdateWorkflow обновляет имя, описание и (целиком) шаги workflow.
// PUT /api/v1/workflows/{id}
func (h *Handler) UpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "workflow")
	if !ok {
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if HandleError(w, h.log(r), h.validator.ValidateUpdate(body), "") {
		return
	}

	var req UpdateWorkflowRequest
	if err := json.Unmarshal(body, &req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	current, err := h.store.GetWorkflow(r.Context(), id)
	if HandleError(w, h.log(r), err, "workflow not found") {
		return
	}

	wf := current.Workflow
	if req.Name != nil {
		wf.Name = *req.Name
	}
	if req.Description != nil {
		wf.Description = *req.Description
	}

	err = h.store.UpdateWorkflow(r.Context(), &wf, stepsToDomain(req.Steps))
	if HandleError(w, h.log(r), err, "workflow not found") {
		return
	}

	updated, err := h.store.GetWorkflow(r.Context(), id)
	if HandleError(w, h.log(r), err, "workflow not found") {
		return
	}
	h.log(r).Info("workflow updated", "workflow_id", id, "steps_replaced", req.Steps != nil)
	Success(w, WorkflowWithStepsFromDomain(updated))
}

// DeleteWorkflow удаляет workflow без executions.
// DELETE /api/v1/workflows/{id}
func (h *Handler) DeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "workflow")
	if !ok {
		return
	}

	if HandleError(w, h.log(r), h.store.DeleteWorkflow(r.Context(), id), "workflow not found") {
		return
	}
	h.log(r).Info("workflow deleted", "workflow_id", id)
	NoContent(w)
}
