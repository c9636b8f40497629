package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/shaiso/Promptline/internal/domain"
	"github.com/shaiso/Promptline/internal/repo"
)

const maxListLimit = 200

// ExecuteWorkflow создаёт execution и запускает его в фоне.
// Отвечает 202 сразу, не дожидаясь шагов.
// POST /api/v1/workflows/{id}/execute
func (h *Handler) ExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "workflow")
	if !ok {
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	var req ExecuteRequest
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			BadRequest(w, "initial_context must be a JSON object")
			return
		}
	}

	exec, err := h.executor.StartExecution(r.Context(), id, req.InitialContext)
	if HandleError(w, h.log(r), err, "workflow not found") {
		return
	}
	Accepted(w, ExecutionFromDomain(*exec))
}

// ListExecutions возвращает executions, новые первыми.
// GET /api/v1/executions?workflow_id=...&status=...&limit=...&offset=...
func (h *Handler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repo.ExecutionFilter{}

	if v := q.Get("workflow_id"); v != "" {
		workflowID, err := uuid.Parse(v)
		if err != nil {
			BadRequest(w, "invalid workflow_id")
			return
		}
		filter.WorkflowID = &workflowID
	}

	if v := q.Get("status"); v != "" {
		status := domain.ExecutionStatus(v)
		if !status.IsValid() {
			BadRequest(w, "invalid status")
			return
		}
		filter.Status = status
	}

	var ok bool
	if filter.Limit, ok = intParam(w, q.Get("limit"), "limit", repo.DefaultListLimit); !ok {
		return
	}
	filter.Limit = min(filter.Limit, maxListLimit)
	if filter.Offset, ok = intParam(w, q.Get("offset"), "offset", 0); !ok {
		return
	}

	executions, err := h.store.ListExecutions(r.Context(), filter)
	if HandleError(w, h.log(r), err, "") {
		return
	}

	result := make([]ExecutionResponse, len(executions))
	for i, e := range executions {
		result[i] = ExecutionSummaryFromDomain(e)
	}
	List(w, result, len(result))
}

// GetExecution возвращает execution с логами попыток.
// GET /api/v1/executions/{id}
func (h *Handler) GetExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "execution")
	if !ok {
		return
	}

	detail, err := h.executor.GetExecutionDetail(r.Context(), id)
	if HandleError(w, h.log(r), err, "execution not found") {
		return
	}
	Success(w, ExecutionDetailFromDomain(detail))
}

// intParam разбирает неотрицательный целый query-параметр.
func intParam(w http.ResponseWriter, raw, name string, def int) (int, bool) {
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		BadRequest(w, "invalid "+name)
		return 0, false
	}
	return n, true
}
