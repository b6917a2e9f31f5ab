package credit

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/cobra-ai/credits/internal/middleware"
	"github.com/cobra-ai/credits/internal/pkg/errorhandler"
	"github.com/cobra-ai/credits/internal/pkg/response"
	"github.com/cobra-ai/credits/internal/pkg/validator"
)

// Handler serves the credit ledger over HTTP.
type Handler struct {
	service    *Service
	scheduler  *Scheduler
	jobLimiter *rate.Limiter
}

// NewHandler creates a credit handler. jobLimiter may be nil to leave manual
// job triggers unthrottled.
func NewHandler(service *Service, scheduler *Scheduler, jobLimiter *rate.Limiter) *Handler {
	return &Handler{
		service:    service,
		scheduler:  scheduler,
		jobLimiter: jobLimiter,
	}
}

// UserRoutes are mounted under /api/v1/credits behind Auth.
func (h *Handler) UserRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.ListMine)
	r.Get("/balance", h.MyBalance)
	r.Get("/types", h.ListTypes)
	r.Post("/transfer", h.Transfer)
	return r
}

// AdminRoutes are mounted under /api/admin/credits behind Auth and RequireAdmin.
func (h *Handler) AdminRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.Search)
	r.Post("/", h.Add)
	r.Get("/export", h.Export)
	r.Post("/consume", h.Consume)
	r.Post("/transfer", h.AdminTransfer)
	r.Get("/{id}", h.Get)
	r.Patch("/{id}/status", h.UpdateStatus)
	r.Post("/users/{id}/recalculate", h.Recalculate)
	r.Delete("/users/{id}", h.DeleteUser)
	r.Post("/jobs/{job}/run", h.RunJob)
	return r
}

// TypeAdminRoutes are mounted under /api/admin/credit-types.
func (h *Handler) TypeAdminRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.ListTypes)
	r.Post("/", h.RegisterType)
	r.Delete("/{id}", h.UnregisterType)
	return r
}

// MyBalance handles GET /api/v1/credits/balance
func (h *Handler) MyBalance(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == 0 {
		response.Unauthorized(w, "unauthorized")
		return
	}
	h.writeBalance(w, r, userID)
}

func (h *Handler) writeBalance(w http.ResponseWriter, r *http.Request, userID int64) {
	balance, err := h.service.GetBalance(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	available, err := h.service.AvailableCredits(r.Context(), userID, nil)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, BalanceResponse{UserID: userID, Balance: balance, Available: available})
}

// ListMine handles GET /api/v1/credits
func (h *Handler) ListMine(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == 0 {
		response.Unauthorized(w, "unauthorized")
		return
	}

	filter := ListFilter{Pagination: parsePagination(r)}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, err := ParseStatus(raw)
		if err != nil {
			response.BadRequest(w, "Invalid status")
			return
		}
		filter.Status = &status
	}
	if raw := r.URL.Query().Get("credit_type"); raw != "" {
		t := TypeID(raw)
		filter.CreditType = &t
	}

	grants, err := h.service.ListCredits(r.Context(), userID, filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, h.toResponses(grants))
}

// ListTypes handles GET /api/v1/credits/types
func (h *Handler) ListTypes(w http.ResponseWriter, r *http.Request) {
	response.OK(w, h.service.Registry().Ordered())
}

// Transfer handles POST /api/v1/credits/transfer
func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == 0 {
		response.Unauthorized(w, "unauthorized")
		return
	}

	var req TransferRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.service.TransferCredits(r.Context(), userID, req.ToUserID, req.Amount, req.options())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, result)
}

// Add handles POST /api/admin/credits
func (h *Handler) Add(w http.ResponseWriter, r *http.Request) {
	var req AddCreditRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	id, err := h.service.AddCredit(r.Context(), req.UserID, req.Amount, TypeID(req.CreditType), req.options())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	grant, err := h.service.GetCredit(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.Created(w, GrantResponseFrom(h.service.Registry(), *grant, time.Now()))
}

// Consume handles POST /api/admin/credits/consume
func (h *Handler) Consume(w http.ResponseWriter, r *http.Request) {
	var req ConsumeCreditsRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.service.ConsumeCredits(r.Context(), req.UserID, req.Amount, req.options())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, result)
}

// AdminTransfer handles POST /api/admin/credits/transfer
func (h *Handler) AdminTransfer(w http.ResponseWriter, r *http.Request) {
	var req AdminTransferRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.service.TransferCredits(r.Context(), req.FromUserID, req.ToUserID, req.Amount, req.options())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, result)
}

// Get handles GET /api/admin/credits/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}
	grant, err := h.service.GetCredit(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, GrantResponseFrom(h.service.Registry(), *grant, time.Now()))
}

// UpdateStatus handles PATCH /api/admin/credits/{id}/status
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}

	var req UpdateStatusRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	err := h.service.UpdateCreditStatus(r.Context(), id, Status(req.Status), StatusOptions{Comment: req.Comment})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	grant, err := h.service.GetCredit(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, GrantResponseFrom(h.service.Registry(), *grant, time.Now()))
}

// Search handles GET /api/admin/credits
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	filters, ok := parseSearchFilters(w, r)
	if !ok {
		return
	}
	grants, err := h.service.SearchCredits(r.Context(), filters)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, h.toResponses(grants))
}

// Export handles GET /api/admin/credits/export
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	filters, ok := parseSearchFilters(w, r)
	if !ok {
		return
	}
	if r.URL.Query().Get("limit") == "" {
		filters.Limit = 10000
	}

	grants, err := h.service.SearchCredits(r.Context(), filters)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	fileName := fmt.Sprintf("credits_%s.xlsx", time.Now().UTC().Format("20060102"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", fileName))

	if err := WriteXLSX(w, h.service.Registry(), grants); err != nil {
		errorhandler.LogError(r.Context(), "credit export", err)
	}
}

// Recalculate handles POST /api/admin/credits/users/{id}/recalculate
func (h *Handler) Recalculate(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}
	if _, err := h.service.RecalculateBalance(r.Context(), userID); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeBalance(w, r, userID)
}

// DeleteUser handles DELETE /api/admin/credits/users/{id}
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}
	n, err := h.service.DeleteUserCredits(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, map[string]interface{}{"user_id": userID, "deleted": n})
}

// RunJob handles POST /api/admin/credits/jobs/{job}/run
func (h *Handler) RunJob(w http.ResponseWriter, r *http.Request) {
	if h.jobLimiter != nil && !h.jobLimiter.Allow() {
		response.TooManyRequests(w)
		return
	}

	job, err := ParseJob(chi.URLParam(r, "job"))
	if err != nil {
		response.NotFound(w, "Unknown job")
		return
	}

	processed, err := h.scheduler.RunJob(r.Context(), job)
	if err != nil {
		errorhandler.HandleError(r.Context(), w, http.StatusInternalServerError, "JOB_FAILED", "Job failed", err)
		return
	}
	response.OK(w, map[string]interface{}{"job": job, "processed": processed})
}

// RegisterType handles POST /api/admin/credit-types
func (h *Handler) RegisterType(w http.ResponseWriter, r *http.Request) {
	var req RegisterTypeRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	def, err := h.service.RegisterType(r.Context(), TypeID(req.ID), req.spec())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.Created(w, def)
}

// UnregisterType handles DELETE /api/admin/credit-types/{id}
func (h *Handler) UnregisterType(w http.ResponseWriter, r *http.Request) {
	if err := h.service.UnregisterType(r.Context(), TypeID(chi.URLParam(r, "id"))); err != nil {
		h.writeError(w, r, err)
		return
	}
	response.NoContent(w)
}

func (h *Handler) toResponses(grants []Grant) []GrantResponse {
	now := time.Now()
	out := make([]GrantResponse, 0, len(grants))
	for _, g := range grants {
		out = append(out, GrantResponseFrom(h.service.Registry(), g, now))
	}
	return out
}

type errorMapping struct {
	target error
	status int
	code   string
}

// errorMappings turn ledger sentinels into HTTP responses. The sentinel's own
// message is shown; wrapped detail never reaches the client.
var errorMappings = []errorMapping{
	{ErrInvalidType, http.StatusBadRequest, "INVALID_CREDIT_TYPE"},
	{ErrInvalidAmount, http.StatusBadRequest, "INVALID_AMOUNT"},
	{ErrInvalidStatus, http.StatusBadRequest, "INVALID_STATUS"},
	{ErrInvalidExpiration, http.StatusBadRequest, "INVALID_EXPIRATION"},
	{ErrSameUser, http.StatusBadRequest, "SAME_USER"},
	{ErrNotTransferable, http.StatusBadRequest, "NOT_TRANSFERABLE"},
	{ErrTypeNameRequired, http.StatusBadRequest, "VALIDATION_ERROR"},
	{ErrCoreType, http.StatusBadRequest, "CORE_TYPE"},
	{ErrInvalidTransition, http.StatusConflict, "INVALID_TRANSITION"},
	{ErrTransitionVetoed, http.StatusConflict, "TRANSITION_REJECTED"},
	{ErrInsufficientCredits, http.StatusConflict, "INSUFFICIENT_CREDITS"},
	{ErrNoCreditsAvailable, http.StatusConflict, "NO_CREDITS_AVAILABLE"},
	{ErrConcurrentUpdate, http.StatusConflict, "CONCURRENT_UPDATE"},
	{ErrTypeExists, http.StatusConflict, "TYPE_EXISTS"},
	{ErrCreditNotFound, http.StatusNotFound, "NOT_FOUND"},
	{ErrTypeNotFound, http.StatusNotFound, "NOT_FOUND"},
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			response.Error(w, m.status, m.code, m.target.Error())
			return
		}
	}
	errorhandler.HandleError(r.Context(), w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", err)
}

func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := response.DecodeJSON(r.Body, dst); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return false
	}
	if errs := validator.Validate(dst); errs != nil {
		errorhandler.LogValidationError(r.Context(), errs)
		response.ValidationError(w, errs)
		return false
	}
	return true
}

func parseIDParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		response.BadRequest(w, "Invalid "+name)
		return 0, false
	}
	return id, true
}

func parsePagination(r *http.Request) Pagination {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return Pagination{Limit: limit, Offset: offset}
}

func parseSearchFilters(w http.ResponseWriter, r *http.Request) (SearchFilters, bool) {
	q := r.URL.Query()
	page := parsePagination(r)
	filters := SearchFilters{Limit: page.Limit, Offset: page.Offset}

	if raw := q.Get("user_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			response.BadRequest(w, "Invalid user_id")
			return filters, false
		}
		filters.UserID = &id
	}
	if raw := q.Get("status"); raw != "" {
		status, err := ParseStatus(raw)
		if err != nil {
			response.BadRequest(w, "Invalid status")
			return filters, false
		}
		filters.Status = &status
	}
	if raw := q.Get("credit_type"); raw != "" {
		t := TypeID(raw)
		filters.CreditType = &t
	}
	for key, dst := range map[string]**time.Time{"date_from": &filters.DateFrom, "date_to": &filters.DateTo} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			response.BadRequest(w, "Invalid "+key+", expected RFC3339")
			return filters, false
		}
		*dst = &t
	}
	return filters, true
}
