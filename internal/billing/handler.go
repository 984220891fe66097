package billing

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/atrium-pm/atrium/internal/platform/httpx"
	"github.com/atrium-pm/atrium/internal/shared"
)

// Handler exposes the billing JSON API.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers billing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/invoices", h.listInvoices)
	r.Post("/invoices", h.createInvoice)
	r.Get("/invoices/summary", h.summary)
	r.Get("/invoices/{id}", h.getInvoice)
	r.Patch("/invoices/{id}", h.updateInvoice)
	r.Delete("/invoices/{id}", h.deleteInvoice)
	r.Post("/invoices/{id}/send", h.sendInvoice)
	r.Post("/invoices/{id}/cancel", h.cancelInvoice)
	r.Post("/invoices/{id}/payments", h.recordPayment)
	r.Get("/invoices/{id}/payments", h.listInvoicePayments)
	r.Get("/payments", h.listPayments)
}

type createInvoiceRequest struct {
	TenantID       string   `json:"tenantId" validate:"required,uuid"`
	InvoiceDate    string   `json:"invoiceDate" validate:"omitempty,datetime=2006-01-02"`
	DueDate        string   `json:"dueDate" validate:"omitempty,datetime=2006-01-02"`
	BaseRent       *float64 `json:"baseRent" validate:"omitempty,gte=0"`
	ServiceCharges *float64 `json:"serviceCharges" validate:"omitempty,gte=0"`
	ParkingRate    *float64 `json:"parkingRate" validate:"omitempty,gte=0"`
	ParkingSpots   *int     `json:"parkingSpots" validate:"omitempty,gte=0"`
}

func (h *Handler) createInvoice(w http.ResponseWriter, r *http.Request) {
	var req createInvoiceRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}

	in := CreateInvoiceInput{
		TenantID:       uuid.MustParse(req.TenantID),
		InvoiceDate:    parseDate(req.InvoiceDate),
		DueDate:        parseDate(req.DueDate),
		BaseRent:       req.BaseRent,
		ServiceCharges: req.ServiceCharges,
		ParkingRate:    req.ParkingRate,
		ParkingSpots:   req.ParkingSpots,
	}
	inv, err := h.service.CreateInvoice(r.Context(), in)
	if err != nil {
		h.logger.Error("create invoice", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, inv)
}

type updateInvoiceRequest struct {
	InvoiceDate    *string  `json:"invoiceDate" validate:"omitempty,datetime=2006-01-02"`
	DueDate        *string  `json:"dueDate" validate:"omitempty,datetime=2006-01-02"`
	BaseRent       *float64 `json:"baseRent" validate:"omitempty,gte=0"`
	ServiceCharges *float64 `json:"serviceCharges" validate:"omitempty,gte=0"`
	ParkingRate    *float64 `json:"parkingRate" validate:"omitempty,gte=0"`
	ParkingSpots   *int     `json:"parkingSpots" validate:"omitempty,gte=0"`
}

func (h *Handler) updateInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	var req updateInvoiceRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}

	in := UpdateInvoiceInput{
		BaseRent:       req.BaseRent,
		ServiceCharges: req.ServiceCharges,
		ParkingRate:    req.ParkingRate,
		ParkingSpots:   req.ParkingSpots,
	}
	if req.InvoiceDate != nil {
		d := parseDate(*req.InvoiceDate)
		in.InvoiceDate = &d
	}
	if req.DueDate != nil {
		d := parseDate(*req.DueDate)
		in.DueDate = &d
	}
	inv, err := h.service.UpdateInvoice(r.Context(), id, in)
	if err != nil {
		h.logger.Error("update invoice", slog.Any("error", err), slog.String("id", id.String()))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) getInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	detail, err := h.service.GetInvoiceDetail(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, detail)
}

func (h *Handler) deleteInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteInvoice(r.Context(), id); err != nil {
		h.logger.Error("delete invoice", slog.Any("error", err), slog.String("id", id.String()))
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) sendInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	inv, err := h.service.SendInvoice(r.Context(), id)
	if err != nil {
		h.logger.Error("send invoice", slog.Any("error", err), slog.String("id", id.String()))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) cancelInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	inv, err := h.service.CancelInvoice(r.Context(), id)
	if err != nil {
		h.logger.Error("cancel invoice", slog.Any("error", err), slog.String("id", id.String()))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

// recordPaymentRequest leaves recordedBy optional; it defaults to the
// authenticated actor on the request context.
type recordPaymentRequest struct {
	Amount     float64 `json:"amount" validate:"required,gt=0"`
	PaidAt     string  `json:"paidAt" validate:"omitempty,datetime=2006-01-02"`
	Method     string  `json:"method" validate:"required"`
	RecordedBy string  `json:"recordedBy" validate:"omitempty,uuid"`
}

func (h *Handler) recordPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	var req recordPaymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}

	recordedBy, haveActor := shared.ActorFromContext(r.Context())
	if req.RecordedBy != "" {
		recordedBy = uuid.MustParse(req.RecordedBy)
		haveActor = true
	}
	if !haveActor {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "recordedBy missing and no authenticated actor")
		return
	}

	payment, err := h.service.RecordPayment(r.Context(), RecordPaymentInput{
		InvoiceID:  id,
		Amount:     req.Amount,
		PaidAt:     parseDate(req.PaidAt),
		Method:     req.Method,
		RecordedBy: recordedBy,
	})
	if err != nil {
		h.logger.Error("record payment", slog.Any("error", err), slog.String("invoice", id.String()))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, payment)
}

func (h *Handler) listInvoicePayments(w http.ResponseWriter, r *http.Request) {
	id, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	payments, err := h.service.ListInvoicePayments(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"payments": payments})
}

func (h *Handler) listPayments(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	payments, err := h.service.ListPayments(r.Context(), limit)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"payments": payments})
}

func (h *Handler) listInvoices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := InvoiceFilter{
		Search:      q.Get("search"),
		Status:      InvoiceStatus(q.Get("status")),
		OverdueOnly: q.Get("overdue") == "true",
		SortBy:      q.Get("sortBy"),
		FromDate:    parseDate(q.Get("from")),
		ToDate:      parseDate(q.Get("to")),
	}
	if v := q.Get("propertyId"); v != "" {
		f.PropertyID, _ = uuid.Parse(v)
	}
	if v := q.Get("tenantId"); v != "" {
		f.TenantID, _ = uuid.Parse(v)
	}
	f.Page, _ = strconv.Atoi(q.Get("page"))
	f.PerPage, _ = strconv.Atoi(q.Get("perPage"))

	invoices, pagination, err := h.service.ListInvoices(r.Context(), f)
	if err != nil {
		h.logger.Error("list invoices", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"invoices":   invoices,
		"pagination": pagination,
	})
}

func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.service.GetSummary(r.Context())
	if err != nil {
		h.logger.Error("billing summary", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, sum)
}

func (h *Handler) invoiceID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid invoice id")
		return uuid.Nil, false
	}
	return id, true
}

func parseDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}
	}
	return t
}
