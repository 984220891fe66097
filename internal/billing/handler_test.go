package billing

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/atrium-pm/atrium/internal/shared"
)

func newTestRouter(f *fixture) http.Handler {
	r := chi.NewRouter()
	NewHandler(slog.Default(), f.service).MountRoutes(r)
	return r
}

func TestCreateInvoiceEndpoint(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(f)

	body := fmt.Sprintf(`{"tenantId":%q}`, f.tenant.ID)
	req := httptest.NewRequest(http.MethodPost, "/invoices", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var inv Invoice
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &inv))
	require.Equal(t, "INV-2026-0001", inv.Number)
	require.Equal(t, StatusDraft, inv.Status)
	require.Equal(t, 2870.0, inv.TotalAmount)
}

func TestCreateInvoiceEndpointRejectsBadBody(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(f)

	cases := []string{
		`{`,
		`{"tenantId":"not-a-uuid"}`,
		`{"tenantId":"` + f.tenant.ID.String() + `","baseRent":-5}`,
	}
	for _, body := range cases {
		req := httptest.NewRequest(http.MethodPost, "/invoices", strings.NewReader(body))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusBadRequest, rec.Code, "body: %s", body)
	}
}

func TestRecordPaymentEndpoint(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(f)
	inv := f.createSentInvoice(t, 1000)

	body := fmt.Sprintf(`{"amount":300,"method":"bank_transfer","recordedBy":%q}`, f.actorID)
	req := httptest.NewRequest(http.MethodPost, "/invoices/"+inv.ID.String()+"/payments", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var p Payment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	require.Equal(t, "PMT-2026-0001", p.Number)
	require.Equal(t, 300.0, p.Amount)
}

func TestRecordPaymentEndpointDefaultsToAuthenticatedActor(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(f)
	inv := f.createSentInvoice(t, 1000)

	req := httptest.NewRequest(http.MethodPost, "/invoices/"+inv.ID.String()+"/payments",
		strings.NewReader(`{"amount":250,"method":"cash"}`))
	req = req.WithContext(shared.WithActor(req.Context(), f.actorID))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var p Payment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	require.Equal(t, f.actorID, p.RecordedBy)
}

func TestRecordPaymentEndpointRequiresSomeActor(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(f)
	inv := f.createSentInvoice(t, 1000)

	req := httptest.NewRequest(http.MethodPost, "/invoices/"+inv.ID.String()+"/payments",
		strings.NewReader(`{"amount":250,"method":"cash"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecordPaymentEndpointMapsDomainErrors(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(f)
	inv := f.createSentInvoice(t, 1000)

	body := fmt.Sprintf(`{"amount":1300,"method":"cash","recordedBy":%q}`, f.actorID)
	req := httptest.NewRequest(http.MethodPost, "/invoices/"+inv.ID.String()+"/payments", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var problem struct {
		Title  string `json:"title"`
		Status int    `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	require.Equal(t, "Validation Failed", problem.Title)
}

func TestGetInvoiceEndpointNotFound(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(f)

	req := httptest.NewRequest(http.MethodGet, "/invoices/5c0d8b9e-95bb-45a6-95a1-52bd4b50c1a9", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/invoices/not-a-uuid", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListInvoicesEndpoint(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(f)
	f.createSentInvoice(t, 1000)

	req := httptest.NewRequest(http.MethodGet, "/invoices?status=SENT", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Invoices   []Invoice `json:"invoices"`
		Pagination struct {
			Total int `json:"total"`
		} `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Invoices, 1)
	require.Equal(t, 1, resp.Pagination.Total)
}

func TestSummaryEndpoint(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(f)
	inv := f.createSentInvoice(t, 1000)

	body := fmt.Sprintf(`{"amount":1000,"method":"cash","recordedBy":%q}`, f.actorID)
	req := httptest.NewRequest(http.MethodPost, "/invoices/"+inv.ID.String()+"/payments", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/invoices/summary", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var sum Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sum))
	require.Equal(t, 100.0, sum.CollectionRate)
	require.Equal(t, 1, sum.CountsByStatus[StatusPaid])
}
