// Package billing implements the invoice and payment lifecycle engine for
// leased units: invoice state machine, payment application, late fees and
// the scheduled batch sweeps that drive recurring billing.
package billing

import (
	"time"

	"github.com/google/uuid"
)

// InvoiceStatus enumerates invoice lifecycle states.
type InvoiceStatus string

const (
	StatusDraft         InvoiceStatus = "DRAFT"
	StatusSent          InvoiceStatus = "SENT"
	StatusPartiallyPaid InvoiceStatus = "PARTIALLY_PAID"
	StatusOverdue       InvoiceStatus = "OVERDUE"
	StatusPaid          InvoiceStatus = "PAID"
	StatusCancelled     InvoiceStatus = "CANCELLED"
)

// transitions is the legal state transition table. PAID and CANCELLED are
// terminal. PARTIALLY_PAID allows a self transition for repeated partial
// payments.
var transitions = map[InvoiceStatus][]InvoiceStatus{
	StatusDraft:         {StatusSent, StatusCancelled},
	StatusSent:          {StatusPartiallyPaid, StatusPaid, StatusOverdue, StatusCancelled},
	StatusPartiallyPaid: {StatusPartiallyPaid, StatusPaid, StatusOverdue},
	StatusOverdue:       {StatusPartiallyPaid, StatusPaid},
	StatusPaid:          {},
	StatusCancelled:     {},
}

// CanTransition reports whether the status change is legal.
func CanTransition(from, to InvoiceStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func IsTerminal(s InvoiceStatus) bool {
	return len(transitions[s]) == 0
}

// payableStatuses are the states that accept payment application.
var payableStatuses = map[InvoiceStatus]bool{
	StatusSent:          true,
	StatusPartiallyPaid: true,
	StatusOverdue:       true,
}

// AcceptsPayment reports whether payments may be recorded in this state.
func AcceptsPayment(s InvoiceStatus) bool {
	return payableStatuses[s]
}

// Invoice is a billing document for a tenant's unit over one period.
type Invoice struct {
	ID             uuid.UUID     `json:"id"`
	Number         string        `json:"number"`
	TenantID       uuid.UUID     `json:"tenantId"`
	UnitID         uuid.UUID     `json:"unitId"`
	PropertyID     uuid.UUID     `json:"propertyId"`
	InvoiceDate    time.Time     `json:"invoiceDate"`
	DueDate        time.Time     `json:"dueDate"`
	BaseRent       float64       `json:"baseRent"`
	ServiceCharges float64       `json:"serviceCharges"`
	ParkingRate    float64       `json:"parkingRate"`
	ParkingSpots   int           `json:"parkingSpots"`
	LateFee        *float64      `json:"lateFee,omitempty"`
	TotalAmount    float64       `json:"totalAmount"`
	PaidAmount     float64       `json:"paidAmount"`
	Balance        float64       `json:"balance"`
	Status         InvoiceStatus `json:"status"`
	LateFeeApplied bool          `json:"lateFeeApplied"`
	DeletedAt      *time.Time    `json:"-"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// ParkingFees returns the parking charge (monthly rate times spot count).
func (inv *Invoice) ParkingFees() float64 {
	return Round2(float64(inv.ParkingSpots) * inv.ParkingRate)
}

// Recompute rederives TotalAmount and Balance from the constituent
// charges and the running paid amount. Every mutation path must call it.
func (inv *Invoice) Recompute() {
	total := inv.BaseRent + inv.ServiceCharges + inv.ParkingFees()
	if inv.LateFee != nil {
		total += *inv.LateFee
	}
	inv.TotalAmount = Round2(total)
	inv.Balance = Round2(inv.TotalAmount - inv.PaidAmount)
}

// DaysOverdue returns whole days elapsed since the due date, zero when the
// invoice is not yet due.
func (inv *Invoice) DaysOverdue(asOf time.Time) int {
	days := int(asOf.Sub(inv.DueDate).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// Payment is an immutable record of money received against an invoice.
type Payment struct {
	ID         uuid.UUID `json:"id"`
	Number     string    `json:"number"`
	InvoiceID  uuid.UUID `json:"invoiceId"`
	TenantID   uuid.UUID `json:"tenantId"`
	Amount     float64   `json:"amount"`
	PaidAt     time.Time `json:"paidAt"`
	Method     string    `json:"method"`
	RecordedBy uuid.UUID `json:"recordedBy"`
	CreatedAt  time.Time `json:"createdAt"`
}

// InvoiceSortKey is the allow-list of listing sort keys.
var InvoiceSortKey = map[string]string{
	"invoiceNumber": "i.number",
	"tenantName":    "t.name",
	"totalAmount":   "i.total_amount",
	"dueDate":       "i.due_date",
	"status":        "i.status",
	"createdAt":     "i.created_at",
}

// InvoiceFilter narrows invoice listings.
type InvoiceFilter struct {
	Search      string
	Status      InvoiceStatus
	PropertyID  uuid.UUID
	TenantID    uuid.UUID
	FromDate    time.Time
	ToDate      time.Time
	OverdueOnly bool
	SortBy      string
	Page        int
	PerPage     int
}

// Summary aggregates collection figures over active invoices.
type Summary struct {
	TotalInvoiced    float64               `json:"totalInvoiced"`
	TotalCollected   float64               `json:"totalCollected"`
	TotalOutstanding float64               `json:"totalOutstanding"`
	CollectionRate   float64               `json:"collectionRate"`
	CountsByStatus   map[InvoiceStatus]int `json:"countsByStatus"`
}

// Tenant is the slice of the tenant directory record billing consumes.
type Tenant struct {
	ID            uuid.UUID
	Name          string
	Email         string
	Status        string
	UnitID        uuid.UUID
	PropertyID    uuid.UUID
	BaseRent      float64
	ServiceCharge float64
	ParkingRate   float64
	ParkingSpots  int
	BillingDay    int
	LeaseEnd      time.Time
}

// TenantStatusActive marks a tenant with a live lease.
const TenantStatusActive = "ACTIVE"

// Active reports whether the tenant may be invoiced.
func (t *Tenant) Active() bool {
	return t != nil && t.Status == TenantStatusActive
}
