package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTransitionTable(t *testing.T) {
	all := []InvoiceStatus{
		StatusDraft, StatusSent, StatusPartiallyPaid,
		StatusOverdue, StatusPaid, StatusCancelled,
	}
	allowed := map[InvoiceStatus]map[InvoiceStatus]bool{
		StatusDraft:         {StatusSent: true, StatusCancelled: true},
		StatusSent:          {StatusPartiallyPaid: true, StatusPaid: true, StatusOverdue: true, StatusCancelled: true},
		StatusPartiallyPaid: {StatusPartiallyPaid: true, StatusPaid: true, StatusOverdue: true},
		StatusOverdue:       {StatusPartiallyPaid: true, StatusPaid: true},
		StatusPaid:          {},
		StatusCancelled:     {},
	}

	for _, from := range all {
		for _, to := range all {
			require.Equal(t, allowed[from][to], CanTransition(from, to),
				"transition %s -> %s", from, to)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	require.True(t, IsTerminal(StatusPaid))
	require.True(t, IsTerminal(StatusCancelled))
	require.False(t, IsTerminal(StatusDraft))
	require.False(t, IsTerminal(StatusOverdue))
}

func TestAcceptsPayment(t *testing.T) {
	require.True(t, AcceptsPayment(StatusSent))
	require.True(t, AcceptsPayment(StatusPartiallyPaid))
	require.True(t, AcceptsPayment(StatusOverdue))
	require.False(t, AcceptsPayment(StatusDraft))
	require.False(t, AcceptsPayment(StatusPaid))
	require.False(t, AcceptsPayment(StatusCancelled))
}

func TestRecompute(t *testing.T) {
	inv := &Invoice{
		BaseRent:       2400,
		ServiceCharges: 320,
		ParkingRate:    75,
		ParkingSpots:   2,
	}
	inv.Recompute()
	require.Equal(t, 2870.0, inv.TotalAmount)
	require.Equal(t, 2870.0, inv.Balance)

	fee := 143.5
	inv.LateFee = &fee
	inv.PaidAmount = 1000
	inv.Recompute()
	require.Equal(t, 3013.5, inv.TotalAmount)
	require.Equal(t, 2013.5, inv.Balance)
}

func TestDaysOverdue(t *testing.T) {
	due := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	inv := &Invoice{DueDate: due}

	require.Equal(t, 0, inv.DaysOverdue(due))
	require.Equal(t, 0, inv.DaysOverdue(due.AddDate(0, 0, -5)))
	require.Equal(t, 9, inv.DaysOverdue(due.AddDate(0, 0, 9)))
}
