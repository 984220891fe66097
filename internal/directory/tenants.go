// Package directory provides the billing engine's read-only adapters to
// the tenancy and staff modules of the platform.
package directory

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atrium-pm/atrium/internal/billing"
)

// TenantStore reads tenant records and lease terms from the platform
// database. It satisfies billing.TenantDirectory.
type TenantStore struct {
	pool *pgxpool.Pool
}

// NewTenantStore constructs a TenantStore.
func NewTenantStore(pool *pgxpool.Pool) *TenantStore {
	return &TenantStore{pool: pool}
}

const tenantColumns = `t.id, t.name, t.email, t.status, t.unit_id, t.property_id,
	t.base_rent, t.service_charge, t.parking_rate, t.parking_spots,
	t.billing_day, t.lease_end`

// Lookup returns the tenant record with its current lease terms.
func (s *TenantStore) Lookup(ctx context.Context, id uuid.UUID) (*billing.Tenant, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM tenants t WHERE t.id = $1 AND t.deleted_at IS NULL`, id)
	tenant, err := scanTenant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrTenantNotFound
	}
	return tenant, err
}

// DueForBilling returns active tenants whose billing anchor day matches
// the given date and whose lease has not ended.
func (s *TenantStore) DueForBilling(ctx context.Context, on time.Time) ([]billing.Tenant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+tenantColumns+`
		FROM tenants t
		WHERE t.status = $1
		  AND t.billing_day = $2
		  AND (t.lease_end IS NULL OR t.lease_end >= $3::date)
		  AND t.deleted_at IS NULL
		ORDER BY t.name`,
		billing.TenantStatusActive, on.Day(), on)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []billing.Tenant
	for rows.Next() {
		tenant, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, *tenant)
	}
	return tenants, rows.Err()
}

func scanTenant(row pgx.Row) (*billing.Tenant, error) {
	var t billing.Tenant
	var leaseEnd pgtype.Date
	err := row.Scan(
		&t.ID, &t.Name, &t.Email, &t.Status, &t.UnitID, &t.PropertyID,
		&t.BaseRent, &t.ServiceCharge, &t.ParkingRate, &t.ParkingSpots,
		&t.BillingDay, &leaseEnd,
	)
	if err != nil {
		return nil, err
	}
	if leaseEnd.Valid {
		t.LeaseEnd = leaseEnd.Time
	}
	return &t, nil
}
