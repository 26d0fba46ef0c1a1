package taskstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// DebitCredits subtracts from the tenant's ledger row, creating it on
// first use. The upsert keeps concurrent debits from losing updates.
func (s *Postgres) DebitCredits(ctx context.Context, tenant uuid.UUID, amount int) (int64, error) {
	var balance int64
	err := s.db.QueryRow(ctx, `
INSERT INTO tenant_credits (tenant_id, balance, updated_at)
VALUES ($1, -$2, now())
ON CONFLICT (tenant_id)
DO UPDATE SET balance = tenant_credits.balance - $2, updated_at = now()
RETURNING balance`, tenant, amount).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("debit credits: %w", err)
	}
	return balance, nil
}

// CreditBalance returns the tenant's current balance. Tenants without a
// ledger row report zero.
func (s *Postgres) CreditBalance(ctx context.Context, tenant uuid.UUID) (int64, error) {
	var balance int64
	err := s.db.QueryRow(ctx, `
SELECT balance FROM tenant_credits WHERE tenant_id = $1`, tenant).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("credit balance: %w", err)
	}
	return balance, nil
}
