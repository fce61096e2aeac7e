package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// GetMonthlyUsage returns the usage record for an identity and month. A
// missing record is reported as zero usage.
func (r *Repository) GetMonthlyUsage(ctx context.Context, identity string, year, month int) (*MonthlyUsage, error) {
	u := &MonthlyUsage{Identity: identity, Year: year, Month: month}
	err := r.q.QueryRow(ctx, `
		SELECT bytes_transferred, transfer_count, updated_at
		FROM monthly_usage WHERE identity = $1 AND year = $2 AND month = $3
	`, identity, year, month).Scan(&u.BytesTransferred, &u.TransferCount, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return u, nil
		}
		return nil, fmt.Errorf("failed to get monthly usage: %w", err)
	}
	return u, nil
}

// AddMonthlyUsage adds bytes and one transfer to an identity's monthly record,
// creating it on first use. The upsert makes concurrent increments safe.
func (r *Repository) AddMonthlyUsage(ctx context.Context, identity string, year, month int, bytes int64) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO monthly_usage (identity, year, month, bytes_transferred, transfer_count, updated_at)
		VALUES ($1, $2, $3, $4, 1, NOW())
		ON CONFLICT (identity, year, month) DO UPDATE SET
			bytes_transferred = monthly_usage.bytes_transferred + EXCLUDED.bytes_transferred,
			transfer_count    = monthly_usage.transfer_count + 1,
			updated_at        = NOW()
	`, identity, year, month, bytes)
	if err != nil {
		return fmt.Errorf("failed to add monthly usage: %w", err)
	}
	return nil
}
