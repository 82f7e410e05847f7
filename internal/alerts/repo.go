package alerts

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

type PGRepository struct{ DB *pgxpool.Pool }

func (r *PGRepository) RecordAlert(ctx context.Context, a Alert) (bool, error) {
	ct, err := r.DB.Exec(ctx, `
		INSERT INTO settlement_alerts(event_id, order_id, order_ref, kind, detail,
			trans_id, amount, expected_amount, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (event_id) DO NOTHING`,
		a.EventID, a.OrderID, a.OrderRef, a.Kind, a.Detail, a.TransID, a.Amount, a.Expected, a.OccurredAt)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}
